// Package printer renders CLI output: colored status lines, event stream
// lines for watch, and structured error messages with suggestions.
package printer

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/cadre-dev/cadre/pkg/board"
)

func init() {
	// Force color output even when not connected to a TTY.
	// Users can disable with the NO_COLOR environment variable.
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	dim    = color.New(color.Faint)
)

// Success prints a success message in green with a checkmark prefix.
func Success(format string, a ...any) {
	green.Printf("✓ %s", fmt.Sprintf(format, a...))
}

// Info prints an informational message in the default color.
func Info(format string, a ...any) {
	fmt.Printf(format, a...)
}

// Warning prints a warning message in yellow.
func Warning(format string, a ...any) {
	yellow.Printf("⚠ %s", fmt.Sprintf(format, a...))
}

// Step prints a step message with emphasis (used in multi-step operations).
func Step(format string, a ...any) {
	cyan.Printf("→ %s", fmt.Sprintf(format, a...))
}

// Println prints a plain message.
func Println(a ...any) {
	fmt.Println(a...)
}

// Printf prints a plain formatted message.
func Printf(format string, a ...any) {
	fmt.Printf(format, a...)
}

// JobStatus renders a job status with its conventional color: green for
// completed, red for failed, yellow for states waiting on a human.
func JobStatus(status board.JobStatus) string {
	switch status {
	case board.JobStatusCompleted:
		return green.Sprint(string(status))
	case board.JobStatusFailed:
		return red.Sprint(string(status))
	case board.JobStatusWaitingForApproval, board.JobStatusChangesRequested:
		return yellow.Sprint(string(status))
	default:
		return string(status)
	}
}

// TaskStatus renders a task status with its conventional color.
func TaskStatus(status board.TaskStatus) string {
	switch status {
	case board.TaskStatusSucceeded:
		return green.Sprint(string(status))
	case board.TaskStatusFailed:
		return red.Sprint(string(status))
	case board.TaskStatusCancelled:
		return dim.Sprint(string(status))
	case board.TaskStatusRunning, board.TaskStatusClaimed:
		return cyan.Sprint(string(status))
	default:
		return string(status)
	}
}

// EventLine renders one board event as a single watch line:
// sequence, kind, and the payload as sorted key=value pairs.
func EventLine(ev *board.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s #%d %s", dim.Sprintf("[%s]", ev.JobID[:8]), ev.Seq, eventKind(ev.Kind))
	if ev.TaskID != "" {
		fmt.Fprintf(&b, " task=%s", ev.TaskID[:8])
	}

	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, ev.Payload[k])
	}
	return b.String()
}

func eventKind(kind board.EventKind) string {
	switch kind {
	case board.EventJobCompleted, board.EventTaskSucceeded, board.EventApprovalGranted:
		return green.Sprint(string(kind))
	case board.EventJobFailed, board.EventTaskFailed:
		return red.Sprint(string(kind))
	case board.EventApprovalRequested, board.EventChangesRequested, board.EventQueueSaturated:
		return yellow.Sprint(string(kind))
	default:
		return string(kind)
	}
}

// Error prints a formatted error with title, explanation, and suggestions to
// stderr and returns a plain error for cobra (which has SilenceErrors set).
func Error(title string, explanation string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(os.Stderr, "%s\n", explanation)
	}
	printSuggestions(suggestions)
	return fmt.Errorf("%s", title)
}

// ErrorWithContext is Error with extra key/value details under the explanation.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(os.Stderr, "%s\n", explanation)
	}
	if len(context) > 0 {
		fmt.Fprintf(os.Stderr, "\n")
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", k, context[k])
		}
	}
	printSuggestions(suggestions)
	return fmt.Errorf("%s", title)
}

func printSuggestions(suggestions []string) {
	if len(suggestions) == 0 {
		return
	}
	fmt.Fprintf(os.Stderr, "\n")
	if len(suggestions) == 1 {
		fmt.Fprintf(os.Stderr, "%s\n", suggestions[0])
		return
	}
	fmt.Fprintf(os.Stderr, "Either:\n")
	for i, suggestion := range suggestions {
		fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, suggestion)
	}
}
