package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadre-dev/cadre/internal/printer"
	"github.com/cadre-dev/cadre/pkg/board"
)

var (
	listStatus string
	listLimit  int
	listJSON   bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs on the board, newest first.

Use --status to filter (queued, in_progress, waiting_for_approval,
changes_requested, running, completed, failed) and --json for
machine-readable output.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by job status")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum jobs to show")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	var status board.JobStatus
	if listStatus != "" {
		status = board.JobStatus(listStatus)
		if err := status.Validate(); err != nil {
			return printer.Error("Unknown status filter", err.Error(), nil)
		}
	}

	client, _, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	jobs, err := client.ListJobs(context.Background(), status, listLimit)
	if err != nil {
		return err
	}

	if listJSON {
		data, err := json.MarshalIndent(jobs, "", "  ")
		if err != nil {
			return err
		}
		printer.Println(string(data))
		return nil
	}

	if len(jobs) == 0 {
		printer.Info("No jobs found.\n")
		return nil
	}

	printer.Printf("%-36s  %-20s  %-22s  %-20s  %s\n", "JOB", "PROJECT", "STATUS", "STAGE", "UPDATED")
	for _, job := range jobs {
		updated := time.UnixMilli(job.UpdatedAtMs).Format(time.RFC3339)
		printer.Printf("%-36s  %-20s  %-22s  %-20s  %s\n",
			job.ID, job.ProjectID, printer.JobStatus(job.Status), job.Stage, updated)
	}
	fmt.Println()
	return nil
}
