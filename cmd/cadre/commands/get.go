package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadre-dev/cadre/internal/printer"
	"github.com/cadre-dev/cadre/pkg/board"
)

var getJSON bool

var getCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job in detail",
	Long: `Show a job's status, metadata, tasks, and (once the PRD is approved)
the truth record downstream stages were built against.`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().BoolVar(&getJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	client, _, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()
	job, err := client.GetJob(ctx, jobID)
	if err != nil {
		if board.IsNotFound(err) {
			return printer.ErrorWithContext("Job not found",
				"No job with that id exists on the board.",
				map[string]string{"job_id": jobID},
				[]string{"List jobs with: cadre list"})
		}
		return err
	}

	tasks, err := client.GetJobTasks(ctx, jobID)
	if err != nil {
		return err
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].WaveIndex != tasks[j].WaveIndex {
			return tasks[i].WaveIndex < tasks[j].WaveIndex
		}
		return tasks[i].Role < tasks[j].Role
	})

	truth, err := client.GetTruth(ctx, jobID)
	if err != nil && !board.IsNotFound(err) {
		return err
	}

	if getJSON {
		detail := struct {
			Job   *board.Job         `json:"job"`
			Tasks []*board.Task      `json:"tasks"`
			Truth *board.TruthRecord `json:"truth,omitempty"`
		}{job, tasks, truth}
		data, err := json.MarshalIndent(detail, "", "  ")
		if err != nil {
			return err
		}
		printer.Println(string(data))
		return nil
	}

	printer.Printf("Job %s\n", job.ID)
	printer.Printf("  project: %s\n", job.ProjectID)
	printer.Printf("  status:  %s\n", printer.JobStatus(job.Status))
	printer.Printf("  stage:   %s\n", job.Stage)
	printer.Printf("  created: %s\n", time.UnixMilli(job.CreatedAtMs).Format(time.RFC3339))
	printer.Printf("  updated: %s\n", time.UnixMilli(job.UpdatedAtMs).Format(time.RFC3339))

	if len(job.Metadata) > 0 {
		keys := make([]string, 0, len(job.Metadata))
		for k := range job.Metadata {
			if k == board.MetaRequirements {
				continue // usually a whole document, not worth dumping here
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 0 {
			printer.Printf("  metadata:\n")
			for _, k := range keys {
				printer.Printf("    %s: %s\n", k, job.Metadata[k])
			}
		}
	}

	if truth != nil {
		printer.Printf("\nApproved PRD\n")
		printer.Printf("  prd hash:     %s\n", truth.PRDHash)
		printer.Printf("  requirements: %s\n", truth.RequirementsHash)
		printer.Printf("  approved at:  %s\n", time.UnixMilli(truth.ApprovedAtMs).Format(time.RFC3339))
		if truth.Notes != "" {
			printer.Printf("  notes:        %s\n", truth.Notes)
		}
	}

	if len(tasks) == 0 {
		printer.Printf("\nNo tasks yet.\n")
		return nil
	}

	printer.Printf("\nTasks (%d)\n", len(tasks))
	printer.Printf("  %-36s  %-14s  %-12s  %-4s  %s\n", "TASK", "ROLE", "STATUS", "ATT", "STAGE")
	for _, task := range tasks {
		printer.Printf("  %-36s  %-14s  %-12s  %-4s  %s\n",
			task.ID, task.Role, printer.TaskStatus(task.Status),
			fmt.Sprintf("%d/%d", task.Attempt, task.MaxAttempts), task.Stage)
		if task.Error != "" {
			printer.Printf("      error: %s\n", task.Error)
		}
	}
	return nil
}
