package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/cadre-dev/cadre/internal/printer"
	"github.com/cadre-dev/cadre/pkg/board"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and its records",
	Long: `Delete a job from the board: in-flight tasks are cancelled, and the
job's tasks, artifacts, truth record, and event log are removed. The
project id becomes free for a new submission.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	client, engine, err := connectEngine()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := context.Background()
	if _, err := client.GetJob(ctx, jobID); err != nil {
		if board.IsNotFound(err) {
			return printer.ErrorWithContext("Job not found",
				"No job with that id exists on the board.",
				map[string]string{"job_id": jobID},
				[]string{"List jobs with: cadre list"})
		}
		return err
	}

	if err := engine.Delete(ctx, jobID); err != nil {
		return err
	}

	printer.Success("Job deleted\n")
	printer.Printf("  job id: %s\n", jobID)
	return nil
}
