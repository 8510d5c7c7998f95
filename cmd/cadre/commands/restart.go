package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/cadre-dev/cadre/internal/printer"
	"github.com/cadre-dev/cadre/pkg/board"
)

var restartCmd = &cobra.Command{
	Use:   "restart <job-id>",
	Short: "Restart a failed job",
	Long: `Restart a failed job from the beginning. Completed artifacts and the
event history are kept; tasks are regenerated with the same deterministic
ids, so already-stored outputs are reused where the inputs are unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	client, engine, err := connectEngine()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := engine.Restart(context.Background(), jobID); err != nil {
		switch {
		case board.IsNotFound(err):
			return printer.ErrorWithContext("Job not found",
				"No job with that id exists on the board.",
				map[string]string{"job_id": jobID}, nil)
		case errors.Is(err, board.ErrNotFailed):
			return printer.ErrorWithContext("Job is not failed",
				"Only a failed job can be restarted.",
				map[string]string{"job_id": jobID},
				[]string{"Check the job with: cadre get " + jobID})
		default:
			return err
		}
	}

	printer.Success("Job restarted\n")
	printer.Printf("  job id: %s\n", jobID)
	printer.Printf("\nFollow progress with: cadre watch %s\n", jobID)
	return nil
}
