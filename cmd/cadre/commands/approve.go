package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/cadre-dev/cadre/internal/printer"
	"github.com/cadre-dev/cadre/pkg/board"
)

var (
	approveNotes    string
	approvePRDHash  string
	changesFeedback string
)

var approveCmd = &cobra.Command{
	Use:   "approve <job-id>",
	Short: "Approve a job's PRD",
	Long: `Approve the PRD of a job waiting at the approval gate. On approval the
(requirements, PRD) pair is frozen as the job's truth record and downstream
planning fan-out begins.

Pass --prd-hash to pin the approval to the exact PRD revision you reviewed;
the approval is rejected if a newer revision has superseded it.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

var requestChangesCmd = &cobra.Command{
	Use:   "request-changes <job-id>",
	Short: "Send a job's PRD back for revision",
	Long: `Reject the PRD waiting at the approval gate and queue a revision round.
The feedback text is handed to the prd role verbatim.`,
	Args: cobra.ExactArgs(1),
	RunE: runRequestChanges,
}

func init() {
	approveCmd.Flags().StringVar(&approveNotes, "notes", "", "Reviewer notes recorded on the truth record")
	approveCmd.Flags().StringVar(&approvePRDHash, "prd-hash", "", "Approve only this PRD revision")
	rootCmd.AddCommand(approveCmd)

	requestChangesCmd.Flags().StringVar(&changesFeedback, "feedback", "", "Revision feedback for the prd role (required)")
	requestChangesCmd.MarkFlagRequired("feedback")
	rootCmd.AddCommand(requestChangesCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	client, engine, err := connectEngine()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := engine.Approve(context.Background(), jobID, approvePRDHash, approveNotes); err != nil {
		switch {
		case board.IsNotFound(err):
			return printer.ErrorWithContext("Job not found",
				"No job with that id exists on the board.",
				map[string]string{"job_id": jobID}, nil)
		case errors.Is(err, board.ErrStaleApproval):
			return printer.ErrorWithContext("PRD revision is stale",
				"The PRD you reviewed has been superseded by a newer revision.",
				map[string]string{"job_id": jobID},
				[]string{"Fetch the current PRD with: cadre artifacts get " + jobID + " prd", "Re-run approve against the new hash"})
		case errors.Is(err, board.ErrWrongStage):
			return printer.ErrorWithContext("Job is not waiting for approval",
				"Only a job at the approval gate can be approved.",
				map[string]string{"job_id": jobID},
				[]string{"Check the job with: cadre get " + jobID})
		default:
			return err
		}
	}

	printer.Success("PRD approved\n")
	printer.Printf("  job id: %s\n", jobID)
	printer.Printf("\nFollow progress with: cadre watch %s\n", jobID)
	return nil
}

func runRequestChanges(cmd *cobra.Command, args []string) error {
	jobID := args[0]

	client, engine, err := connectEngine()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := engine.RequestChanges(context.Background(), jobID, changesFeedback); err != nil {
		switch {
		case board.IsNotFound(err):
			return printer.ErrorWithContext("Job not found",
				"No job with that id exists on the board.",
				map[string]string{"job_id": jobID}, nil)
		case errors.Is(err, board.ErrWrongStage):
			return printer.ErrorWithContext("Job is not waiting for approval",
				"Changes can only be requested while the job is at the approval gate.",
				map[string]string{"job_id": jobID},
				[]string{"Check the job with: cadre get " + jobID})
		case errors.Is(err, board.ErrInvalidInput):
			return printer.Error("Feedback is required",
				"Request-changes must carry feedback for the revision round.", nil)
		default:
			return err
		}
	}

	printer.Success("Revision requested\n")
	printer.Printf("  job id: %s\n", jobID)
	printer.Printf("\nA new PRD round is queued; watch it with: cadre watch %s\n", jobID)
	return nil
}
