package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cadre-dev/cadre/internal/printer"
	"github.com/cadre-dev/cadre/pkg/board"
)

var (
	watchFromSeq int64
	watchFollow  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [job-id]",
	Short: "Follow the live event stream",
	Long: `Follow board events as they happen. With a job id, only that job's
events are shown and --from-seq replays durable history first; without one,
events from every job are streamed.

When watching a single job the command exits once the job reaches a
terminal state, unless --follow is set. Press Ctrl-C to stop.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Int64Var(&watchFromSeq, "from-seq", 0, "Replay job history from this sequence number (requires a job id)")
	watchCmd.Flags().BoolVar(&watchFollow, "follow", false, "Keep streaming after the job reaches a terminal state")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var jobID string
	if len(args) == 1 {
		jobID = args[0]
	}
	if watchFromSeq > 0 && jobID == "" {
		return printer.Error("Replay needs a job id",
			"--from-seq replays one job's durable history; pass the job id to replay.", nil)
	}

	client, cfg, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if jobID != "" {
		if _, err := client.GetJob(ctx, jobID); err != nil {
			if board.IsNotFound(err) {
				return printer.ErrorWithContext("Job not found",
					"No job with that id exists on the board.",
					map[string]string{"job_id": jobID},
					[]string{"List jobs with: cadre list"})
			}
			return err
		}
	}

	sub, err := client.SubscribeEvents(ctx, jobID, watchFromSeq, cfg.EventBus.SubscriberBuffer)
	if err != nil {
		return err
	}
	defer sub.Close()

	if jobID != "" {
		printer.Info("Watching job %s (Ctrl-C to stop)\n\n", jobID)
	} else {
		printer.Info("Watching all jobs (Ctrl-C to stop)\n\n")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			printer.Warning("stream error: %v\n", err)
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if ev.Kind == board.EventHeartbeat {
				if ev.Payload["reason"] == "subscriber_lagged" {
					printer.Warning("stream lagged; some events were skipped (replay with --from-seq)\n")
				}
				continue
			}
			printer.Println(printer.EventLine(ev))

			if jobID != "" && !watchFollow &&
				(ev.Kind == board.EventJobCompleted || ev.Kind == board.EventJobFailed) {
				printer.Printf("\n")
				if ev.Kind == board.EventJobCompleted {
					printer.Success("Job completed\n")
				} else {
					printer.Warning("Job failed\n")
					printer.Printf("Inspect it with: cadre get %s\n", jobID)
				}
				return nil
			}
		}
	}
}
