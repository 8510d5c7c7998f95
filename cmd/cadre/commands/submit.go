package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cadre-dev/cadre/internal/printer"
	"github.com/cadre-dev/cadre/pkg/board"
)

var (
	submitProject      string
	submitRequirements string
	submitFile         string
	submitMetadata     []string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a planning job",
	Long: `Submit a new planning job for a project. Requirements come from
--requirements or from a file via --file.

One active job per project id: submitting while a previous job for the same
project is still running is rejected.

Examples:
  cadre submit --project shortener --requirements "Build a URL shortener"
  cadre submit --project shortener --file requirements.md --meta team=core`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitProject, "project", "", "Project identifier (required)")
	submitCmd.Flags().StringVar(&submitRequirements, "requirements", "", "Requirements text")
	submitCmd.Flags().StringVar(&submitFile, "file", "", "Read requirements from file")
	submitCmd.Flags().StringArrayVar(&submitMetadata, "meta", nil, "Additional metadata as key=value (repeatable)")
	submitCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	requirements := submitRequirements
	if submitFile != "" {
		data, err := os.ReadFile(submitFile)
		if err != nil {
			return printer.Error("Could not read requirements file", err.Error(), nil)
		}
		requirements = string(data)
	}
	if requirements == "" {
		return printer.Error("No requirements given",
			"A job needs a requirements document to plan from.",
			[]string{"Pass --requirements \"...\"", "Pass --file requirements.md"})
	}

	metadata := make(map[string]string, len(submitMetadata))
	for _, kv := range submitMetadata {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return printer.Error("Invalid metadata entry",
				fmt.Sprintf("%q is not of the form key=value.", kv), nil)
		}
		metadata[key] = value
	}

	client, engine, err := connectEngine()
	if err != nil {
		return err
	}
	defer client.Close()

	job, err := engine.CreateJob(context.Background(), submitProject, requirements, metadata)
	if err != nil {
		switch {
		case errors.Is(err, board.ErrConflict):
			return printer.ErrorWithContext("Project already has an active job",
				"Only one job may be active per project id.",
				map[string]string{"project": submitProject},
				[]string{"Wait for the active job to finish", "Delete it with: cadre delete <job-id>"})
		case errors.Is(err, board.ErrQueueSaturated):
			return printer.Error("Intake is saturated",
				"The prd queue is over its soft cap; try again once workers catch up.", nil)
		default:
			return err
		}
	}

	printer.Success("Job submitted\n")
	printer.Printf("  job id:  %s\n", job.ID)
	printer.Printf("  project: %s\n", job.ProjectID)
	printer.Printf("  status:  %s\n", printer.JobStatus(job.Status))
	printer.Printf("\nFollow progress with: cadre watch %s\n", job.ID)
	return nil
}
