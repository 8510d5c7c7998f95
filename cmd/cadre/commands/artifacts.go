package commands

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadre-dev/cadre/internal/printer"
	"github.com/cadre-dev/cadre/pkg/board"
)

var (
	artifactsType   string
	artifactsOutput string
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect and export job artifacts",
}

var artifactsListCmd = &cobra.Command{
	Use:   "list <job-id>",
	Short: "List a job's artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsList,
}

var artifactsGetCmd = &cobra.Command{
	Use:   "get <job-id> <artifact-type>",
	Short: "Print an artifact's content",
	Long: `Print the current artifact of the given type for a job. Types: prd,
plan, feature_tree, architecture, uiux, development, qa, security,
documentation, support, pm_review, delivery.`,
	Args: cobra.ExactArgs(2),
	RunE: runArtifactsGet,
}

var artifactsExportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Export a job's artifacts as a zip archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsExport,
}

func init() {
	artifactsListCmd.Flags().StringVar(&artifactsType, "type", "", "Filter by artifact type")
	artifactsGetCmd.Flags().StringVarP(&artifactsOutput, "output", "o", "", "Write content to file instead of stdout")
	artifactsExportCmd.Flags().StringVarP(&artifactsOutput, "output", "o", "", "Archive path (default <job-id>.zip)")

	artifactsCmd.AddCommand(artifactsListCmd)
	artifactsCmd.AddCommand(artifactsGetCmd)
	artifactsCmd.AddCommand(artifactsExportCmd)
	rootCmd.AddCommand(artifactsCmd)
}

func jobArtifacts(ctx context.Context, client *board.Client, jobID string) ([]*board.Artifact, error) {
	if _, err := client.GetJob(ctx, jobID); err != nil {
		if board.IsNotFound(err) {
			return nil, printer.ErrorWithContext("Job not found",
				"No job with that id exists on the board.",
				map[string]string{"job_id": jobID},
				[]string{"List jobs with: cadre list"})
		}
		return nil, err
	}
	return client.ListJobArtifacts(ctx, jobID)
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	var filter board.ArtifactType
	if artifactsType != "" {
		filter = board.ArtifactType(artifactsType)
		if err := filter.Validate(); err != nil {
			return printer.Error("Unknown artifact type", err.Error(), nil)
		}
	}

	client, _, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	artifacts, err := jobArtifacts(context.Background(), client, jobID)
	if err != nil {
		return err
	}

	shown := 0
	printer.Printf("%-14s  %-64s  %s\n", "TYPE", "HASH", "CREATED")
	for _, a := range artifacts {
		if filter != "" && a.Type != filter {
			continue
		}
		printer.Printf("%-14s  %-64s  %s\n", a.Type, a.Hash,
			time.UnixMilli(a.CreatedAtMs).Format(time.RFC3339))
		shown++
	}
	if shown == 0 {
		printer.Info("No artifacts yet.\n")
	}
	return nil
}

func runArtifactsGet(cmd *cobra.Command, args []string) error {
	jobID, typeArg := args[0], args[1]
	artifactType := board.ArtifactType(typeArg)
	if err := artifactType.Validate(); err != nil {
		return printer.Error("Unknown artifact type", err.Error(), nil)
	}

	client, _, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	artifact, err := client.GetJobArtifactByType(context.Background(), jobID, artifactType)
	if err != nil {
		if board.IsNotFound(err) {
			return printer.ErrorWithContext("Artifact not found",
				"The job has no current artifact of that type.",
				map[string]string{"job_id": jobID, "type": typeArg},
				[]string{"See what exists with: cadre artifacts list " + jobID})
		}
		return err
	}

	if artifactsOutput != "" {
		if err := os.WriteFile(artifactsOutput, []byte(artifact.Content), 0o644); err != nil {
			return printer.Error("Could not write output file", err.Error(), nil)
		}
		printer.Success("Wrote %s (%s, %d bytes)\n", artifactsOutput, artifact.Type, len(artifact.Content))
		return nil
	}

	fmt.Print(artifact.Content)
	return nil
}

func runArtifactsExport(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	out := artifactsOutput
	if out == "" {
		out = jobID + ".zip"
	}

	client, _, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	artifacts, err := jobArtifacts(context.Background(), client, jobID)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return printer.Error("Nothing to export",
			"The job has not produced any artifacts yet.", nil)
	}

	f, err := os.Create(out)
	if err != nil {
		return printer.Error("Could not create archive", err.Error(), nil)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, a := range artifacts {
		// Same entry naming as the server's export endpoint.
		name := fmt.Sprintf("%d_%s_%.12s.md", a.CreatedAtMs, a.Type, a.Hash)
		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte(a.Content)); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}

	printer.Success("Exported %d artifacts to %s\n", len(artifacts), out)
	return nil
}
