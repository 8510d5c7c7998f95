// Package commands implements the cadre operator CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cadre",
	Short: "Cadre - multi-agent planning platform CLI",
	Long: `Cadre turns a requirements document into a reviewed set of planning
artifacts: a pool of specialized worker roles executes a dependency graph of
tasks per job, gated by a mandatory human PRD approval.

The CLI talks directly to the Redis board shared with the cadred server:
submit jobs, inspect their progress, decide the approval gate, and follow
the live event stream.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Called once by main.main().
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
