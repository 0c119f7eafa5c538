// Package cli is the conductor command-line surface: the serve daemon, the
// migration runner, and the operator verbs over runs.
package cli

import (
	"github.com/spf13/cobra"
)

// App is the CLI application with its wired root command.
type App struct {
	rootCmd *cobra.Command

	configPath string
	verbose    bool

	version string
	commit  string
	date    string
}

// New creates the CLI application.
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets build metadata for the version command.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "conductor",
		Short: "Orchestrator for AI coding agents",
		Long: `Conductor drives AI coding agents through plan, implement, test, and
review cycles against GitHub repositories, with durable run state and
exactly-once external writes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c",
		"conductor.yaml", "Config file path")
	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false,
		"Verbose output")

	a.rootCmd.AddCommand(NewServeCmd(a))
	a.rootCmd.AddCommand(NewMigrateCmd(a))
	a.rootCmd.AddCommand(NewRunCmd(a))
	a.rootCmd.AddCommand(NewVersionCmd(a))
}
