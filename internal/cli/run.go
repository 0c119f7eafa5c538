package cli

import (
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/orchestrator"
)

// NewRunCmd creates the run command group: the operator verbs over runs.
func NewRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Operate on runs",
	}

	cmd.AddCommand(newRunStartCmd(app))
	cmd.AddCommand(newRunApproveCmd(app))
	cmd.AddCommand(newRunReviseCmd(app))
	cmd.AddCommand(newRunRetryCmd(app))
	cmd.AddCommand(newRunCancelCmd(app))
	cmd.AddCommand(newRunPauseCmd(app))
	cmd.AddCommand(newRunResumeCmd(app))
	cmd.AddCommand(newRunStatusCmd(app))

	return cmd
}

// cliActor identifies the invoking operator for the audit trail.
func cliActor() orchestrator.Actor {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	return orchestrator.Actor{Type: "cli", DisplayName: name}
}

func newRunStartCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "start <task-id>",
		Short: "Start a run for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := app.loadSystem()
			if err != nil {
				return err
			}
			defer sys.Close()

			run, err := sys.Operators.StartRun(cmd.Context(), args[0], cliActor())
			if err != nil {
				return err
			}
			fmt.Printf("started run %s (attempt %d)\n", run.ID, run.RunNumber)
			return nil
		},
	}
}

func newRunApproveCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <run-id>",
		Short: "Approve a run's plan and start execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := app.loadSystem()
			if err != nil {
				return err
			}
			defer sys.Close()
			return sys.Operators.ApprovePlan(cmd.Context(), args[0], cliActor())
		},
	}
}

func newRunReviseCmd(app *App) *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "revise <run-id>",
		Short: "Send the plan back for revision with feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := app.loadSystem()
			if err != nil {
				return err
			}
			defer sys.Close()
			return sys.Operators.RevisePlan(cmd.Context(), args[0], cliActor(), feedback)
		},
	}
	cmd.Flags().StringVarP(&feedback, "message", "m", "", "Revision feedback for the planner")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newRunRetryCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <run-id>",
		Short: "Retry a blocked run from its last valid checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := app.loadSystem()
			if err != nil {
				return err
			}
			defer sys.Close()
			return sys.Operators.Retry(cmd.Context(), args[0], cliActor())
		},
	}
}

func newRunCancelCmd(app *App) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := app.loadSystem()
			if err != nil {
				return err
			}
			defer sys.Close()
			return sys.Operators.Cancel(cmd.Context(), args[0], cliActor(), reason)
		},
	}
	cmd.Flags().StringVarP(&reason, "message", "m", "cancelled from cli", "Cancellation reason")
	return cmd
}

func newRunPauseCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "pause <run-id>",
		Short: "Pause event consumption for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := app.loadSystem()
			if err != nil {
				return err
			}
			defer sys.Close()
			return sys.Operators.Pause(cmd.Context(), args[0], cliActor())
		},
	}
}

func newRunResumeCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := app.loadSystem()
			if err != nil {
				return err
			}
			defer sys.Close()
			return sys.Operators.Resume(cmd.Context(), args[0], cliActor())
		},
	}
}

func newRunStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sys, err := app.loadSystem()
			if err != nil {
				return err
			}
			defer sys.Close()

			run, err := sys.Runs.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Run:     %s (attempt %d)\n", run.ID, run.RunNumber)
			fmt.Printf("Task:    %s\n", run.TaskID)
			fmt.Printf("Status:  %s\n", run.Status())
			fmt.Printf("Phase:   %s\n", run.Phase)
			if run.Step != "" {
				fmt.Printf("Step:    %s\n", run.Step)
			}
			if run.Phase.IsTerminal() {
				fmt.Printf("Result:  %s", run.Result)
				if run.ResultReason != "" {
					fmt.Printf(" (%s)", run.ResultReason)
				}
				fmt.Println()
			}
			if run.BlockedReason != "" {
				fmt.Printf("Blocked: %s\n", run.BlockedReason)
				if run.BlockedContext != nil && run.BlockedContext.Detail != "" {
					fmt.Printf("         %s\n", run.BlockedContext.Detail)
				}
			}
			if run.PR != nil {
				fmt.Printf("PR:      #%d %s (%s)\n", run.PR.Number, run.PR.URL, run.PR.State)
			}
			fmt.Printf("Counters: plan revisions %d, test fix attempts %d, review rounds %d\n",
				run.PlanRevisions, run.TestFixAttempts, run.ReviewRounds)
			return nil
		},
	}
}
