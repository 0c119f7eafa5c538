// Package agent invokes CLI coding agents inside run worktrees and persists
// their outputs as versioned artifacts and transcripts. Agents hold no
// credentials and reach the outside world only through sandbox tools; all
// GitHub effects they request go through the outbox.
package agent

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Role is the hat an agent wears for one invocation.
type Role string

const (
	RolePlanner     Role = "planner"
	RoleImplementer Role = "implementer"
	RoleReviewer    Role = "reviewer"
)

// Provider runs one agent invocation. Implementations stream output to the
// given writers and honor context cancellation.
type Provider interface {
	Invoke(ctx context.Context, prompt string, workdir string, stdout, stderr io.Writer) error
	Name() string
}

// CLIProvider shells out to an agent CLI. The prompt rides on stdin; the
// environment is inherited minus any credential variables the caller
// scrubbed. The worktree is the working directory.
type CLIProvider struct {
	command string
	args    []string
}

// NewCLIProvider creates a provider over a CLI command. Empty command
// defaults to "claude".
func NewCLIProvider(command string, args ...string) *CLIProvider {
	if command == "" {
		command = "claude"
	}
	return &CLIProvider{command: command, args: args}
}

// Invoke executes the CLI with the prompt on stdin.
func (p *CLIProvider) Invoke(ctx context.Context, prompt string, workdir string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, p.command, p.args...)
	cmd.Dir = workdir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	if _, err := io.WriteString(stdin, prompt); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		return fmt.Errorf("failed to write prompt: %w", err)
	}
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("agent cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("agent exited with error: %w", err)
	}
	return nil
}

// Name returns the CLI command name.
func (p *CLIProvider) Name() string {
	return p.command
}
