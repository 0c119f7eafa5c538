package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// registerFileTools adds read_file, write_file, delete_file, and list_files.
// Paths have already passed the policy chain; the handlers re-resolve anyway
// so a direct handler call cannot bypass the jail.
func registerFileTools(reg *Registry, maxReadBytes int) {
	reg.Register("read_file", func(ctx context.Context, worktree string, args Args) Result {
		path, err := ResolveInWorktree(worktree, args.Path)
		if err != nil {
			return errResult(err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errResult(fmt.Errorf("failed to read %s: %w", args.Path, err))
		}
		content, truncated := TruncateRead(data, maxReadBytes)
		return Result{
			Content: string(content),
			Meta:    map[string]any{"truncated": truncated, "bytes": len(data)},
		}
	})

	reg.Register("write_file", func(ctx context.Context, worktree string, args Args) Result {
		path, err := ResolveInWorktree(worktree, args.Path)
		if err != nil {
			return errResult(err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errResult(fmt.Errorf("failed to create parent directory: %w", err))
		}
		if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
			return errResult(fmt.Errorf("failed to write %s: %w", args.Path, err))
		}
		return Result{Content: "ok", Meta: map[string]any{"bytes": len(args.Content)}}
	})

	reg.Register("delete_file", func(ctx context.Context, worktree string, args Args) Result {
		path, err := ResolveInWorktree(worktree, args.Path)
		if err != nil {
			return errResult(err)
		}
		if err := os.Remove(path); err != nil {
			return errResult(fmt.Errorf("failed to delete %s: %w", args.Path, err))
		}
		return Result{Content: "ok"}
	})

	reg.Register("list_files", func(ctx context.Context, worktree string, args Args) Result {
		dir := args.Path
		if dir == "" {
			dir = "."
		}
		path, err := ResolveInWorktree(worktree, dir)
		if err != nil {
			return errResult(err)
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return errResult(fmt.Errorf("failed to list %s: %w", dir, err))
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if name == ".git" {
				continue
			}
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return Result{Content: strings.Join(names, "\n"), Meta: map[string]any{"count": len(names)}}
	})
}

// registerRunTests adds the run_tests tool. The command has passed the
// allowlist and shell-operator rules; execution is argv-style with no shell.
func registerRunTests(reg *Registry, maxOutputBytes int) {
	reg.Register("run_tests", func(ctx context.Context, worktree string, args Args) Result {
		command := args.Command
		if len(command) == 0 {
			command = DetectTestCommand(worktree)
			if command == nil {
				return errResult(fmt.Errorf("no test command given and none detected"))
			}
		}

		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		cmd.Dir = worktree
		output, err := cmd.CombinedOutput()

		truncated, wasTruncated := TruncateHeadTail(output, maxOutputBytes)
		meta := map[string]any{
			"command":   command,
			"truncated": wasTruncated,
			"bytes":     len(output),
		}
		if err != nil {
			if ctx.Err() != nil {
				meta["cancelled"] = true
			}
			if exitErr, ok := err.(*exec.ExitError); ok {
				meta["exit_code"] = exitErr.ExitCode()
			}
			return Result{
				Content:   string(truncated),
				IsError:   true,
				ErrorText: err.Error(),
				Meta:      meta,
			}
		}
		meta["exit_code"] = 0
		return Result{Content: string(truncated), Meta: meta}
	})
}

func errResult(err error) Result {
	return Result{IsError: true, ErrorText: err.Error()}
}
