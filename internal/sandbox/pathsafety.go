// Package sandbox mediates every tool invocation an agent makes: ordered
// policy pre-checks, worktree-jailed filesystem access, allowlisted command
// execution, and redacted audit records.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape means the requested path resolves outside the worktree.
var ErrPathEscape = errors.New("path escapes worktree")

// ErrGitPath means the requested path touches the worktree's .git directory.
var ErrGitPath = errors.New("path touches .git")

// ResolveInWorktree resolves a tool-supplied path against the worktree and
// rejects anything that lands outside it. Absolute paths and paths whose
// lexical normalization starts with ".." are rejected before touching the
// filesystem; then the real target is computed through symlinks so that a
// link inside the worktree cannot reach out.
func ResolveInWorktree(worktree, input string) (string, error) {
	if input == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(input) {
		return "", fmt.Errorf("%w: absolute path %q", ErrPathEscape, input)
	}

	joined := filepath.Join(worktree, input)
	rel, err := filepath.Rel(worktree, joined)
	if err != nil {
		return "", fmt.Errorf("failed to relativize path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q normalizes outside the worktree", ErrPathEscape, input)
	}

	if isGitPath(rel) {
		return "", fmt.Errorf("%w: %q", ErrGitPath, input)
	}

	realWorktree, err := filepath.EvalSymlinks(worktree)
	if err != nil {
		return "", fmt.Errorf("failed to resolve worktree: %w", err)
	}

	realTarget, err := resolveReal(joined)
	if err != nil {
		return "", err
	}

	relReal, err := filepath.Rel(realWorktree, realTarget)
	if err != nil {
		return "", fmt.Errorf("failed to relativize real path: %w", err)
	}
	if relReal == ".." || strings.HasPrefix(relReal, ".."+string(filepath.Separator)) || filepath.IsAbs(relReal) {
		return "", fmt.Errorf("%w: %q resolves to %q", ErrPathEscape, input, realTarget)
	}
	if isGitPath(relReal) {
		return "", fmt.Errorf("%w: %q resolves into .git", ErrGitPath, input)
	}

	return joined, nil
}

// resolveReal computes the real path of target even when it does not exist
// yet: walk up to the deepest existing ancestor, resolve that through
// symlinks, then reattach the non-existent suffix.
func resolveReal(target string) (string, error) {
	existing := target
	var suffix []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to stat %q: %w", existing, err)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		suffix = append([]string{filepath.Base(existing)}, suffix...)
		existing = parent
	}

	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", existing, err)
	}
	return filepath.Join(append([]string{real}, suffix...)...), nil
}

// isGitPath reports whether a worktree-relative path is .git or under it.
func isGitPath(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".git" {
			return true
		}
	}
	return false
}

// MatchesSensitive reports whether the path's base name matches any of the
// configured sensitive patterns.
func MatchesSensitive(patterns []string, path string) bool {
	base := filepath.Base(path)
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}
