// Package worktree provisions isolated git worktrees for runs and leases
// ports from each project's configured range. At most one active worktree
// per run and one active lease per (project, port); both are enforced by
// partial unique indexes in the schema.
package worktree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/store"
)

// ErrActiveWorktreeExists means the run already has a live worktree.
var ErrActiveWorktreeExists = errors.New("run already has an active worktree")

// ErrNoFreePort means the project's port range is exhausted.
var ErrNoFreePort = errors.New("no free port in project range")

// Manager creates and destroys worktrees.
type Manager struct {
	store    *store.Store
	repoRoot string
	base     string
	logger   *zap.Logger
}

// NewManager creates a worktree manager. repoRoot is the main clone; base is
// where worktrees are created.
func NewManager(st *store.Store, repoRoot, base string, logger *zap.Logger) *Manager {
	return &Manager{
		store:    st,
		repoRoot: repoRoot,
		base:     base,
		logger:   logging.OrNop(logger),
	}
}

// Create provisions a worktree and branch for a run off the base branch, and
// records the row. The branch name embeds the run id so reruns never collide.
func (m *Manager) Create(ctx context.Context, run *model.Run) (*model.Worktree, error) {
	path := filepath.Join(m.base, run.ID)
	branch := fmt.Sprintf("conductor/%s/%d", run.TaskID, run.RunNumber)

	if err := os.MkdirAll(m.base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base: %w", err)
	}

	baseBranch := run.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	if _, err := gitExec(ctx, m.repoRoot, nil, "worktree", "add", "-b", branch, path, baseBranch); err != nil {
		return nil, fmt.Errorf("failed to add worktree: %w", err)
	}

	baseCommit, err := gitExec(ctx, path, nil, "rev-parse", "HEAD")
	if err != nil {
		_ = m.removeFiles(ctx, path, branch)
		return nil, fmt.Errorf("failed to resolve base commit: %w", err)
	}

	wt := &model.Worktree{
		ID:         ids.New(),
		RunID:      run.ID,
		Path:       path,
		BranchName: branch,
		BaseCommit: baseCommit,
		Status:     "active",
		CreatedAt:  time.Now().UTC(),
	}

	_, err = m.store.DB().ExecContext(ctx, `
		INSERT INTO worktrees (worktree_id, run_id, path, branch_name, base_commit,
			status, last_heartbeat_at, created_at)
		VALUES (?, ?, ?, ?, ?, 'active', ?, ?)`,
		wt.ID, wt.RunID, wt.Path, wt.BranchName, wt.BaseCommit,
		store.Now(), store.Now())
	if err != nil {
		_ = m.removeFiles(ctx, path, branch)
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrActiveWorktreeExists
		}
		return nil, fmt.Errorf("failed to insert worktree: %w", err)
	}

	// Reserve the run's dev-server port from the project range. Destroy
	// releases it. An exhausted range fails creation; the job retries after
	// the janitor frees leases from expired worktrees.
	project, err := m.loadProject(ctx, run.ProjectID)
	if err != nil {
		_ = m.Destroy(ctx, wt)
		return nil, err
	}
	if _, err := m.LeasePort(ctx, project, wt.ID); err != nil {
		_ = m.Destroy(ctx, wt)
		return nil, err
	}

	return wt, nil
}

func (m *Manager) loadProject(ctx context.Context, projectID string) (*model.Project, error) {
	var p model.Project
	err := m.store.DB().QueryRowContext(ctx, `
		SELECT project_id, name, port_range_start, port_range_end
		FROM projects WHERE project_id = ?`, projectID).
		Scan(&p.ID, &p.Name, &p.PortRangeStart, &p.PortRangeEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return &p, nil
}

// Destroy tears down the worktree's files and marks the row destroyed. Safe
// to call twice; missing files are not an error.
func (m *Manager) Destroy(ctx context.Context, wt *model.Worktree) error {
	if err := m.removeFiles(ctx, wt.Path, wt.BranchName); err != nil {
		m.logger.Warn("worktree file removal failed",
			zap.String("worktree_id", wt.ID), zap.Error(err))
	}

	_, err := m.store.DB().ExecContext(ctx, `
		UPDATE worktrees SET status = 'destroyed', destroyed_at = ?
		WHERE worktree_id = ? AND destroyed_at IS NULL`, store.Now(), wt.ID)
	if err != nil {
		return fmt.Errorf("failed to mark worktree destroyed: %w", err)
	}

	// Free any ports leased to this worktree.
	_, err = m.store.DB().ExecContext(ctx, `
		UPDATE port_leases SET is_active = 0, released_at = ?
		WHERE worktree_id = ? AND is_active = 1`, store.Now(), wt.ID)
	if err != nil {
		return fmt.Errorf("failed to release port leases: %w", err)
	}
	return nil
}

func (m *Manager) removeFiles(ctx context.Context, path, branch string) error {
	if _, err := gitExec(ctx, m.repoRoot, nil, "worktree", "remove", "--force", path); err != nil {
		// Fall back to rm when git lost track of the worktree.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("failed to remove worktree: %w", err)
		}
		_, _ = gitExec(ctx, m.repoRoot, nil, "worktree", "prune")
	}
	_, _ = gitExec(ctx, m.repoRoot, nil, "branch", "-D", branch)
	return nil
}

// Active returns the run's live worktree, or nil.
func (m *Manager) Active(ctx context.Context, runID string) (*model.Worktree, error) {
	row := m.store.DB().QueryRowContext(ctx, `
		SELECT worktree_id, run_id, path, branch_name, base_commit, status,
		       last_heartbeat_at, created_at, destroyed_at
		FROM worktrees WHERE run_id = ? AND destroyed_at IS NULL`, runID)

	var (
		wt                     model.Worktree
		heartbeat, destroyedAt sql.NullString
		createdAt              string
	)
	err := row.Scan(&wt.ID, &wt.RunID, &wt.Path, &wt.BranchName, &wt.BaseCommit,
		&wt.Status, &heartbeat, &createdAt, &destroyedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load worktree: %w", err)
	}
	if heartbeat.Valid {
		t := store.ParseTime(heartbeat.String)
		wt.LastHeartbeatAt = &t
	}
	wt.CreatedAt = store.ParseTime(createdAt)
	return &wt, nil
}

// Heartbeat refreshes the worktree's liveness stamp.
func (m *Manager) Heartbeat(ctx context.Context, worktreeID string) error {
	_, err := m.store.DB().ExecContext(ctx, `
		UPDATE worktrees SET last_heartbeat_at = ? WHERE worktree_id = ? AND destroyed_at IS NULL`,
		store.Now(), worktreeID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat worktree: %w", err)
	}
	return nil
}

// HeadSHA returns the worktree's current HEAD commit.
func (m *Manager) HeadSHA(ctx context.Context, wt *model.Worktree) (string, error) {
	sha, err := gitExec(ctx, wt.Path, nil, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read head: %w", err)
	}
	return sha, nil
}

// Push pushes the worktree's branch. The token rides in a one-shot askpass
// environment and never appears in args or logs.
func (m *Manager) Push(ctx context.Context, wt *model.Worktree, token string) error {
	var env []string
	if token != "" {
		env = append(env,
			"GIT_ASKPASS=/bin/echo",
			"GIT_HTTP_EXTRA_TOKEN="+token,
			fmt.Sprintf("GIT_CONFIG_COUNT=%d", 1),
			"GIT_CONFIG_KEY_0=http.extraHeader",
			"GIT_CONFIG_VALUE_0=Authorization: Bearer "+token,
		)
	}
	if _, err := gitExec(ctx, wt.Path, env, "push", "-u", "origin", wt.BranchName); err != nil {
		return fmt.Errorf("failed to push branch: %w", err)
	}
	return nil
}

// LeasePort reserves the lowest free port in the project's range for the
// worktree. The partial unique index is the arbiter under concurrency: an
// insert losing the race retries on the next candidate.
func (m *Manager) LeasePort(ctx context.Context, project *model.Project, worktreeID string) (*model.PortLease, error) {
	for port := project.PortRangeStart; port <= project.PortRangeEnd; port++ {
		lease := &model.PortLease{
			ID:         ids.New(),
			ProjectID:  project.ID,
			WorktreeID: worktreeID,
			Port:       port,
			IsActive:   true,
			LeasedAt:   time.Now().UTC(),
		}
		_, err := m.store.DB().ExecContext(ctx, `
			INSERT INTO port_leases (port_lease_id, project_id, worktree_id, port, is_active, leased_at)
			VALUES (?, ?, ?, ?, 1, ?)`,
			lease.ID, lease.ProjectID, lease.WorktreeID, lease.Port, store.Now())
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				continue
			}
			return nil, fmt.Errorf("failed to lease port: %w", err)
		}
		return lease, nil
	}
	return nil, ErrNoFreePort
}

// ReleasePort frees one lease.
func (m *Manager) ReleasePort(ctx context.Context, leaseID string) error {
	_, err := m.store.DB().ExecContext(ctx, `
		UPDATE port_leases SET is_active = 0, released_at = ?
		WHERE port_lease_id = ? AND is_active = 1`, store.Now(), leaseID)
	if err != nil {
		return fmt.Errorf("failed to release port: %w", err)
	}
	return nil
}
