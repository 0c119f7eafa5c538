// Package runstore persists the run projection. The projection is derived
// from the event log: it changes only as a side effect of appending a
// decision-class event in the same transaction, and every mutation here is
// guarded by an optimistic check on the expected current phase.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/store"
)

// ErrStaleTransition means the optimistic phase guard did not match: the run
// moved on since the caller read it. Nothing was mutated; the caller treats
// its work as stale and drops it.
var ErrStaleTransition = errors.New("stale transition")

// ErrNotFound means no run row matched.
var ErrNotFound = errors.New("run not found")

// Store reads and mutates run rows.
type Store struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates a run store.
func New(st *store.Store, logger *zap.Logger) *Store {
	return &Store{store: st, logger: logging.OrNop(logger)}
}

// CreateParams describes a new run.
type CreateParams struct {
	TaskID          string
	ProjectID       string
	RepoID          string
	ParentRunID     string
	SupersedesRunID string
	BaseBranch      string
}

// CreateTx inserts a new pending run, assigning the next run_number for the
// task.
func (s *Store) CreateTx(tx *sql.Tx, p CreateParams) (*model.Run, error) {
	var runNumber int
	err := tx.QueryRow(`SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs WHERE task_id = ?`, p.TaskID).
		Scan(&runNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate run number: %w", err)
	}

	run := &model.Run{
		ID:           ids.New(),
		TaskID:       p.TaskID,
		ProjectID:    p.ProjectID,
		RepoID:       p.RepoID,
		RunNumber:    runNumber,
		ParentRunID:  p.ParentRunID,
		Phase:        model.PhasePending,
		NextSequence: 1,
		BaseBranch:   p.BaseBranch,
		CreatedAt:    time.Now().UTC(),
	}
	run.SupersedesRunID = p.SupersedesRunID

	_, err = tx.Exec(`
		INSERT INTO runs (run_id, task_id, project_id, repo_id, run_number,
			parent_run_id, supersedes_run_id, phase, step, next_sequence,
			last_event_sequence, base_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', '', 1, 0, ?, ?, ?)`,
		run.ID, run.TaskID, run.ProjectID, run.RepoID, run.RunNumber,
		nullable(run.ParentRunID), nullable(run.SupersedesRunID),
		run.BaseBranch, store.Now(), store.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// Get loads one run.
func (s *Store) Get(ctx context.Context, runID string) (*model.Run, error) {
	row := s.store.DB().QueryRowContext(ctx, selectRun+` WHERE run_id = ?`, runID)
	return scanRun(row)
}

// GetTx loads one run inside a transaction.
func (s *Store) GetTx(tx *sql.Tx, runID string) (*model.Run, error) {
	row := tx.QueryRow(selectRun+` WHERE run_id = ?`, runID)
	return scanRun(row)
}

// TransitionParams carries the optional projection updates applied together
// with a phase transition.
type TransitionParams struct {
	From model.RunPhase
	To   model.RunPhase
	Step model.Step

	// Blocked context, set when To is blocked and cleared otherwise.
	BlockedReason  string
	BlockedContext *model.BlockedContext

	// Result fields, set on terminal transitions.
	Result       model.RunResult
	ResultReason string
}

// TransitionTx applies a CAS-guarded phase transition. The WHERE clause pins
// the expected current phase; zero rows updated means ErrStaleTransition.
// The transition must be in the allowed phase graph.
func (s *Store) TransitionTx(tx *sql.Tx, runID string, p TransitionParams) error {
	if !model.CanTransition(p.From, p.To) {
		return fmt.Errorf("transition %s -> %s not allowed", p.From, p.To)
	}

	var blockedCtx *string
	if p.BlockedContext != nil {
		raw, err := json.Marshal(p.BlockedContext)
		if err != nil {
			return fmt.Errorf("failed to serialize blocked context: %w", err)
		}
		str := string(raw)
		blockedCtx = &str
	}

	var result any
	if p.Result != "" {
		result = string(p.Result)
	}

	res, err := tx.Exec(`
		UPDATE runs SET phase = ?, step = ?,
			blocked_reason = ?, blocked_context_json = ?,
			result = COALESCE(?, result), result_reason = CASE WHEN ? != '' THEN ? ELSE result_reason END,
			updated_at = ?
		WHERE run_id = ? AND phase = ?`,
		string(p.To), string(p.Step),
		p.BlockedReason, blockedCtx,
		result, p.ResultReason, p.ResultReason,
		store.Now(),
		runID, string(p.From))
	if err != nil {
		return fmt.Errorf("failed to transition run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// AdvanceStepTx moves the step within the current phase, CAS-guarded on both
// the phase and the expected current step.
func (s *Store) AdvanceStepTx(tx *sql.Tx, runID string, phase model.RunPhase, fromStep, toStep model.Step) error {
	res, err := tx.Exec(`
		UPDATE runs SET step = ?, updated_at = ?
		WHERE run_id = ? AND phase = ? AND step = ?`,
		string(toStep), store.Now(), runID, string(phase), string(fromStep))
	if err != nil {
		return fmt.Errorf("failed to advance step: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// SetPausedTx sets or clears the pause marker. Pause is orthogonal to phase:
// the phase column is untouched.
func (s *Store) SetPausedTx(tx *sql.Tx, runID string, pausedBy string, paused bool) error {
	var (
		res sql.Result
		err error
	)
	if paused {
		res, err = tx.Exec(`
			UPDATE runs SET paused_at = ?, paused_by = ?, updated_at = ?
			WHERE run_id = ? AND paused_at IS NULL
			  AND phase NOT IN ('completed','cancelled')`,
			store.Now(), pausedBy, store.Now(), runID)
	} else {
		res, err = tx.Exec(`
			UPDATE runs SET paused_at = NULL, paused_by = '', updated_at = ?
			WHERE run_id = ? AND paused_at IS NOT NULL`,
			store.Now(), runID)
	}
	if err != nil {
		return fmt.Errorf("failed to update pause state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// UpdatePRBundleTx records the PR bundle, CAS-guarded on the expected phase
// and step so a stale recovery cannot clobber a moved-on run. All five fields
// land together; the schema enforces all-or-nothing.
func (s *Store) UpdatePRBundleTx(tx *sql.Tx, runID string, expectPhase model.RunPhase, expectStep model.Step, pr model.PRBundle) error {
	res, err := tx.Exec(`
		UPDATE runs SET pr_number = ?, pr_node_id = ?, pr_url = ?, pr_state = ?,
			pr_synced_at = ?, updated_at = ?
		WHERE run_id = ? AND phase = ? AND step = ? AND pr_number IS NULL`,
		pr.Number, pr.NodeID, pr.URL, pr.State,
		pr.SyncedAt.UTC().Format(time.RFC3339Nano), store.Now(),
		runID, string(expectPhase), string(expectStep))
	if err != nil {
		return fmt.Errorf("failed to update pr bundle: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrStaleTransition
	}
	return nil
}

// SetPRStateTx refreshes the mirrored PR state for a run with a bundle.
func (s *Store) SetPRStateTx(tx *sql.Tx, runID, state string) error {
	_, err := tx.Exec(`
		UPDATE runs SET pr_state = ?, pr_synced_at = ?, updated_at = ?
		WHERE run_id = ? AND pr_number IS NOT NULL`,
		state, store.Now(), store.Now(), runID)
	if err != nil {
		return fmt.Errorf("failed to update pr state: %w", err)
	}
	return nil
}

// SetHeadSHATx records the run's current head commit. Moving the head is what
// invalidates head-anchored checkpoints.
func (s *Store) SetHeadSHATx(tx *sql.Tx, runID, headSHA string) error {
	_, err := tx.Exec(`UPDATE runs SET head_sha = ?, updated_at = ? WHERE run_id = ?`,
		headSHA, store.Now(), runID)
	if err != nil {
		return fmt.Errorf("failed to update head sha: %w", err)
	}
	return nil
}

// SetBranchTx records the run's working branch.
func (s *Store) SetBranchTx(tx *sql.Tx, runID, branch string) error {
	_, err := tx.Exec(`UPDATE runs SET branch = ?, updated_at = ? WHERE run_id = ?`,
		branch, store.Now(), runID)
	if err != nil {
		return fmt.Errorf("failed to update branch: %w", err)
	}
	return nil
}

// Counter names for IncrementCounterTx.
const (
	CounterPlanRevisions   = "plan_revisions"
	CounterTestFixAttempts = "test_fix_attempts"
	CounterReviewRounds    = "review_rounds"
)

// IncrementCounterTx bumps one of the iteration counters.
func (s *Store) IncrementCounterTx(tx *sql.Tx, runID, counter string) error {
	var col string
	switch counter {
	case CounterPlanRevisions, CounterTestFixAttempts, CounterReviewRounds:
		col = counter
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
	_, err := tx.Exec(`UPDATE runs SET `+col+` = `+col+` + 1, updated_at = ? WHERE run_id = ?`,
		store.Now(), runID)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", counter, err)
	}
	return nil
}

// AddCheckpointTx appends a checkpoint to the run's checkpoint list. A new
// checkpoint with the same name supersedes the old entry.
func (s *Store) AddCheckpointTx(tx *sql.Tx, runID string, cp model.Checkpoint) error {
	cps, err := s.checkpointsTx(tx, runID)
	if err != nil {
		return err
	}

	cp.RecordedAt = time.Now().UTC()
	replaced := false
	for i := range cps {
		if cps[i].Name == cp.Name {
			cps[i] = cp
			replaced = true
			break
		}
	}
	if !replaced {
		cps = append(cps, cp)
	}

	raw, err := json.Marshal(cps)
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoints: %w", err)
	}
	_, err = tx.Exec(`UPDATE runs SET checkpoints_json = ?, updated_at = ? WHERE run_id = ?`,
		string(raw), store.Now(), runID)
	if err != nil {
		return fmt.Errorf("failed to store checkpoints: %w", err)
	}
	return nil
}

// Checkpoints returns the run's recorded checkpoints.
func (s *Store) Checkpoints(ctx context.Context, runID string) ([]model.Checkpoint, error) {
	var raw sql.NullString
	err := s.store.DB().QueryRowContext(ctx,
		`SELECT checkpoints_json FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	return decodeCheckpoints(raw)
}

func (s *Store) checkpointsTx(tx *sql.Tx, runID string) ([]model.Checkpoint, error) {
	var raw sql.NullString
	err := tx.QueryRow(`SELECT checkpoints_json FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	return decodeCheckpoints(raw)
}

func decodeCheckpoints(raw sql.NullString) ([]model.Checkpoint, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var cps []model.Checkpoint
	if err := json.Unmarshal([]byte(raw.String), &cps); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoints: %w", err)
	}
	return cps, nil
}

// LatestValidCheckpoint selects the retry origin: the most advanced
// checkpoint whose anchor still holds. Invalidated checkpoints are skipped.
func LatestValidCheckpoint(run *model.Run, cps []model.Checkpoint) *model.Checkpoint {
	prOpen := run.PR != nil && run.PR.State == "open"
	var best *model.Checkpoint
	for i := range cps {
		cp := &cps[i]
		if !cp.ValidFor(run.HeadSHA, prOpen) {
			continue
		}
		if best == nil || model.CheckpointRank(cp.Name) > model.CheckpointRank(best.Name) {
			best = cp
		}
	}
	return best
}

// ListByPhase returns runs currently in the given phase.
func (s *Store) ListByPhase(ctx context.Context, phase model.RunPhase) ([]*model.Run, error) {
	rows, err := s.store.DB().QueryContext(ctx, selectRun+` WHERE phase = ?`, string(phase))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

const selectRun = `
	SELECT run_id, task_id, project_id, repo_id, run_number,
	       parent_run_id, supersedes_run_id, phase, step,
	       next_sequence, last_event_sequence,
	       paused_at, paused_by, blocked_reason, blocked_context_json,
	       base_branch, branch, head_sha,
	       pr_number, pr_node_id, pr_url, pr_state, pr_synced_at,
	       plan_revisions, test_fix_attempts, review_rounds,
	       result, result_reason, created_at, updated_at
	FROM runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var (
		run                          model.Run
		parentID, supersedesID       sql.NullString
		pausedAt, blockedCtx         sql.NullString
		prNumber                     sql.NullInt64
		prNodeID, prURL, prState     sql.NullString
		prSyncedAt, result           sql.NullString
		phase, step                  string
		createdAt, updatedAt         string
	)
	err := row.Scan(&run.ID, &run.TaskID, &run.ProjectID, &run.RepoID, &run.RunNumber,
		&parentID, &supersedesID, &phase, &step,
		&run.NextSequence, &run.LastEventSequence,
		&pausedAt, &run.PausedBy, &run.BlockedReason, &blockedCtx,
		&run.BaseBranch, &run.Branch, &run.HeadSHA,
		&prNumber, &prNodeID, &prURL, &prState, &prSyncedAt,
		&run.PlanRevisions, &run.TestFixAttempts, &run.ReviewRounds,
		&result, &run.ResultReason, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.ParentRunID = parentID.String
	run.SupersedesRunID = supersedesID.String
	run.Phase = model.RunPhase(phase)
	run.Step = model.Step(step)
	if pausedAt.Valid {
		t := store.ParseTime(pausedAt.String)
		run.PausedAt = &t
	}
	if blockedCtx.Valid && blockedCtx.String != "" {
		var bc model.BlockedContext
		if err := json.Unmarshal([]byte(blockedCtx.String), &bc); err == nil {
			run.BlockedContext = &bc
		}
	}
	if prNumber.Valid {
		run.PR = &model.PRBundle{
			Number:   int(prNumber.Int64),
			NodeID:   prNodeID.String,
			URL:      prURL.String,
			State:    prState.String,
			SyncedAt: store.ParseTime(prSyncedAt.String),
		}
	}
	if result.Valid {
		run.Result = model.RunResult(result.String)
	}
	run.CreatedAt = store.ParseTime(createdAt)
	run.UpdatedAt = store.ParseTime(updatedAt)
	return &run, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
