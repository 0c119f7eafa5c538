package runstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedTask(t *testing.T, st *store.Store) {
	t.Helper()
	_, err := st.DB().Exec(`
		INSERT INTO projects (project_id, name, user_id, created_at) VALUES ('p1', 'web', 'system', ?);
		INSERT INTO repos (repo_id, project_id, external_node_id, full_name)
			VALUES ('r1', 'p1', 'R_node1', 'acme/web');
		INSERT INTO tasks (task_id, project_id, repo_id, external_node_id, slug, title)
			VALUES ('t1', 'p1', 'r1', 'I_node1', 'issue-7', 'Fix login redirect');`,
		store.Now())
	require.NoError(t, err)
}

func createRun(t *testing.T, st *store.Store, s *Store) *model.Run {
	t.Helper()
	var run *model.Run
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		var txErr error
		run, txErr = s.CreateTx(tx, CreateParams{
			TaskID:     "t1",
			ProjectID:  "p1",
			RepoID:     "r1",
			BaseBranch: "main",
		})
		return txErr
	})
	require.NoError(t, err)
	return run
}

func transition(t *testing.T, st *store.Store, s *Store, runID string, p TransitionParams) error {
	t.Helper()
	return st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.TransitionTx(tx, runID, p)
	})
}

func TestCreateTx_AssignsRunNumbers(t *testing.T) {
	st := newTestStore(t)
	seedTask(t, st)
	s := New(st, nil)

	first := createRun(t, st, s)
	second := createRun(t, st, s)

	assert.Equal(t, 1, first.RunNumber)
	assert.Equal(t, 2, second.RunNumber)
	assert.Equal(t, model.PhasePending, first.Phase)

	got, err := s.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.NextSequence)
	assert.Equal(t, int64(0), got.LastEventSequence)
	assert.Equal(t, "main", got.BaseBranch)
}

func TestTransitionTx_StaleGuard(t *testing.T) {
	st := newTestStore(t)
	seedTask(t, st)
	s := New(st, nil)
	run := createRun(t, st, s)

	p := TransitionParams{
		From: model.PhasePending,
		To:   model.PhasePlanning,
		Step: model.StepSetupWorktree,
	}
	require.NoError(t, transition(t, st, s, run.ID, p))

	// A second actor applying the same transition reads zero matching rows.
	err := transition(t, st, s, run.ID, p)
	require.ErrorIs(t, err, ErrStaleTransition)

	got, err := s.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhasePlanning, got.Phase)
	assert.Equal(t, model.StepSetupWorktree, got.Step)
}

func TestTransitionTx_RejectsInvalidEdge(t *testing.T) {
	st := newTestStore(t)
	seedTask(t, st)
	s := New(st, nil)
	run := createRun(t, st, s)

	err := transition(t, st, s, run.ID, TransitionParams{
		From: model.PhasePending,
		To:   model.PhaseExecuting,
	})
	require.ErrorContains(t, err, "not allowed")
}

func TestTransitionTx_BlockedContextRoundTrip(t *testing.T) {
	st := newTestStore(t)
	seedTask(t, st)
	s := New(st, nil)
	run := createRun(t, st, s)

	require.NoError(t, transition(t, st, s, run.ID, TransitionParams{
		From: model.PhasePending, To: model.PhasePlanning, Step: model.StepSetupWorktree,
	}))
	require.NoError(t, transition(t, st, s, run.ID, TransitionParams{
		From:          model.PhasePlanning,
		To:            model.PhaseBlocked,
		BlockedReason: "plan_revisions_exhausted",
		BlockedContext: &model.BlockedContext{
			PriorPhase: model.PhasePlanning,
			PriorStep:  model.StepReviewerReviewPlan,
			Detail:     "reviewer rejected the plan 3 times",
		},
	}))

	got, err := s.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseBlocked, got.Phase)
	assert.Equal(t, "plan_revisions_exhausted", got.BlockedReason)
	require.NotNil(t, got.BlockedContext)
	assert.Equal(t, model.StepReviewerReviewPlan, got.BlockedContext.PriorStep)

	// Leaving blocked clears the blocked fields.
	require.NoError(t, transition(t, st, s, run.ID, TransitionParams{
		From: model.PhaseBlocked, To: model.PhasePlanning, Step: model.StepPlannerCreatePlan,
	}))
	got, err = s.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, got.BlockedReason)
	assert.Nil(t, got.BlockedContext)
}

func TestAdvanceStepTx_StaleGuard(t *testing.T) {
	st := newTestStore(t)
	seedTask(t, st)
	s := New(st, nil)
	run := createRun(t, st, s)
	ctx := context.Background()

	require.NoError(t, transition(t, st, s, run.ID, TransitionParams{
		From: model.PhasePending, To: model.PhasePlanning, Step: model.StepSetupWorktree,
	}))

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return s.AdvanceStepTx(tx, run.ID, model.PhasePlanning,
			model.StepSetupWorktree, model.StepPlannerCreatePlan)
	})
	require.NoError(t, err)

	// Replaying the same advance finds the step already moved on.
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return s.AdvanceStepTx(tx, run.ID, model.PhasePlanning,
			model.StepSetupWorktree, model.StepPlannerCreatePlan)
	})
	require.ErrorIs(t, err, ErrStaleTransition)
}

func toAwaitingReview(t *testing.T, st *store.Store, s *Store, runID string) {
	t.Helper()
	require.NoError(t, transition(t, st, s, runID, TransitionParams{
		From: model.PhasePending, To: model.PhasePlanning, Step: model.StepSetupWorktree,
	}))
	require.NoError(t, transition(t, st, s, runID, TransitionParams{
		From: model.PhasePlanning, To: model.PhaseAwaitingPlanApproval, Step: model.StepWaitPlanApproval,
	}))
	require.NoError(t, transition(t, st, s, runID, TransitionParams{
		From: model.PhaseAwaitingPlanApproval, To: model.PhaseExecuting, Step: model.StepImplementerApplyChange,
	}))
	require.NoError(t, transition(t, st, s, runID, TransitionParams{
		From: model.PhaseExecuting, To: model.PhaseAwaitingReview, Step: model.StepCreatePR,
	}))
}

func TestUpdatePRBundleTx(t *testing.T) {
	st := newTestStore(t)
	seedTask(t, st)
	s := New(st, nil)
	run := createRun(t, st, s)
	ctx := context.Background()
	toAwaitingReview(t, st, s, run.ID)

	bundle := model.PRBundle{
		Number:   42,
		NodeID:   "PR_node42",
		URL:      "https://github.com/acme/web/pull/42",
		State:    "open",
		SyncedAt: time.Now().UTC(),
	}
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpdatePRBundleTx(tx, run.ID, model.PhaseAwaitingReview, model.StepCreatePR, bundle)
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PR)
	assert.Equal(t, 42, got.PR.Number)
	assert.Equal(t, "open", got.PR.State)

	// A stale recovery replaying the write is rejected: pr_number is set.
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return s.UpdatePRBundleTx(tx, run.ID, model.PhaseAwaitingReview, model.StepCreatePR, bundle)
	})
	require.ErrorIs(t, err, ErrStaleTransition)
}

func TestUpdatePRBundleTx_WrongPhase(t *testing.T) {
	st := newTestStore(t)
	seedTask(t, st)
	s := New(st, nil)
	run := createRun(t, st, s)

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.UpdatePRBundleTx(tx, run.ID, model.PhaseAwaitingReview, model.StepCreatePR, model.PRBundle{
			Number: 1, NodeID: "n", URL: "u", State: "open", SyncedAt: time.Now().UTC(),
		})
	})
	require.ErrorIs(t, err, ErrStaleTransition)
}

func TestSetPausedTx(t *testing.T) {
	st := newTestStore(t)
	seedTask(t, st)
	s := New(st, nil)
	run := createRun(t, st, s)
	ctx := context.Background()

	require.NoError(t, transition(t, st, s, run.ID, TransitionParams{
		From: model.PhasePending, To: model.PhasePlanning, Step: model.StepSetupWorktree,
	}))

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetPausedTx(tx, run.ID, "alice", true)
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PausedAt)
	assert.Equal(t, "alice", got.PausedBy)
	// Pause never touches the phase.
	assert.Equal(t, model.PhasePlanning, got.Phase)

	// Double pause is stale.
	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetPausedTx(tx, run.ID, "bob", true)
	})
	require.ErrorIs(t, err, ErrStaleTransition)

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return s.SetPausedTx(tx, run.ID, "", false)
	})
	require.NoError(t, err)

	got, err = s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PausedAt)
	assert.Empty(t, got.PausedBy)
}

func TestIncrementCounterTx(t *testing.T) {
	st := newTestStore(t)
	seedTask(t, st)
	s := New(st, nil)
	run := createRun(t, st, s)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := st.WithTx(ctx, func(tx *sql.Tx) error {
			return s.IncrementCounterTx(tx, run.ID, CounterPlanRevisions)
		})
		require.NoError(t, err)
	}
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return s.IncrementCounterTx(tx, run.ID, "nonsense")
	})
	require.ErrorContains(t, err, "unknown counter")

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PlanRevisions)
	assert.Equal(t, 0, got.TestFixAttempts)
}

func addCheckpoint(t *testing.T, st *store.Store, s *Store, runID string, cp model.Checkpoint) {
	t.Helper()
	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return s.AddCheckpointTx(tx, runID, cp)
	})
	require.NoError(t, err)
}

func TestAddCheckpointTx_SupersedesByName(t *testing.T) {
	st := newTestStore(t)
	seedTask(t, st)
	s := New(st, nil)
	run := createRun(t, st, s)
	ctx := context.Background()

	addCheckpoint(t, st, s, run.ID, model.Checkpoint{
		Name: model.CheckpointEnvironmentReady, WorktreeID: "wt-1",
	})
	addCheckpoint(t, st, s, run.ID, model.Checkpoint{
		Name: model.CheckpointEnvironmentReady, WorktreeID: "wt-2",
	})
	addCheckpoint(t, st, s, run.ID, model.Checkpoint{
		Name: model.CheckpointPlanningComplete, ArtifactID: "art-1",
	})

	cps, err := s.Checkpoints(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "wt-2", cps[0].WorktreeID)
	assert.Equal(t, model.CheckpointPlanningComplete, cps[1].Name)
}

func TestLatestValidCheckpoint(t *testing.T) {
	run := &model.Run{HeadSHA: "abc123"}
	cps := []model.Checkpoint{
		{Name: model.CheckpointEnvironmentReady, WorktreeID: "wt-1"},
		{Name: model.CheckpointPlanApproved, OperatorActionID: "op-1"},
		{Name: model.CheckpointImplementationComplete, HeadSHA: "abc123"},
		{Name: model.CheckpointTestsPassed, HeadSHA: "old999"},
	}

	// tests_passed is anchored to a superseded head, so plan progress up to
	// implementation_complete is the resume point.
	best := LatestValidCheckpoint(run, cps)
	require.NotNil(t, best)
	assert.Equal(t, model.CheckpointImplementationComplete, best.Name)

	// Moving the head invalidates the implementation checkpoint too.
	run.HeadSHA = "def456"
	best = LatestValidCheckpoint(run, cps)
	require.NotNil(t, best)
	assert.Equal(t, model.CheckpointPlanApproved, best.Name)
}

func TestLatestValidCheckpoint_PRCreatedRequiresOpenPR(t *testing.T) {
	run := &model.Run{HeadSHA: "abc123"}
	cps := []model.Checkpoint{
		{Name: model.CheckpointTestsPassed, HeadSHA: "abc123"},
		{Name: model.CheckpointPRCreated, HeadSHA: "abc123", PRNumber: 42},
	}

	best := LatestValidCheckpoint(run, cps)
	require.NotNil(t, best)
	assert.Equal(t, model.CheckpointTestsPassed, best.Name)

	run.PR = &model.PRBundle{Number: 42, State: "open"}
	best = LatestValidCheckpoint(run, cps)
	require.NotNil(t, best)
	assert.Equal(t, model.CheckpointPRCreated, best.Name)
}

func TestListByPhase(t *testing.T) {
	st := newTestStore(t)
	seedTask(t, st)
	s := New(st, nil)
	a := createRun(t, st, s)
	createRun(t, st, s)

	require.NoError(t, transition(t, st, s, a.ID, TransitionParams{
		From: model.PhasePending, To: model.PhasePlanning, Step: model.StepSetupWorktree,
	}))

	planning, err := s.ListByPhase(context.Background(), model.PhasePlanning)
	require.NoError(t, err)
	require.Len(t, planning, 1)
	assert.Equal(t, a.ID, planning[0].ID)
}
