package eventlog

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

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

func seedRun(t *testing.T, st *store.Store) string {
	t.Helper()
	_, err := st.DB().Exec(`
		INSERT INTO projects (project_id, name, user_id, created_at) VALUES ('p1', 'web', 'system', ?);
		INSERT INTO repos (repo_id, project_id, external_node_id, full_name)
			VALUES ('r1', 'p1', 'R_node1', 'acme/web');
		INSERT INTO tasks (task_id, project_id, repo_id, external_node_id, slug, title)
			VALUES ('t1', 'p1', 'r1', 'I_node1', 'issue-7', 'Fix login redirect');
		INSERT INTO runs (run_id, task_id, project_id, repo_id, run_number, phase, step,
			next_sequence, last_event_sequence, created_at, updated_at)
			VALUES ('run-1', 't1', 'p1', 'r1', 1, 'pending', '', 1, 0, ?, ?);`,
		store.Now(), store.Now(), store.Now())
	require.NoError(t, err)
	return "run-1"
}

func appendSignal(t *testing.T, log *Log, runID, key string) *model.Event {
	t.Helper()
	ev, err := log.Append(context.Background(), AppendRequest{
		ProjectID:      "p1",
		RunID:          runID,
		Type:           model.EventAgentCompleted,
		Class:          model.ClassSignal,
		IdempotencyKey: key,
		CorrelationID:  runID,
		Source:         model.SourceSystem,
	})
	require.NoError(t, err)
	return ev
}

func TestAppend_AssignsDenseSequences(t *testing.T) {
	st := newTestStore(t)
	runID := seedRun(t, st)
	log := New(st, nil)

	for i, key := range []string{"k1", "k2", "k3"} {
		ev := appendSignal(t, log, runID, key)
		assert.Equal(t, int64(i+1), ev.Sequence)
	}

	var nextSeq, lastSeq int64
	err := st.DB().QueryRow(
		`SELECT next_sequence, last_event_sequence FROM runs WHERE run_id = ?`, runID).
		Scan(&nextSeq, &lastSeq)
	require.NoError(t, err)
	assert.Equal(t, int64(4), nextSeq)
	assert.Equal(t, int64(3), lastSeq)
}

func TestAppend_DuplicateKeyReturnsExisting(t *testing.T) {
	st := newTestStore(t)
	runID := seedRun(t, st)
	log := New(st, nil)

	first := appendSignal(t, log, runID, "dup")

	again, err := log.Append(context.Background(), AppendRequest{
		ProjectID:      "p1",
		RunID:          runID,
		Type:           model.EventAgentCompleted,
		Class:          model.ClassSignal,
		IdempotencyKey: "dup",
		CorrelationID:  runID,
		Source:         model.SourceSystem,
	})
	require.ErrorIs(t, err, ErrDuplicateIdempotencyKey)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Sequence, again.Sequence)

	// The rejected duplicate must not consume a sequence.
	next := appendSignal(t, log, runID, "after-dup")
	assert.Equal(t, first.Sequence+1, next.Sequence)
}

func TestAppendTx_RequiresKeyAndClass(t *testing.T) {
	st := newTestStore(t)
	runID := seedRun(t, st)
	log := New(st, nil)

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := log.AppendTx(tx, AppendRequest{
			RunID: runID,
			Type:  model.EventAgentCompleted,
			Class: model.ClassSignal,
		})
		return err
	})
	require.ErrorContains(t, err, "idempotency key")

	err = st.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := log.AppendTx(tx, AppendRequest{
			RunID:          runID,
			IdempotencyKey: "k1",
		})
		return err
	})
	require.ErrorContains(t, err, "class and type")
}

func TestAppend_GlobalEventUnsequenced(t *testing.T) {
	st := newTestStore(t)
	seedRun(t, st)
	log := New(st, nil)

	ev, err := log.Append(context.Background(), AppendRequest{
		ProjectID:      "p1",
		Type:           model.EventWebhookReceived,
		Class:          model.ClassFact,
		IdempotencyKey: "delivery-1",
		CorrelationID:  "delivery-1",
		Source:         model.SourceGitHubWebhook,
	})
	require.NoError(t, err)
	assert.Zero(t, ev.Sequence)
	assert.Empty(t, ev.RunID)
}

func TestNextPending_InOrderDrain(t *testing.T) {
	st := newTestStore(t)
	runID := seedRun(t, st)
	log := New(st, nil)
	ctx := context.Background()

	appendSignal(t, log, runID, "k1")
	appendSignal(t, log, runID, "k2")

	first, err := log.NextPending(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, int64(1), first.Sequence)

	// The cursor does not move until the head is marked processed.
	same, err := log.NextPending(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, same)
	assert.Equal(t, first.ID, same.ID)

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return log.MarkProcessedTx(tx, first.ID)
	})
	require.NoError(t, err)

	second, err := log.NextPending(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, int64(2), second.Sequence)

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return log.MarkProcessedTx(tx, second.ID)
	})
	require.NoError(t, err)

	drained, err := log.NextPending(ctx, runID)
	require.NoError(t, err)
	assert.Nil(t, drained)
}

func TestMarkProcessedTx_SecondCallFails(t *testing.T) {
	st := newTestStore(t)
	runID := seedRun(t, st)
	log := New(st, nil)
	ctx := context.Background()

	ev := appendSignal(t, log, runID, "k1")

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		return log.MarkProcessedTx(tx, ev.ID)
	})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return log.MarkProcessedTx(tx, ev.ID)
	})
	require.ErrorContains(t, err, "already processed")
}

func TestRunsWithPending(t *testing.T) {
	st := newTestStore(t)
	runID := seedRun(t, st)
	log := New(st, nil)
	ctx := context.Background()

	runs, err := log.RunsWithPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	ev := appendSignal(t, log, runID, "k1")
	runs, err = log.RunsWithPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{runID}, runs)

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		return log.MarkProcessedTx(tx, ev.ID)
	})
	require.NoError(t, err)

	runs, err = log.RunsWithPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestLastTransitionTo(t *testing.T) {
	st := newTestStore(t)
	runID := seedRun(t, st)
	log := New(st, nil)
	ctx := context.Background()

	transitions := []model.TransitionPayload{
		{From: model.PhasePending, To: model.PhasePlanning},
		{From: model.PhasePlanning, To: model.PhaseBlocked, Reason: "tests_failing"},
		{From: model.PhaseBlocked, To: model.PhaseExecuting},
	}
	for i, p := range transitions {
		_, err := log.Append(ctx, AppendRequest{
			ProjectID:      "p1",
			RunID:          runID,
			Type:           model.EventPhaseTransitioned,
			Class:          model.ClassDecision,
			Payload:        p,
			IdempotencyKey: string(rune('a' + i)),
			CorrelationID:  runID,
			Source:         model.SourceSystem,
		})
		require.NoError(t, err)
	}

	ev, payload, err := log.LastTransitionTo(ctx, runID, model.PhaseBlocked)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.NotNil(t, payload)
	assert.Equal(t, int64(2), ev.Sequence)
	assert.Equal(t, "tests_failing", payload.Reason)

	ev, payload, err = log.LastTransitionTo(ctx, runID, model.PhaseCompleted)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Nil(t, payload)
}
