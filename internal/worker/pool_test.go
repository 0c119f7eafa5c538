package worker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/store"
)

func newTestPool(t *testing.T) (*Pool, *queue.Queue) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	q := queue.New(st, nil)
	return NewPool(st, q, "agent", 2, time.Minute, nil), q
}

func claim(t *testing.T, q *queue.Queue) *model.Job {
	t.Helper()
	job, err := q.Claim(context.Background(), "agent", "w1", time.Minute)
	require.NoError(t, err)
	return job
}

func TestProcess_CompletesOnSuccess(t *testing.T) {
	p, q := newTestPool(t)
	ctx := context.Background()

	called := false
	p.Register("agent.plan", func(ctx context.Context, job *model.Job) error {
		called = true
		return nil
	})

	_, err := q.Enqueue(ctx, "agent", "agent.plan", nil, queue.EnqueueOptions{IdempotencyKey: "k1"})
	require.NoError(t, err)
	job := claim(t, q)
	p.process(ctx, job)

	assert.True(t, called)
	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
}

func TestProcess_StaleJobCompletesWithoutEffect(t *testing.T) {
	p, q := newTestPool(t)
	ctx := context.Background()

	p.Register("agent.plan", func(ctx context.Context, job *model.Job) error {
		return ErrStaleJob
	})

	_, err := q.Enqueue(ctx, "agent", "agent.plan", nil, queue.EnqueueOptions{IdempotencyKey: "k1"})
	require.NoError(t, err)
	job := claim(t, q)
	p.process(ctx, job)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Empty(t, got.LastError)
}

func TestProcess_FailureRequeues(t *testing.T) {
	p, q := newTestPool(t)
	ctx := context.Background()

	p.Register("agent.plan", func(ctx context.Context, job *model.Job) error {
		return errors.New("agent exited 1")
	})

	_, err := q.Enqueue(ctx, "agent", "agent.plan", nil,
		queue.EnqueueOptions{IdempotencyKey: "k1", MaxAttempts: 3})
	require.NoError(t, err)
	job := claim(t, q)
	p.process(ctx, job)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, got.Status)
	assert.Equal(t, "agent exited 1", got.LastError)
}

func TestProcess_ExhaustionInvokesEscalation(t *testing.T) {
	p, q := newTestPool(t)
	ctx := context.Background()

	p.Register("agent.plan", func(ctx context.Context, job *model.Job) error {
		return errors.New("agent exited 1")
	})

	var escalated *model.Job
	var escalatedErr error
	p.OnExhausted = func(ctx context.Context, job *model.Job, jobErr error) {
		escalated = job
		escalatedErr = jobErr
	}

	_, err := q.Enqueue(ctx, "agent", "agent.plan", nil,
		queue.EnqueueOptions{IdempotencyKey: "k1", MaxAttempts: 1})
	require.NoError(t, err)
	job := claim(t, q)
	p.process(ctx, job)

	require.NotNil(t, escalated)
	assert.Equal(t, job.ID, escalated.ID)
	assert.EqualError(t, escalatedErr, "agent exited 1")

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
}

func TestProcess_NoEscalationBeforeFinalAttempt(t *testing.T) {
	p, q := newTestPool(t)
	ctx := context.Background()

	p.Register("agent.plan", func(ctx context.Context, job *model.Job) error {
		return errors.New("flaky")
	})
	exhausted := 0
	p.OnExhausted = func(ctx context.Context, job *model.Job, jobErr error) { exhausted++ }

	_, err := q.Enqueue(ctx, "agent", "agent.plan", nil,
		queue.EnqueueOptions{IdempotencyKey: "k1", MaxAttempts: 3})
	require.NoError(t, err)
	job := claim(t, q)
	p.process(ctx, job)

	assert.Zero(t, exhausted)
}

func TestProcess_UnknownTypeFailsTerminally(t *testing.T) {
	p, q := newTestPool(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "agent", "agent.unknown", nil,
		queue.EnqueueOptions{IdempotencyKey: "k1", MaxAttempts: 5})
	require.NoError(t, err)
	job := claim(t, q)
	p.process(ctx, job)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, got.Status)
	assert.Contains(t, got.LastError, "no handler")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	p, _ := newTestPool(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestRun_CancelReachesHandler(t *testing.T) {
	p, q := newTestPool(t)
	p.poll = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	p.Register("agent.plan", func(ctx context.Context, job *model.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	job, err := q.Enqueue(context.Background(), "agent", "agent.plan", nil,
		queue.EnqueueOptions{IdempotencyKey: "k1", MaxAttempts: 3})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}

	// The cancelled attempt was still recorded through the failure path.
	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, got.Status)
	assert.Contains(t, got.LastError, "context canceled")
}
