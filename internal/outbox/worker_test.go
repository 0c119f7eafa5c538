package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/eventlog"
	"github.com/conductor-dev/conductor/internal/githubhost"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/runstore"
	"github.com/conductor-dev/conductor/internal/store"
)

type fakeClient struct {
	comments int
	postErr  error
}

func (c *fakeClient) CreatePR(ctx context.Context, repo, title, body, head, base string) (*githubhost.PR, error) {
	return nil, errors.New("unexpected CreatePR")
}

func (c *fakeClient) GetPR(ctx context.Context, repo string, number int) (*githubhost.PR, error) {
	return nil, errors.New("unexpected GetPR")
}

func (c *fakeClient) ListRecentPRs(ctx context.Context, repo string, limit int) ([]*githubhost.PR, error) {
	return nil, nil
}

func (c *fakeClient) PostComment(ctx context.Context, repo string, issueNumber int, body string) (*githubhost.Comment, error) {
	c.comments++
	if c.postErr != nil {
		return nil, c.postErr
	}
	return &githubhost.Comment{ID: 1001, NodeID: "IC_1001", URL: "https://github.com/acme/web/issues/7#issuecomment-1001"}, nil
}

func (c *fakeClient) ListRecentComments(ctx context.Context, repo string, issueNumber, limit int) ([]*githubhost.Comment, error) {
	return nil, nil
}

func (c *fakeClient) UpdateStatus(ctx context.Context, repo, sha, state, description, statusContext string) error {
	return errors.New("unexpected UpdateStatus")
}

func newTestDeliverer(t *testing.T, client githubhost.Client, limiter *MirrorLimiter) (*Deliverer, *Store, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.DB().Exec(`
		INSERT INTO projects (project_id, name, user_id, created_at) VALUES ('p1', 'web', 'system', ?);
		INSERT INTO repos (repo_id, project_id, external_node_id, full_name)
			VALUES ('r1', 'p1', 'R_node1', 'acme/web');
		INSERT INTO tasks (task_id, project_id, repo_id, external_node_id, slug, title)
			VALUES ('t1', 'p1', 'r1', 'I_node1', 'issue-7', 'Fix login redirect');
		INSERT INTO runs (run_id, task_id, project_id, repo_id, run_number, phase, step, created_at, updated_at)
			VALUES ('run-1', 't1', 'p1', 'r1', 1, 'awaiting_review', 'create_pr', ?, ?);`,
		store.Now(), store.Now(), store.Now())
	require.NoError(t, err)

	ob := NewStore(st, nil)
	d := NewDeliverer(st, ob, runstore.New(st, nil), eventlog.New(st, nil), client, limiter, nil)
	return d, ob, st
}

func enqueueComment(t *testing.T, s *Store, body string) *model.GitHubWrite {
	t.Helper()
	w, err := s.Enqueue(context.Background(), EnqueueParams{
		RunID:        "run-1",
		Kind:         model.WritePostComment,
		TargetNodeID: "I_node1",
		Payload:      CommentPayload{RepoFullName: "acme/web", IssueNumber: 7, Body: body},
	})
	require.NoError(t, err)
	return w
}

func TestDeliver_CommentWithoutLimiter(t *testing.T) {
	client := &fakeClient{}
	d, ob, _ := newTestDeliverer(t, client, nil)
	ctx := context.Background()

	enqueueComment(t, ob, "progress update")
	w, err := ob.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, d.Deliver(ctx, w))

	got, err := ob.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WriteSent, got.Status)
	assert.Equal(t, "IC_1001", got.GitHubID)
	assert.Equal(t, 1, client.comments)
}

func TestDeliver_ThrottledCommentReleasedUntried(t *testing.T) {
	client := &fakeClient{}
	limiter := NewMirrorLimiter(time.Hour, 1)
	require.True(t, limiter.Allow("run-1")) // burn the banked token

	d, ob, _ := newTestDeliverer(t, client, limiter)
	ctx := context.Background()

	enqueueComment(t, ob, "progress update")
	w, err := ob.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, d.Deliver(ctx, w))

	// Back in the queue with no attempt consumed and no host call made.
	got, err := ob.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WriteQueued, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Zero(t, client.comments)
}

func TestDeliver_TransientRequeuesBelowCeiling(t *testing.T) {
	client := &fakeClient{postErr: errors.New("connection refused")}
	d, ob, _ := newTestDeliverer(t, client, nil)
	ctx := context.Background()

	enqueueComment(t, ob, "progress update")
	w, err := ob.Claim(ctx)
	require.NoError(t, err)

	err = d.Deliver(ctx, w)
	require.Error(t, err)

	got, err := ob.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WriteQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestDeliver_TransientRetriesExhaust(t *testing.T) {
	client := &fakeClient{postErr: errors.New("connection refused")}
	d, ob, st := newTestDeliverer(t, client, nil)
	ctx := context.Background()

	enqueueComment(t, ob, "progress update")
	w, err := ob.Claim(ctx)
	require.NoError(t, err)

	_, err = st.DB().Exec(
		`UPDATE github_writes SET retry_count = ? WHERE github_write_id = ?`,
		maxTransientAttempts-1, w.ID)
	require.NoError(t, err)
	w.RetryCount = maxTransientAttempts - 1

	require.NoError(t, d.Deliver(ctx, w))

	got, err := ob.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WriteFailed, got.Status)
	assert.Contains(t, got.LastError, "retries exhausted")
}
