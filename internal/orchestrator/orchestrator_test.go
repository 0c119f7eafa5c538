package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/eventlog"
	"github.com/conductor-dev/conductor/internal/gate"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/outbox"
	"github.com/conductor-dev/conductor/internal/policy"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/runstore"
	"github.com/conductor-dev/conductor/internal/store"
)

type fixture struct {
	store    *store.Store
	runs     *runstore.Store
	events   *eventlog.Log
	queue    *queue.Queue
	gates    *gate.Evaluator
	outbox   *outbox.Store
	policies *policy.Store
	orch     *Orchestrator
	ops      *Operators
}

var testActor = Actor{Type: "cli", DisplayName: "alice"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.DB().Exec(`
		INSERT INTO projects (project_id, name, user_id, created_at) VALUES ('p1', 'web', 'system', ?);
		INSERT INTO repos (repo_id, project_id, external_node_id, full_name, default_branch)
			VALUES ('r1', 'p1', 'R_node1', 'acme/web', 'main');
		INSERT INTO tasks (task_id, project_id, repo_id, external_node_id, slug, issue_number, title)
			VALUES ('t1', 'p1', 'r1', 'I_node1', 'issue-7', 7, 'Fix login redirect');`,
		store.Now())
	require.NoError(t, err)

	f := &fixture{
		store:    st,
		runs:     runstore.New(st, nil),
		events:   eventlog.New(st, nil),
		queue:    queue.New(st, nil),
		gates:    gate.New(st, nil),
		outbox:   outbox.NewStore(st, nil),
		policies: policy.NewStore(st, nil),
	}
	f.orch = New(st, f.runs, f.events, f.queue, f.gates, f.outbox, nil)
	f.ops = NewOperators(f.orch, f.policies)
	return f
}

// signal appends a run-scoped signal or fact and returns it.
func (f *fixture) signal(t *testing.T, runID string, typ model.EventType, class model.EventClass, payload any, key string) *model.Event {
	t.Helper()
	ev, err := f.events.Append(context.Background(), eventlog.AppendRequest{
		ProjectID:      "p1",
		RunID:          runID,
		TaskID:         "t1",
		RepoID:         "r1",
		Type:           typ,
		Class:          class,
		Payload:        payload,
		IdempotencyKey: key,
		CorrelationID:  runID,
		Source:         model.SourceSystem,
	})
	require.NoError(t, err)
	return ev
}

func (f *fixture) drain(t *testing.T, runID string) *model.Run {
	t.Helper()
	require.NoError(t, f.orch.DrainRun(context.Background(), runID))
	run, err := f.runs.Get(context.Background(), runID)
	require.NoError(t, err)
	return run
}

// agentDone signals agent completion for the run's current step and drains.
func (f *fixture) agentDone(t *testing.T, runID string, p model.AgentCompletedPayload, key string) *model.Run {
	t.Helper()
	f.signal(t, runID, model.EventAgentCompleted, model.ClassSignal, p, key)
	return f.drain(t, runID)
}

// jobsOfType lists queued jobs of one type, for dispatch assertions.
func (f *fixture) jobsOfType(t *testing.T, jobType string) []string {
	t.Helper()
	rows, err := f.store.DB().Query(
		`SELECT job_id FROM jobs WHERE job_type = ? AND status = 'queued' ORDER BY created_at`, jobType)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		require.NoError(t, rows.Scan(&id))
		out = append(out, id)
	}
	return out
}

func TestStartRun_DispatchesWorktreeSetup(t *testing.T) {
	f := newFixture(t)

	run, err := f.ops.StartRun(context.Background(), "t1", testActor)
	require.NoError(t, err)
	assert.Equal(t, model.PhasePlanning, run.Phase)
	assert.Equal(t, model.StepSetupWorktree, run.Step)
	assert.Equal(t, 1, run.RunNumber)
	assert.Equal(t, "main", run.BaseBranch)

	jobs := f.jobsOfType(t, model.JobTypeRunStart)
	require.Len(t, jobs, 1)

	// The job's episode guard matches the run's sequence at dispatch time.
	job, err := f.queue.Get(context.Background(), jobs[0])
	require.NoError(t, err)
	got, err := f.runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Contains(t, string(job.Payload), fmt.Sprintf(`"from_sequence":%d`, got.LastEventSequence))
}

func TestWorktreeReady_AdvancesToPlanner(t *testing.T) {
	f := newFixture(t)
	run, err := f.ops.StartRun(context.Background(), "t1", testActor)
	require.NoError(t, err)

	f.signal(t, run.ID, model.EventWorktreeReady, model.ClassSignal, model.WorktreeReadyPayload{
		WorktreeID: "wt-1",
		Branch:     "conductor/issue-7-run-1",
		BaseCommit: "base123",
	}, "worktree:wt-1")
	got := f.drain(t, run.ID)

	assert.Equal(t, model.PhasePlanning, got.Phase)
	assert.Equal(t, model.StepPlannerCreatePlan, got.Step)
	assert.Equal(t, "conductor/issue-7-run-1", got.Branch)
	assert.Equal(t, "base123", got.HeadSHA)
	assert.Len(t, f.jobsOfType(t, model.JobTypeAgentPlan), 1)

	cps, err := f.runs.Checkpoints(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, model.CheckpointEnvironmentReady, cps[0].Name)
	assert.Equal(t, "wt-1", cps[0].WorktreeID)

	// Everything drained.
	pending, err := f.events.NextPending(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestDuplicateSignal_Collapses(t *testing.T) {
	f := newFixture(t)
	run, err := f.ops.StartRun(context.Background(), "t1", testActor)
	require.NoError(t, err)

	payload := model.WorktreeReadyPayload{WorktreeID: "wt-1", Branch: "b", BaseCommit: "c"}
	f.signal(t, run.ID, model.EventWorktreeReady, model.ClassSignal, payload, "worktree:wt-1")

	_, err = f.events.Append(context.Background(), eventlog.AppendRequest{
		ProjectID:      "p1",
		RunID:          run.ID,
		Type:           model.EventWorktreeReady,
		Class:          model.ClassSignal,
		Payload:        payload,
		IdempotencyKey: "worktree:wt-1",
		Source:         model.SourceSystem,
	})
	require.ErrorIs(t, err, eventlog.ErrDuplicateIdempotencyKey)

	got := f.drain(t, run.ID)
	assert.Equal(t, model.StepPlannerCreatePlan, got.Step)
	assert.Len(t, f.jobsOfType(t, model.JobTypeAgentPlan), 1)
}

func TestPausedRun_ConsumesNothingUntilResumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run, err := f.ops.StartRun(ctx, "t1", testActor)
	require.NoError(t, err)
	f.drain(t, run.ID)

	require.NoError(t, f.ops.Pause(ctx, run.ID, testActor))
	f.signal(t, run.ID, model.EventWorktreeReady, model.ClassSignal, model.WorktreeReadyPayload{
		WorktreeID: "wt-1", Branch: "b", BaseCommit: "c",
	}, "worktree:wt-1")

	got := f.drain(t, run.ID)
	assert.Equal(t, model.StepSetupWorktree, got.Step)

	// The signal is still pending, not silently eaten.
	pending, err := f.events.NextPending(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, pending)

	require.NoError(t, f.ops.Resume(ctx, run.ID, testActor))
	got = f.drain(t, run.ID)
	assert.Equal(t, model.StepPlannerCreatePlan, got.Step)
}

// runToPlanReview walks a fresh run to the reviewer_review_plan step.
func runToPlanReview(t *testing.T, f *fixture) *model.Run {
	t.Helper()
	run, err := f.ops.StartRun(context.Background(), "t1", testActor)
	require.NoError(t, err)

	f.signal(t, run.ID, model.EventWorktreeReady, model.ClassSignal, model.WorktreeReadyPayload{
		WorktreeID: "wt-1", Branch: "conductor/issue-7-run-1", BaseCommit: "base123",
	}, "worktree:wt-1")
	f.drain(t, run.ID)

	got := f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "planner", Step: model.StepPlannerCreatePlan, ArtifactID: "art-plan-1",
	}, "agent:plan:1")
	require.Equal(t, model.StepReviewerReviewPlan, got.Step)
	return got
}

func TestFullRunLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := runToPlanReview(t, f)

	// Internal plan review approves; run waits for the operator.
	got := f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "reviewer", Step: model.StepReviewerReviewPlan,
		Verdict: "approve", Summary: "plan is sound",
	}, "agent:planrev:1")
	assert.Equal(t, model.PhaseAwaitingPlanApproval, got.Phase)
	assert.Equal(t, model.StepWaitPlanApproval, got.Step)

	gates, err := f.gates.GatesFor(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GatePassed, gates[model.GatePlanReview])

	// Operator approval moves execution forward and records the checkpoint.
	require.NoError(t, f.ops.ApprovePlan(ctx, run.ID, testActor))
	got = f.drain(t, run.ID)
	assert.Equal(t, model.PhaseExecuting, got.Phase)
	assert.Equal(t, model.StepImplementerApplyChange, got.Step)
	assert.Len(t, f.jobsOfType(t, model.JobTypeAgentImplement), 1)

	// Implementation lands a new head.
	got = f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "implementer", Step: model.StepImplementerApplyChange, HeadSHA: "head456",
	}, "agent:impl:1")
	assert.Equal(t, model.StepTesterRunTests, got.Step)
	assert.Equal(t, "head456", got.HeadSHA)

	// Tests pass.
	passed := true
	got = f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "implementer", Step: model.StepTesterRunTests, TestsPassed: &passed,
	}, "agent:test:1")
	assert.Equal(t, model.StepReviewerReviewCode, got.Step)

	// Code review approves; the PR write lands in the outbox atomically.
	got = f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "reviewer", Step: model.StepReviewerReviewCode,
		Verdict: "approve", Summary: "ship it",
	}, "agent:codereview:1")
	assert.Equal(t, model.PhaseAwaitingReview, got.Phase)
	assert.Equal(t, model.StepCreatePR, got.Step)

	// Two writes are queued: the plan-approval mirror comment and the PR.
	writes := map[model.WriteKind]*model.GitHubWrite{}
	for i := 0; i < 2; i++ {
		w, err := f.outbox.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, w)
		writes[w.Kind] = w
	}
	pr := writes[model.WriteCreatePR]
	require.NotNil(t, pr)
	assert.Contains(t, string(pr.Payload), "conductor/issue-7-run-1")
	require.NotNil(t, writes[model.WritePostComment])

	// The deliverer records the PR bundle and the run settles into waiting.
	require.NoError(t, f.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := f.runs.UpdatePRBundleTx(tx, run.ID, model.PhaseAwaitingReview, model.StepCreatePR, model.PRBundle{
			Number: 42, NodeID: "PR_node42", URL: "https://github.com/acme/web/pull/42",
			State: "open", SyncedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return f.runs.AdvanceStepTx(tx, run.ID, model.PhaseAwaitingReview,
			model.StepCreatePR, model.StepWaitPRMerge)
	}))

	// Merge webhook completes the run.
	f.signal(t, run.ID, model.EventPRMergedFact, model.ClassFact, nil, "merged:42")
	got = f.drain(t, run.ID)
	assert.Equal(t, model.PhaseCompleted, got.Phase)
	assert.Equal(t, model.ResultSuccess, got.Result)
	assert.Equal(t, "merged", got.PR.State)
	assert.Len(t, f.jobsOfType(t, model.JobTypeRunCleanup), 1)

	// The checkpoint trail covers every milestone.
	cps, err := f.runs.Checkpoints(ctx, run.ID)
	require.NoError(t, err)
	names := make(map[model.CheckpointName]bool)
	for _, cp := range cps {
		names[cp.Name] = true
	}
	for _, want := range []model.CheckpointName{
		model.CheckpointEnvironmentReady,
		model.CheckpointPlanningComplete,
		model.CheckpointPlanApproved,
		model.CheckpointImplementationComplete,
		model.CheckpointTestsPassed,
	} {
		assert.True(t, names[want], want)
	}
}

func TestPlanRejectionsExhaust(t *testing.T) {
	f := newFixture(t)
	run := runToPlanReview(t, f)

	reject := func(i int) *model.Run {
		got := f.agentDone(t, run.ID, model.AgentCompletedPayload{
			Role: "reviewer", Step: model.StepReviewerReviewPlan,
			Verdict: "request_changes", Summary: "missing migration",
		}, fmt.Sprintf("agent:planrev:%d", i))
		return got
	}

	// First two rejections loop back to the planner.
	got := reject(1)
	assert.Equal(t, model.StepPlannerCreatePlan, got.Step)
	assert.Equal(t, 1, got.PlanRevisions)

	got = f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "planner", Step: model.StepPlannerCreatePlan, ArtifactID: "art-plan-2",
	}, "agent:plan:2")
	require.Equal(t, model.StepReviewerReviewPlan, got.Step)
	got = reject(2)
	assert.Equal(t, 2, got.PlanRevisions)

	// The third rejection exhausts the ceiling and blocks the run.
	got = f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "planner", Step: model.StepPlannerCreatePlan, ArtifactID: "art-plan-3",
	}, "agent:plan:3")
	require.Equal(t, model.StepReviewerReviewPlan, got.Step)
	got = reject(3)

	assert.Equal(t, model.PhaseBlocked, got.Phase)
	assert.Equal(t, "plan_revisions_exhausted", got.BlockedReason)
	require.NotNil(t, got.BlockedContext)
	assert.Equal(t, model.PhasePlanning, got.BlockedContext.PriorPhase)
}

func TestStaleAgentSignal_Dropped(t *testing.T) {
	f := newFixture(t)
	run := runToPlanReview(t, f)

	// A late planner signal arrives after the run moved to review.
	got := f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "planner", Step: model.StepPlannerCreatePlan, ArtifactID: "art-late",
	}, "agent:plan:late")

	assert.Equal(t, model.StepReviewerReviewPlan, got.Step)
	// No second review job was dispatched.
	assert.Len(t, f.jobsOfType(t, model.JobTypeAgentPlanRev), 1)
}

func TestRecordAgentFailure_BlocksRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run, err := f.ops.StartRun(ctx, "t1", testActor)
	require.NoError(t, err)
	f.drain(t, run.ID)

	err = f.orch.RecordAgentFailure(ctx, run.ID, model.AgentFailedPayload{
		Role: "run", Step: model.StepSetupWorktree,
		ErrorKind: "agent_error", Detail: "clone failed", Attempts: 3,
	})
	require.NoError(t, err)

	got, err := f.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseBlocked, got.Phase)
	assert.Equal(t, "agent_error", got.BlockedReason)
	require.NotNil(t, got.BlockedContext)
	assert.Equal(t, "clone failed", got.BlockedContext.Detail)
}

func TestRecordAgentFailure_StaleStepIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run, err := f.ops.StartRun(ctx, "t1", testActor)
	require.NoError(t, err)

	err = f.orch.RecordAgentFailure(ctx, run.ID, model.AgentFailedPayload{
		Role: "planner", Step: model.StepPlannerCreatePlan,
		ErrorKind: "agent_timeout", Detail: "deadline", Attempts: 3,
	})
	require.NoError(t, err)

	got, err := f.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhasePlanning, got.Phase)
}

func TestRetry_ResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run, err := f.ops.StartRun(ctx, "t1", testActor)
	require.NoError(t, err)

	f.signal(t, run.ID, model.EventWorktreeReady, model.ClassSignal, model.WorktreeReadyPayload{
		WorktreeID: "wt-1", Branch: "b", BaseCommit: "base123",
	}, "worktree:wt-1")
	f.drain(t, run.ID)

	require.NoError(t, f.orch.RecordAgentFailure(ctx, run.ID, model.AgentFailedPayload{
		Role: "planner", Step: model.StepPlannerCreatePlan,
		ErrorKind: "agent_timeout", Detail: "deadline", Attempts: 3,
	}))

	require.NoError(t, f.ops.Retry(ctx, run.ID, testActor))

	got, err := f.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhasePlanning, got.Phase)
	// environment_ready survives, so the worktree setup is not redone.
	assert.Equal(t, model.StepPlannerCreatePlan, got.Step)
	assert.Empty(t, got.BlockedReason)

	// Two planner dispatches total: the original and the retry.
	assert.Len(t, f.jobsOfType(t, model.JobTypeAgentPlan), 2)

	// A double-click loses: the run is no longer blocked.
	err = f.ops.Retry(ctx, run.ID, testActor)
	require.ErrorIs(t, err, ErrNotRetryable)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run, err := f.ops.StartRun(ctx, "t1", testActor)
	require.NoError(t, err)

	require.NoError(t, f.ops.Cancel(ctx, run.ID, testActor, "obsolete"))

	got, err := f.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCancelled, got.Phase)
	assert.Equal(t, model.ResultCancelled, got.Result)
	assert.Equal(t, "obsolete", got.ResultReason)
	assert.Len(t, f.jobsOfType(t, model.JobTypeRunCleanup), 1)

	// Cancelling a terminal run is a stale no-op.
	err = f.ops.Cancel(ctx, run.ID, testActor, "again")
	require.ErrorIs(t, err, runstore.ErrStaleTransition)
}

func TestApprovePlan_WrongPhase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run, err := f.ops.StartRun(ctx, "t1", testActor)
	require.NoError(t, err)

	err = f.ops.ApprovePlan(ctx, run.ID, testActor)
	require.ErrorIs(t, err, runstore.ErrStaleTransition)
}

func TestRevisePlan_CountsRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := runToPlanReview(t, f)

	got := f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "reviewer", Step: model.StepReviewerReviewPlan,
		Verdict: "approve", Summary: "ok",
	}, "agent:planrev:1")
	require.Equal(t, model.PhaseAwaitingPlanApproval, got.Phase)

	require.NoError(t, f.ops.RevisePlan(ctx, run.ID, testActor, "split the migration"))

	got = f.drain(t, run.ID)
	assert.Equal(t, model.PhasePlanning, got.Phase)
	assert.Equal(t, model.StepPlannerCreatePlan, got.Step)
	assert.Equal(t, 1, got.PlanRevisions)
	assert.Len(t, f.jobsOfType(t, model.JobTypeAgentPlan), 2)
}

// blockedAtPlanner walks a fresh run to the planner step and blocks it there.
func blockedAtPlanner(t *testing.T, f *fixture) *model.Run {
	t.Helper()
	ctx := context.Background()
	run, err := f.ops.StartRun(ctx, "t1", testActor)
	require.NoError(t, err)

	f.signal(t, run.ID, model.EventWorktreeReady, model.ClassSignal, model.WorktreeReadyPayload{
		WorktreeID: "wt-1", Branch: "conductor/issue-7-run-1", BaseCommit: "base123",
	}, "worktree:wt-1")
	f.drain(t, run.ID)

	require.NoError(t, f.orch.RecordAgentFailure(ctx, run.ID, model.AgentFailedPayload{
		Role: "planner", Step: model.StepPlannerCreatePlan,
		ErrorKind: "agent_timeout", Detail: "deadline", Attempts: 3,
	}))
	got, err := f.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, model.PhaseBlocked, got.Phase)
	return got
}

// violation seeds a one-rule policy set and a tripped violation for the run.
func (f *fixture) violation(t *testing.T, runID string) *model.PolicyViolation {
	t.Helper()
	ctx := context.Background()
	set, err := f.policies.CreateSet(ctx, "", []model.PolicyRule{
		{Name: "no-secrets", Effect: model.EffectBlock, Pattern: "**/.env*"},
	})
	require.NoError(t, err)
	v, err := f.policies.RecordViolation(ctx, model.PolicyViolation{
		RunID:       runID,
		PolicySetID: set.ID,
		RuleName:    "no-secrets",
		File:        ".env.production",
		LineStart:   1,
		LineEnd:     1,
		ContentHash: "sha256:abc",
	})
	require.NoError(t, err)
	return v
}

func TestGrantException_UnblocksAndRedispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := blockedAtPlanner(t, f)
	v := f.violation(t, run.ID)

	require.NoError(t, f.ops.GrantException(ctx, run.ID, testActor, model.Override{
		ViolationID:  v.ID,
		PolicySetID:  v.PolicySetID,
		Scope:        model.ScopeThisRun,
		AllowedPaths: []string{".env.production"},
		GrantedBy:    "alice",
	}))

	got, err := f.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhasePlanning, got.Phase)
	assert.Equal(t, model.StepPlannerCreatePlan, got.Step)
	assert.Empty(t, got.BlockedReason)

	// The override landed and the planner was re-dispatched.
	overrides, err := f.policies.OverridesForViolation(ctx, v.ID)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Len(t, f.jobsOfType(t, model.JobTypeAgentPlan), 2)
}

func TestGrantException_UnconstrainedRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := blockedAtPlanner(t, f)
	v := f.violation(t, run.ID)

	err := f.ops.GrantException(ctx, run.ID, testActor, model.Override{
		ViolationID: v.ID,
		PolicySetID: v.PolicySetID,
		Scope:       model.ScopeThisRun,
		GrantedBy:   "alice",
	})
	require.ErrorIs(t, err, policy.ErrUnconstrainedOverride)

	got, err := f.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseBlocked, got.Phase)
	assert.Len(t, f.jobsOfType(t, model.JobTypeAgentPlan), 1)
}

func TestDenyException_RunStaysBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := blockedAtPlanner(t, f)
	v := f.violation(t, run.ID)

	require.NoError(t, f.ops.DenyException(ctx, run.ID, testActor, v.ID, "secret stays out"))

	got, err := f.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseBlocked, got.Phase)
	assert.Equal(t, "agent_timeout", got.BlockedReason)

	var denied int
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT COUNT(*) FROM operator_actions WHERE run_id = ? AND action = ?`,
		run.ID, ActionDenyException).Scan(&denied))
	assert.Equal(t, 1, denied)
}

func TestCodeReviewApproval_BlocksWhenRequiredGateRegressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := runToPlanReview(t, f)

	f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "reviewer", Step: model.StepReviewerReviewPlan,
		Verdict: "approve", Summary: "plan is sound",
	}, "agent:planrev:1")
	require.NoError(t, f.ops.ApprovePlan(ctx, run.ID, testActor))
	f.drain(t, run.ID)
	f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "implementer", Step: model.StepImplementerApplyChange, HeadSHA: "head456",
	}, "agent:impl:1")
	passed := true
	got := f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "implementer", Step: model.StepTesterRunTests, TestsPassed: &passed,
	}, "agent:test:1")
	require.Equal(t, model.StepReviewerReviewCode, got.Step)

	// CI reports a failure for the head commit while review is in flight.
	f.signal(t, run.ID, model.EventChecksUpdated, model.ClassFact, model.ChecksUpdatedPayload{
		SHA: "head456", Conclusion: "failure",
	}, "checks:head456")

	got = f.agentDone(t, run.ID, model.AgentCompletedPayload{
		Role: "reviewer", Step: model.StepReviewerReviewCode,
		Verdict: "approve", Summary: "ship it",
	}, "agent:codereview:1")

	assert.Equal(t, model.PhaseBlocked, got.Phase)
	assert.Equal(t, "required_gates_unmet", got.BlockedReason)

	gates, err := f.gates.GatesFor(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.GateFailed, gates[model.GateTests])

	routing, err := f.gates.Routing(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, routing)
	assert.Contains(t, routing.RequiredGates, model.GateTests)

	// No PR write was enqueued for the blocked run.
	var prWrites int
	require.NoError(t, f.store.DB().QueryRow(
		`SELECT COUNT(*) FROM github_writes WHERE run_id = ? AND kind = 'create_pr'`,
		run.ID).Scan(&prWrites))
	assert.Equal(t, 0, prWrites)
}
