package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/agent"
	"github.com/conductor-dev/conductor/internal/eventlog"
	"github.com/conductor-dev/conductor/internal/githubhost"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/orchestrator"
	"github.com/conductor-dev/conductor/internal/runstore"
	"github.com/conductor-dev/conductor/internal/sandbox"
	"github.com/conductor-dev/conductor/internal/store"
	"github.com/conductor-dev/conductor/internal/worktree"
)

// Handlers implements the run and agent job handlers. Each handler verifies
// the episode guard, does its work against the worktree, appends its signal
// event, and drains the run so the orchestrator reacts immediately.
type Handlers struct {
	db        *store.Store
	runs      *runstore.Store
	events    *eventlog.Log
	worktrees *worktree.Manager
	runner    *agent.Runner
	artifacts *agent.ArtifactStore
	sandbox   *sandbox.Sandbox
	orch      *orchestrator.Orchestrator
	creds     githubhost.CredentialProvider
	logger    *zap.Logger
}

// NewHandlers wires the handler set.
func NewHandlers(db *store.Store, runs *runstore.Store, events *eventlog.Log,
	worktrees *worktree.Manager, runner *agent.Runner, artifacts *agent.ArtifactStore,
	sb *sandbox.Sandbox, orch *orchestrator.Orchestrator, creds githubhost.CredentialProvider,
	logger *zap.Logger) *Handlers {
	return &Handlers{
		db:        db,
		runs:      runs,
		events:    events,
		worktrees: worktrees,
		runner:    runner,
		artifacts: artifacts,
		sandbox:   sb,
		orch:      orch,
		creds:     creds,
		logger:    logging.OrNop(logger),
	}
}

// RegisterRun binds run-lifecycle handlers onto a pool.
func (h *Handlers) RegisterRun(p *Pool) {
	p.Register(model.JobTypeRunStart, h.HandleRunStart)
	p.Register(model.JobTypeRunResume, h.HandleRunStart)
	p.Register(model.JobTypeRunCleanup, h.HandleRunCleanup)
}

// RegisterAgents binds agent-step handlers onto a pool, with failure
// escalation into blocked runs.
func (h *Handlers) RegisterAgents(p *Pool) {
	p.Register(model.JobTypeAgentPlan, h.HandlePlan)
	p.Register(model.JobTypeAgentPlanRev, h.HandlePlanReview)
	p.Register(model.JobTypeAgentImplement, h.HandleImplement)
	p.Register(model.JobTypeAgentTest, h.HandleRunTests)
	p.Register(model.JobTypeAgentCodeRev, h.HandleCodeReview)
	p.OnExhausted = h.EscalateAgentFailure
}

// RegisterOrchestrator binds the drain handler onto a pool.
func (h *Handlers) RegisterOrchestrator(p *Pool) {
	p.Register(model.JobTypeDrainRun, func(ctx context.Context, job *model.Job) error {
		payload, err := h.checkEpisodeless(job)
		if err != nil {
			return err
		}
		return h.orch.DrainRun(ctx, payload.RunID)
	})
}

// checkEpisode decodes the payload and enforces the episode guard.
func (h *Handlers) checkEpisode(ctx context.Context, job *model.Job) (*model.RunJobPayload, error) {
	payload, err := h.checkEpisodeless(job)
	if err != nil {
		return nil, err
	}
	var last int64
	if err := h.db.DB().QueryRowContext(ctx,
		`SELECT last_event_sequence FROM runs WHERE run_id = ?`, payload.RunID).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to read run sequence: %w", err)
	}
	if last != payload.FromSequence {
		return nil, fmt.Errorf("%w: enqueued at sequence %d, run is at %d",
			ErrStaleJob, payload.FromSequence, last)
	}
	return payload, nil
}

// checkEpisodeless decodes the payload without the sequence check, for job
// types that tolerate newer events (drains, cleanup).
func (h *Handlers) checkEpisodeless(job *model.Job) (*model.RunJobPayload, error) {
	var payload model.RunJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode job payload: %w", err)
	}
	return &payload, nil
}

// HandleRunStart provisions the worktree and signals readiness.
func (h *Handlers) HandleRunStart(ctx context.Context, job *model.Job) error {
	payload, err := h.checkEpisode(ctx, job)
	if err != nil {
		return err
	}
	run, err := h.runs.Get(ctx, payload.RunID)
	if err != nil {
		return err
	}

	wt, err := h.worktrees.Active(ctx, run.ID)
	if err != nil {
		return err
	}
	if wt == nil {
		wt, err = h.worktrees.Create(ctx, run)
		if errors.Is(err, worktree.ErrActiveWorktreeExists) {
			wt, err = h.worktrees.Active(ctx, run.ID)
		}
		if err != nil {
			return err
		}
	}

	if err := h.signal(ctx, run, model.EventWorktreeReady, model.WorktreeReadyPayload{
		WorktreeID: wt.ID,
		Branch:     wt.BranchName,
		BaseCommit: wt.BaseCommit,
	}, "worktree:"+wt.ID); err != nil {
		return err
	}
	return h.orch.DrainRun(ctx, run.ID)
}

// HandleRunCleanup destroys the run's worktree. No episode guard: cleanup is
// valid however far the run moved.
func (h *Handlers) HandleRunCleanup(ctx context.Context, job *model.Job) error {
	payload, err := h.checkEpisodeless(job)
	if err != nil {
		return err
	}
	wt, err := h.worktrees.Active(ctx, payload.RunID)
	if err != nil {
		return err
	}
	if wt == nil {
		return nil
	}
	return h.worktrees.Destroy(ctx, wt)
}

// HandlePlan runs the planner.
func (h *Handlers) HandlePlan(ctx context.Context, job *model.Job) error {
	run, wt, task, err := h.stepContext(ctx, job)
	if err != nil {
		return err
	}

	feedback := h.latestContent(ctx, run.ID, model.ArtifactReview)
	out, err := h.runner.Invoke(ctx, agent.Invocation{
		RunID:    run.ID,
		Role:     agent.RolePlanner,
		Worktree: wt.Path,
		Prompt: agent.BuildPrompt(agent.RolePlanner, agent.PromptInput{
			Task: task, Run: run, Feedback: feedback,
		}),
	})
	if err != nil {
		return err
	}

	return h.finishAgentStep(ctx, run, job, model.AgentCompletedPayload{
		Role:         string(agent.RolePlanner),
		Step:         model.StepPlannerCreatePlan,
		InvocationID: out.InvocationID,
		ArtifactID:   out.Artifact.ID,
	})
}

// HandlePlanReview runs the reviewer against the latest plan.
func (h *Handlers) HandlePlanReview(ctx context.Context, job *model.Job) error {
	run, wt, task, err := h.stepContext(ctx, job)
	if err != nil {
		return err
	}

	plan := h.latestContent(ctx, run.ID, model.ArtifactPlan)
	out, err := h.runner.Invoke(ctx, agent.Invocation{
		RunID:    run.ID,
		Role:     agent.RoleReviewer,
		Worktree: wt.Path,
		Prompt: agent.BuildPrompt(agent.RoleReviewer, agent.PromptInput{
			Task: task, Run: run, Plan: plan,
		}),
	})
	if err != nil {
		return err
	}

	return h.finishAgentStep(ctx, run, job, model.AgentCompletedPayload{
		Role:         string(agent.RoleReviewer),
		Step:         model.StepReviewerReviewPlan,
		InvocationID: out.InvocationID,
		ArtifactID:   out.Artifact.ID,
		Verdict:      string(out.Verdict),
		Summary:      out.Summary,
	})
}

// HandleImplement runs the implementer and pushes the branch.
func (h *Handlers) HandleImplement(ctx context.Context, job *model.Job) error {
	run, wt, task, err := h.stepContext(ctx, job)
	if err != nil {
		return err
	}

	plan := h.latestContent(ctx, run.ID, model.ArtifactPlan)
	feedback := h.latestContent(ctx, run.ID, model.ArtifactReview)
	out, err := h.runner.Invoke(ctx, agent.Invocation{
		RunID:    run.ID,
		Role:     agent.RoleImplementer,
		Worktree: wt.Path,
		Prompt: agent.BuildPrompt(agent.RoleImplementer, agent.PromptInput{
			Task: task, Run: run, Plan: plan, Feedback: feedback,
		}),
	})
	if err != nil {
		return err
	}

	head, err := h.worktrees.HeadSHA(ctx, wt)
	if err != nil {
		return err
	}
	token, err := h.creds.Token(ctx, "git")
	if err != nil {
		return fmt.Errorf("failed to resolve push credentials: %w", err)
	}
	if err := h.worktrees.Push(ctx, wt, token); err != nil {
		return err
	}

	return h.finishAgentStep(ctx, run, job, model.AgentCompletedPayload{
		Role:         string(agent.RoleImplementer),
		Step:         model.StepImplementerApplyChange,
		InvocationID: out.InvocationID,
		HeadSHA:      head,
	})
}

// HandleRunTests runs the detected test command through the sandbox and
// records the report.
func (h *Handlers) HandleRunTests(ctx context.Context, job *model.Job) error {
	run, wt, _, err := h.stepContext(ctx, job)
	if err != nil {
		return err
	}

	res := h.sandbox.Invoke(ctx, run.ID, wt.Path, "run_tests", sandbox.Args{})
	passed := !res.IsError
	report := res.Content
	if res.IsError && report == "" {
		report = res.ErrorText
	}

	artifact, err := h.artifacts.Append(ctx, run.ID, model.ArtifactTestReport, report)
	if err != nil {
		return err
	}

	return h.finishAgentStep(ctx, run, job, model.AgentCompletedPayload{
		Role:        "tester",
		Step:        model.StepTesterRunTests,
		ArtifactID:  artifact.ID,
		TestsPassed: &passed,
		HeadSHA:     run.HeadSHA,
	})
}

// HandleCodeReview runs the reviewer against the diff, plan, and test report.
func (h *Handlers) HandleCodeReview(ctx context.Context, job *model.Job) error {
	run, wt, task, err := h.stepContext(ctx, job)
	if err != nil {
		return err
	}

	out, err := h.runner.Invoke(ctx, agent.Invocation{
		RunID:    run.ID,
		Role:     agent.RoleReviewer,
		Worktree: wt.Path,
		Prompt: agent.BuildPrompt(agent.RoleReviewer, agent.PromptInput{
			Task:       task,
			Run:        run,
			Plan:       h.latestContent(ctx, run.ID, model.ArtifactPlan),
			TestReport: h.latestContent(ctx, run.ID, model.ArtifactTestReport),
		}),
	})
	if err != nil {
		return err
	}

	return h.finishAgentStep(ctx, run, job, model.AgentCompletedPayload{
		Role:         string(agent.RoleReviewer),
		Step:         model.StepReviewerReviewCode,
		InvocationID: out.InvocationID,
		ArtifactID:   out.Artifact.ID,
		Verdict:      string(out.Verdict),
		Summary:      out.Summary,
	})
}

// EscalateAgentFailure blocks the run after the queue exhausted a job's
// attempts.
func (h *Handlers) EscalateAgentFailure(ctx context.Context, job *model.Job, jobErr error) {
	payload, err := h.checkEpisodeless(job)
	if err != nil {
		h.logger.Error("cannot escalate unparseable job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	errKind := "agent_error"
	if errors.Is(jobErr, agent.ErrAgentTimeout) {
		errKind = "agent_timeout"
	}
	if err := h.orch.RecordAgentFailure(ctx, payload.RunID, model.AgentFailedPayload{
		Role:      roleForJobType(job.Type),
		Step:      payload.Step,
		ErrorKind: errKind,
		Detail:    jobErr.Error(),
		Attempts:  job.Attempts,
	}); err != nil {
		h.logger.Error("failed to escalate agent failure",
			zap.String("run_id", payload.RunID), zap.Error(err))
	}
}

func roleForJobType(jobType string) string {
	switch jobType {
	case model.JobTypeAgentPlan:
		return string(agent.RolePlanner)
	case model.JobTypeAgentImplement, model.JobTypeAgentTest:
		return string(agent.RoleImplementer)
	case model.JobTypeAgentPlanRev, model.JobTypeAgentCodeRev:
		return string(agent.RoleReviewer)
	default:
		return jobType
	}
}

// stepContext loads the run, its live worktree, and its task after the
// episode guard passes.
func (h *Handlers) stepContext(ctx context.Context, job *model.Job) (*model.Run, *model.Worktree, *model.Task, error) {
	payload, err := h.checkEpisode(ctx, job)
	if err != nil {
		return nil, nil, nil, err
	}
	run, err := h.runs.Get(ctx, payload.RunID)
	if err != nil {
		return nil, nil, nil, err
	}
	if run.Step != payload.Step {
		return nil, nil, nil, fmt.Errorf("%w: run is on step %s, job is for %s",
			ErrStaleJob, run.Step, payload.Step)
	}
	wt, err := h.worktrees.Active(ctx, run.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if wt == nil {
		return nil, nil, nil, fmt.Errorf("run %s has no active worktree", run.ID)
	}
	// Each claimed step stamps the worktree alive; the janitor expires
	// worktrees whose heartbeat goes stale.
	if err := h.worktrees.Heartbeat(ctx, wt.ID); err != nil {
		h.logger.Warn("worktree heartbeat failed",
			zap.String("worktree_id", wt.ID), zap.Error(err))
	}
	task, err := h.loadTask(ctx, run.TaskID)
	if err != nil {
		return nil, nil, nil, err
	}
	return run, wt, task, nil
}

func (h *Handlers) loadTask(ctx context.Context, taskID string) (*model.Task, error) {
	var t model.Task
	err := h.db.DB().QueryRowContext(ctx, `
		SELECT task_id, project_id, repo_id, external_node_id, slug, title, body, state
		FROM tasks WHERE task_id = ?`, taskID).
		Scan(&t.ID, &t.ProjectID, &t.RepoID, &t.ExternalNodeID, &t.Slug, &t.Title, &t.Body, &t.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &t, nil
}

// latestContent returns the newest artifact content of a type, or "".
func (h *Handlers) latestContent(ctx context.Context, runID string, typ model.ArtifactType) string {
	a, err := h.artifacts.Latest(ctx, runID, typ)
	if err != nil {
		return ""
	}
	return a.Content
}

// finishAgentStep appends the completion signal and drains the run.
func (h *Handlers) finishAgentStep(ctx context.Context, run *model.Run, job *model.Job, p model.AgentCompletedPayload) error {
	if err := h.signal(ctx, run, model.EventAgentCompleted, p, "signal:"+job.ID); err != nil {
		return err
	}
	return h.orch.DrainRun(ctx, run.ID)
}

func (h *Handlers) signal(ctx context.Context, run *model.Run, typ model.EventType, payload any, key string) error {
	_, err := h.events.AppendRetry(ctx, eventlog.AppendRequest{
		ProjectID:      run.ProjectID,
		RunID:          run.ID,
		TaskID:         run.TaskID,
		RepoID:         run.RepoID,
		Type:           typ,
		Class:          model.ClassSignal,
		Payload:        payload,
		IdempotencyKey: key,
		Source:         model.SourceAgentRuntime,
	})
	if err != nil && !errors.Is(err, eventlog.ErrDuplicateIdempotencyKey) {
		return err
	}
	return nil
}
