package orchestrator

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/runstore"
)

// Retry resumes a blocked run. The resume phase comes from the blocked
// context captured at block time, falling back to the run's last transition
// into blocked when the context is missing. The resume step is picked from
// the most advanced still-valid checkpoint, so work with surviving evidence
// is not redone. A concurrent retry loses the CAS and returns
// ErrStaleTransition.
func (op *Operators) Retry(ctx context.Context, runID string, actor Actor) error {
	o := op.orch
	release := o.db.Locks().Acquire(runID)
	defer release()

	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Phase != model.PhaseBlocked {
		return ErrNotRetryable
	}

	target, err := op.resumePhase(ctx, run)
	if err != nil {
		return err
	}
	if !target.IsRetryable() {
		return ErrNotRetryable
	}

	cps, err := o.runs.Checkpoints(ctx, runID)
	if err != nil {
		return err
	}
	step := resumeStep(target, run, runstore.LatestValidCheckpoint(run, cps))

	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		actionID, err := op.recordActionTx(tx, run, ActionRetry, actor, "", model.PhaseBlocked, target)
		if err != nil {
			return err
		}
		if err := o.appendDecisionTx(tx, run, model.EventPhaseTransitioned, model.TransitionPayload{
			From:    model.PhaseBlocked,
			To:      target,
			Step:    step,
			Reason:  "operator retry",
			Trigger: model.TransitionTrigger{Type: "operator", Ref: actionID},
		}, "retry:"+actionID); err != nil {
			return err
		}
		if err := o.runs.TransitionTx(tx, run.ID, runstore.TransitionParams{
			From: model.PhaseBlocked,
			To:   target,
			Step: step,
		}); err != nil {
			return err
		}
		// Enqueue in the same transaction: if dispatch fails the whole retry
		// rolls back and the run stays blocked.
		return op.dispatchStepTx(tx, run, target, step)
	})
}

// resumePhase picks where a blocked run goes back to.
func (op *Operators) resumePhase(ctx context.Context, run *model.Run) (model.RunPhase, error) {
	if run.BlockedContext != nil && run.BlockedContext.PriorPhase.IsRetryable() {
		return run.BlockedContext.PriorPhase, nil
	}

	// Context missing or unusable; read the last transition into blocked.
	_, payload, err := op.orch.events.LastTransitionTo(ctx, run.ID, model.PhaseBlocked)
	if err != nil {
		return "", err
	}
	if payload != nil && payload.From.IsRetryable() {
		op.orch.logger.Warn("blocked context missing, resumed from event log",
			zap.String("run_id", run.ID), zap.String("phase", string(payload.From)))
		return payload.From, nil
	}
	return model.PhasePlanning, nil
}

// resumeStep picks the step within the resume phase. A valid checkpoint may
// skip completed work; otherwise the prior step, or the phase's first step.
func resumeStep(target model.RunPhase, run *model.Run, cp *model.Checkpoint) model.Step {
	if cp != nil {
		if step := stepAfterCheckpoint(target, cp.Name); step != "" {
			return step
		}
	}
	if run.BlockedContext != nil && model.StepInPhase(target, run.BlockedContext.PriorStep) {
		return run.BlockedContext.PriorStep
	}
	return model.FirstStep(target)
}

// stepAfterCheckpoint maps a checkpoint to the step that follows it within a
// phase, or "" when the checkpoint does not advance this phase.
func stepAfterCheckpoint(phase model.RunPhase, name model.CheckpointName) model.Step {
	switch phase {
	case model.PhasePlanning:
		switch name {
		case model.CheckpointEnvironmentReady:
			return model.StepPlannerCreatePlan
		case model.CheckpointPlanningComplete:
			return model.StepReviewerReviewPlan
		}
	case model.PhaseExecuting:
		switch name {
		case model.CheckpointImplementationComplete:
			return model.StepTesterRunTests
		case model.CheckpointTestsPassed:
			return model.StepReviewerReviewCode
		}
	case model.PhaseAwaitingReview:
		if name == model.CheckpointPRCreated {
			return model.StepWaitPRMerge
		}
	}
	return ""
}

// dispatchStepTx enqueues the job that performs a step, or enqueues the
// outbox write for create_pr. Wait steps dispatch nothing.
func (op *Operators) dispatchStepTx(tx *sql.Tx, run *model.Run, phase model.RunPhase, step model.Step) error {
	o := op.orch
	switch step {
	case model.StepSetupWorktree:
		return o.enqueueJobTx(tx, run, model.QueueRun, model.JobTypeRunStart, phase, step)
	case model.StepPlannerCreatePlan:
		return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentPlan, phase, step)
	case model.StepReviewerReviewPlan:
		return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentPlanRev, phase, step)
	case model.StepImplementerApplyChange:
		return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentImplement, phase, step)
	case model.StepTesterRunTests:
		return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentTest, phase, step)
	case model.StepReviewerReviewCode:
		return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentCodeRev, phase, step)
	case model.StepCreatePR:
		return o.enqueuePRWriteTx(tx, run, "retry")
	case model.StepCleanup:
		return o.enqueueJobTx(tx, run, model.QueueRun, model.JobTypeRunCleanup, phase, step)
	default:
		// wait_plan_approval and wait_pr_merge resume by waiting.
		return nil
	}
}
