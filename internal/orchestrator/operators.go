package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/conductor-dev/conductor/internal/eventlog"
	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/policy"
	"github.com/conductor-dev/conductor/internal/runstore"
	"github.com/conductor-dev/conductor/internal/store"
)

// ErrNotRetryable means retry was requested for a run that is not blocked or
// whose prior phase cannot be resumed.
var ErrNotRetryable = errors.New("run is not retryable")

// Actor identifies who performed a control-surface action.
type Actor struct {
	Type        string
	DisplayName string
}

// Operator action names recorded in operator_actions.
const (
	ActionStartRun        = "start_run"
	ActionApprovePlan     = "approve_plan"
	ActionRevisePlan      = "revise_plan"
	ActionRejectAndCancel = "reject_and_cancel"
	ActionRetry           = "retry"
	ActionCancel          = "cancel"
	ActionPause           = "pause"
	ActionResume          = "resume"
	ActionGrantException  = "grant_policy_exception"
	ActionDenyException   = "deny_policy_exception"
)

// Operators is the control surface. Every action lands its operator_actions
// row, its signal event, any decision events, their projection mutations, and
// any follow-up jobs in one transaction, CAS-guarded so a double-submit is a
// stale no-op rather than a duplicate effect.
type Operators struct {
	orch     *Orchestrator
	policies *policy.Store
}

// NewOperators creates the control surface over an orchestrator.
func NewOperators(orch *Orchestrator, policies *policy.Store) *Operators {
	return &Operators{orch: orch, policies: policies}
}

// StartRun creates a run for a task and dispatches worktree setup.
func (op *Operators) StartRun(ctx context.Context, taskID string, actor Actor) (*model.Run, error) {
	o := op.orch

	var projectID, repoID, baseBranch string
	err := o.db.DB().QueryRowContext(ctx, `
		SELECT t.project_id, t.repo_id, r.default_branch
		FROM tasks t JOIN repos r ON r.repo_id = t.repo_id
		WHERE t.task_id = ?`, taskID).Scan(&projectID, &repoID, &baseBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	var run *model.Run
	err = o.db.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		run, txErr = o.runs.CreateTx(tx, runstore.CreateParams{
			TaskID:     taskID,
			ProjectID:  projectID,
			RepoID:     repoID,
			BaseBranch: baseBranch,
		})
		if txErr != nil {
			return txErr
		}

		// The routing decision fixes up front which gates must pass before
		// the run may open a PR.
		if _, txErr = o.gates.RecordRoutingTx(tx, run.ID,
			[]string{model.GatePlanReview, model.GateTests, model.GateCodeReview},
			[]string{model.GatePolicy}); txErr != nil {
			return txErr
		}

		actionID, txErr := op.recordActionTx(tx, run, ActionStartRun, actor, "", model.PhasePending, model.PhasePlanning)
		if txErr != nil {
			return txErr
		}
		if txErr = o.appendDecisionTx(tx, run, model.EventRunStarted, model.TransitionPayload{
			From:    model.PhasePending,
			To:      model.PhasePlanning,
			Step:    model.StepSetupWorktree,
			Reason:  "run started",
			Trigger: model.TransitionTrigger{Type: "operator", Ref: actionID},
		}, "run-started:"+run.ID); txErr != nil {
			return txErr
		}
		if txErr = o.runs.TransitionTx(tx, run.ID, runstore.TransitionParams{
			From: model.PhasePending,
			To:   model.PhasePlanning,
			Step: model.StepSetupWorktree,
		}); txErr != nil {
			return txErr
		}
		run.Phase = model.PhasePlanning
		run.Step = model.StepSetupWorktree
		return o.enqueueJobTx(tx, run, model.QueueRun, model.JobTypeRunStart, model.PhasePlanning, model.StepSetupWorktree)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ApprovePlan moves a waiting run into execution.
func (op *Operators) ApprovePlan(ctx context.Context, runID string, actor Actor) error {
	o := op.orch
	release := o.db.Locks().Acquire(runID)
	defer release()

	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Phase != model.PhaseAwaitingPlanApproval {
		return runstore.ErrStaleTransition
	}

	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		actionID, err := op.recordActionTx(tx, run, ActionApprovePlan, actor, "",
			model.PhaseAwaitingPlanApproval, model.PhaseExecuting)
		if err != nil {
			return err
		}
		if err := o.runs.AddCheckpointTx(tx, run.ID, model.Checkpoint{
			Name:             model.CheckpointPlanApproved,
			OperatorActionID: actionID,
		}); err != nil {
			return err
		}
		if err := o.appendDecisionTx(tx, run, model.EventPhaseTransitioned, model.TransitionPayload{
			From:    model.PhaseAwaitingPlanApproval,
			To:      model.PhaseExecuting,
			Step:    model.StepImplementerApplyChange,
			Reason:  "plan approved",
			Trigger: model.TransitionTrigger{Type: "operator", Ref: actionID},
		}, "approve:"+actionID); err != nil {
			return err
		}
		if err := o.runs.TransitionTx(tx, run.ID, runstore.TransitionParams{
			From: model.PhaseAwaitingPlanApproval,
			To:   model.PhaseExecuting,
			Step: model.StepImplementerApplyChange,
		}); err != nil {
			return err
		}
		return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentImplement,
			model.PhaseExecuting, model.StepImplementerApplyChange)
	})
}

// RevisePlan sends a waiting run back to planning with operator feedback.
func (op *Operators) RevisePlan(ctx context.Context, runID string, actor Actor, feedback string) error {
	o := op.orch
	release := o.db.Locks().Acquire(runID)
	defer release()

	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Phase != model.PhaseAwaitingPlanApproval {
		return runstore.ErrStaleTransition
	}

	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		actionID, err := op.recordActionTx(tx, run, ActionRevisePlan, actor, feedback,
			model.PhaseAwaitingPlanApproval, model.PhasePlanning)
		if err != nil {
			return err
		}
		if err := o.runs.IncrementCounterTx(tx, run.ID, runstore.CounterPlanRevisions); err != nil {
			return err
		}
		if err := o.appendDecisionTx(tx, run, model.EventPlanRevised, map[string]any{
			"revision": run.PlanRevisions + 1,
			"feedback": feedback,
		}, "revise:"+actionID); err != nil {
			return err
		}
		if err := o.appendDecisionTx(tx, run, model.EventPhaseTransitioned, model.TransitionPayload{
			From:    model.PhaseAwaitingPlanApproval,
			To:      model.PhasePlanning,
			Step:    model.StepPlannerCreatePlan,
			Reason:  "operator requested plan revision",
			Trigger: model.TransitionTrigger{Type: "operator", Ref: actionID},
		}, "revise-transition:"+actionID); err != nil {
			return err
		}
		if err := o.runs.TransitionTx(tx, run.ID, runstore.TransitionParams{
			From: model.PhaseAwaitingPlanApproval,
			To:   model.PhasePlanning,
			Step: model.StepPlannerCreatePlan,
		}); err != nil {
			return err
		}
		return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentPlan,
			model.PhasePlanning, model.StepPlannerCreatePlan)
	})
}

// Cancel terminates a non-terminal run. RejectAndCancel is the same mutation
// recorded under its own action name.
func (op *Operators) Cancel(ctx context.Context, runID string, actor Actor, reason string) error {
	return op.cancel(ctx, runID, actor, reason, ActionCancel)
}

// RejectAndCancel cancels a run from the plan-approval surface.
func (op *Operators) RejectAndCancel(ctx context.Context, runID string, actor Actor, reason string) error {
	return op.cancel(ctx, runID, actor, reason, ActionRejectAndCancel)
}

func (op *Operators) cancel(ctx context.Context, runID string, actor Actor, reason, action string) error {
	o := op.orch
	release := o.db.Locks().Acquire(runID)
	defer release()

	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Phase.IsTerminal() {
		return runstore.ErrStaleTransition
	}

	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		actionID, err := op.recordActionTx(tx, run, action, actor, reason, run.Phase, model.PhaseCancelled)
		if err != nil {
			return err
		}
		if err := o.appendDecisionTx(tx, run, model.EventRunCancelled, model.TransitionPayload{
			From:    run.Phase,
			To:      model.PhaseCancelled,
			Reason:  reason,
			Trigger: model.TransitionTrigger{Type: "operator", Ref: actionID},
		}, "cancel:"+actionID); err != nil {
			return err
		}
		if err := o.runs.TransitionTx(tx, run.ID, runstore.TransitionParams{
			From:         run.Phase,
			To:           model.PhaseCancelled,
			Result:       model.ResultCancelled,
			ResultReason: reason,
		}); err != nil {
			return err
		}
		return o.enqueueJobTx(tx, run, model.QueueRun, model.JobTypeRunCleanup,
			model.PhaseCancelled, model.StepCleanup)
	})
}

// Pause suspends event consumption for a run without changing its phase.
func (op *Operators) Pause(ctx context.Context, runID string, actor Actor) error {
	o := op.orch
	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		run, err := o.runs.GetTx(tx, runID)
		if err != nil {
			return err
		}
		if _, err := op.recordActionTx(tx, run, ActionPause, actor, "", run.Phase, run.Phase); err != nil {
			return err
		}
		return o.runs.SetPausedTx(tx, runID, actor.DisplayName, true)
	})
}

// Resume lifts a pause and kicks a drain so accumulated events process.
func (op *Operators) Resume(ctx context.Context, runID string, actor Actor) error {
	o := op.orch
	err := o.db.WithTx(ctx, func(tx *sql.Tx) error {
		run, err := o.runs.GetTx(tx, runID)
		if err != nil {
			return err
		}
		if _, err := op.recordActionTx(tx, run, ActionResume, actor, "", run.Phase, run.Phase); err != nil {
			return err
		}
		return o.runs.SetPausedTx(tx, runID, "", false)
	})
	if err != nil {
		return err
	}
	return op.DrainLater(ctx, runID)
}

// DrainLater enqueues a drain job for the run.
func (op *Operators) DrainLater(ctx context.Context, runID string) error {
	o := op.orch
	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		run, err := o.runs.GetTx(tx, runID)
		if err != nil {
			return err
		}
		return o.enqueueJobTx(tx, run, model.QueueOrchestrator, model.JobTypeDrainRun, run.Phase, run.Step)
	})
}

// GrantException records a constrained policy override and, when the run is
// blocked, resumes it the same way Retry does: resume phase from the blocked
// context, resume step from the most advanced still-valid checkpoint, and the
// follow-up job in the same transaction so a dispatch failure leaves the run
// blocked with the override ungranted.
func (op *Operators) GrantException(ctx context.Context, runID string, actor Actor, override model.Override) error {
	o := op.orch
	release := o.db.Locks().Acquire(runID)
	defer release()

	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}

	resume := run.Phase == model.PhaseBlocked
	var (
		target model.RunPhase
		step   model.Step
	)
	if resume {
		target, err = op.resumePhase(ctx, run)
		if err != nil {
			return err
		}
		if !target.IsRetryable() {
			resume = false
		}
	}
	if resume {
		cps, err := o.runs.Checkpoints(ctx, runID)
		if err != nil {
			return err
		}
		step = resumeStep(target, run, runstore.LatestValidCheckpoint(run, cps))
	}

	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		granted, err := op.policies.GrantOverrideTx(tx, override)
		if err != nil {
			return err
		}
		toPhase := run.Phase
		if resume {
			toPhase = target
		}
		actionID, err := op.recordActionTx(tx, run, ActionGrantException, actor, "", run.Phase, toPhase)
		if err != nil {
			return err
		}
		if err := o.appendDecisionTx(tx, run, model.EventOverrideGranted, map[string]any{
			"override_id":  granted.ID,
			"violation_id": granted.ViolationID,
			"scope":        string(granted.Scope),
			"action_id":    actionID,
		}, "override:"+granted.ID); err != nil {
			return err
		}
		if !resume {
			return nil
		}
		if err := o.appendDecisionTx(tx, run, model.EventPhaseTransitioned, model.TransitionPayload{
			From:    model.PhaseBlocked,
			To:      target,
			Step:    step,
			Reason:  "policy exception granted",
			Trigger: model.TransitionTrigger{Type: "operator", Ref: actionID},
		}, "unblock:"+actionID); err != nil {
			return err
		}
		if err := o.runs.TransitionTx(tx, run.ID, runstore.TransitionParams{
			From: model.PhaseBlocked,
			To:   target,
			Step: step,
		}); err != nil {
			return err
		}
		return op.dispatchStepTx(tx, run, target, step)
	})
}

// DenyException records a refused exception request. The run stays blocked;
// the operator's remaining moves are retry or cancel.
func (op *Operators) DenyException(ctx context.Context, runID string, actor Actor, violationID, reason string) error {
	o := op.orch
	release := o.db.Locks().Acquire(runID)
	defer release()

	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}

	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		actionID, err := op.recordActionTx(tx, run, ActionDenyException, actor, reason, run.Phase, run.Phase)
		if err != nil {
			return err
		}
		return o.appendDecisionTx(tx, run, model.EventOverrideDenied, map[string]any{
			"violation_id": violationID,
			"reason":       reason,
			"action_id":    actionID,
		}, "deny-override:"+actionID)
	})
}

// recordActionTx inserts the operator_actions row and its signal event.
func (op *Operators) recordActionTx(tx *sql.Tx, run *model.Run, action string, actor Actor, comment string, from, to model.RunPhase) (string, error) {
	o := op.orch
	actionID := ids.New()
	_, err := tx.Exec(`
		INSERT INTO operator_actions (operator_action_id, run_id, action, actor_type,
			actor_display_name, comment, from_phase, to_phase, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		actionID, run.ID, action, actor.Type, actor.DisplayName, comment,
		string(from), string(to), store.Now())
	if err != nil {
		return "", fmt.Errorf("failed to record operator action: %w", err)
	}

	_, err = o.events.AppendTx(tx, eventlog.AppendRequest{
		ProjectID: run.ProjectID,
		RunID:     run.ID,
		TaskID:    run.TaskID,
		Type:      model.EventOperatorAction,
		Class:     model.ClassSignal,
		Payload: model.OperatorActionPayload{
			Action:           action,
			OperatorActionID: actionID,
			Comment:          comment,
		},
		IdempotencyKey: "action:" + actionID,
		Source:         model.SourceUIAction,
	})
	if err != nil && !errors.Is(err, eventlog.ErrDuplicateIdempotencyKey) {
		return "", err
	}
	return actionID, nil
}
