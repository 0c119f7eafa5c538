// Package orchestrator drains run event streams and turns facts and signals
// into decisions. All interpretation for a run happens under that run's lock,
// one event at a time in sequence order; each event is handled in a single
// transaction that appends any resulting decision events, applies their
// projection mutations, enqueues follow-up jobs, and marks the event
// processed.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/eventlog"
	"github.com/conductor-dev/conductor/internal/gate"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/outbox"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/runstore"
	"github.com/conductor-dev/conductor/internal/store"
)

// Iteration ceilings. A run that exhausts one blocks for operator attention
// instead of looping.
const (
	MaxPlanRevisions   = 3
	MaxTestFixAttempts = 3
	MaxReviewRounds    = 3
)

// Orchestrator interprets run events.
type Orchestrator struct {
	db     *store.Store
	runs   *runstore.Store
	events *eventlog.Log
	queue  *queue.Queue
	gates  *gate.Evaluator
	outbox *outbox.Store
	logger *zap.Logger
}

// New creates an orchestrator.
func New(db *store.Store, runs *runstore.Store, events *eventlog.Log, q *queue.Queue,
	gates *gate.Evaluator, ob *outbox.Store, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:     db,
		runs:   runs,
		events: events,
		queue:  q,
		gates:  gates,
		outbox: ob,
		logger: logging.OrNop(logger),
	}
}

// DrainRun processes the run's pending events in sequence order until none
// remain. Safe to call concurrently; the per-run lock serializes.
func (o *Orchestrator) DrainRun(ctx context.Context, runID string) error {
	release := o.db.Locks().Acquire(runID)
	defer release()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, err := o.events.NextPending(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to read next pending event: %w", err)
		}
		if ev == nil {
			return nil
		}

		if err := o.processEvent(ctx, ev); err != nil {
			if errors.Is(err, errRunPaused) {
				// Events accumulate unprocessed until resume kicks a drain.
				return nil
			}
			return fmt.Errorf("failed to process event %s (seq %d): %w", ev.ID, ev.Sequence, err)
		}
	}
}

// errRunPaused stops a drain at a paused run without consuming the event.
var errRunPaused = errors.New("run is paused")

// processEvent handles one event in one transaction. Decision events were
// applied to the projection when they were appended, so draining them only
// stamps processed_at; facts and signals are interpreted here.
func (o *Orchestrator) processEvent(ctx context.Context, ev *model.Event) error {
	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		if ev.Class != model.ClassDecision {
			run, err := o.runs.GetTx(tx, ev.RunID)
			if err != nil {
				return err
			}
			if run.PausedAt != nil && !run.Phase.IsTerminal() {
				return errRunPaused
			}
			if err := o.interpret(tx, run, ev); err != nil {
				// A stale interpretation means the projection moved between
				// the event's append and now. The event still drains; the
				// newer state already accounts for it.
				if errors.Is(err, runstore.ErrStaleTransition) {
					o.logger.Warn("event interpretation stale",
						zap.String("run_id", ev.RunID),
						zap.String("type", string(ev.Type)),
						zap.Int64("sequence", ev.Sequence))
				} else {
					return err
				}
			}
		}
		if err := o.streamTx(tx, ev); err != nil {
			return err
		}
		return o.events.MarkProcessedTx(tx, ev.ID)
	})
}

// interpret routes one fact or signal to its handler. Terminal runs consume
// everything silently; paused runs were filtered before interpretation.
func (o *Orchestrator) interpret(tx *sql.Tx, run *model.Run, ev *model.Event) error {
	if run.Phase.IsTerminal() {
		return nil
	}

	switch ev.Type {
	case model.EventPRMergedFact:
		return o.handlePRMerged(tx, run, ev)
	case model.EventPRClosedFact:
		return o.handlePRClosed(tx, run, ev)
	case model.EventChecksUpdated:
		return o.handleChecksUpdated(tx, run, ev)
	case model.EventWorktreeReady:
		return o.handleWorktreeReady(tx, run, ev)
	case model.EventAgentCompleted:
		return o.handleAgentCompleted(tx, run, ev)
	case model.EventGateEvaluated, model.EventOutboxResolved, model.EventOperatorAction,
		model.EventJanitorReclaim, model.EventArtifactWritten, model.EventWebhookReceived:
		// Informational for the stream; any state change already rode in
		// with the decision that accompanied them.
		return nil
	default:
		o.logger.Warn("unhandled event type",
			zap.String("run_id", run.ID), zap.String("type", string(ev.Type)))
		return nil
	}
}

// handlePRMerged completes the run when its PR merges while waiting.
func (o *Orchestrator) handlePRMerged(tx *sql.Tx, run *model.Run, ev *model.Event) error {
	if run.Phase != model.PhaseAwaitingReview || run.Step != model.StepWaitPRMerge {
		return nil
	}
	if err := o.runs.SetPRStateTx(tx, run.ID, "merged"); err != nil {
		return err
	}
	if err := o.appendDecisionTx(tx, run, model.EventRunCompleted, model.TransitionPayload{
		From:    run.Phase,
		To:      model.PhaseCompleted,
		Step:    model.StepCleanup,
		Reason:  "pull request merged",
		Trigger: model.TransitionTrigger{Type: "github_webhook", Ref: ev.ID},
	}, "complete:"+ev.ID); err != nil {
		return err
	}
	if err := o.runs.TransitionTx(tx, run.ID, runstore.TransitionParams{
		From:   run.Phase,
		To:     model.PhaseCompleted,
		Step:   model.StepCleanup,
		Result: model.ResultSuccess,
	}); err != nil {
		return err
	}
	metrics.RunsTotal.WithLabelValues(string(model.ResultSuccess)).Inc()
	return o.enqueueJobTx(tx, run, model.QueueRun, model.JobTypeRunCleanup, model.PhaseCompleted, model.StepCleanup)
}

// handlePRClosed blocks the run when its PR closes without merging.
func (o *Orchestrator) handlePRClosed(tx *sql.Tx, run *model.Run, ev *model.Event) error {
	if run.Phase != model.PhaseAwaitingReview || run.Step != model.StepWaitPRMerge {
		return nil
	}
	if err := o.runs.SetPRStateTx(tx, run.ID, "closed"); err != nil {
		return err
	}
	return o.blockTx(tx, run, ev.ID, "pr_closed", "pull request closed without merge")
}

// handleChecksUpdated records the CI conclusion as a tests gate evaluation.
func (o *Orchestrator) handleChecksUpdated(tx *sql.Tx, run *model.Run, ev *model.Event) error {
	var p model.ChecksUpdatedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil
	}
	status := model.GateFailed
	if p.Conclusion == "success" {
		status = model.GatePassed
	}
	_, err := o.gates.RecordTx(tx, run.ID, model.GateTests, status, ev.ID, p)
	return err
}

// handleWorktreeReady records the environment checkpoint and dispatches the
// planner.
func (o *Orchestrator) handleWorktreeReady(tx *sql.Tx, run *model.Run, ev *model.Event) error {
	if run.Phase != model.PhasePlanning || run.Step != model.StepSetupWorktree {
		return nil
	}
	var p model.WorktreeReadyPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("failed to parse worktree payload: %w", err)
	}

	if err := o.runs.SetBranchTx(tx, run.ID, p.Branch); err != nil {
		return err
	}
	if err := o.runs.SetHeadSHATx(tx, run.ID, p.BaseCommit); err != nil {
		return err
	}
	if err := o.runs.AddCheckpointTx(tx, run.ID, model.Checkpoint{
		Name:       model.CheckpointEnvironmentReady,
		WorktreeID: p.WorktreeID,
	}); err != nil {
		return err
	}

	if err := o.appendDecisionTx(tx, run, model.EventStepAdvanced, model.TransitionPayload{
		From:    run.Phase,
		To:      run.Phase,
		Step:    model.StepPlannerCreatePlan,
		Reason:  "worktree ready",
		Trigger: model.TransitionTrigger{Type: "signal", Ref: ev.ID},
	}, "advance:"+ev.ID); err != nil {
		return err
	}
	if err := o.runs.AdvanceStepTx(tx, run.ID, run.Phase, model.StepSetupWorktree, model.StepPlannerCreatePlan); err != nil {
		return err
	}
	return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentPlan, run.Phase, model.StepPlannerCreatePlan)
}

// appendDecisionTx appends a decision event for the run inside tx. The
// idempotency key is scoped to the causing event so a re-drain of the same
// fact collapses.
func (o *Orchestrator) appendDecisionTx(tx *sql.Tx, run *model.Run, typ model.EventType, payload any, key string) error {
	_, err := o.events.AppendTx(tx, eventlog.AppendRequest{
		ProjectID:      run.ProjectID,
		RunID:          run.ID,
		TaskID:         run.TaskID,
		RepoID:         run.RepoID,
		Type:           typ,
		Class:          model.ClassDecision,
		Payload:        payload,
		IdempotencyKey: key,
		Source:         model.SourceSystem,
	})
	if errors.Is(err, eventlog.ErrDuplicateIdempotencyKey) {
		return nil
	}
	return err
}

// blockTx moves the run to blocked with a context sufficient for operator
// recovery, in the same transaction as the causing event.
func (o *Orchestrator) blockTx(tx *sql.Tx, run *model.Run, causeEventID, errorKind, detail string) error {
	bc := &model.BlockedContext{
		PriorPhase: run.Phase,
		PriorStep:  run.Step,
		ErrorKind:  errorKind,
		Detail:     detail,
	}
	if err := o.appendDecisionTx(tx, run, model.EventPhaseTransitioned, model.TransitionPayload{
		From:    run.Phase,
		To:      model.PhaseBlocked,
		Reason:  detail,
		Trigger: model.TransitionTrigger{Type: "system", Ref: causeEventID},
		Blocked: bc,
	}, "block:"+causeEventID); err != nil {
		return err
	}
	if err := o.runs.TransitionTx(tx, run.ID, runstore.TransitionParams{
		From:           run.Phase,
		To:             model.PhaseBlocked,
		Step:           run.Step,
		BlockedReason:  errorKind,
		BlockedContext: bc,
	}); err != nil {
		return err
	}
	metrics.PhaseTransitionsTotal.WithLabelValues(string(run.Phase), string(model.PhaseBlocked)).Inc()
	return nil
}
