package orchestrator

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/model"
)

// RecordAgentFailure blocks the run after an agent invocation exhausted its
// retries. The agent.failed decision and the transition land together; a run
// that already moved on rejects via CAS and the failure is recorded as stale.
func (o *Orchestrator) RecordAgentFailure(ctx context.Context, runID string, p model.AgentFailedPayload) error {
	release := o.db.Locks().Acquire(runID)
	defer release()

	return o.db.WithTx(ctx, func(tx *sql.Tx) error {
		run, err := o.runs.GetTx(tx, runID)
		if err != nil {
			return err
		}
		if run.Phase.IsTerminal() || run.Phase == model.PhaseBlocked {
			return nil
		}
		if p.Step != run.Step {
			o.logger.Warn("agent failure for stale step; ignoring")
			return nil
		}

		key := fmt.Sprintf("agent-failed:%s:%s:%d", runID, p.Step, run.LastEventSequence)
		if err := o.appendDecisionTx(tx, run, model.EventAgentFailed, p, key); err != nil {
			return err
		}
		metrics.JobsTotal.WithLabelValues(model.QueueAgent, "agent_failed").Inc()
		return o.blockTx(tx, run, key, p.ErrorKind, p.Detail)
	})
}
