package orchestrator

import (
	"database/sql"
	"fmt"

	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/store"
)

// enqueueJobTx enqueues a follow-up job for the run. The payload carries the
// run's last event sequence as the episode guard: a worker claiming this job
// after further events landed drops it as stale. The idempotency key is
// scoped to (run, step, sequence) so one decision dispatches one job.
func (o *Orchestrator) enqueueJobTx(tx *sql.Tx, run *model.Run, queueName, jobType string, phase model.RunPhase, step model.Step) error {
	seq, err := lastSequenceTx(tx, run.ID)
	if err != nil {
		return err
	}
	payload := model.RunJobPayload{
		RunID:        run.ID,
		Phase:        phase,
		Step:         step,
		FromSequence: seq,
	}
	key := fmt.Sprintf("job:%s:%s:%d", run.ID, step, seq)
	_, err = o.queue.EnqueueTx(tx, queueName, jobType, payload, queue.EnqueueOptions{
		IdempotencyKey: key,
	})
	return err
}

// lastSequenceTx reads the run's current last event sequence inside tx, after
// any decision appends this transaction already performed.
func lastSequenceTx(tx *sql.Tx, runID string) (int64, error) {
	var seq int64
	if err := tx.QueryRow(`SELECT last_event_sequence FROM runs WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read last event sequence: %w", err)
	}
	return seq, nil
}

// streamTx mirrors the event into the resumable client feed. Best effort in
// shape but transactional with processing, so the feed never shows an event
// the projection has not absorbed.
func (o *Orchestrator) streamTx(tx *sql.Tx, ev *model.Event) error {
	var payload any
	if len(ev.Payload) > 0 {
		payload = string(ev.Payload)
	}
	_, err := tx.Exec(`
		INSERT INTO stream_events (project_id, run_id, event_id, type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ProjectID, nullableStr(ev.RunID), ev.ID, string(ev.Type), payload, store.Now())
	if err != nil {
		return fmt.Errorf("failed to append stream event: %w", err)
	}
	return nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
