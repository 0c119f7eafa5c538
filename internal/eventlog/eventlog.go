// Package eventlog implements the append-only event log and the per-run
// sequencer. Within a run, sequence is the total order; created_at is
// advisory. Processing is driven by sequence, never by wall clock.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/store"
)

var (
	// ErrDuplicateIdempotencyKey means the event was already persisted. The
	// existing event is returned alongside; callers treat this as success.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrSequenceConflict means a concurrent allocator won the sequence.
	// Callers retry under a fresh sequence.
	ErrSequenceConflict = errors.New("sequence conflict")
)

// Log appends and reads events.
type Log struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates an event log over the store.
func New(st *store.Store, logger *zap.Logger) *Log {
	return &Log{store: st, logger: logging.OrNop(logger)}
}

// AppendRequest describes one event to persist. RunID empty means a global
// (unsequenced) event.
type AppendRequest struct {
	ProjectID string
	RunID     string
	TaskID    string
	RepoID    string

	Type    model.EventType
	Class   model.EventClass
	Payload any

	IdempotencyKey string
	CausationID    string
	CorrelationID  string
	Source         model.EventSource
}

// Append persists the event, allocating its sequence in the same transaction
// against the run's next_sequence counter. On a duplicate idempotency key the
// existing event is returned with ErrDuplicateIdempotencyKey.
func (l *Log) Append(ctx context.Context, req AppendRequest) (*model.Event, error) {
	var ev *model.Event
	err := l.store.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		ev, txErr = l.AppendTx(tx, req)
		return txErr
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		existing, lookErr := l.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if lookErr != nil {
			return nil, fmt.Errorf("failed to load duplicate event: %w", lookErr)
		}
		return existing, ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// AppendRetry appends with bounded backoff on sequence conflicts. Duplicate
// keys still surface so callers can collapse double submissions.
func (l *Log) AppendRetry(ctx context.Context, req AppendRequest) (*model.Event, error) {
	backoff := 10 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		ev, err := l.Append(ctx, req)
		if err == nil || errors.Is(err, ErrDuplicateIdempotencyKey) {
			return ev, err
		}
		if !errors.Is(err, ErrSequenceConflict) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("failed to append after retries: %w", lastErr)
}

// AppendTx persists the event inside an existing transaction. The orchestrator
// uses this to emit decision events atomically with projection mutations.
func (l *Log) AppendTx(tx *sql.Tx, req AppendRequest) (*model.Event, error) {
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	if req.Class == "" || req.Type == "" {
		return nil, fmt.Errorf("event class and type are required")
	}

	var payloadJSON *string
	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize payload: %w", err)
		}
		s := string(raw)
		payloadJSON = &s
	}

	ev := &model.Event{
		ID:             ids.New(),
		ProjectID:      req.ProjectID,
		RunID:          req.RunID,
		TaskID:         req.TaskID,
		RepoID:         req.RepoID,
		Type:           req.Type,
		Class:          req.Class,
		IdempotencyKey: req.IdempotencyKey,
		CausationID:    req.CausationID,
		CorrelationID:  req.CorrelationID,
		Source:         req.Source,
		CreatedAt:      time.Now().UTC(),
	}
	if payloadJSON != nil {
		ev.Payload = json.RawMessage(*payloadJSON)
	}

	var sequence *int64
	if req.RunID != "" {
		seq, err := allocateSequence(tx, req.RunID)
		if err != nil {
			return nil, err
		}
		sequence = &seq
		ev.Sequence = seq
	}

	_, err := tx.Exec(`
		INSERT INTO events (event_id, project_id, run_id, task_id, repo_id,
			type, class, payload_json, sequence, idempotency_key,
			causation_id, correlation_id, txn_id, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ProjectID, nullable(ev.RunID), nullable(ev.TaskID), nullable(ev.RepoID),
		string(ev.Type), string(ev.Class), payloadJSON, sequence, ev.IdempotencyKey,
		nullable(ev.CausationID), ev.CorrelationID, "", string(ev.Source),
		ev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err, "events.idempotency_key") {
			return nil, ErrDuplicateIdempotencyKey
		}
		if isUniqueViolation(err, "events.run_id") || isUniqueViolation(err, "idx_events_run_sequence") {
			return nil, ErrSequenceConflict
		}
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	metrics.EventsAppendedTotal.WithLabelValues(string(ev.Class)).Inc()
	return ev, nil
}

// allocateSequence claims the run's next sequence and advances the counter.
// The guarded UPDATE doubles as the row lock: if another allocator advanced
// the counter first, no row matches and the caller retries.
func allocateSequence(tx *sql.Tx, runID string) (int64, error) {
	var seq int64
	if err := tx.QueryRow(`SELECT next_sequence FROM runs WHERE run_id = ?`, runID).Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("run %s not found", runID)
		}
		return 0, fmt.Errorf("failed to read next_sequence: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE runs SET next_sequence = next_sequence + 1,
		       last_event_sequence = ?,
		       updated_at = ?
		WHERE run_id = ? AND next_sequence = ?`,
		seq, store.Now(), runID, seq)
	if err != nil {
		return 0, fmt.Errorf("failed to advance next_sequence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrSequenceConflict
	}
	return seq, nil
}

// MarkProcessedTx stamps processed_at inside the caller's transaction.
func (l *Log) MarkProcessedTx(tx *sql.Tx, eventID string) error {
	res, err := tx.Exec(`UPDATE events SET processed_at = ? WHERE event_id = ? AND processed_at IS NULL`,
		store.Now(), eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("event %s already processed or missing", eventID)
	}
	return nil
}

// NextPending returns the smallest-sequence unprocessed event for a run whose
// prior sequences are all processed, or nil when the run is drained.
func (l *Log) NextPending(ctx context.Context, runID string) (*model.Event, error) {
	row := l.store.DB().QueryRowContext(ctx, selectEvent+`
		WHERE run_id = ? AND processed_at IS NULL
		ORDER BY sequence ASC LIMIT 1`, runID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Sequences are allocated densely, so the minimum unprocessed event has
	// no unprocessed predecessor unless an earlier insert is still in
	// flight. Guard against that window.
	var unprocessedBefore int
	err = l.store.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id = ? AND sequence < ? AND processed_at IS NULL`,
		runID, ev.Sequence).Scan(&unprocessedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to check predecessors: %w", err)
	}
	if unprocessedBefore > 0 {
		return nil, nil
	}
	return ev, nil
}

// RunsWithPending lists run ids that have unprocessed events.
func (l *Log) RunsWithPending(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.store.DB().QueryContext(ctx, `
		SELECT DISTINCT run_id FROM events
		WHERE run_id IS NOT NULL AND processed_at IS NULL
		ORDER BY run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs with pending events: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan run id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// List returns a run's events in sequence order.
func (l *Log) List(ctx context.Context, runID string) ([]*model.Event, error) {
	rows, err := l.store.DB().QueryContext(ctx, selectEvent+`
		WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListDecisions returns a run's decision events in sequence order, for
// projection replay.
func (l *Log) ListDecisions(ctx context.Context, runID string) ([]*model.Event, error) {
	rows, err := l.store.DB().QueryContext(ctx, selectEvent+`
		WHERE run_id = ? AND class = 'decision' ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decision events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Get loads one event by id.
func (l *Log) Get(ctx context.Context, eventID string) (*model.Event, error) {
	row := l.store.DB().QueryRowContext(ctx, selectEvent+` WHERE event_id = ?`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s not found", eventID)
	}
	return ev, err
}

// GetByIdempotencyKey loads one event by its idempotency key.
func (l *Log) GetByIdempotencyKey(ctx context.Context, key string) (*model.Event, error) {
	row := l.store.DB().QueryRowContext(ctx, selectEvent+` WHERE idempotency_key = ?`, key)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event with key %s not found", key)
	}
	return ev, err
}

// LastTransitionTo returns the most recent phase.transitioned event for a run
// whose "to" field matches the given phase, or nil when none exists. Used as
// the blocked-retry fallback when blocked_context_json is missing.
func (l *Log) LastTransitionTo(ctx context.Context, runID string, to model.RunPhase) (*model.Event, *model.TransitionPayload, error) {
	rows, err := l.store.DB().QueryContext(ctx, selectEvent+`
		WHERE run_id = ? AND type = ? ORDER BY sequence DESC`, runID, string(model.EventPhaseTransitioned))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return nil, nil, err
		}
		var p model.TransitionPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			continue
		}
		if p.To == to {
			return ev, &p, nil
		}
	}
	return nil, nil, rows.Err()
}

const selectEvent = `
	SELECT event_id, project_id, run_id, task_id, repo_id, type, class,
	       payload_json, sequence, idempotency_key, causation_id,
	       correlation_id, txn_id, source, created_at, processed_at
	FROM events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*model.Event, error) {
	var (
		ev                                   model.Event
		runID, taskID, repoID, causationID   sql.NullString
		payload                              sql.NullString
		sequence                             sql.NullInt64
		txnID, createdAt                     string
		processedAt                          sql.NullString
		typ, class, source                   string
	)
	err := row.Scan(&ev.ID, &ev.ProjectID, &runID, &taskID, &repoID, &typ, &class,
		&payload, &sequence, &ev.IdempotencyKey, &causationID,
		&ev.CorrelationID, &txnID, &source, &createdAt, &processedAt)
	if err != nil {
		return nil, err
	}
	ev.RunID = runID.String
	ev.TaskID = taskID.String
	ev.RepoID = repoID.String
	ev.CausationID = causationID.String
	ev.TxnID = txnID
	ev.Type = model.EventType(typ)
	ev.Class = model.EventClass(class)
	ev.Source = model.EventSource(source)
	if payload.Valid {
		ev.Payload = json.RawMessage(payload.String)
	}
	if sequence.Valid {
		ev.Sequence = sequence.Int64
	}
	ev.CreatedAt = store.ParseTime(createdAt)
	if processedAt.Valid {
		t := store.ParseTime(processedAt.String)
		ev.ProcessedAt = &t
	}
	return &ev, nil
}

func scanEventRows(rows *sql.Rows) (*model.Event, error) {
	ev, err := scanEvent(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	var out []*model.Event
	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error, needle string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, needle)
}
