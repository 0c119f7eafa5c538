// Package gate records gate evaluations and derives run-level gate state.
// Evaluations are a pure append; "latest" per gate is ordered by the
// causation event's sequence, ties broken by evaluation id. Gate state is
// never stored on the run.
package gate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/store"
)

// Evaluator appends and projects gate evaluations.
type Evaluator struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates a gate evaluator.
func New(st *store.Store, logger *zap.Logger) *Evaluator {
	return &Evaluator{store: st, logger: logging.OrNop(logger)}
}

// RecordTx appends one evaluation inside the caller's transaction. No
// update-in-place: a re-evaluation is a new row with a later causation event.
func (e *Evaluator) RecordTx(tx *sql.Tx, runID, gateID string, status model.GateStatus, causationEventID string, details any) (*model.GateEvaluation, error) {
	if causationEventID == "" {
		return nil, fmt.Errorf("causation event id is required")
	}

	var detailsJSON *string
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize details: %w", err)
		}
		s := string(raw)
		detailsJSON = &s
	}

	ev := &model.GateEvaluation{
		ID:               ids.New(),
		RunID:            runID,
		GateID:           gateID,
		Status:           status,
		CausationEventID: causationEventID,
		EvaluatedAt:      time.Now().UTC(),
	}
	if detailsJSON != nil {
		ev.Details = json.RawMessage(*detailsJSON)
	}

	_, err := tx.Exec(`
		INSERT INTO gate_evaluations (gate_evaluation_id, run_id, gate_id, status,
			causation_event_id, details_json, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, ev.GateID, string(ev.Status), ev.CausationEventID,
		detailsJSON, ev.EvaluatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to insert gate evaluation: %w", err)
	}
	return ev, nil
}

// Latest returns the evaluation with the largest causation-event sequence for
// the gate, tie-broken by gate_evaluation_id. evaluated_at never orders.
func (e *Evaluator) Latest(ctx context.Context, runID, gateID string) (*model.GateEvaluation, error) {
	row := e.store.DB().QueryRowContext(ctx, `
		SELECT g.gate_evaluation_id, g.run_id, g.gate_id, g.status,
		       g.causation_event_id, g.details_json, g.evaluated_at
		FROM gate_evaluations g
		JOIN events ev ON ev.event_id = g.causation_event_id
		WHERE g.run_id = ? AND g.gate_id = ?
		ORDER BY ev.sequence DESC, g.gate_evaluation_id DESC
		LIMIT 1`, runID, gateID)

	ev, err := scanEvaluation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest gate evaluation: %w", err)
	}
	return ev, nil
}

// GatesFor projects the run's gate map: gate_id -> latest status. Recomputed
// on every read.
func (e *Evaluator) GatesFor(ctx context.Context, runID string) (map[string]model.GateStatus, error) {
	rows, err := e.store.DB().QueryContext(ctx, `
		SELECT g.gate_id, g.status
		FROM gate_evaluations g
		JOIN events ev ON ev.event_id = g.causation_event_id
		WHERE g.run_id = ?
		ORDER BY ev.sequence ASC, g.gate_evaluation_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to project gates: %w", err)
	}
	defer rows.Close()

	// Ascending order means the last row seen per gate is the latest.
	out := make(map[string]model.GateStatus)
	for rows.Next() {
		var gateID, status string
		if err := rows.Scan(&gateID, &status); err != nil {
			return nil, fmt.Errorf("failed to scan gate row: %w", err)
		}
		out[gateID] = model.GateStatus(status)
	}
	return out, rows.Err()
}

// RecordRoutingTx captures which gates are required vs optional for a run.
func (e *Evaluator) RecordRoutingTx(tx *sql.Tx, runID string, required, optional []string) (*model.RoutingDecision, error) {
	reqJSON, err := json.Marshal(required)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize required gates: %w", err)
	}
	optJSON, err := json.Marshal(optional)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize optional gates: %w", err)
	}

	rd := &model.RoutingDecision{
		ID:            ids.New(),
		RunID:         runID,
		RequiredGates: required,
		OptionalGates: optional,
		CreatedAt:     time.Now().UTC(),
	}
	_, err = tx.Exec(`
		INSERT INTO routing_decisions (routing_decision_id, run_id,
			required_gates_json, optional_gates_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rd.ID, rd.RunID, string(reqJSON), string(optJSON),
		rd.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to insert routing decision: %w", err)
	}
	return rd, nil
}

// Routing returns the most recent routing decision for a run, or nil.
func (e *Evaluator) Routing(ctx context.Context, runID string) (*model.RoutingDecision, error) {
	row := e.store.DB().QueryRowContext(ctx, `
		SELECT routing_decision_id, run_id, required_gates_json, optional_gates_json, created_at
		FROM routing_decisions WHERE run_id = ?
		ORDER BY created_at DESC, routing_decision_id DESC LIMIT 1`, runID)

	var (
		rd               model.RoutingDecision
		reqJSON, optJSON string
		createdAt        string
	)
	err := row.Scan(&rd.ID, &rd.RunID, &reqJSON, &optJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load routing decision: %w", err)
	}
	if err := json.Unmarshal([]byte(reqJSON), &rd.RequiredGates); err != nil {
		return nil, fmt.Errorf("failed to decode required gates: %w", err)
	}
	if err := json.Unmarshal([]byte(optJSON), &rd.OptionalGates); err != nil {
		return nil, fmt.Errorf("failed to decode optional gates: %w", err)
	}
	rd.CreatedAt = store.ParseTime(createdAt)
	return &rd, nil
}

// RequiredPassed reports whether every required gate for the run currently
// projects to passed. Runs without a routing decision have no required gates.
func (e *Evaluator) RequiredPassed(ctx context.Context, runID string) (bool, error) {
	rd, err := e.Routing(ctx, runID)
	if err != nil {
		return false, err
	}
	return e.requiredPassed(rd, func() (map[string]model.GateStatus, error) {
		return e.GatesFor(ctx, runID)
	})
}

// RequiredPassedTx is RequiredPassed against the caller's transaction, for
// the orchestrator's phase-advance checks. The single-connection pool means
// reads inside a transaction must ride that transaction.
func (e *Evaluator) RequiredPassedTx(tx *sql.Tx, runID string) (bool, error) {
	rd, err := e.routingTx(tx, runID)
	if err != nil {
		return false, err
	}
	return e.requiredPassed(rd, func() (map[string]model.GateStatus, error) {
		return e.gatesForTx(tx, runID)
	})
}

func (e *Evaluator) requiredPassed(rd *model.RoutingDecision, gatesFor func() (map[string]model.GateStatus, error)) (bool, error) {
	if rd == nil || len(rd.RequiredGates) == 0 {
		return true, nil
	}
	gates, err := gatesFor()
	if err != nil {
		return false, err
	}
	for _, g := range rd.RequiredGates {
		if gates[g] != model.GatePassed {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) routingTx(tx *sql.Tx, runID string) (*model.RoutingDecision, error) {
	row := tx.QueryRow(`
		SELECT routing_decision_id, run_id, required_gates_json, optional_gates_json, created_at
		FROM routing_decisions WHERE run_id = ?
		ORDER BY created_at DESC, routing_decision_id DESC LIMIT 1`, runID)

	var (
		rd               model.RoutingDecision
		reqJSON, optJSON string
		createdAt        string
	)
	err := row.Scan(&rd.ID, &rd.RunID, &reqJSON, &optJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load routing decision: %w", err)
	}
	if err := json.Unmarshal([]byte(reqJSON), &rd.RequiredGates); err != nil {
		return nil, fmt.Errorf("failed to decode required gates: %w", err)
	}
	if err := json.Unmarshal([]byte(optJSON), &rd.OptionalGates); err != nil {
		return nil, fmt.Errorf("failed to decode optional gates: %w", err)
	}
	rd.CreatedAt = store.ParseTime(createdAt)
	return &rd, nil
}

func (e *Evaluator) gatesForTx(tx *sql.Tx, runID string) (map[string]model.GateStatus, error) {
	rows, err := tx.Query(`
		SELECT g.gate_id, g.status
		FROM gate_evaluations g
		JOIN events ev ON ev.event_id = g.causation_event_id
		WHERE g.run_id = ?
		ORDER BY ev.sequence ASC, g.gate_evaluation_id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to project gates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.GateStatus)
	for rows.Next() {
		var gateID, status string
		if err := rows.Scan(&gateID, &status); err != nil {
			return nil, fmt.Errorf("failed to scan gate row: %w", err)
		}
		out[gateID] = model.GateStatus(status)
	}
	return out, rows.Err()
}

func scanEvaluation(row *sql.Row) (*model.GateEvaluation, error) {
	var (
		ev          model.GateEvaluation
		status      string
		details     sql.NullString
		evaluatedAt string
	)
	err := row.Scan(&ev.ID, &ev.RunID, &ev.GateID, &status,
		&ev.CausationEventID, &details, &evaluatedAt)
	if err != nil {
		return nil, err
	}
	ev.Status = model.GateStatus(status)
	if details.Valid {
		ev.Details = json.RawMessage(details.String)
	}
	ev.EvaluatedAt = store.ParseTime(evaluatedAt)
	return &ev, nil
}
