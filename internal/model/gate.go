package model

import (
	"encoding/json"
	"time"
)

// GateStatus is the outcome of a single gate evaluation.
type GateStatus string

const (
	GatePending GateStatus = "pending"
	GatePassed  GateStatus = "passed"
	GateFailed  GateStatus = "failed"
)

// Well-known gate ids.
const (
	GateTests      = "tests"
	GateCodeReview = "code_review"
	GatePlanReview = "plan_review"
	GatePolicy     = "policy"
)

// GateEvaluation is one append-only evaluation record. The latest evaluation
// per gate is ordered by the causation event's sequence, ties broken by the
// evaluation id; EvaluatedAt is informational only.
type GateEvaluation struct {
	ID               string
	RunID            string
	GateID           string
	Status           GateStatus
	CausationEventID string
	Details          json.RawMessage
	EvaluatedAt      time.Time
}

// RoutingDecision captures which gates are required vs optional for a run,
// fixed at routing time. Phase advancement consults this plus the derived
// gate map.
type RoutingDecision struct {
	ID            string
	RunID         string
	RequiredGates []string
	OptionalGates []string
	CreatedAt     time.Time
}
