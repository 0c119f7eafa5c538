package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the durable queue state of a job row.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Queue names. Per-queue lease and attempt defaults come from config.
const (
	QueueOrchestrator = "orchestrator"
	QueueAgent        = "agent"
	QueueOutbox       = "outbox"
	QueueRun          = "run"
)

// Job types dispatched by the orchestrator.
const (
	JobTypeDrainRun       = "orchestrator.drain_run"
	JobTypeRunStart       = "run.start"
	JobTypeRunResume      = "run.resume"
	JobTypeRunCleanup     = "run.cleanup"
	JobTypeAgentPlan      = "planner.create_plan"
	JobTypeAgentPlanRev   = "reviewer.review_plan"
	JobTypeAgentImplement = "implementer.apply_changes"
	JobTypeAgentTest      = "implementer.run_tests"
	JobTypeAgentCodeRev   = "reviewer.review_code"
	JobTypeOutboxDeliver  = "outbox.deliver"
)

// Job is one durable queue row.
type Job struct {
	ID             string
	Queue          string
	Type           string
	Payload        json.RawMessage
	IdempotencyKey string

	Status   JobStatus
	Priority int

	ClaimedBy      string
	ClaimedAt      *time.Time
	LeaseExpiresAt *time.Time

	Attempts    int
	MaxAttempts int
	LastError   string
	NextRetryAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunJobPayload is the payload shared by run- and agent-scoped jobs. The
// FromSequence field is the episode guard: a worker drops the job as stale
// when it no longer matches the run's last event sequence at enqueue time.
type RunJobPayload struct {
	RunID        string   `json:"run_id"`
	Phase        RunPhase `json:"phase"`
	Step         Step     `json:"step"`
	FromSequence int64    `json:"from_sequence"`
}
