package model

import (
	"encoding/json"
	"time"
)

// EventClass tags how an event may interact with the run projection. Only
// decision events mutate it; facts and signals can trigger processing but
// never touch run state directly.
type EventClass string

const (
	ClassFact     EventClass = "fact"
	ClassDecision EventClass = "decision"
	ClassSignal   EventClass = "signal"
)

// EventSource identifies where an event originated.
type EventSource string

const (
	SourceGitHubWebhook EventSource = "github_webhook"
	SourceUIAction      EventSource = "ui_action"
	SourceScheduler     EventSource = "scheduler"
	SourceAgentRuntime  EventSource = "agent_runtime"
	SourceSystem        EventSource = "system"
)

// EventType is a hierarchical event name.
type EventType string

// Decision events. These are the only events allowed to mutate the projection.
const (
	EventRunStarted        EventType = "run.started"
	EventRunCancelled      EventType = "run.cancelled"
	EventRunCompleted      EventType = "run.completed"
	EventPhaseTransitioned EventType = "phase.transitioned"
	EventStepAdvanced      EventType = "step.advanced"
	EventAgentFailed       EventType = "agent.failed"
	EventPlanRevised       EventType = "plan.revised"
	EventPRBundleRecorded  EventType = "pr.bundle.recorded"
	EventOverrideGranted   EventType = "policy.override.granted"
	EventOverrideDenied    EventType = "policy.override.denied"
)

// Fact events. Inbound observations, persisted verbatim.
const (
	EventWebhookReceived EventType = "github.webhook.received"
	EventPRMergedFact    EventType = "github.pr.merged"
	EventPRClosedFact    EventType = "github.pr.closed"
	EventChecksUpdated   EventType = "github.checks.updated"
)

// Signal events. Internal nudges that trigger processing.
const (
	EventAgentCompleted  EventType = "agent.completed"
	EventGateEvaluated   EventType = "gate.evaluated"
	EventWorktreeReady   EventType = "worktree.ready"
	EventOutboxResolved  EventType = "outbox.resolved"
	EventOperatorAction  EventType = "operator.action"
	EventJanitorReclaim  EventType = "janitor.reclaimed"
	EventArtifactWritten EventType = "artifact.written"
)

// Event is an immutable record in the append-only log. Sequence is set iff
// RunID is set; within a run the sequence is the total order.
type Event struct {
	ID        string
	ProjectID string
	RunID     string
	TaskID    string
	RepoID    string

	Type    EventType
	Class   EventClass
	Payload json.RawMessage

	Sequence       int64 // 0 when RunID is empty
	IdempotencyKey string
	CausationID    string
	CorrelationID  string
	TxnID          string
	Source         EventSource

	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// TransitionPayload is the canonical payload of a phase.transitioned event.
type TransitionPayload struct {
	From       RunPhase           `json:"from"`
	To         RunPhase           `json:"to"`
	Step       Step               `json:"step,omitempty"`
	Reason     string             `json:"reason"`
	Trigger    TransitionTrigger  `json:"trigger"`
	Checkpoint *Checkpoint        `json:"checkpoint,omitempty"`
	Blocked    *BlockedContext    `json:"blocked,omitempty"`
}

// TransitionTrigger records what caused a transition.
type TransitionTrigger struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
}

// AgentFailedPayload carries the structured error of a failed agent
// invocation into the event log.
type AgentFailedPayload struct {
	Role      string `json:"role"`
	Step      Step   `json:"step"`
	ErrorKind string `json:"error_kind"`
	Detail    string `json:"detail"`
	Attempts  int    `json:"attempts"`
}
