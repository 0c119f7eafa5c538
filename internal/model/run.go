package model

import "time"

// RunResult is the terminal outcome of a run.
type RunResult string

const (
	ResultSuccess   RunResult = "success"
	ResultFailure   RunResult = "failure"
	ResultCancelled RunResult = "cancelled"
)

// RunStatus is the derived, never-stored status view of a run.
type RunStatus string

const (
	StatusActive   RunStatus = "active"
	StatusPaused   RunStatus = "paused"
	StatusBlocked  RunStatus = "blocked"
	StatusFinished RunStatus = "finished"
)

// PRBundle holds the pull-request identity for a run. The store enforces
/// all-or-nothing: either every field is set or none are.
type PRBundle struct {
	Number   int       `json:"pr_number"`
	NodeID   string    `json:"pr_node_id"`
	URL      string    `json:"pr_url"`
	State    string    `json:"pr_state"`
	SyncedAt time.Time `json:"pr_synced_at"`
}

// BlockedContext is the structured context captured when a run blocks. It is
// sufficient for the operator to retry, grant an exception, or cancel without
// reading the event log.
type BlockedContext struct {
	PriorPhase RunPhase       `json:"prior_phase"`
	PriorStep  Step           `json:"prior_step"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Diagnostic map[string]any `json:"diagnostic,omitempty"`
}

// Run is the projection row for a single execution attempt against a task.
// It changes only as a side effect of appending a decision-class event.
type Run struct {
	ID        string
	TaskID    string
	ProjectID string
	RepoID    string

	RunNumber       int
	ParentRunID     string
	SupersedesRunID string

	Phase RunPhase
	Step  Step

	NextSequence      int64
	LastEventSequence int64

	PausedAt *time.Time
	PausedBy string

	BlockedReason  string
	BlockedContext *BlockedContext

	BaseBranch string
	Branch     string
	HeadSHA    string

	PR *PRBundle

	PlanRevisions   int
	TestFixAttempts int
	ReviewRounds    int

	Result       RunResult
	ResultReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status derives the run-level status view. Finished wins over paused wins
// over blocked.
func (r *Run) Status() RunStatus {
	switch {
	case r.Phase.IsTerminal():
		return StatusFinished
	case r.PausedAt != nil:
		return StatusPaused
	case r.Phase == PhaseBlocked:
		return StatusBlocked
	default:
		return StatusActive
	}
}
