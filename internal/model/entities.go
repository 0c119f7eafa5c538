package model

import (
	"encoding/json"
	"time"
)

// Project is a snapshot of an installed project.
type Project struct {
	ID                   string
	Name                 string
	UserID               string
	GitHubInstallationID int64
	PortRangeStart       int
	PortRangeEnd         int
	CreatedAt            time.Time
}

// Repo is a snapshot of a hosted repository.
type Repo struct {
	ID            string
	ProjectID     string
	ExternalNodeID string
	FullName      string
	DefaultBranch string
	SyncedAt      time.Time
}

// Task is a stable, externally-sourced unit of work (typically an issue).
// TaskID is the primary key for all joins; the external node id is used for
// cross-system deduplication; the display slug is never used for joins or
// idempotency.
type Task struct {
	ID             string
	ProjectID      string
	RepoID         string
	ExternalNodeID string
	Slug           string
	Title          string
	Body           string
	State          string
	SyncedAt       time.Time
}

// Worktree is an isolated checkout for a run. At most one active worktree
// per run.
type Worktree struct {
	ID              string
	RunID           string
	Path            string
	BranchName      string
	BaseCommit      string
	Status          string
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time
	DestroyedAt     *time.Time
}

// ArtifactType classifies versioned run artifacts.
type ArtifactType string

const (
	ArtifactPlan       ArtifactType = "PLAN"
	ArtifactTestReport ArtifactType = "TEST_REPORT"
	ArtifactReview     ArtifactType = "REVIEW"
)

// Artifact is an append-only, versioned blob of agent output. Content is
// immutable; a revision appends a new version.
type Artifact struct {
	ID               string
	RunID            string
	Type             ArtifactType
	Version          int
	Content          string
	ChecksumSHA256   string
	ValidationStatus string
	CreatedAt        time.Time
}

// PortLease reserves a port from the project's configured range for a
// worktree. At most one active lease per (project, port).
type PortLease struct {
	ID         string
	ProjectID  string
	WorktreeID string
	Port       int
	IsActive   bool
	LeasedAt   time.Time
	ReleasedAt *time.Time
}

// OperatorAction records one control-surface action.
type OperatorAction struct {
	ID               string
	RunID            string
	Action           string
	ActorType        string
	ActorDisplayName string
	Comment          string
	FromPhase        RunPhase
	ToPhase          RunPhase
	CreatedAt        time.Time
}

// AgentMessage is one turn of an agent invocation's transcript.
type AgentMessage struct {
	ID                string
	AgentInvocationID string
	TurnIndex         int
	Role              string
	Content           string
	CreatedAt         time.Time
}

// ToolInvocation is the redacted audit record of one sandbox tool call.
type ToolInvocation struct {
	ID             string
	RunID          string
	Tool           string
	ArgsRedacted   json.RawMessage
	ResultMeta     json.RawMessage
	PayloadHash    string
	PolicyDecision string
	CreatedAt      time.Time
}
