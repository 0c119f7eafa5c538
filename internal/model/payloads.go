package model

// AgentCompletedPayload is the signal a worker appends when an agent
// invocation finishes successfully. The orchestrator interprets it under the
// run lock and emits the resulting decisions.
type AgentCompletedPayload struct {
	Role         string `json:"role"`
	Step         Step   `json:"step"`
	InvocationID string `json:"invocation_id"`
	ArtifactID   string `json:"artifact_id,omitempty"`
	Verdict      string `json:"verdict,omitempty"`
	Summary      string `json:"summary,omitempty"`
	TestsPassed  *bool  `json:"tests_passed,omitempty"`
	HeadSHA      string `json:"head_sha,omitempty"`
}

// WorktreeReadyPayload is the signal appended once a run's worktree exists.
type WorktreeReadyPayload struct {
	WorktreeID string `json:"worktree_id"`
	Branch     string `json:"branch"`
	BaseCommit string `json:"base_commit"`
}

// OperatorActionPayload is the signal payload of an operator.action event.
type OperatorActionPayload struct {
	Action           string `json:"action"`
	OperatorActionID string `json:"operator_action_id"`
	Comment          string `json:"comment,omitempty"`
}

// ChecksUpdatedPayload is the parsed shape of a github.checks.updated fact.
type ChecksUpdatedPayload struct {
	SHA        string `json:"sha"`
	Conclusion string `json:"conclusion"`
}
