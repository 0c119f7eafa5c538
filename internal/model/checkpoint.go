package model

import "time"

// CheckpointName identifies an evidenced milestone a retry may resume from.
type CheckpointName string

const (
	CheckpointEnvironmentReady       CheckpointName = "environment_ready"
	CheckpointPlanningComplete       CheckpointName = "planning_complete"
	CheckpointPlanApproved           CheckpointName = "plan_approved"
	CheckpointImplementationComplete CheckpointName = "implementation_complete"
	CheckpointTestsPassed            CheckpointName = "tests_passed"
	CheckpointPRCreated              CheckpointName = "pr_created"
)

// checkpointOrder lists checkpoints from earliest to latest milestone.
var checkpointOrder = []CheckpointName{
	CheckpointEnvironmentReady,
	CheckpointPlanningComplete,
	CheckpointPlanApproved,
	CheckpointImplementationComplete,
	CheckpointTestsPassed,
	CheckpointPRCreated,
}

// CheckpointRank returns the position of a checkpoint in milestone order,
// or -1 for an unknown name.
func CheckpointRank(name CheckpointName) int {
	for i, n := range checkpointOrder {
		if n == name {
			return i
		}
	}
	return -1
}

// Checkpoint is an evidenced milestone. The anchor fields determine ongoing
// validity: a checkpoint anchored to a head SHA is invalidated once the run's
// head moves past it.
type Checkpoint struct {
	Name CheckpointName `json:"name"`

	// Evidence. Which fields are set depends on the checkpoint.
	WorktreeID       string `json:"worktree_id,omitempty"`
	ArtifactID       string `json:"artifact_id,omitempty"`
	OperatorActionID string `json:"operator_action_id,omitempty"`
	HeadSHA          string `json:"head_sha,omitempty"`
	GateEvaluationID string `json:"gate_evaluation_id,omitempty"`
	PRNumber         int    `json:"pr_number,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// AnchoredToHead reports whether this checkpoint's validity depends on the
// run's head SHA staying put.
func (c *Checkpoint) AnchoredToHead() bool {
	switch c.Name {
	case CheckpointImplementationComplete, CheckpointTestsPassed, CheckpointPRCreated:
		return true
	}
	return false
}

// ValidFor reports whether the checkpoint still holds for the given run
// state. PR openness is checked by the caller against the PR bundle.
func (c *Checkpoint) ValidFor(headSHA string, prOpen bool) bool {
	if c.AnchoredToHead() && c.HeadSHA != headSHA {
		return false
	}
	if c.Name == CheckpointPRCreated && !prOpen {
		return false
	}
	return true
}
