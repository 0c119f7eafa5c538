package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckpointRank(t *testing.T) {
	assert.Equal(t, 0, CheckpointRank(CheckpointEnvironmentReady))
	assert.Equal(t, 5, CheckpointRank(CheckpointPRCreated))
	assert.Greater(t, CheckpointRank(CheckpointTestsPassed), CheckpointRank(CheckpointPlanApproved))
	assert.Equal(t, -1, CheckpointRank(CheckpointName("made_up")))
}

func TestCheckpointAnchoredToHead(t *testing.T) {
	anchored := []CheckpointName{
		CheckpointImplementationComplete,
		CheckpointTestsPassed,
		CheckpointPRCreated,
	}
	for _, name := range anchored {
		cp := Checkpoint{Name: name}
		assert.True(t, cp.AnchoredToHead(), name)
	}

	free := []CheckpointName{
		CheckpointEnvironmentReady,
		CheckpointPlanningComplete,
		CheckpointPlanApproved,
	}
	for _, name := range free {
		cp := Checkpoint{Name: name}
		assert.False(t, cp.AnchoredToHead(), name)
	}
}

func TestCheckpointValidFor(t *testing.T) {
	env := Checkpoint{Name: CheckpointEnvironmentReady, WorktreeID: "wt-1"}
	assert.True(t, env.ValidFor("anything", false))

	tests := Checkpoint{Name: CheckpointTestsPassed, HeadSHA: "abc"}
	assert.True(t, tests.ValidFor("abc", false))
	assert.False(t, tests.ValidFor("def", false))

	pr := Checkpoint{Name: CheckpointPRCreated, HeadSHA: "abc", PRNumber: 42}
	assert.True(t, pr.ValidFor("abc", true))
	assert.False(t, pr.ValidFor("abc", false))
	assert.False(t, pr.ValidFor("def", true))
}
