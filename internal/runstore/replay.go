package runstore

import (
	"encoding/json"

	"github.com/conductor-dev/conductor/internal/model"
)

// Replay folds a run's decision events, in sequence order, into a fresh
// projection. Replaying all decisions for a run reproduces the stored row
// (modulo derived presentation fields and counters maintained outside the
// decision stream).
func Replay(runID string, decisions []*model.Event) *model.Run {
	run := &model.Run{
		ID:           runID,
		Phase:        model.PhasePending,
		NextSequence: 1,
	}

	for _, ev := range decisions {
		if ev.Class != model.ClassDecision {
			continue
		}
		run.LastEventSequence = ev.Sequence
		run.NextSequence = ev.Sequence + 1

		switch ev.Type {
		case model.EventRunStarted:
			var p struct {
				TaskID     string `json:"task_id"`
				ProjectID  string `json:"project_id"`
				RepoID     string `json:"repo_id"`
				BaseBranch string `json:"base_branch"`
			}
			if json.Unmarshal(ev.Payload, &p) == nil {
				run.TaskID = p.TaskID
				run.ProjectID = p.ProjectID
				run.RepoID = p.RepoID
				run.BaseBranch = p.BaseBranch
			}

		case model.EventPhaseTransitioned:
			var p model.TransitionPayload
			if json.Unmarshal(ev.Payload, &p) != nil {
				continue
			}
			run.Phase = p.To
			run.Step = p.Step
			if p.To == model.PhaseBlocked {
				run.BlockedContext = p.Blocked
				run.BlockedReason = p.Reason
			} else {
				run.BlockedContext = nil
				run.BlockedReason = ""
			}

		case model.EventStepAdvanced:
			var p struct {
				Step model.Step `json:"step"`
			}
			if json.Unmarshal(ev.Payload, &p) == nil {
				run.Step = p.Step
			}

		case model.EventPlanRevised:
			run.PlanRevisions++

		case model.EventPRBundleRecorded:
			var p model.PRBundle
			if json.Unmarshal(ev.Payload, &p) == nil {
				run.PR = &p
			}

		case model.EventRunCompleted:
			run.Phase = model.PhaseCompleted
			run.Result = model.ResultSuccess

		case model.EventRunCancelled:
			run.Phase = model.PhaseCancelled
			run.Result = model.ResultCancelled
		}
	}
	return run
}
