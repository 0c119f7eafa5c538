package orchestrator

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/outbox"
	"github.com/conductor-dev/conductor/internal/runstore"
)

// handleAgentCompleted advances the run according to which step's agent
// finished. The signal is dropped when it arrives for a step the run is no
// longer on.
func (o *Orchestrator) handleAgentCompleted(tx *sql.Tx, run *model.Run, ev *model.Event) error {
	var p model.AgentCompletedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("failed to parse agent payload: %w", err)
	}
	if p.Step != run.Step {
		o.logger.Warn("agent signal for stale step",
			zap.String("run_id", run.ID),
			zap.String("signal_step", string(p.Step)),
			zap.String("run_step", string(run.Step)))
		return nil
	}

	switch p.Step {
	case model.StepPlannerCreatePlan:
		return o.planReady(tx, run, ev, p)
	case model.StepReviewerReviewPlan:
		return o.planReviewed(tx, run, ev, p)
	case model.StepImplementerApplyChange:
		return o.implementationDone(tx, run, ev, p)
	case model.StepTesterRunTests:
		return o.testsFinished(tx, run, ev, p)
	case model.StepReviewerReviewCode:
		return o.codeReviewed(tx, run, ev, p)
	default:
		return nil
	}
}

func (o *Orchestrator) planReady(tx *sql.Tx, run *model.Run, ev *model.Event, p model.AgentCompletedPayload) error {
	if err := o.runs.AddCheckpointTx(tx, run.ID, model.Checkpoint{
		Name:       model.CheckpointPlanningComplete,
		ArtifactID: p.ArtifactID,
	}); err != nil {
		return err
	}
	if err := o.advanceStepTx(tx, run, ev.ID, model.StepPlannerCreatePlan, model.StepReviewerReviewPlan); err != nil {
		return err
	}
	return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentPlanRev, run.Phase, model.StepReviewerReviewPlan)
}

func (o *Orchestrator) planReviewed(tx *sql.Tx, run *model.Run, ev *model.Event, p model.AgentCompletedPayload) error {
	approved := p.Verdict == "approve"
	status := model.GateFailed
	if approved {
		status = model.GatePassed
	}
	if _, err := o.gates.RecordTx(tx, run.ID, model.GatePlanReview, status, ev.ID, p); err != nil {
		return err
	}

	if !approved {
		if run.PlanRevisions+1 >= MaxPlanRevisions {
			return o.blockTx(tx, run, ev.ID, "plan_revisions_exhausted",
				fmt.Sprintf("plan rejected %d times", run.PlanRevisions+1))
		}
		if err := o.runs.IncrementCounterTx(tx, run.ID, runstore.CounterPlanRevisions); err != nil {
			return err
		}
		if err := o.appendDecisionTx(tx, run, model.EventPlanRevised, map[string]any{
			"revision": run.PlanRevisions + 1,
			"summary":  p.Summary,
		}, "plan-revised:"+ev.ID); err != nil {
			return err
		}
		if err := o.runs.AdvanceStepTx(tx, run.ID, run.Phase, model.StepReviewerReviewPlan, model.StepPlannerCreatePlan); err != nil {
			return err
		}
		return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentPlan, run.Phase, model.StepPlannerCreatePlan)
	}

	// Plan passed internal review; hand it to the operator.
	if err := o.appendDecisionTx(tx, run, model.EventPhaseTransitioned, model.TransitionPayload{
		From:    run.Phase,
		To:      model.PhaseAwaitingPlanApproval,
		Step:    model.StepWaitPlanApproval,
		Reason:  "plan passed review",
		Trigger: model.TransitionTrigger{Type: "signal", Ref: ev.ID},
	}, "transition:"+ev.ID); err != nil {
		return err
	}
	if err := o.runs.TransitionTx(tx, run.ID, runstore.TransitionParams{
		From: run.Phase,
		To:   model.PhaseAwaitingPlanApproval,
		Step: model.StepWaitPlanApproval,
	}); err != nil {
		return err
	}
	return o.mirrorCommentTx(tx, run, ev.ID,
		fmt.Sprintf("Plan ready for approval (revision %d). Summary: %s", run.PlanRevisions+1, p.Summary), true)
}

func (o *Orchestrator) implementationDone(tx *sql.Tx, run *model.Run, ev *model.Event, p model.AgentCompletedPayload) error {
	if p.HeadSHA != "" {
		if err := o.runs.SetHeadSHATx(tx, run.ID, p.HeadSHA); err != nil {
			return err
		}
	}
	if err := o.runs.AddCheckpointTx(tx, run.ID, model.Checkpoint{
		Name:    model.CheckpointImplementationComplete,
		HeadSHA: p.HeadSHA,
	}); err != nil {
		return err
	}
	if err := o.advanceStepTx(tx, run, ev.ID, model.StepImplementerApplyChange, model.StepTesterRunTests); err != nil {
		return err
	}
	return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentTest, run.Phase, model.StepTesterRunTests)
}

func (o *Orchestrator) testsFinished(tx *sql.Tx, run *model.Run, ev *model.Event, p model.AgentCompletedPayload) error {
	passed := p.TestsPassed != nil && *p.TestsPassed
	status := model.GateFailed
	if passed {
		status = model.GatePassed
	}
	if _, err := o.gates.RecordTx(tx, run.ID, model.GateTests, status, ev.ID, p); err != nil {
		return err
	}

	if !passed {
		if run.TestFixAttempts+1 >= MaxTestFixAttempts {
			return o.blockTx(tx, run, ev.ID, "tests_failing",
				fmt.Sprintf("tests failed after %d fix attempts", run.TestFixAttempts+1))
		}
		if err := o.runs.IncrementCounterTx(tx, run.ID, runstore.CounterTestFixAttempts); err != nil {
			return err
		}
		if err := o.runs.AdvanceStepTx(tx, run.ID, run.Phase, model.StepTesterRunTests, model.StepImplementerApplyChange); err != nil {
			return err
		}
		return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentImplement, run.Phase, model.StepImplementerApplyChange)
	}

	if err := o.runs.AddCheckpointTx(tx, run.ID, model.Checkpoint{
		Name:             model.CheckpointTestsPassed,
		HeadSHA:          run.HeadSHA,
		GateEvaluationID: ev.ID,
	}); err != nil {
		return err
	}
	if err := o.advanceStepTx(tx, run, ev.ID, model.StepTesterRunTests, model.StepReviewerReviewCode); err != nil {
		return err
	}
	return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentCodeRev, run.Phase, model.StepReviewerReviewCode)
}

func (o *Orchestrator) codeReviewed(tx *sql.Tx, run *model.Run, ev *model.Event, p model.AgentCompletedPayload) error {
	approved := p.Verdict == "approve"
	status := model.GateFailed
	if approved {
		status = model.GatePassed
	}
	if _, err := o.gates.RecordTx(tx, run.ID, model.GateCodeReview, status, ev.ID, p); err != nil {
		return err
	}

	if !approved {
		if run.ReviewRounds+1 >= MaxReviewRounds {
			return o.blockTx(tx, run, ev.ID, "review_rejections_exhausted",
				fmt.Sprintf("code review rejected %d times", run.ReviewRounds+1))
		}
		if err := o.runs.IncrementCounterTx(tx, run.ID, runstore.CounterReviewRounds); err != nil {
			return err
		}
		if err := o.runs.AdvanceStepTx(tx, run.ID, run.Phase, model.StepReviewerReviewCode, model.StepImplementerApplyChange); err != nil {
			return err
		}
		return o.enqueueJobTx(tx, run, model.QueueAgent, model.JobTypeAgentImplement, run.Phase, model.StepImplementerApplyChange)
	}

	// The approval alone is not enough: every gate the routing decision marks
	// required must project to passed before the PR opens. A later failed
	// evaluation (a CI check regressing after the tests step) supersedes the
	// earlier pass and blocks here.
	ok, err := o.gates.RequiredPassedTx(tx, run.ID)
	if err != nil {
		return err
	}
	if !ok {
		return o.blockTx(tx, run, ev.ID, "required_gates_unmet",
			"code review approved but a required gate is not passing")
	}

	// Review passed; open the PR through the outbox.
	if err := o.appendDecisionTx(tx, run, model.EventPhaseTransitioned, model.TransitionPayload{
		From:    run.Phase,
		To:      model.PhaseAwaitingReview,
		Step:    model.StepCreatePR,
		Reason:  "code review passed",
		Trigger: model.TransitionTrigger{Type: "signal", Ref: ev.ID},
	}, "transition:"+ev.ID); err != nil {
		return err
	}
	if err := o.runs.TransitionTx(tx, run.ID, runstore.TransitionParams{
		From: run.Phase,
		To:   model.PhaseAwaitingReview,
		Step: model.StepCreatePR,
	}); err != nil {
		return err
	}
	return o.enqueuePRWriteTx(tx, run, p.Summary)
}

// enqueuePRWriteTx lands the create_pr outbox row in the same transaction as
// the transition into awaiting_review.
func (o *Orchestrator) enqueuePRWriteTx(tx *sql.Tx, run *model.Run, summary string) error {
	info, err := o.taskRepoTx(tx, run)
	if err != nil {
		return err
	}

	body := fmt.Sprintf("Automated change for %s.\n\n%s", info.taskTitle, summary)
	_, err = o.outbox.EnqueueTx(tx, outbox.EnqueueParams{
		RunID:        run.ID,
		Kind:         model.WriteCreatePR,
		TargetNodeID: info.repoNodeID,
		Payload: outbox.CreatePRPayload{
			RepoFullName: info.repoFullName,
			Title:        info.taskTitle,
			Body:         body,
			Head:         run.Branch,
			Base:         run.BaseBranch,
		},
		Priority: true,
	})
	return err
}

// mirrorCommentTx enqueues a status comment on the task's issue.
func (o *Orchestrator) mirrorCommentTx(tx *sql.Tx, run *model.Run, causeEventID, body string, priority bool) error {
	info, err := o.taskRepoTx(tx, run)
	if err != nil {
		return err
	}
	if info.issueNumber == 0 {
		return nil
	}
	_, err = o.outbox.EnqueueTx(tx, outbox.EnqueueParams{
		RunID:        run.ID,
		Kind:         model.WritePostComment,
		TargetNodeID: info.taskNodeID + ":" + causeEventID,
		Payload: outbox.CommentPayload{
			RepoFullName: info.repoFullName,
			IssueNumber:  info.issueNumber,
			Body:         body,
		},
		Priority: priority,
	})
	return err
}

// advanceStepTx appends the step.advanced decision and applies it.
func (o *Orchestrator) advanceStepTx(tx *sql.Tx, run *model.Run, causeEventID string, from, to model.Step) error {
	if err := o.appendDecisionTx(tx, run, model.EventStepAdvanced, model.TransitionPayload{
		From:    run.Phase,
		To:      run.Phase,
		Step:    to,
		Reason:  fmt.Sprintf("step %s finished", from),
		Trigger: model.TransitionTrigger{Type: "signal", Ref: causeEventID},
	}, "advance:"+causeEventID); err != nil {
		return err
	}
	return o.runs.AdvanceStepTx(tx, run.ID, run.Phase, from, to)
}

type taskRepoInfo struct {
	taskTitle    string
	taskNodeID   string
	issueNumber  int
	repoFullName string
	repoNodeID   string
}

func (o *Orchestrator) taskRepoTx(tx *sql.Tx, run *model.Run) (*taskRepoInfo, error) {
	var info taskRepoInfo
	err := tx.QueryRow(`
		SELECT t.title, t.external_node_id, COALESCE(t.issue_number, 0),
		       r.full_name, r.external_node_id
		FROM tasks t JOIN repos r ON r.repo_id = t.repo_id
		WHERE t.task_id = ?`, run.TaskID).
		Scan(&info.taskTitle, &info.taskNodeID, &info.issueNumber, &info.repoFullName, &info.repoNodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task context: %w", err)
	}
	return &info, nil
}
