package model

// RunPhase is the coarse lifecycle state of a run.
type RunPhase string

const (
	PhasePending              RunPhase = "pending"
	PhasePlanning             RunPhase = "planning"
	PhaseAwaitingPlanApproval RunPhase = "awaiting_plan_approval"
	PhaseExecuting            RunPhase = "executing"
	PhaseAwaitingReview       RunPhase = "awaiting_review"
	PhaseBlocked              RunPhase = "blocked"
	PhaseCompleted            RunPhase = "completed"
	PhaseCancelled            RunPhase = "cancelled"
)

// Step is the sub-phase label used to dispatch the next job.
type Step string

const (
	StepSetupWorktree          Step = "setup_worktree"
	StepPlannerCreatePlan      Step = "planner_create_plan"
	StepReviewerReviewPlan     Step = "reviewer_review_plan"
	StepWaitPlanApproval       Step = "wait_plan_approval"
	StepImplementerApplyChange Step = "implementer_apply_changes"
	StepTesterRunTests         Step = "tester_run_tests"
	StepReviewerReviewCode     Step = "reviewer_review_code"
	StepCreatePR               Step = "create_pr"
	StepWaitPRMerge            Step = "wait_pr_merge"
	StepCleanup                Step = "cleanup"
)

// ValidTransitions defines the allowed phase graph. The orchestrator rejects
// any transition whose from -> to pair is not listed here.
var ValidTransitions = map[RunPhase][]RunPhase{
	PhasePending:              {PhasePlanning, PhaseCancelled},
	PhasePlanning:             {PhaseAwaitingPlanApproval, PhaseBlocked, PhaseCancelled},
	PhaseAwaitingPlanApproval: {PhaseExecuting, PhasePlanning, PhaseBlocked, PhaseCancelled},
	PhaseExecuting:            {PhaseAwaitingReview, PhaseBlocked, PhaseCancelled},
	PhaseAwaitingReview:       {PhaseCompleted, PhaseExecuting, PhaseBlocked, PhaseCancelled},
	PhaseBlocked:              {PhasePlanning, PhaseExecuting, PhaseAwaitingReview, PhaseCancelled},
	PhaseCompleted:            {},
	PhaseCancelled:            {},
}

// CanTransition checks whether from -> to is in the phase graph.
func CanTransition(from, to RunPhase) bool {
	for _, t := range ValidTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the phase is a final state. Terminal runs never
// re-enter non-terminal phases.
func (p RunPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// IsRetryable reports whether a blocked run may resume into this phase.
func (p RunPhase) IsRetryable() bool {
	return p == PhasePlanning || p == PhaseExecuting || p == PhaseAwaitingReview
}

// IsWaiting reports whether the phase is a healthy wait for human input, as
// opposed to blocked, which is a system state requiring intervention.
func (p RunPhase) IsWaiting() bool {
	return p == PhaseAwaitingPlanApproval || p == PhaseAwaitingReview
}

// StepsForPhase lists the steps belonging to each non-terminal phase, in
// dispatch order.
var StepsForPhase = map[RunPhase][]Step{
	PhasePlanning:             {StepSetupWorktree, StepPlannerCreatePlan, StepReviewerReviewPlan},
	PhaseAwaitingPlanApproval: {StepWaitPlanApproval},
	PhaseExecuting:            {StepImplementerApplyChange, StepTesterRunTests, StepReviewerReviewCode},
	PhaseAwaitingReview:       {StepCreatePR, StepWaitPRMerge},
	PhaseCompleted:            {StepCleanup},
}

// FirstStep returns the entry step for a phase, or "" when the phase has no
// dispatchable steps.
func FirstStep(p RunPhase) Step {
	steps := StepsForPhase[p]
	if len(steps) == 0 {
		return ""
	}
	return steps[0]
}

// StepInPhase reports whether step belongs to phase.
func StepInPhase(p RunPhase, s Step) bool {
	for _, st := range StepsForPhase[p] {
		if st == s {
			return true
		}
	}
	return false
}
