package agent

import (
	"fmt"
	"strings"

	"github.com/conductor-dev/conductor/internal/model"
)

// PromptInput carries the task context a prompt is built from. Credentials
// never appear here.
type PromptInput struct {
	Task       *model.Task
	Run        *model.Run
	Plan       string // latest approved plan, for implementer/reviewer
	TestReport string // latest test report, for reviewer
	Feedback   string // operator revision feedback, when revising
}

// BuildPrompt renders the role-specific prompt.
func BuildPrompt(role Role, in PromptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n\n%s\n\n", in.Task.Title, in.Task.Body)

	switch role {
	case RolePlanner:
		b.WriteString("Produce an implementation plan for this task as a markdown document.\n")
		b.WriteString("List the files to change, the approach, and the risks.\n")
		if in.Feedback != "" {
			fmt.Fprintf(&b, "\nAn operator reviewed the previous plan and asked for revisions:\n%s\n", in.Feedback)
		}
	case RoleImplementer:
		b.WriteString("Implement the approved plan below. Work only inside the current directory.\n")
		b.WriteString("Run the test suite before finishing.\n\n")
		fmt.Fprintf(&b, "Plan:\n%s\n", in.Plan)
		if in.Feedback != "" {
			fmt.Fprintf(&b, "\nThe previous attempt was rejected with this feedback:\n%s\n", in.Feedback)
		}
	case RoleReviewer:
		b.WriteString("Review the changes in the current directory against the plan below.\n")
		b.WriteString("End your review with a line `VERDICT: approve` or `VERDICT: request_changes`,\n")
		b.WriteString("and a `SUMMARY: <one line>` line.\n\n")
		if in.Plan != "" {
			fmt.Fprintf(&b, "Plan:\n%s\n", in.Plan)
		}
		if in.TestReport != "" {
			fmt.Fprintf(&b, "\nTest report:\n%s\n", in.TestReport)
		}
	}
	return b.String()
}
