package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/model"
)

// Verdict is the reviewer's structured conclusion.
type Verdict string

const (
	VerdictApprove       Verdict = "approve"
	VerdictRequestChanges Verdict = "request_changes"
)

// Invocation describes one agent run.
type Invocation struct {
	RunID    string
	Role     Role
	Worktree string
	Prompt   string
}

// Output is what an invocation produced.
type Output struct {
	InvocationID string
	Content      string
	Artifact     *model.Artifact
	Verdict      Verdict
	Summary      string
}

// ErrAgentTimeout means the role's deadline expired before the agent
// finished.
var ErrAgentTimeout = errors.New("agent invocation timed out")

// Runner invokes agents with per-role timeouts and persists outputs.
type Runner struct {
	provider  Provider
	artifacts *ArtifactStore
	messages  *MessageStore
	timeouts  map[Role]time.Duration
	logger    *zap.Logger
}

// NewRunner creates a runner. Timeouts come from the agents config section.
func NewRunner(provider Provider, artifacts *ArtifactStore, messages *MessageStore,
	cfg config.AgentsConfig, logger *zap.Logger) *Runner {
	return &Runner{
		provider:  provider,
		artifacts: artifacts,
		messages:  messages,
		timeouts: map[Role]time.Duration{
			RolePlanner:     cfg.PlannerTimeout,
			RoleImplementer: cfg.ImplementerTimeout,
			RoleReviewer:    cfg.ReviewerTimeout,
		},
		logger: logging.OrNop(logger),
	}
}

// artifactForRole maps roles to the artifact type their output lands in.
// Implementers mutate the worktree; their stdout is transcript only.
func artifactForRole(role Role) (model.ArtifactType, bool) {
	switch role {
	case RolePlanner:
		return model.ArtifactPlan, true
	case RoleReviewer:
		return model.ArtifactReview, true
	default:
		return "", false
	}
}

// Invoke runs one agent under its role timeout, records the transcript, and
// appends the output artifact when the role produces one.
func (r *Runner) Invoke(ctx context.Context, inv Invocation) (*Output, error) {
	timeout, ok := r.timeouts[inv.Role]
	if !ok || timeout <= 0 {
		timeout = 15 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := &Output{InvocationID: ids.New()}

	if err := r.messages.Record(ctx, out.InvocationID, 0, "prompt", inv.Prompt); err != nil {
		r.logger.Warn("failed to record prompt turn",
			zap.String("run_id", inv.RunID), zap.Error(err))
	}

	var stdout, stderr bytes.Buffer
	start := time.Now()
	err := r.provider.Invoke(ctx, inv.Prompt, inv.Worktree, &stdout, &stderr)
	elapsed := time.Since(start)

	out.Content = stdout.String()
	if recErr := r.messages.Record(context.WithoutCancel(ctx), out.InvocationID, 1, string(inv.Role), out.Content); recErr != nil {
		r.logger.Warn("failed to record output turn",
			zap.String("run_id", inv.RunID), zap.Error(recErr))
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("%w after %s: %s", ErrAgentTimeout, elapsed.Round(time.Second), firstLine(stderr.String()))
		}
		return out, fmt.Errorf("agent %s failed: %w: %s", inv.Role, err, firstLine(stderr.String()))
	}

	r.logger.Info("agent completed",
		zap.String("run_id", inv.RunID),
		zap.String("role", string(inv.Role)),
		zap.Duration("elapsed", elapsed))

	if typ, hasArtifact := artifactForRole(inv.Role); hasArtifact {
		artifact, err := r.artifacts.Append(context.WithoutCancel(ctx), inv.RunID, typ, out.Content)
		if err != nil {
			return out, fmt.Errorf("failed to persist %s artifact: %w", typ, err)
		}
		out.Artifact = artifact
	}

	if inv.Role == RoleReviewer {
		out.Verdict, out.Summary = parseVerdict(out.Content)
	}
	return out, nil
}

// parseVerdict reads the reviewer's conclusion from its output. Reviewers are
// prompted to end with a VERDICT: line; a missing or malformed line reads as
// request_changes, the conservative default.
func parseVerdict(content string) (Verdict, string) {
	var summary []string
	verdict := VerdictRequestChanges
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(trimmed, "VERDICT:"); ok {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "approve", "approved", "pass":
				verdict = VerdictApprove
			default:
				verdict = VerdictRequestChanges
			}
			continue
		}
		if s, ok := strings.CutPrefix(trimmed, "SUMMARY:"); ok {
			summary = append(summary, strings.TrimSpace(s))
		}
	}
	return verdict, strings.Join(summary, " ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 200
	if len(s) > max {
		s = s[:max]
	}
	return s
}
