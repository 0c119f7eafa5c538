package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/store"
)

// Args are the parameters of one tool call.
type Args struct {
	Path    string   `json:"path,omitempty"`
	Content string   `json:"content,omitempty"`
	Command []string `json:"command,omitempty"`
}

// Result is what a tool returns to the agent.
type Result struct {
	Content   string         `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	ErrorText string         `json:"error,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Handler executes one tool under the worktree. The context carries the
// cancellation signal propagated from the parent job.
type Handler func(ctx context.Context, worktree string, args Args) Result

// Registry maps tool names to handlers, loaded once. Tests register through
// the same API.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces a tool handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler for a tool name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists the registered tools, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Sandbox wires the registry, policy chain, and audit persistence together.
type Sandbox struct {
	registry *Registry
	policy   *Policy
	store    *store.Store
	logger   *zap.Logger
}

// New builds a sandbox with the standard tools registered.
func New(st *store.Store, policy *Policy, maxReadBytes, maxTestOutputBytes int, logger *zap.Logger) *Sandbox {
	reg := NewRegistry()
	registerFileTools(reg, maxReadBytes)
	registerRunTests(reg, maxTestOutputBytes)
	return &Sandbox{
		registry: reg,
		policy:   policy,
		store:    st,
		logger:   logging.OrNop(logger),
	}
}

// Registry exposes the tool registry, mainly for tests.
func (s *Sandbox) Registry() *Registry {
	return s.registry
}

// Invoke runs one tool call: policy pre-check, execute, then a redacted
// audit record. A policy block fails only this tool call; the run is
// untouched.
func (s *Sandbox) Invoke(ctx context.Context, runID, worktree, tool string, args Args) Result {
	req := Request{
		Tool:     tool,
		Path:     args.Path,
		Command:  args.Command,
		Worktree: worktree,
		IsWrite:  tool == "write_file" || tool == "delete_file",
	}

	decision := s.policy.Check(req)
	if !decision.Allow {
		res := Result{
			IsError:   true,
			ErrorText: fmt.Sprintf("blocked by policy rule %s: %s", decision.Rule, decision.Why),
			Meta:      map[string]any{"policy_rule": decision.Rule},
		}
		s.record(ctx, runID, tool, args, res, "block")
		return res
	}

	handler, ok := s.registry.Lookup(tool)
	if !ok {
		res := Result{IsError: true, ErrorText: fmt.Sprintf("unknown tool %q", tool)}
		s.record(ctx, runID, tool, args, res, "block")
		return res
	}

	res := handler(ctx, worktree, args)
	s.record(ctx, runID, tool, args, res, "allow")
	return res
}

// record persists the redacted tool_invocation audit row. File contents are
// replaced by their hash; result content never lands in the audit table.
func (s *Sandbox) record(ctx context.Context, runID, tool string, args Args, res Result, decision string) {
	redacted := map[string]any{"path": args.Path}
	if len(args.Command) > 0 {
		redacted["command"] = args.Command
	}
	var payloadHash string
	if args.Content != "" {
		sum := sha256.Sum256([]byte(args.Content))
		payloadHash = hex.EncodeToString(sum[:])
		redacted["content_sha256"] = payloadHash
		redacted["content_bytes"] = len(args.Content)
	}

	meta := map[string]any{"is_error": res.IsError}
	for k, v := range res.Meta {
		meta[k] = v
	}

	argsJSON, _ := json.Marshal(redacted)
	metaJSON, _ := json.Marshal(meta)

	_, err := s.store.DB().ExecContext(ctx, `
		INSERT INTO tool_invocations (tool_invocation_id, run_id, tool,
			args_redacted_json, result_meta_json, payload_hash, policy_decision, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ids.New(), runID, tool, string(argsJSON), string(metaJSON),
		payloadHash, decision, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		s.logger.Warn("failed to record tool invocation",
			zap.String("run_id", runID), zap.String("tool", tool), zap.Error(err))
	}
}
