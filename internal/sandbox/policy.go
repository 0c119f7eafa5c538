package sandbox

import (
	"fmt"
	"strings"

	"github.com/conductor-dev/conductor/internal/metrics"
)

// Decision is the outcome of a policy pre-check.
type Decision struct {
	Allow bool
	Rule  string
	Why   string
}

// Request describes one tool invocation being checked.
type Request struct {
	Tool     string
	Path     string   // file tools
	Command  []string // run_tests, argv style
	Worktree string
	IsWrite  bool
}

// Rule checks one policy concern. Returning (Decision{}, false) means the
// rule does not apply to this request.
type Rule interface {
	Name() string
	Check(req Request) (Decision, bool)
}

// Policy evaluates ordered rules; the first block wins.
type Policy struct {
	rules []Rule
}

// NewPolicy builds the standard rule chain from configuration. Order matters:
// cheap lexical checks precede filesystem resolution.
func NewPolicy(sensitivePatterns, commandAllowlist []string) *Policy {
	return &Policy{rules: []Rule{
		&worktreeBoundaryRule{},
		&sensitiveWriteRule{patterns: sensitivePatterns},
		&shellOperatorRule{},
		&commandAllowlistRule{allowlist: commandAllowlist},
	}}
}

// Check runs the chain. The zero-value allow decision is returned when no
// rule blocks.
func (p *Policy) Check(req Request) Decision {
	for _, rule := range p.rules {
		if d, applies := rule.Check(req); applies {
			metrics.PolicyDecisionsTotal.WithLabelValues(rule.Name(), effect(d)).Inc()
			if !d.Allow {
				return d
			}
		}
	}
	return Decision{Allow: true}
}

func effect(d Decision) string {
	if d.Allow {
		return "allow"
	}
	return "block"
}

// worktreeBoundaryRule covers the worktree jail, symlink escapes, and .git
// protection in one resolution pass.
type worktreeBoundaryRule struct{}

func (r *worktreeBoundaryRule) Name() string { return "worktree_boundary" }

func (r *worktreeBoundaryRule) Check(req Request) (Decision, bool) {
	if req.Path == "" {
		return Decision{}, false
	}
	if _, err := ResolveInWorktree(req.Worktree, req.Path); err != nil {
		return Decision{Rule: r.Name(), Why: err.Error()}, true
	}
	return Decision{Allow: true, Rule: r.Name()}, true
}

// sensitiveWriteRule rejects writes matching configured secret-bearing file
// patterns.
type sensitiveWriteRule struct {
	patterns []string
}

func (r *sensitiveWriteRule) Name() string { return "sensitive_file_write" }

func (r *sensitiveWriteRule) Check(req Request) (Decision, bool) {
	if !req.IsWrite || req.Path == "" {
		return Decision{}, false
	}
	if MatchesSensitive(r.patterns, req.Path) {
		return Decision{Rule: r.Name(), Why: fmt.Sprintf("write to sensitive file %q", req.Path)}, true
	}
	return Decision{Allow: true, Rule: r.Name()}, true
}

// shellOperators are the characters rejected in run_tests arguments. Commands
// are argv-style; there is no shell to need them.
const shellOperators = ";&|`$(){}[]<>!#"

// shellOperatorRule rejects any command argument carrying shell operators.
type shellOperatorRule struct{}

func (r *shellOperatorRule) Name() string { return "shell_operator" }

func (r *shellOperatorRule) Check(req Request) (Decision, bool) {
	if len(req.Command) == 0 {
		return Decision{}, false
	}
	for _, arg := range req.Command {
		if strings.ContainsAny(arg, shellOperators) {
			return Decision{Rule: r.Name(), Why: fmt.Sprintf("argument %q contains shell operators", arg)}, true
		}
	}
	return Decision{Allow: true, Rule: r.Name()}, true
}

// commandAllowlistRule restricts run_tests to a fixed set of tool binaries.
type commandAllowlistRule struct {
	allowlist []string
}

func (r *commandAllowlistRule) Name() string { return "command_allowlist" }

func (r *commandAllowlistRule) Check(req Request) (Decision, bool) {
	if len(req.Command) == 0 {
		return Decision{}, false
	}
	bin := req.Command[0]
	for _, allowed := range r.allowlist {
		if bin == allowed {
			return Decision{Allow: true, Rule: r.Name()}, true
		}
	}
	return Decision{Rule: r.Name(), Why: fmt.Sprintf("command %q not in allowlist", bin)}, true
}
