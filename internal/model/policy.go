package model

import (
	"encoding/json"
	"time"
)

// PolicyEffect is the outcome of a matching policy rule.
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "allow"
	EffectBlock PolicyEffect = "block"
)

// PolicySet is an immutable, versioned snapshot of the rules in effect.
// Evaluations reference the snapshot that was live at evaluation time; a new
// snapshot replaces the old rather than editing it.
type PolicySet struct {
	ID                 string
	Version            int
	ReplacesPolicySetID string
	CreatedAt          time.Time
}

// PolicyRule is one ordered entry of a policy set. First block wins.
type PolicyRule struct {
	ID          string
	PolicySetID string
	Ordinal     int
	Name        string
	Effect      PolicyEffect
	Pattern     string
}

// PolicyViolation stores structured metadata about a tripped rule. Raw
// sensitive content never lands here; only a content hash.
type PolicyViolation struct {
	ID          string
	RunID       string
	PolicySetID string
	RuleName    string
	File        string
	LineStart   int
	LineEnd     int
	ContentHash string
	CreatedAt   time.Time
}

// OverrideScope bounds where an operator-granted exception applies.
type OverrideScope string

const (
	ScopeThisRun     OverrideScope = "this_run"
	ScopeThisTask    OverrideScope = "this_task"
	ScopeThisRepo    OverrideScope = "this_repo"
	ScopeProjectWide OverrideScope = "project_wide"
)

// Override is a constrained exception to a policy violation. It is never a
// blanket exception: at least one constraint must be set.
type Override struct {
	ID            string
	ViolationID   string
	PolicySetID   string
	Scope         OverrideScope
	AllowedPaths  []string
	AllowedHosts  []string
	AllowedCmds   []string
	ContentHashes []string
	GrantedBy     string
	CreatedAt     time.Time
	ExpiresAt     *time.Time
}

// Constrained reports whether the override carries at least one constraint.
func (o *Override) Constrained() bool {
	return len(o.AllowedPaths) > 0 || len(o.AllowedHosts) > 0 ||
		len(o.AllowedCmds) > 0 || len(o.ContentHashes) > 0
}

// PolicyAuditEntry records one evaluation outcome against a snapshot.
type PolicyAuditEntry struct {
	ID          string
	RunID       string
	PolicySetID string
	Tool        string
	Decision    PolicyEffect
	RuleName    string
	Meta        json.RawMessage
	CreatedAt   time.Time
}
