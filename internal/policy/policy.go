// Package policy persists policy snapshots, violations, and operator-granted
// overrides. Snapshots are immutable: changing the rules creates a new set
// that records which set it replaces, so every historical evaluation still
// points at the exact rules it ran against.
package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/store"
)

// ErrNotFound means no policy row matched.
var ErrNotFound = errors.New("policy record not found")

// ErrUnconstrainedOverride rejects blanket exceptions: an override must name
// at least one allowed path, host, command, or content hash.
var ErrUnconstrainedOverride = errors.New("override must carry at least one constraint")

// Store reads and writes policy tables.
type Store struct {
	store  *store.Store
	logger *zap.Logger
}

// NewStore creates a policy store.
func NewStore(st *store.Store, logger *zap.Logger) *Store {
	return &Store{store: st, logger: logging.OrNop(logger)}
}

// CreateSet persists a new immutable snapshot with its ordered rules.
// replacesID is empty for the first set.
func (s *Store) CreateSet(ctx context.Context, replacesID string, rules []model.PolicyRule) (*model.PolicySet, error) {
	set := &model.PolicySet{
		ID:                  ids.New(),
		Version:             1,
		ReplacesPolicySetID: replacesID,
		CreatedAt:           time.Now().UTC(),
	}

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if replacesID != "" {
			var prev int
			err := tx.QueryRow(`SELECT version FROM policy_sets WHERE policy_set_id = ?`, replacesID).Scan(&prev)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("replaced policy set %s not found", replacesID)
			}
			if err != nil {
				return fmt.Errorf("failed to read replaced set: %w", err)
			}
			set.Version = prev + 1
		}

		_, err := tx.Exec(`
			INSERT INTO policy_sets (policy_set_id, version, replaces_policy_set_id, created_at)
			VALUES (?, ?, ?, ?)`,
			set.ID, set.Version, nullable(replacesID), store.Now())
		if err != nil {
			return fmt.Errorf("failed to insert policy set: %w", err)
		}

		for i, r := range rules {
			_, err := tx.Exec(`
				INSERT INTO policy_set_entries (policy_entry_id, policy_set_id, ordinal, name, effect, pattern)
				VALUES (?, ?, ?, ?, ?, ?)`,
				ids.New(), set.ID, i, r.Name, string(r.Effect), r.Pattern)
			if err != nil {
				return fmt.Errorf("failed to insert policy rule %q: %w", r.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// ActiveSet returns the newest snapshot, which is the one in effect.
func (s *Store) ActiveSet(ctx context.Context) (*model.PolicySet, error) {
	row := s.store.DB().QueryRowContext(ctx, `
		SELECT policy_set_id, version, replaces_policy_set_id, created_at
		FROM policy_sets ORDER BY version DESC, created_at DESC LIMIT 1`)

	var (
		set       model.PolicySet
		replaces  sql.NullString
		createdAt string
	)
	err := row.Scan(&set.ID, &set.Version, &replaces, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active policy set: %w", err)
	}
	set.ReplacesPolicySetID = replaces.String
	set.CreatedAt = store.ParseTime(createdAt)
	return &set, nil
}

// Rules returns a set's rules in ordinal order.
func (s *Store) Rules(ctx context.Context, setID string) ([]model.PolicyRule, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT policy_entry_id, policy_set_id, ordinal, name, effect, pattern
		FROM policy_set_entries WHERE policy_set_id = ? ORDER BY ordinal ASC`, setID)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy rules: %w", err)
	}
	defer rows.Close()

	var out []model.PolicyRule
	for rows.Next() {
		var (
			r      model.PolicyRule
			effect string
		)
		if err := rows.Scan(&r.ID, &r.PolicySetID, &r.Ordinal, &r.Name, &effect, &r.Pattern); err != nil {
			return nil, fmt.Errorf("failed to scan policy rule: %w", err)
		}
		r.Effect = model.PolicyEffect(effect)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordViolation stores structured violation metadata. Raw content never
// lands here; callers pass a hash.
func (s *Store) RecordViolation(ctx context.Context, v model.PolicyViolation) (*model.PolicyViolation, error) {
	v.ID = ids.New()
	v.CreatedAt = time.Now().UTC()

	_, err := s.store.DB().ExecContext(ctx, `
		INSERT INTO policy_violations (policy_violation_id, run_id, policy_set_id,
			rule_name, file, line_start, line_end, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.RunID, v.PolicySetID, v.RuleName, v.File,
		v.LineStart, v.LineEnd, v.ContentHash, store.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to record violation: %w", err)
	}
	return &v, nil
}

// Violations lists a run's violations, oldest first.
func (s *Store) Violations(ctx context.Context, runID string) ([]model.PolicyViolation, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT policy_violation_id, run_id, policy_set_id, rule_name,
		       file, line_start, line_end, content_hash, created_at
		FROM policy_violations WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []model.PolicyViolation
	for rows.Next() {
		var (
			v         model.PolicyViolation
			createdAt string
		)
		if err := rows.Scan(&v.ID, &v.RunID, &v.PolicySetID, &v.RuleName,
			&v.File, &v.LineStart, &v.LineEnd, &v.ContentHash, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.CreatedAt = store.ParseTime(createdAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// GrantOverrideTx records a constrained exception inside the caller's
// transaction, alongside the policy.override.granted decision event.
func (s *Store) GrantOverrideTx(tx *sql.Tx, o model.Override) (*model.Override, error) {
	if !o.Constrained() {
		return nil, ErrUnconstrainedOverride
	}

	o.ID = ids.New()
	o.CreatedAt = time.Now().UTC()

	var expires any
	if o.ExpiresAt != nil {
		expires = o.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := tx.Exec(`
		INSERT INTO overrides (override_id, policy_violation_id, policy_set_id, scope,
			allowed_paths_json, allowed_hosts_json, allowed_cmds_json, content_hashes_json,
			granted_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.ViolationID, o.PolicySetID, string(o.Scope),
		marshalList(o.AllowedPaths), marshalList(o.AllowedHosts),
		marshalList(o.AllowedCmds), marshalList(o.ContentHashes),
		o.GrantedBy, store.Now(), expires)
	if err != nil {
		return nil, fmt.Errorf("failed to grant override: %w", err)
	}
	return &o, nil
}

// OverridesForViolation lists the unexpired overrides covering a violation.
func (s *Store) OverridesForViolation(ctx context.Context, violationID string) ([]model.Override, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT override_id, policy_violation_id, policy_set_id, scope,
		       allowed_paths_json, allowed_hosts_json, allowed_cmds_json, content_hashes_json,
		       granted_by, created_at, expires_at
		FROM overrides
		WHERE policy_violation_id = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC`, violationID, store.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var out []model.Override
	for rows.Next() {
		var (
			o                          model.Override
			scope, createdAt           string
			paths, hosts, cmds, hashes sql.NullString
			expiresAt                  sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.ViolationID, &o.PolicySetID, &scope,
			&paths, &hosts, &cmds, &hashes, &o.GrantedBy, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		o.Scope = model.OverrideScope(scope)
		o.AllowedPaths = unmarshalList(paths)
		o.AllowedHosts = unmarshalList(hosts)
		o.AllowedCmds = unmarshalList(cmds)
		o.ContentHashes = unmarshalList(hashes)
		o.CreatedAt = store.ParseTime(createdAt)
		if expiresAt.Valid {
			t := store.ParseTime(expiresAt.String)
			o.ExpiresAt = &t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Audit records one evaluation outcome against a snapshot.
func (s *Store) Audit(ctx context.Context, e model.PolicyAuditEntry) error {
	var meta any
	if len(e.Meta) > 0 {
		meta = string(e.Meta)
	}
	_, err := s.store.DB().ExecContext(ctx, `
		INSERT INTO policy_audit_entries (policy_audit_id, run_id, policy_set_id,
			tool, decision, rule_name, meta_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ids.New(), e.RunID, e.PolicySetID, e.Tool, string(e.Decision),
		e.RuleName, meta, store.Now())
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

func marshalList(items []string) any {
	if len(items) == 0 {
		return nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil
	}
	return string(raw)
}

func unmarshalList(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
