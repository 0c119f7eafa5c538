// Package outbox serializes every external GitHub write through a durable
// table with deterministic idempotency keys. Writes land in the table in the
// same transaction as the decision that caused them; a worker delivers them
// later, and a network failure after send parks the row as ambiguous until
// readback resolves it.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/store"
)

// ErrNotFound means no outbox row matched.
var ErrNotFound = errors.New("outbox write not found")

// Store reads and mutates github_writes rows.
type Store struct {
	store  *store.Store
	logger *zap.Logger
}

// NewStore creates an outbox store.
func NewStore(st *store.Store, logger *zap.Logger) *Store {
	return &Store{store: st, logger: logging.OrNop(logger)}
}

// CreatePRPayload is the payload of a create_pr write.
type CreatePRPayload struct {
	RepoFullName string `json:"repo_full_name"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	Head         string `json:"head"`
	Base         string `json:"base"`
}

// CommentPayload is the payload of a post_comment write.
type CommentPayload struct {
	RepoFullName string `json:"repo_full_name"`
	IssueNumber  int    `json:"issue_number"`
	Body         string `json:"body"`
}

// StatusPayload is the payload of a status_check write.
type StatusPayload struct {
	RepoFullName string `json:"repo_full_name"`
	SHA          string `json:"sha"`
	State        string `json:"state"`
	Description  string `json:"description"`
	Context      string `json:"context"`
}

// EnqueueParams describes one write to enqueue.
type EnqueueParams struct {
	RunID        string
	Kind         model.WriteKind
	TargetNodeID string
	Payload      any

	// Priority writes bypass the mirror rate limit.
	Priority bool
}

// EnqueueTx inserts an outbox row inside the caller's transaction, usually the
// same one that appended the causing decision event. The idempotency key is
// derived from kind, target and payload hash, so a re-enqueue of the same
// logical write returns the existing row without a second side effect.
func (s *Store) EnqueueTx(tx *sql.Tx, p EnqueueParams) (*model.GitHubWrite, error) {
	raw, err := json.Marshal(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize write payload: %w", err)
	}
	hash := model.HashPayload(raw)
	key := model.WriteIdempotencyKey(p.Kind, p.TargetNodeID, hash)

	w := &model.GitHubWrite{
		ID:             ids.New(),
		RunID:          p.RunID,
		Kind:           p.Kind,
		TargetNodeID:   p.TargetNodeID,
		IdempotencyKey: key,
		Payload:        raw,
		PayloadHash:    hash,
		Status:         model.WriteQueued,
		Priority:       p.Priority,
		CreatedAt:      time.Now().UTC(),
	}

	priority := 0
	if p.Priority {
		priority = 1
	}
	_, err = tx.Exec(`
		INSERT INTO github_writes (github_write_id, run_id, kind, target_node_id,
			idempotency_key, payload_json, payload_hash, status, priority,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?, ?)`,
		w.ID, w.RunID, string(w.Kind), w.TargetNodeID,
		key, string(raw), hash, priority, store.Now(), store.Now())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, getErr := s.getByKeyTx(tx, key)
			if getErr != nil {
				return nil, fmt.Errorf("failed to load existing write: %w", getErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("failed to enqueue write: %w", err)
	}

	metrics.OutboxWritesTotal.WithLabelValues(string(w.Kind), string(model.WriteQueued)).Inc()
	return w, nil
}

// Enqueue inserts an outbox row in its own transaction.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (*model.GitHubWrite, error) {
	var w *model.GitHubWrite
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		w, txErr = s.EnqueueTx(tx, p)
		return txErr
	})
	return w, err
}

// Claim atomically moves the oldest queued write to processing and returns
// it. The guarded UPDATE is the claim; a second worker racing on the same row
// matches zero rows and moves to the next candidate.
func (s *Store) Claim(ctx context.Context) (*model.GitHubWrite, error) {
	for {
		row := s.store.DB().QueryRowContext(ctx, selectWrite+`
			WHERE status = 'queued' ORDER BY priority DESC, created_at ASC LIMIT 1`)
		w, err := scanWrite(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res, err := s.store.DB().ExecContext(ctx, `
			UPDATE github_writes SET status = 'processing', attempted_at = ?, updated_at = ?
			WHERE github_write_id = ? AND status = 'queued'`,
			store.Now(), store.Now(), w.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to claim write: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		w.Status = model.WriteProcessing
		return w, nil
	}
}

// MarkSent records a definitive success and the identifiers read back from
// the host.
func (s *Store) MarkSent(ctx context.Context, writeID, githubID string, number int, url string) error {
	return s.setStatus(ctx, writeID, model.WriteProcessing, model.WriteSent, "", githubID, number, url)
}

// MarkFailed records a definitive rejection. Failed rows never retry.
func (s *Store) MarkFailed(ctx context.Context, writeID, reason string) error {
	return s.setStatus(ctx, writeID, model.WriteProcessing, model.WriteFailed, reason, "", 0, "")
}

// MarkAmbiguous parks the row for the recovery scan.
func (s *Store) MarkAmbiguous(ctx context.Context, writeID, reason string) error {
	return s.setStatus(ctx, writeID, model.WriteProcessing, model.WriteAmbiguous, reason, "", 0, "")
}

// Requeue returns a processing or ambiguous row to queued for another attempt.
func (s *Store) Requeue(ctx context.Context, writeID string, from model.WriteStatus) error {
	res, err := s.store.DB().ExecContext(ctx, `
		UPDATE github_writes SET status = 'queued', retry_count = retry_count + 1, updated_at = ?
		WHERE github_write_id = ? AND status = ?`,
		store.Now(), writeID, string(from))
	if err != nil {
		return fmt.Errorf("failed to requeue write: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Release returns a processing row to queued without counting an attempt.
// The mirror throttle uses this: a deferred comment was never tried against
// the host and must not burn the retry budget.
func (s *Store) Release(ctx context.Context, writeID string) error {
	res, err := s.store.DB().ExecContext(ctx, `
		UPDATE github_writes SET status = 'queued', updated_at = ?
		WHERE github_write_id = ? AND status = 'processing'`,
		store.Now(), writeID)
	if err != nil {
		return fmt.Errorf("failed to release write: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveAmbiguousSent promotes an ambiguous row to sent after the recovery
// scan verified its marker on the host.
func (s *Store) ResolveAmbiguousSent(ctx context.Context, writeID, githubID string, number int, url string) error {
	return s.setStatus(ctx, writeID, model.WriteAmbiguous, model.WriteSent, "", githubID, number, url)
}

func (s *Store) setStatus(ctx context.Context, writeID string, from, to model.WriteStatus, lastError, githubID string, number int, url string) error {
	res, err := s.store.DB().ExecContext(ctx, `
		UPDATE github_writes SET status = ?, last_error = ?,
			github_id = CASE WHEN ? != '' THEN ? ELSE github_id END,
			github_number = CASE WHEN ? != 0 THEN ? ELSE github_number END,
			github_url = CASE WHEN ? != '' THEN ? ELSE github_url END,
			updated_at = ?
		WHERE github_write_id = ? AND status = ?`,
		string(to), lastError,
		githubID, githubID, number, number, url, url,
		store.Now(), writeID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update write status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	metrics.OutboxWritesTotal.WithLabelValues("", string(to)).Inc()
	return nil
}

// Get loads one write by id.
func (s *Store) Get(ctx context.Context, writeID string) (*model.GitHubWrite, error) {
	row := s.store.DB().QueryRowContext(ctx, selectWrite+` WHERE github_write_id = ?`, writeID)
	w, err := scanWrite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// GetByKey loads one write by its idempotency key.
func (s *Store) GetByKey(ctx context.Context, key string) (*model.GitHubWrite, error) {
	row := s.store.DB().QueryRowContext(ctx, selectWrite+` WHERE idempotency_key = ?`, key)
	w, err := scanWrite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

func (s *Store) getByKeyTx(tx *sql.Tx, key string) (*model.GitHubWrite, error) {
	row := tx.QueryRow(selectWrite+` WHERE idempotency_key = ?`, key)
	return scanWrite(row)
}

// ListAmbiguous returns ambiguous rows oldest first, for the recovery scan.
func (s *Store) ListAmbiguous(ctx context.Context, limit int) ([]*model.GitHubWrite, error) {
	rows, err := s.store.DB().QueryContext(ctx, selectWrite+`
		WHERE status = 'ambiguous' ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ambiguous writes: %w", err)
	}
	defer rows.Close()

	var out []*model.GitHubWrite
	for rows.Next() {
		w, err := scanWrite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan write: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// LastOptionalCommentAt returns when the run last sent a non-priority comment,
// or zero time. The mirror limiter seeds its bucket from this on restart.
func (s *Store) LastOptionalCommentAt(ctx context.Context, runID string) (time.Time, error) {
	var attempted sql.NullString
	err := s.store.DB().QueryRowContext(ctx, `
		SELECT attempted_at FROM github_writes
		WHERE run_id = ? AND kind = 'post_comment' AND priority = 0
		  AND attempted_at IS NOT NULL
		ORDER BY attempted_at DESC LIMIT 1`, runID).Scan(&attempted)
	if errors.Is(err, sql.ErrNoRows) || !attempted.Valid {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last comment time: %w", err)
	}
	return store.ParseTime(attempted.String), nil
}

const selectWrite = `
	SELECT github_write_id, run_id, kind, target_node_id, idempotency_key,
	       payload_json, payload_hash, status, github_id, github_number,
	       github_url, retry_count, last_error, priority,
	       attempted_at, created_at, updated_at
	FROM github_writes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWrite(row rowScanner) (*model.GitHubWrite, error) {
	var (
		w                    model.GitHubWrite
		kind, status         string
		payload              string
		priority             int
		attemptedAt          sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&w.ID, &w.RunID, &kind, &w.TargetNodeID, &w.IdempotencyKey,
		&payload, &w.PayloadHash, &status, &w.GitHubID, &w.GitHubNumber,
		&w.GitHubURL, &w.RetryCount, &w.LastError, &priority,
		&attemptedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	w.Kind = model.WriteKind(kind)
	w.Status = model.WriteStatus(status)
	w.Payload = json.RawMessage(payload)
	w.Priority = priority != 0
	if attemptedAt.Valid {
		t := store.ParseTime(attemptedAt.String)
		w.AttemptedAt = &t
	}
	w.CreatedAt = store.ParseTime(createdAt)
	w.UpdatedAt = store.ParseTime(updatedAt)
	return &w, nil
}
