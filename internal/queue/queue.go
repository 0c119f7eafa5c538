// Package queue implements the durable job queue: leased claims, bounded
// retries with jittered backoff, idempotent enqueue, and stalled-lease
// reclamation. Per-run ordering comes from the event log, not from queue
// FIFO; the queue only promises priority-then-age claim order.
package queue

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

// ErrNoJob means no claimable job was available.
var ErrNoJob = errors.New("no job available")

// Queue is the durable queue over the jobs table.
type Queue struct {
	store  *store.Store
	logger *zap.Logger
}

// New creates a queue.
func New(st *store.Store, logger *zap.Logger) *Queue {
	return &Queue{store: st, logger: logging.OrNop(logger)}
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	IdempotencyKey string
	Priority       int
	MaxAttempts    int
}

// Enqueue inserts a job. On a duplicate idempotency key the existing job is
// returned unchanged: no new row, no new attempt.
func (q *Queue) Enqueue(ctx context.Context, queue, jobType string, payload any, opts EnqueueOptions) (*model.Job, error) {
	var job *model.Job
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		var txErr error
		job, txErr = q.EnqueueTx(tx, queue, jobType, payload, opts)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueTx inserts a job inside the caller's transaction.
func (q *Queue) EnqueueTx(tx *sql.Tx, queue, jobType string, payload any, opts EnqueueOptions) (*model.Job, error) {
	if opts.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}

	var payloadJSON *string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize payload: %w", err)
		}
		s := string(raw)
		payloadJSON = &s
	}

	job := &model.Job{
		ID:             ids.New(),
		Queue:          queue,
		Type:           jobType,
		IdempotencyKey: opts.IdempotencyKey,
		Status:         model.JobQueued,
		Priority:       opts.Priority,
		MaxAttempts:    opts.MaxAttempts,
		CreatedAt:      time.Now().UTC(),
	}
	if payloadJSON != nil {
		job.Payload = json.RawMessage(*payloadJSON)
	}

	_, err := tx.Exec(`
		INSERT INTO jobs (job_id, queue, job_type, payload_json, idempotency_key,
			status, priority, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?, ?, ?)`,
		job.ID, job.Queue, job.Type, payloadJSON, job.IdempotencyKey,
		job.Priority, job.MaxAttempts, store.Now(), store.Now())
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookErr := q.getByKeyTx(tx, opts.IdempotencyKey)
			if lookErr != nil {
				return nil, fmt.Errorf("failed to load duplicate job: %w", lookErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return job, nil
}

// Claim atomically selects the best queued job on the queue (priority DESC,
// created_at ASC, retry time due) and leases it to the worker.
func (q *Queue) Claim(ctx context.Context, queue, workerID string, lease time.Duration) (*model.Job, error) {
	var job *model.Job
	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		now := store.Now()
		row := tx.QueryRow(selectJob+`
			WHERE queue = ? AND status = 'queued'
			  AND (next_retry_at IS NULL OR next_retry_at <= ?)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1`, queue, now)

		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoJob
		}
		if err != nil {
			return err
		}

		leaseExpiry := time.Now().UTC().Add(lease).Format(time.RFC3339Nano)
		res, err := tx.Exec(`
			UPDATE jobs SET status = 'processing', claimed_by = ?, claimed_at = ?,
				lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE job_id = ? AND status = 'queued'`,
			workerID, now, leaseExpiry, now, j.ID)
		if err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNoJob
		}

		j.Status = model.JobProcessing
		j.ClaimedBy = workerID
		j.Attempts++
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.JobsTotal.WithLabelValues(queue, "claimed").Inc()
	return job, nil
}

// Complete marks a processing job done.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	res, err := q.store.DB().ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', updated_at = ?
		WHERE job_id = ? AND status = 'processing'`, store.Now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not in processing state", jobID)
	}
	q.queueMetric(ctx, jobID, "completed")
	return nil
}

// FailOptions control the retry disposition of a failed attempt.
type FailOptions struct {
	// RetryAfter schedules the next attempt; ignored when Terminal.
	RetryAfter time.Duration

	// Terminal fails the job permanently regardless of remaining attempts.
	Terminal bool
}

// Fail records a failed attempt. The job requeues with a retry time unless
// attempts are exhausted or the failure is terminal.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error, opts FailOptions) error {
	errMsg := ""
	if jobErr != nil {
		errMsg = jobErr.Error()
	}

	return q.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(selectJob+` WHERE job_id = ?`, jobID)
		j, err := scanJob(row)
		if err != nil {
			return fmt.Errorf("failed to load job: %w", err)
		}
		if j.Status != model.JobProcessing {
			return fmt.Errorf("job %s not in processing state", jobID)
		}

		if opts.Terminal || j.Attempts >= j.MaxAttempts {
			_, err = tx.Exec(`
				UPDATE jobs SET status = 'failed', last_error = ?, updated_at = ?
				WHERE job_id = ?`, errMsg, store.Now(), jobID)
			if err != nil {
				return fmt.Errorf("failed to fail job: %w", err)
			}
			metrics.JobsTotal.WithLabelValues(j.Queue, "failed").Inc()
			return nil
		}

		retryAfter := opts.RetryAfter
		if retryAfter == 0 {
			retryAfter = Backoff(j.Attempts)
		}
		nextRetry := time.Now().UTC().Add(retryAfter).Format(time.RFC3339Nano)
		_, err = tx.Exec(`
			UPDATE jobs SET status = 'queued', claimed_by = '', claimed_at = NULL,
				lease_expires_at = NULL, last_error = ?, next_retry_at = ?, updated_at = ?
			WHERE job_id = ?`, errMsg, nextRetry, store.Now(), jobID)
		if err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
		metrics.JobsTotal.WithLabelValues(j.Queue, "retried").Inc()
		return nil
	})
}

// Cancel marks a queued job cancelled.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	_, err := q.store.DB().ExecContext(ctx, `
		UPDATE jobs SET status = 'cancelled', updated_at = ?
		WHERE job_id = ? AND status IN ('queued','processing')`, store.Now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	return nil
}

// ExtendLease pushes out the lease for a job still being processed.
func (q *Queue) ExtendLease(ctx context.Context, jobID string, lease time.Duration) error {
	expiry := time.Now().UTC().Add(lease).Format(time.RFC3339Nano)
	res, err := q.store.DB().ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE job_id = ? AND status = 'processing'`, expiry, store.Now(), jobID)
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not in processing state", jobID)
	}
	return nil
}

// ReclaimStalled requeues processing jobs whose lease expired before now.
// Jobs out of attempts fail instead. Returns how many rows changed.
func (q *Queue) ReclaimStalled(ctx context.Context, now time.Time) (int, error) {
	nowStr := now.UTC().Format(time.RFC3339Nano)
	var reclaimed int

	err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE jobs SET status = 'queued', claimed_by = '', claimed_at = NULL,
				lease_expires_at = NULL, last_error = 'lease expired', updated_at = ?
			WHERE status = 'processing' AND lease_expires_at < ? AND attempts < max_attempts`,
			store.Now(), nowStr)
		if err != nil {
			return fmt.Errorf("failed to reclaim stalled jobs: %w", err)
		}
		n, _ := res.RowsAffected()
		reclaimed = int(n)

		_, err = tx.Exec(`
			UPDATE jobs SET status = 'failed', last_error = 'lease expired; attempts exhausted', updated_at = ?
			WHERE status = 'processing' AND lease_expires_at < ? AND attempts >= max_attempts`,
			store.Now(), nowStr)
		if err != nil {
			return fmt.Errorf("failed to fail exhausted stalled jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		metrics.JobsTotal.WithLabelValues("all", "reclaimed").Add(float64(reclaimed))
	}
	return reclaimed, nil
}

// Purge deletes completed/failed/cancelled jobs older than the grace window.
func (q *Queue) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := q.store.DB().ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN ('completed','failed','cancelled')
		AND updated_at < ?`, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Get loads one job.
func (q *Queue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	row := q.store.DB().QueryRowContext(ctx, selectJob+` WHERE job_id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return j, err
}

func (q *Queue) getByKeyTx(tx *sql.Tx, key string) (*model.Job, error) {
	row := tx.QueryRow(selectJob+` WHERE idempotency_key = ?`, key)
	return scanJob(row)
}

func (q *Queue) queueMetric(ctx context.Context, jobID, disposition string) {
	var queue string
	if err := q.store.DB().QueryRowContext(ctx, `SELECT queue FROM jobs WHERE job_id = ?`, jobID).Scan(&queue); err == nil {
		metrics.JobsTotal.WithLabelValues(queue, disposition).Inc()
	}
}

const selectJob = `
	SELECT job_id, queue, job_type, payload_json, idempotency_key, status,
	       priority, claimed_by, claimed_at, lease_expires_at, attempts,
	       max_attempts, last_error, next_retry_at, created_at, updated_at
	FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		j                                  model.Job
		payload                            sql.NullString
		claimedAt, leaseExpiry, nextRetry  sql.NullString
		status                             string
		createdAt, updatedAt               string
	)
	err := row.Scan(&j.ID, &j.Queue, &j.Type, &payload, &j.IdempotencyKey, &status,
		&j.Priority, &j.ClaimedBy, &claimedAt, &leaseExpiry, &j.Attempts,
		&j.MaxAttempts, &j.LastError, &nextRetry, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if claimedAt.Valid {
		t := store.ParseTime(claimedAt.String)
		j.ClaimedAt = &t
	}
	if leaseExpiry.Valid {
		t := store.ParseTime(leaseExpiry.String)
		j.LeaseExpiresAt = &t
	}
	if nextRetry.Valid {
		t := store.ParseTime(nextRetry.String)
		j.NextRetryAt = &t
	}
	j.CreatedAt = store.ParseTime(createdAt)
	j.UpdatedAt = store.ParseTime(updatedAt)
	return &j, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
