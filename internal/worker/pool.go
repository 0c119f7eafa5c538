// Package worker runs the job-claiming pools. A pool claims from one queue,
// holds each job's lease alive while its handler runs, and reports the
// outcome back to the queue. Per-run ordering is not the pool's business;
// jobs carry an episode guard and handlers drop stale ones.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/store"
)

// ErrStaleJob means the job's episode guard no longer matches the run; the
// job completes without effect.
var ErrStaleJob = errors.New("stale job")

// Handler processes one claimed job.
type Handler func(ctx context.Context, job *model.Job) error

// Pool claims and runs jobs from a single queue.
type Pool struct {
	db       *store.Store
	queue    *queue.Queue
	name     string
	workerID string

	concurrency int
	lease       time.Duration
	poll        time.Duration

	handlers map[string]Handler

	// OnExhausted runs when a job fails its final attempt, after the queue
	// marked it failed. Used to escalate agent failures into blocked runs.
	OnExhausted func(ctx context.Context, job *model.Job, jobErr error)

	logger *zap.Logger
}

// NewPool creates a pool over one queue.
func NewPool(db *store.Store, q *queue.Queue, queueName string, concurrency int, lease time.Duration, logger *zap.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &Pool{
		db:          db,
		queue:       q,
		name:        queueName,
		workerID:    queueName + "-" + ids.New(),
		concurrency: concurrency,
		lease:       lease,
		poll:        time.Second,
		handlers:    make(map[string]Handler),
		logger:      logging.OrNop(logger),
	}
}

// Register binds a handler to a job type.
func (p *Pool) Register(jobType string, h Handler) {
	p.handlers[jobType] = h
}

// Run claims and processes jobs until the context ends. Handlers observe the
// cancellation so agent subprocesses stop; each outcome is still recorded, and
// a cancelled attempt requeues through the normal failure path.
func (p *Pool) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(p.concurrency)

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Stop claiming; wait for in-flight handlers to wind down.
			_ = g.Wait()
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			job, err := p.queue.Claim(ctx, p.name, p.workerID, p.lease)
			if errors.Is(err, queue.ErrNoJob) {
				break
			}
			if err != nil {
				p.logger.Error("claim failed", zap.String("queue", p.name), zap.Error(err))
				break
			}
			j := job
			if !g.TryGo(func() error {
				p.process(ctx, j)
				return nil
			}) {
				// Pool saturated. Release the claim by failing softly; the
				// lease reclaim would do this anyway, just slower.
				_ = p.queue.Fail(ctx, j.ID, errors.New("pool saturated"), queue.FailOptions{RetryAfter: p.poll})
				break
			}
		}
	}
}

// process runs one job with lease keepalive. The handler gets the cancellable
// pool context; outcome bookkeeping runs on a detached context so a shutdown
// still lands the job's status.
func (p *Pool) process(ctx context.Context, job *model.Job) {
	rctx := context.WithoutCancel(ctx)

	handler, ok := p.handlers[job.Type]
	if !ok {
		_ = p.queue.Fail(rctx, job.ID, fmt.Errorf("no handler for job type %q", job.Type), queue.FailOptions{Terminal: true})
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(rctx)
	go p.keepLease(hbCtx, job.ID)

	start := time.Now()
	err := handler(ctx, job)
	stopHeartbeat()
	metrics.JobDurationSeconds.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if cErr := p.queue.Complete(rctx, job.ID); cErr != nil {
			p.logger.Error("failed to complete job", zap.String("job_id", job.ID), zap.Error(cErr))
		}
	case errors.Is(err, ErrStaleJob):
		// The run moved past this job's episode. Done, not failed.
		metrics.JobsTotal.WithLabelValues(job.Queue, "stale").Inc()
		p.logger.Info("dropped stale job",
			zap.String("job_id", job.ID), zap.String("type", job.Type))
		if cErr := p.queue.Complete(rctx, job.ID); cErr != nil {
			p.logger.Error("failed to complete stale job", zap.String("job_id", job.ID), zap.Error(cErr))
		}
	default:
		terminal := job.Attempts >= job.MaxAttempts
		if fErr := p.queue.Fail(rctx, job.ID, err, queue.FailOptions{}); fErr != nil {
			p.logger.Error("failed to record job failure", zap.String("job_id", job.ID), zap.Error(fErr))
		}
		p.logger.Warn("job attempt failed",
			zap.String("job_id", job.ID), zap.String("type", job.Type),
			zap.Int("attempt", job.Attempts), zap.Bool("terminal", terminal), zap.Error(err))
		if terminal && p.OnExhausted != nil {
			p.OnExhausted(rctx, job, err)
		}
	}
}

// keepLease extends the job lease at half-life until cancelled.
func (p *Pool) keepLease(ctx context.Context, jobID string) {
	ticker := time.NewTicker(p.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, jobID, p.lease); err != nil {
				p.logger.Warn("lease extension failed", zap.String("job_id", jobID), zap.Error(err))
				return
			}
		}
	}
}
