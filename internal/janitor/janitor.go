// Package janitor runs the periodic maintenance sweeps: reclaiming stalled
// job leases, purging finished jobs, pruning stream events and agent
// transcripts past their retention windows, tearing down worktrees whose
// runs are finished, and resolving ambiguous outbox writes.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/agent"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/eventlog"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/outbox"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/store"
	"github.com/conductor-dev/conductor/internal/worktree"
)

// Janitor owns the maintenance schedule. Every sweep is idempotent and safe
// to run concurrently with normal processing; the database constraints and
// CAS guards do the arbitration.
type Janitor struct {
	db        *store.Store
	queue     *queue.Queue
	events    *eventlog.Log
	messages  *agent.MessageStore
	worktrees *worktree.Manager
	recovery  *outbox.Recovery
	retention config.RetentionConfig
	scanLimit int
	logger    *zap.Logger

	cron *cron.Cron
}

// New wires a janitor. scanLimit caps each ambiguous-recovery batch.
func New(db *store.Store, q *queue.Queue, events *eventlog.Log, messages *agent.MessageStore,
	worktrees *worktree.Manager, recovery *outbox.Recovery,
	retention config.RetentionConfig, scanLimit int, logger *zap.Logger) *Janitor {
	if scanLimit <= 0 {
		scanLimit = 30
	}
	return &Janitor{
		db:        db,
		queue:     q,
		events:    events,
		messages:  messages,
		worktrees: worktrees,
		recovery:  recovery,
		retention: retention,
		scanLimit: scanLimit,
		logger:    logging.OrNop(logger),
	}
}

// Start registers the sweeps on a cron schedule and starts it. Stop with
// Stop; sweeps in flight finish first.
func (j *Janitor) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))

	schedule := []struct {
		spec string
		name string
		fn   func(context.Context) error
	}{
		{"@every 30s", "reclaim_jobs", j.ReclaimJobs},
		{"@every 30s", "drain_pending", j.DrainPending},
		{"@every 1m", "resolve_ambiguous", j.ResolveAmbiguous},
		{"@every 10m", "expire_worktrees", j.ExpireWorktrees},
		{"@every 1h", "purge_jobs", j.PurgeJobs},
		{"@every 1h", "prune_history", j.PruneHistory},
	}
	for _, s := range schedule {
		s := s
		if _, err := c.AddFunc(s.spec, func() {
			if err := s.fn(ctx); err != nil {
				j.logger.Error("janitor sweep failed", zap.String("sweep", s.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", s.name, err)
		}
	}

	j.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for running sweeps.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// ReclaimJobs requeues jobs whose lease expired without completion.
func (j *Janitor) ReclaimJobs(ctx context.Context) error {
	n, err := j.queue.ReclaimStalled(ctx, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.JanitorSweepsTotal.WithLabelValues("reclaimed_jobs").Add(float64(n))
		j.logger.Info("reclaimed stalled jobs", zap.Int("count", n))
	}
	return nil
}

// DrainPending enqueues a drain for every run with unprocessed events. The
// normal path enqueues a drain at append time; this sweep covers a crash
// between the append and that enqueue. The job key is the run's oldest
// pending event id, so the sweep collapses onto the append-time drain and
// re-arms once the backlog moves.
func (j *Janitor) DrainPending(ctx context.Context) error {
	runIDs, err := j.events.RunsWithPending(ctx, j.scanLimit)
	if err != nil {
		return err
	}
	for _, runID := range runIDs {
		ev, err := j.events.NextPending(ctx, runID)
		if err != nil || ev == nil {
			continue
		}
		if _, err := j.queue.Enqueue(ctx, model.QueueOrchestrator, model.JobTypeDrainRun,
			model.RunJobPayload{RunID: runID}, queue.EnqueueOptions{
				IdempotencyKey: "drain:" + ev.ID,
			}); err != nil {
			j.logger.Warn("failed to enqueue pending drain",
				zap.String("run_id", runID), zap.Error(err))
			continue
		}
		metrics.JanitorSweepsTotal.WithLabelValues("drained_pending").Inc()
	}
	return nil
}

// PurgeJobs deletes finished jobs past the grace window.
func (j *Janitor) PurgeJobs(ctx context.Context) error {
	n, err := j.queue.Purge(ctx, time.Now().Add(-j.retention.JobGrace))
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.JanitorSweepsTotal.WithLabelValues("purged_jobs").Add(float64(n))
	}
	return nil
}

// PruneHistory trims the stream-event replay window and old agent
// transcripts. The canonical event log is never pruned.
func (j *Janitor) PruneHistory(ctx context.Context) error {
	streamCutoff := time.Now().AddDate(0, 0, -j.retention.StreamEventDays)
	res, err := j.db.DB().ExecContext(ctx,
		`DELETE FROM stream_events WHERE created_at < ?`,
		streamCutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to prune stream events: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		metrics.JanitorSweepsTotal.WithLabelValues("pruned_events").Add(float64(n))
	}

	msgCutoff := time.Now().AddDate(0, 0, -j.retention.AgentMessageDays)
	pruned, err := j.messages.Prune(ctx, msgCutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		metrics.JanitorSweepsTotal.WithLabelValues("pruned_events").Add(float64(pruned))
		j.logger.Info("pruned agent transcripts", zap.Int64("count", pruned))
	}
	return nil
}

// ExpireWorktrees destroys worktrees left behind by runs that reached a
// terminal phase without their cleanup job running, and worktrees whose
// heartbeat went stale while the run only waits on its PR (the branch is
// already pushed; nothing local is needed). Blocked runs keep their worktrees
// so a retry can resume in place.
func (j *Janitor) ExpireWorktrees(ctx context.Context) error {
	cutoff := time.Now().Add(-j.retention.WorktreeIdle).UTC().Format(time.RFC3339Nano)
	rows, err := j.db.DB().QueryContext(ctx, `
		SELECT w.run_id
		FROM worktrees w
		JOIN runs r ON r.run_id = w.run_id
		WHERE w.destroyed_at IS NULL
		  AND (r.phase IN ('completed','cancelled')
		       OR (r.step = 'wait_pr_merge' AND w.last_heartbeat_at < ?))`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list expired worktrees: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, runID := range runIDs {
		wt, err := j.worktrees.Active(ctx, runID)
		if err != nil || wt == nil {
			continue
		}
		if err := j.worktrees.Destroy(ctx, wt); err != nil {
			j.logger.Warn("failed to expire worktree",
				zap.String("worktree_id", wt.ID), zap.Error(err))
			continue
		}
		metrics.JanitorSweepsTotal.WithLabelValues("expired_worktrees").Inc()
		j.logger.Info("expired worktree",
			zap.String("run_id", runID), zap.String("worktree_id", wt.ID))
	}
	return nil
}

// ResolveAmbiguous scans ambiguous outbox writes against the host.
func (j *Janitor) ResolveAmbiguous(ctx context.Context) error {
	return j.recovery.Sweep(ctx, j.scanLimit)
}
