package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/githubhost"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/model"
)

// Recovery resolves ambiguous writes by reading the host back. A write is
// promoted to sent only when a recent item carries our marker with BOTH the
// write id and the payload hash matching; anything less means the attempt did
// not land (or landed with different content) and the row goes back to queued.
type Recovery struct {
	outbox    *Store
	deliverer *Deliverer
	client    githubhost.Client
	scanLimit int
	logger    *zap.Logger
}

// NewRecovery creates an ambiguous-write resolver. scanLimit bounds how many
// recent host items one resolution reads.
func NewRecovery(outbox *Store, deliverer *Deliverer, client githubhost.Client, scanLimit int, logger *zap.Logger) *Recovery {
	if scanLimit <= 0 {
		scanLimit = 30
	}
	return &Recovery{
		outbox:    outbox,
		deliverer: deliverer,
		client:    client,
		scanLimit: scanLimit,
		logger:    logging.OrNop(logger),
	}
}

// Sweep resolves up to limit ambiguous rows. Rows whose scan itself fails are
// left ambiguous for the next sweep.
func (r *Recovery) Sweep(ctx context.Context, limit int) error {
	writes, err := r.outbox.ListAmbiguous(ctx, limit)
	if err != nil {
		return err
	}
	for _, w := range writes {
		if err := r.Resolve(ctx, w); err != nil {
			r.logger.Warn("ambiguous resolution deferred",
				zap.String("write_id", w.ID), zap.Error(err))
		}
	}
	return nil
}

// Resolve settles one ambiguous write.
func (r *Recovery) Resolve(ctx context.Context, w *model.GitHubWrite) error {
	switch w.Kind {
	case model.WriteCreatePR:
		return r.resolveCreatePR(ctx, w)
	case model.WritePostComment:
		return r.resolveComment(ctx, w)
	case model.WriteStatusCheck:
		// Status updates are idempotent on the host: re-sending the same
		// state for the same sha and context is a no-op. Safe to retry.
		metrics.AmbiguousRecoveriesTotal.WithLabelValues("requeued").Inc()
		return r.outbox.Requeue(ctx, w.ID, model.WriteAmbiguous)
	default:
		return fmt.Errorf("cannot resolve write kind %q", w.Kind)
	}
}

func (r *Recovery) resolveCreatePR(ctx context.Context, w *model.GitHubWrite) error {
	var p CreatePRPayload
	if err := json.Unmarshal(w.Payload, &p); err != nil {
		return fmt.Errorf("failed to parse create_pr payload: %w", err)
	}

	prs, err := r.client.ListRecentPRs(ctx, p.RepoFullName, r.scanLimit)
	if err != nil {
		return fmt.Errorf("failed to scan recent prs: %w", err)
	}

	for _, pr := range prs {
		if !r.markerMatches(pr.Body, w) {
			continue
		}
		if err := r.outbox.ResolveAmbiguousSent(ctx, w.ID, pr.NodeID, pr.Number, pr.URL); err != nil {
			return err
		}
		metrics.AmbiguousRecoveriesTotal.WithLabelValues("sent").Inc()
		r.logger.Info("ambiguous pr write confirmed on host",
			zap.String("write_id", w.ID), zap.Int("pr_number", pr.Number))
		if r.deliverer != nil {
			r.deliverer.backfillPRBundle(ctx, w, pr.NodeID, pr.Number, pr.URL)
		}
		return nil
	}

	metrics.AmbiguousRecoveriesTotal.WithLabelValues("requeued").Inc()
	return r.outbox.Requeue(ctx, w.ID, model.WriteAmbiguous)
}

func (r *Recovery) resolveComment(ctx context.Context, w *model.GitHubWrite) error {
	var p CommentPayload
	if err := json.Unmarshal(w.Payload, &p); err != nil {
		return fmt.Errorf("failed to parse comment payload: %w", err)
	}

	comments, err := r.client.ListRecentComments(ctx, p.RepoFullName, p.IssueNumber, r.scanLimit)
	if err != nil {
		return fmt.Errorf("failed to scan recent comments: %w", err)
	}

	for _, c := range comments {
		if !r.markerMatches(c.Body, w) {
			continue
		}
		if err := r.outbox.ResolveAmbiguousSent(ctx, w.ID, c.NodeID, int(c.ID), c.URL); err != nil {
			return err
		}
		metrics.AmbiguousRecoveriesTotal.WithLabelValues("sent").Inc()
		return nil
	}

	metrics.AmbiguousRecoveriesTotal.WithLabelValues("requeued").Inc()
	return r.outbox.Requeue(ctx, w.ID, model.WriteAmbiguous)
}

// markerMatches requires both marker fields to match the local row. A marker
// with our write id but a different payload hash means the host holds content
// we did not intend; it is never claimed as ours.
func (r *Recovery) markerMatches(body string, w *model.GitHubWrite) bool {
	m, ok := ExtractMarker(body)
	if !ok {
		return false
	}
	return m.GitHubWriteID == w.ID && m.PayloadHash == w.PayloadHash
}

// RunPeriodic sweeps on an interval until the context ends.
func (r *Recovery) RunPeriodic(ctx context.Context, interval time.Duration, batch int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx, batch); err != nil {
				r.logger.Error("ambiguous sweep failed", zap.Error(err))
			}
		}
	}
}
