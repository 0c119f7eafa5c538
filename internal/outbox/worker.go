package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/eventlog"
	"github.com/conductor-dev/conductor/internal/githubhost"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/runstore"
	"github.com/conductor-dev/conductor/internal/store"
)

// Deliverer drains the outbox against the host. One delivery attempt ends in
// exactly one of: sent (definitive success), failed (definitive rejection),
// ambiguous (the request may have landed), or requeued (transient error or
// rate limit).
type Deliverer struct {
	db      *store.Store
	outbox  *Store
	runs    *runstore.Store
	events  *eventlog.Log
	client  githubhost.Client
	limiter *MirrorLimiter
	logger  *zap.Logger
}

// NewDeliverer creates an outbox deliverer.
func NewDeliverer(db *store.Store, outbox *Store, runs *runstore.Store, events *eventlog.Log,
	client githubhost.Client, limiter *MirrorLimiter, logger *zap.Logger) *Deliverer {
	return &Deliverer{
		db:      db,
		outbox:  outbox,
		runs:    runs,
		events:  events,
		client:  client,
		limiter: limiter,
		logger:  logging.OrNop(logger),
	}
}

// Run claims and delivers queued writes until the context ends.
func (d *Deliverer) Run(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		w, err := d.outbox.Claim(ctx)
		if err != nil {
			d.logger.Error("outbox claim failed", zap.Error(err))
		} else if w != nil {
			if err := d.Deliver(ctx, w); err != nil {
				d.logger.Error("outbox delivery failed",
					zap.String("write_id", w.ID), zap.String("kind", string(w.Kind)), zap.Error(err))
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// maxTransientAttempts bounds how many transient failures a write may retry
// before it fails terminally. Throttle deferrals do not count.
const maxTransientAttempts = 8

// Deliver performs one claimed write against the host and records the
// outcome. The marker rides inside the PR/comment body so the recovery scan
// can later prove whether an ambiguous attempt landed.
func (d *Deliverer) Deliver(ctx context.Context, w *model.GitHubWrite) error {
	if w.Kind == model.WritePostComment && !w.Priority && d.limiter != nil && !d.limiter.Allow(w.RunID) {
		// Mirror throttled. Put it back untried; the poll interval spaces
		// the next look.
		return d.outbox.Release(ctx, w.ID)
	}

	var (
		githubID string
		number   int
		url      string
		err      error
	)
	switch w.Kind {
	case model.WriteCreatePR:
		githubID, number, url, err = d.deliverCreatePR(ctx, w)
	case model.WritePostComment:
		githubID, number, url, err = d.deliverComment(ctx, w)
	case model.WriteStatusCheck:
		err = d.deliverStatus(ctx, w)
	default:
		return d.outbox.MarkFailed(ctx, w.ID, fmt.Sprintf("unknown write kind %q", w.Kind))
	}

	switch {
	case err == nil:
		if markErr := d.outbox.MarkSent(ctx, w.ID, githubID, number, url); markErr != nil {
			return markErr
		}
		if w.Kind == model.WriteCreatePR {
			d.backfillPRBundle(ctx, w, githubID, number, url)
		}
		return nil
	case errors.Is(err, githubhost.ErrDefinitive):
		return d.outbox.MarkFailed(ctx, w.ID, err.Error())
	case errors.Is(err, githubhost.ErrAmbiguous):
		return d.outbox.MarkAmbiguous(ctx, w.ID, err.Error())
	default:
		// Transient. Back to the queue for another attempt, up to a ceiling;
		// a host that stays unreachable must not retry forever.
		if w.RetryCount+1 >= maxTransientAttempts {
			return d.outbox.MarkFailed(ctx, w.ID,
				fmt.Sprintf("retries exhausted after %d attempts: %v", w.RetryCount+1, err))
		}
		if reqErr := d.outbox.Requeue(ctx, w.ID, model.WriteProcessing); reqErr != nil {
			return reqErr
		}
		return err
	}
}

func (d *Deliverer) deliverCreatePR(ctx context.Context, w *model.GitHubWrite) (string, int, string, error) {
	var p CreatePRPayload
	if err := json.Unmarshal(w.Payload, &p); err != nil {
		return "", 0, "", fmt.Errorf("%w: bad create_pr payload: %v", githubhost.ErrDefinitive, err)
	}
	body, err := EmbedMarker(p.Body, Marker{GitHubWriteID: w.ID, PayloadHash: w.PayloadHash})
	if err != nil {
		return "", 0, "", err
	}
	pr, err := d.client.CreatePR(ctx, p.RepoFullName, p.Title, body, p.Head, p.Base)
	if err != nil {
		return "", 0, "", err
	}
	return pr.NodeID, pr.Number, pr.URL, nil
}

func (d *Deliverer) deliverComment(ctx context.Context, w *model.GitHubWrite) (string, int, string, error) {
	var p CommentPayload
	if err := json.Unmarshal(w.Payload, &p); err != nil {
		return "", 0, "", fmt.Errorf("%w: bad comment payload: %v", githubhost.ErrDefinitive, err)
	}
	body, err := EmbedMarker(p.Body, Marker{GitHubWriteID: w.ID, PayloadHash: w.PayloadHash})
	if err != nil {
		return "", 0, "", err
	}
	c, err := d.client.PostComment(ctx, p.RepoFullName, p.IssueNumber, body)
	if err != nil {
		return "", 0, "", err
	}
	return c.NodeID, int(c.ID), c.URL, nil
}

func (d *Deliverer) deliverStatus(ctx context.Context, w *model.GitHubWrite) error {
	var p StatusPayload
	if err := json.Unmarshal(w.Payload, &p); err != nil {
		return fmt.Errorf("%w: bad status payload: %v", githubhost.ErrDefinitive, err)
	}
	return d.client.UpdateStatus(ctx, p.RepoFullName, p.SHA, p.State, p.Description, p.Context)
}

// backfillPRBundle records the created PR on the run and advances its step,
// in one transaction with the decision event. Both mutations are CAS-guarded
// on the expected phase and step; a run that moved on since the write was
// enqueued rejects the backfill and only the sent status stands.
func (d *Deliverer) backfillPRBundle(ctx context.Context, w *model.GitHubWrite, nodeID string, number int, url string) {
	bundle := model.PRBundle{
		Number:   number,
		NodeID:   nodeID,
		URL:      url,
		State:    "open",
		SyncedAt: time.Now().UTC(),
	}

	run, err := d.runs.Get(ctx, w.RunID)
	if err != nil {
		d.logger.Error("pr bundle backfill failed to load run",
			zap.String("run_id", w.RunID), zap.Error(err))
		return
	}

	err = d.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := d.events.AppendTx(tx, eventlog.AppendRequest{
			ProjectID:      run.ProjectID,
			RunID:          w.RunID,
			Type:           model.EventPRBundleRecorded,
			Class:          model.ClassDecision,
			Payload:        bundle,
			IdempotencyKey: "pr-bundle:" + w.ID,
			CausationID:    "",
			Source:         model.SourceSystem,
		}); err != nil && !errors.Is(err, eventlog.ErrDuplicateIdempotencyKey) {
			return err
		}
		if err := d.runs.UpdatePRBundleTx(tx, w.RunID, model.PhaseAwaitingReview, model.StepCreatePR, bundle); err != nil {
			return err
		}
		return d.runs.AdvanceStepTx(tx, w.RunID, model.PhaseAwaitingReview, model.StepCreatePR, model.StepWaitPRMerge)
	})
	if errors.Is(err, runstore.ErrStaleTransition) {
		d.logger.Warn("pr bundle backfill stale, run moved on",
			zap.String("run_id", w.RunID), zap.String("write_id", w.ID))
		return
	}
	if err != nil {
		d.logger.Error("pr bundle backfill failed",
			zap.String("run_id", w.RunID), zap.String("write_id", w.ID), zap.Error(err))
		return
	}
	metrics.OutboxWritesTotal.WithLabelValues(string(model.WriteCreatePR), "backfilled").Inc()
}
