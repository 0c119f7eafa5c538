package githubhost

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/eventlog"
	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/store"
)

// WebhookHandler ingests host deliveries. It persists each delivery as a
// fact-class event, enqueues a drain so the orchestrator interprets it, and
// refreshes snapshot tables as pure cache updates. It never mutates runs and
// never emits decision events; the orchestrator does both when it drains.
type WebhookHandler struct {
	store  *store.Store
	log    *eventlog.Log
	queue  *queue.Queue
	secret []byte
	logger *zap.Logger

	// RunLookup maps a PR node id to the run waiting on it. Injected by the
	// composition root so the handler can route PR facts into run streams.
	RunLookup func(prNodeID string) (runID, projectID string, ok bool)
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(st *store.Store, log *eventlog.Log, q *queue.Queue, secret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		store:  st,
		log:    log,
		queue:  q,
		secret: []byte(secret),
		logger: logging.OrNop(logger),
	}
}

// ServeHTTP handles POST /webhooks/github.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if len(h.secret) > 0 {
		if !h.verifySignature(r.Header.Get("X-Hub-Signature-256"), body) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	eventName := r.Header.Get("X-GitHub-Event")
	if deliveryID == "" || eventName == "" {
		http.Error(w, "missing delivery headers", http.StatusBadRequest)
		return
	}

	if err := h.Ingest(r, deliveryID, eventName, body); err != nil {
		h.logger.Error("webhook ingestion failed",
			zap.String("delivery_id", deliveryID), zap.Error(err))
		http.Error(w, "ingestion failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Ingest persists the delivery. The idempotency key hashes the delivery id
// plus the payload hash, so a redelivery collapses to the existing event.
func (h *WebhookHandler) Ingest(r *http.Request, deliveryID, eventName string, body []byte) error {
	payloadHash := sha256.Sum256(body)
	key := sha256.Sum256([]byte(deliveryID + ":" + hex.EncodeToString(payloadHash[:])))

	var payload struct {
		Action     string `json:"action"`
		Repository struct {
			NodeID        string `json:"node_id"`
			FullName      string `json:"full_name"`
			DefaultBranch string `json:"default_branch"`
		} `json:"repository"`
		Issue struct {
			NodeID string `json:"node_id"`
			Number int    `json:"number"`
			Title  string `json:"title"`
			Body   string `json:"body"`
			State  string `json:"state"`
		} `json:"issue"`
		PullRequest struct {
			NodeID string `json:"node_id"`
			Number int    `json:"number"`
			State  string `json:"state"`
			Merged bool   `json:"merged"`
		} `json:"pull_request"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	eventType := model.EventWebhookReceived
	var runID, projectID string
	if eventName == "pull_request" && payload.PullRequest.NodeID != "" && h.RunLookup != nil {
		if rid, pid, ok := h.RunLookup(payload.PullRequest.NodeID); ok {
			runID, projectID = rid, pid
			switch {
			case payload.Action == "closed" && payload.PullRequest.Merged:
				eventType = model.EventPRMergedFact
			case payload.Action == "closed":
				eventType = model.EventPRClosedFact
			}
		}
	}
	if projectID == "" {
		projectID = h.projectForRepo(r, payload.Repository.NodeID)
	}
	if projectID == "" {
		// Delivery for a repo we do not track; acknowledge and drop.
		return nil
	}

	ev, err := h.log.AppendRetry(r.Context(), eventlog.AppendRequest{
		ProjectID:      projectID,
		RunID:          runID,
		Type:           eventType,
		Class:          model.ClassFact,
		Payload:        json.RawMessage(body),
		IdempotencyKey: hex.EncodeToString(key[:]),
		Source:         model.SourceGitHubWebhook,
	})
	if err != nil && !errors.Is(err, eventlog.ErrDuplicateIdempotencyKey) {
		return fmt.Errorf("failed to append webhook fact: %w", err)
	}
	if errors.Is(err, eventlog.ErrDuplicateIdempotencyKey) {
		// Redelivery; snapshots were already refreshed the first time.
		return nil
	}

	// A run-scoped fact sits unread until a drain runs. Kick one now; the
	// janitor's pending sweep covers a crash between this append and here.
	if runID != "" {
		if _, err := h.queue.Enqueue(r.Context(), model.QueueOrchestrator, model.JobTypeDrainRun,
			model.RunJobPayload{RunID: runID}, queue.EnqueueOptions{
				IdempotencyKey: "drain:" + ev.ID,
			}); err != nil {
			return fmt.Errorf("failed to enqueue drain for webhook fact: %w", err)
		}
	}

	// Snapshot cache updates only. No run mutation here.
	if payload.Repository.NodeID != "" {
		h.upsertRepoSnapshot(r, projectID, payload.Repository.NodeID,
			payload.Repository.FullName, payload.Repository.DefaultBranch)
	}
	if eventName == "issues" && payload.Issue.NodeID != "" {
		h.upsertTaskSnapshot(r, projectID, payload.Repository.NodeID, payload.Issue.NodeID,
			payload.Issue.Number, payload.Issue.Title, payload.Issue.Body, payload.Issue.State)
	}
	return nil
}

func (h *WebhookHandler) verifySignature(header string, body []byte) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := prefix + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}

func (h *WebhookHandler) projectForRepo(r *http.Request, repoNodeID string) string {
	if repoNodeID == "" {
		return ""
	}
	var projectID string
	err := h.store.DB().QueryRowContext(r.Context(),
		`SELECT project_id FROM repos WHERE external_node_id = ?`, repoNodeID).Scan(&projectID)
	if err != nil {
		return ""
	}
	return projectID
}

func (h *WebhookHandler) upsertRepoSnapshot(r *http.Request, projectID, nodeID, fullName, defaultBranch string) {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	_, err := h.store.DB().ExecContext(r.Context(), `
		INSERT INTO repos (repo_id, project_id, external_node_id, full_name, default_branch, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_node_id) DO UPDATE SET
			full_name = excluded.full_name,
			default_branch = excluded.default_branch,
			synced_at = excluded.synced_at`,
		ids.New(), projectID, nodeID, fullName, defaultBranch, store.Now())
	if err != nil {
		h.logger.Warn("repo snapshot upsert failed", zap.String("repo", fullName), zap.Error(err))
	}
}

func (h *WebhookHandler) upsertTaskSnapshot(r *http.Request, projectID, repoNodeID, nodeID string, number int, title, body, state string) {
	var repoID string
	if err := h.store.DB().QueryRowContext(r.Context(),
		`SELECT repo_id FROM repos WHERE external_node_id = ?`, repoNodeID).Scan(&repoID); err != nil {
		return
	}
	_, err := h.store.DB().ExecContext(r.Context(), `
		INSERT INTO tasks (task_id, project_id, repo_id, external_node_id, slug, issue_number, title, body, state, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_node_id) DO UPDATE SET
			slug = excluded.slug,
			issue_number = excluded.issue_number,
			title = excluded.title,
			body = excluded.body,
			state = excluded.state,
			synced_at = excluded.synced_at`,
		ids.New(), projectID, repoID, nodeID, fmt.Sprintf("issue-%d", number), number,
		title, body, state, store.Now())
	if err != nil {
		h.logger.Warn("task snapshot upsert failed", zap.String("node_id", nodeID), zap.Error(err))
	}
}
