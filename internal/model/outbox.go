package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// WriteStatus is the FSM state of a github_writes row.
//
//	queued -> processing -> sent       definitive success
//	queued -> processing -> failed     definitive 4xx / validation error
//	queued -> processing -> ambiguous  network failure after request sent
//	ambiguous -> sent                  marker verified on scan
//	ambiguous -> queued                marker absent; safe to retry
//	cancelled                          terminal, admin only
type WriteStatus string

const (
	WriteQueued     WriteStatus = "queued"
	WriteProcessing WriteStatus = "processing"
	WriteSent       WriteStatus = "sent"
	WriteFailed     WriteStatus = "failed"
	WriteAmbiguous  WriteStatus = "ambiguous"
	WriteCancelled  WriteStatus = "cancelled"
)

// WriteKind identifies the external side effect a row performs.
type WriteKind string

const (
	WriteCreatePR      WriteKind = "create_pr"
	WritePostComment   WriteKind = "post_comment"
	WriteUpdateComment WriteKind = "update_comment"
	WriteStatusCheck   WriteKind = "status_check"
)

// GitHubWrite is one outbox row: a pending or completed external effect.
type GitHubWrite struct {
	ID    string
	RunID string

	Kind         WriteKind
	TargetNodeID string

	IdempotencyKey string
	Payload        json.RawMessage
	PayloadHash    string

	Status WriteStatus

	GitHubID     string
	GitHubNumber int
	GitHubURL    string

	RetryCount int
	LastError  string
	Priority   bool // bypasses the mirror rate limit

	AttemptedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WriteIdempotencyKey derives the deterministic outbox key so that the same
// logical write enqueued twice collapses to one row.
func WriteIdempotencyKey(kind WriteKind, targetNodeID, payloadHash string) string {
	sum := sha256.Sum256([]byte(string(kind) + ":" + targetNodeID + ":" + payloadHash))
	return hex.EncodeToString(sum[:])
}

// HashPayload canonicalizes a payload and returns its sha256 hex digest.
// json.Marshal on a map produces sorted keys, which is canonical enough for
// payloads built from struct marshalling.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
