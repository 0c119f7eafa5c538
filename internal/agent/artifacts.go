package agent

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/store"
)

// ErrArtifactNotFound means no artifact matched.
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore persists append-only, versioned agent outputs. Content is
// immutable once written; a revision appends the next version.
type ArtifactStore struct {
	store *store.Store
}

// NewArtifactStore creates an artifact store.
func NewArtifactStore(st *store.Store) *ArtifactStore {
	return &ArtifactStore{store: st}
}

// Append writes the next version of an artifact for a run. The version is
// allocated from the current max; UNIQUE(run_id, type, version) catches a
// concurrent writer, in which case the caller retries.
func (s *ArtifactStore) Append(ctx context.Context, runID string, typ model.ArtifactType, content string) (*model.Artifact, error) {
	sum := sha256.Sum256([]byte(content))
	a := &model.Artifact{
		ID:               ids.New(),
		RunID:            runID,
		Type:             typ,
		Content:          content,
		ChecksumSHA256:   hex.EncodeToString(sum[:]),
		ValidationStatus: "pending",
		CreatedAt:        time.Now().UTC(),
	}

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRow(`
			SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts
			WHERE run_id = ? AND type = ?`, runID, string(typ)).Scan(&a.Version); err != nil {
			return fmt.Errorf("failed to allocate artifact version: %w", err)
		}
		_, err := tx.Exec(`
			INSERT INTO artifacts (artifact_id, run_id, type, version, content,
				checksum_sha256, validation_status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
			a.ID, a.RunID, string(a.Type), a.Version, a.Content,
			a.ChecksumSHA256, store.Now())
		if err != nil {
			return fmt.Errorf("failed to insert artifact: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Latest returns the newest version of an artifact type for a run.
func (s *ArtifactStore) Latest(ctx context.Context, runID string, typ model.ArtifactType) (*model.Artifact, error) {
	row := s.store.DB().QueryRowContext(ctx, `
		SELECT artifact_id, run_id, type, version, content, checksum_sha256,
		       validation_status, created_at
		FROM artifacts WHERE run_id = ? AND type = ?
		ORDER BY version DESC LIMIT 1`, runID, string(typ))
	return scanArtifact(row)
}

// Get returns one specific version.
func (s *ArtifactStore) Get(ctx context.Context, runID string, typ model.ArtifactType, version int) (*model.Artifact, error) {
	row := s.store.DB().QueryRowContext(ctx, `
		SELECT artifact_id, run_id, type, version, content, checksum_sha256,
		       validation_status, created_at
		FROM artifacts WHERE run_id = ? AND type = ? AND version = ?`,
		runID, string(typ), version)
	return scanArtifact(row)
}

// SetValidation updates the validation status of one artifact.
func (s *ArtifactStore) SetValidation(ctx context.Context, artifactID, status string) error {
	_, err := s.store.DB().ExecContext(ctx, `
		UPDATE artifacts SET validation_status = ? WHERE artifact_id = ?`,
		status, artifactID)
	if err != nil {
		return fmt.Errorf("failed to set validation status: %w", err)
	}
	return nil
}

func scanArtifact(row *sql.Row) (*model.Artifact, error) {
	var (
		a         model.Artifact
		typ       string
		createdAt string
	)
	err := row.Scan(&a.ID, &a.RunID, &typ, &a.Version, &a.Content,
		&a.ChecksumSHA256, &a.ValidationStatus, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}
	a.Type = model.ArtifactType(typ)
	a.CreatedAt = store.ParseTime(createdAt)
	return &a, nil
}
