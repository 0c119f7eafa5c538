package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/conductor-dev/conductor/internal/ids"
	"github.com/conductor-dev/conductor/internal/model"
	"github.com/conductor-dev/conductor/internal/store"
)

// MessageStore persists agent transcripts. Turn indexes are dense per
// invocation; UNIQUE(agent_invocation_id, turn_index) rejects a double write
// of the same turn, which callers treat as already-recorded.
type MessageStore struct {
	store *store.Store
}

// NewMessageStore creates a transcript store.
func NewMessageStore(st *store.Store) *MessageStore {
	return &MessageStore{store: st}
}

// Record persists one transcript turn. A duplicate turn index is not an
// error.
func (s *MessageStore) Record(ctx context.Context, invocationID string, turn int, role, content string) error {
	_, err := s.store.DB().ExecContext(ctx, `
		INSERT INTO agent_messages (agent_message_id, agent_invocation_id, turn_index,
			role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ids.New(), invocationID, turn, role, content,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil
		}
		return fmt.Errorf("failed to record agent message: %w", err)
	}
	return nil
}

// Transcript returns an invocation's turns in order.
func (s *MessageStore) Transcript(ctx context.Context, invocationID string) ([]model.AgentMessage, error) {
	rows, err := s.store.DB().QueryContext(ctx, `
		SELECT agent_message_id, agent_invocation_id, turn_index, role, content, created_at
		FROM agent_messages WHERE agent_invocation_id = ?
		ORDER BY turn_index ASC`, invocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent messages: %w", err)
	}
	defer rows.Close()

	var out []model.AgentMessage
	for rows.Next() {
		var (
			m         model.AgentMessage
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.AgentInvocationID, &m.TurnIndex, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent message: %w", err)
		}
		m.CreatedAt = store.ParseTime(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Prune deletes transcripts older than the cutoff, returning rows removed.
func (s *MessageStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.store.DB().ExecContext(ctx, `
		DELETE FROM agent_messages WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune agent messages: %w", err)
	}
	return res.RowsAffected()
}
