package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reveriehq/reverie/errors"
)

// InsertMemory stores a memory with its source links. last_accessed_at is
// initialized to created_at.
func (s *Store) InsertMemory(ctx context.Context, m Memory) (Memory, error) {
	if m.ConversationID == "" {
		return Memory{}, errors.InvalidArgument("conversation_id is required")
	}
	if m.Content == "" {
		return Memory{}, errors.InvalidArgument("memory content is empty",
			errors.WithConversation(m.ConversationID))
	}
	// Embedding may be empty: such rows are reachable through text
	// retrieval until a backfill re-embeds them.
	if m.Importance < 0 || m.Importance > 10 {
		return Memory{}, errors.InvalidArgument("importance out of range [0,10]",
			errors.WithConversation(m.ConversationID))
	}
	m.ID = uuid.New().String()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.LastAccessedAt = m.CreatedAt

	err := s.inTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memories (id, conversation_id, content, embedding, importance,
				depth, is_shared, created_at, last_accessed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, m.Content, encodeVector(m.Embedding), m.Importance,
			m.Depth, m.IsShared, unixNano(m.CreatedAt), unixNano(m.LastAccessedAt))
		if err != nil {
			return errors.Internal("failed to insert memory", errors.WithCause(err))
		}
		for _, src := range m.SourceIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO memory_sources (memory_id, source_id) VALUES (?, ?)",
				m.ID, src); err != nil {
				return errors.Internal("failed to link memory source", errors.WithCause(err))
			}
		}
		return nil
	})
	if err != nil {
		return Memory{}, err
	}
	return m, nil
}

const memoryColumns = `id, conversation_id, content, embedding, importance,
	depth, is_shared, created_at, last_accessed_at`

func scanMemory(scan func(...interface{}) error) (Memory, error) {
	var m Memory
	var blob []byte
	var createdAt, lastAccessed int64
	err := scan(&m.ID, &m.ConversationID, &m.Content, &blob, &m.Importance,
		&m.Depth, &m.IsShared, &createdAt, &lastAccessed)
	if err != nil {
		return Memory{}, err
	}
	m.CreatedAt = fromUnixNano(createdAt)
	m.LastAccessedAt = fromUnixNano(lastAccessed)
	m.Embedding, err = decodeVector(blob)
	return m, err
}

// GetMemory fetches a memory with its source links.
func (s *Store) GetMemory(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+memoryColumns+" FROM memories WHERE id = ?", id)
	m, err := scanMemory(row.Scan)
	if err == sql.ErrNoRows {
		return Memory{}, errors.NotFound("memory not found", errors.WithMetadata("memory_id", id))
	}
	if err != nil {
		return Memory{}, errors.Internal("failed to query memory", errors.WithCause(err))
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT source_id FROM memory_sources WHERE memory_id = ?", id)
	if err != nil {
		return Memory{}, errors.Internal("failed to query memory sources", errors.WithCause(err))
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return Memory{}, errors.Internal("failed to scan memory source", errors.WithCause(err))
		}
		m.SourceIDs = append(m.SourceIDs, src)
	}
	return m, rows.Err()
}

// ListMemories returns all memories of a conversation, newest first. Source
// links are not populated.
func (s *Store) ListMemories(ctx context.Context, conversationID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memories
		WHERE conversation_id = ? ORDER BY created_at DESC`, conversationID)
	if err != nil {
		return nil, errors.Internal("failed to list memories", errors.WithCause(err))
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, errors.Internal("failed to scan memory", errors.WithCause(err))
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TouchMemories bumps last_accessed_at for the given memories in a single
// transaction. Called when a retrieval returns them.
func (s *Store) TouchMemories(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, unixNano(at.UTC()))
	for _, id := range ids {
		args = append(args, id)
	}
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE memories SET last_accessed_at = ? WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return errors.Internal("failed to touch memories", errors.WithCause(err))
		}
		return nil
	})
}

// UpdateMemory applies a patch. Only non-nil fields change.
func (s *Store) UpdateMemory(ctx context.Context, id string, patch MemoryPatch) error {
	var sets []string
	var args []interface{}
	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Importance != nil {
		if *patch.Importance < 0 || *patch.Importance > 10 {
			return errors.InvalidArgument("importance out of range [0,10]")
		}
		sets = append(sets, "importance = ?")
		args = append(args, *patch.Importance)
	}
	if patch.LastAccessedAt != nil {
		sets = append(sets, "last_accessed_at = ?")
		args = append(args, unixNano(patch.LastAccessedAt.UTC()))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE memories SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return errors.Internal("failed to update memory", errors.WithCause(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("memory not found", errors.WithMetadata("memory_id", id))
	}
	return nil
}
