package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reveriehq/reverie/errors"
)

// InsertMessage appends a message and bumps num_messages, num_messages_ever,
// and the clone's num_messages in the same transaction.
func (s *Store) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ConversationID == "" {
		return Message{}, errors.InvalidArgument("conversation_id is required")
	}
	if m.Content == "" {
		return Message{}, errors.InvalidArgument("message content is empty",
			errors.WithConversation(m.ConversationID))
	}
	m.ID = uuid.New().String()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.IsMain = true
	m.IsActive = true

	err := s.inTx(func(tx *sql.Tx) error {
		var cloneID string
		err := tx.QueryRowContext(ctx,
			"SELECT clone_id FROM conversations WHERE id = ?", m.ConversationID).Scan(&cloneID)
		if err == sql.ErrNoRows {
			return errors.NotFound("conversation not found", errors.WithConversation(m.ConversationID))
		}
		if err != nil {
			return errors.Internal("failed to query conversation", errors.WithCause(err))
		}

		var parent interface{}
		if m.ParentID != "" {
			parent = m.ParentID
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_name, content, is_clone,
				is_main, is_active, parent_id, embedding, created_at)
			VALUES (?, ?, ?, ?, ?, 1, 1, ?, ?, ?)`,
			m.ID, m.ConversationID, m.SenderName, m.Content, m.IsClone,
			parent, encodeVector(m.Embedding), unixNano(m.CreatedAt))
		if err != nil {
			return errors.Internal("failed to insert message", errors.WithCause(err))
		}

		now := unixNano(time.Now().UTC())
		_, err = tx.ExecContext(ctx, `
			UPDATE conversations SET num_messages = num_messages + 1,
				num_messages_ever = num_messages_ever + 1, updated_at = ?
			WHERE id = ?`, now, m.ConversationID)
		if err != nil {
			return errors.Internal("failed to bump conversation counters", errors.WithCause(err))
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE clones SET num_messages = num_messages + 1, updated_at = ?
			WHERE id = ?`, now, cloneID)
		if err != nil {
			return errors.Internal("failed to bump clone counter", errors.WithCause(err))
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

const messageColumns = `id, conversation_id, sender_name, content, is_clone,
	is_main, is_active, parent_id, embedding, created_at`

func scanMessage(scan func(...interface{}) error) (Message, error) {
	var m Message
	var parent sql.NullString
	var blob []byte
	var createdAt int64
	err := scan(&m.ID, &m.ConversationID, &m.SenderName, &m.Content, &m.IsClone,
		&m.IsMain, &m.IsActive, &parent, &blob, &createdAt)
	if err != nil {
		return Message{}, err
	}
	m.ParentID = parent.String
	m.CreatedAt = fromUnixNano(createdAt)
	m.Embedding, err = decodeVector(blob)
	return m, err
}

// GetMessage fetches a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return Message{}, errors.NotFound("message not found", errors.WithMetadata("message_id", id))
	}
	if err != nil {
		return Message{}, errors.Internal("failed to query message", errors.WithCause(err))
	}
	return m, nil
}

// RecentMessages returns the latest n active main-timeline messages, oldest
// first so callers can render them in order.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n < 1 {
		return nil, errors.InvalidArgument("n must be >= 1")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND is_active = 1 AND is_main = 1
		ORDER BY created_at DESC LIMIT ?`, conversationID, n)
	if err != nil {
		return nil, errors.Internal("failed to query messages", errors.WithCause(err))
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, errors.Internal("failed to scan message", errors.WithCause(err))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("failed to iterate messages", errors.WithCause(err))
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// UpdateMessage applies a patch. Flipping IsActive off decrements the active
// message counters; flipping it back on restores them.
func (s *Store) UpdateMessage(ctx context.Context, id string, patch MessagePatch) error {
	return s.inTx(func(tx *sql.Tx) error {
		var conversationID string
		var wasActive bool
		err := tx.QueryRowContext(ctx,
			"SELECT conversation_id, is_active FROM messages WHERE id = ?", id).
			Scan(&conversationID, &wasActive)
		if err == sql.ErrNoRows {
			return errors.NotFound("message not found", errors.WithMetadata("message_id", id))
		}
		if err != nil {
			return errors.Internal("failed to query message", errors.WithCause(err))
		}

		var sets []string
		var args []interface{}
		if patch.Content != nil {
			sets = append(sets, "content = ?")
			args = append(args, *patch.Content)
		}
		if patch.IsMain != nil {
			sets = append(sets, "is_main = ?")
			args = append(args, *patch.IsMain)
		}
		if patch.IsActive != nil {
			sets = append(sets, "is_active = ?")
			args = append(args, *patch.IsActive)
		}
		if len(sets) == 0 {
			return nil
		}
		args = append(args, id)
		if _, err := tx.ExecContext(ctx,
			"UPDATE messages SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
			return errors.Internal("failed to update message", errors.WithCause(err))
		}

		if patch.IsActive != nil && *patch.IsActive != wasActive {
			delta := int64(-1)
			if *patch.IsActive {
				delta = 1
			}
			now := unixNano(time.Now().UTC())
			var cloneID string
			if err := tx.QueryRowContext(ctx,
				"SELECT clone_id FROM conversations WHERE id = ?", conversationID).Scan(&cloneID); err != nil {
				return errors.Internal("failed to query conversation", errors.WithCause(err))
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE conversations SET num_messages = num_messages + ?, updated_at = ?
				WHERE id = ?`, delta, now, conversationID); err != nil {
				return errors.Internal("failed to adjust conversation counter", errors.WithCause(err))
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE clones SET num_messages = num_messages + ?, updated_at = ?
				WHERE id = ?`, delta, now, cloneID); err != nil {
				return errors.Internal("failed to adjust clone counter", errors.WithCause(err))
			}
		}
		return nil
	})
}

// DeleteMessage hard-deletes a message and decrements the active counters if
// it was active. num_messages_ever is untouched.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var conversationID string
		var wasActive bool
		err := tx.QueryRowContext(ctx,
			"SELECT conversation_id, is_active FROM messages WHERE id = ?", id).
			Scan(&conversationID, &wasActive)
		if err == sql.ErrNoRows {
			return errors.NotFound("message not found", errors.WithMetadata("message_id", id))
		}
		if err != nil {
			return errors.Internal("failed to query message", errors.WithCause(err))
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
			return errors.Internal("failed to delete message", errors.WithCause(err))
		}
		if wasActive {
			now := unixNano(time.Now().UTC())
			var cloneID string
			if err := tx.QueryRowContext(ctx,
				"SELECT clone_id FROM conversations WHERE id = ?", conversationID).Scan(&cloneID); err != nil {
				return errors.Internal("failed to query conversation", errors.WithCause(err))
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE conversations SET num_messages = num_messages - 1, updated_at = ?
				WHERE id = ?`, now, conversationID); err != nil {
				return errors.Internal("failed to adjust conversation counter", errors.WithCause(err))
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE clones SET num_messages = num_messages - 1, updated_at = ?
				WHERE id = ?`, now, cloneID); err != nil {
				return errors.Internal("failed to adjust clone counter", errors.WithCause(err))
			}
		}
		return nil
	})
}

// SupersedeMainMessage marks an assistant turn off the main timeline so a
// regenerated reply can take its place.
func (s *Store) SupersedeMainMessage(ctx context.Context, id string) error {
	isMain := false
	return s.UpdateMessage(ctx, id, MessagePatch{IsMain: &isMain})
}
