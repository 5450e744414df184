package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reveriehq/reverie/errors"
)

// CreateConversation inserts a conversation and bumps the owning clone's
// num_conversations in the same transaction.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.CloneID == "" || c.UserID == "" {
		return Conversation{}, errors.InvalidArgument("clone_id and user_id are required")
	}
	if c.MemoryStrategy == "" {
		c.MemoryStrategy = MemoryNone
	}
	if c.InformationStrategy == "" {
		c.InformationStrategy = InformationNone
	}
	if c.AdaptationStrategy == "" {
		c.AdaptationStrategy = AdaptationNone
	}
	if !c.MemoryStrategy.Valid() {
		return Conversation{}, errors.InvalidArgument("unknown memory strategy: " + string(c.MemoryStrategy))
	}
	if !c.InformationStrategy.Valid() {
		return Conversation{}, errors.InvalidArgument("unknown information strategy: " + string(c.InformationStrategy))
	}
	if !c.AdaptationStrategy.Valid() {
		return Conversation{}, errors.InvalidArgument("unknown adaptation strategy: " + string(c.AdaptationStrategy))
	}

	c.ID = uuid.New().String()
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.IsActive = true
	c.NumMessages = 0
	c.NumMessagesEver = 0

	err := s.inTx(func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE clones SET num_conversations = num_conversations + 1, updated_at = ?
			WHERE id = ?`, unixNano(now), c.CloneID)
		if err != nil {
			return errors.Internal("failed to bump clone counter", errors.WithCause(err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.NotFound("clone not found", errors.WithMetadata("clone_id", c.CloneID))
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations (id, clone_id, user_id, name, memory_strategy,
				information_strategy, adaptation_strategy, num_messages, num_messages_ever,
				is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 1, ?, ?)`,
			c.ID, c.CloneID, c.UserID, c.Name, string(c.MemoryStrategy),
			string(c.InformationStrategy), string(c.AdaptationStrategy),
			unixNano(c.CreatedAt), unixNano(c.UpdatedAt))
		if err != nil {
			return errors.Internal("failed to insert conversation", errors.WithCause(err))
		}
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	return c, nil
}

func scanConversation(row *sql.Row) (Conversation, error) {
	var c Conversation
	var memStrat, infoStrat, adaptStrat string
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.CloneID, &c.UserID, &c.Name, &memStrat, &infoStrat,
		&adaptStrat, &c.NumMessages, &c.NumMessagesEver, &c.IsActive, &createdAt, &updatedAt)
	if err != nil {
		return Conversation{}, err
	}
	c.MemoryStrategy = MemoryStrategy(memStrat)
	c.InformationStrategy = InformationStrategy(infoStrat)
	c.AdaptationStrategy = AdaptationStrategy(adaptStrat)
	c.CreatedAt = fromUnixNano(createdAt)
	c.UpdatedAt = fromUnixNano(updatedAt)
	return c, nil
}

const conversationColumns = `id, clone_id, user_id, name, memory_strategy,
	information_strategy, adaptation_strategy, num_messages, num_messages_ever,
	is_active, created_at, updated_at`

// GetConversation fetches a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return Conversation{}, errors.NotFound("conversation not found",
			errors.WithConversation(id))
	}
	if err != nil {
		return Conversation{}, errors.Internal("failed to query conversation", errors.WithCause(err))
	}
	return c, nil
}

// UpdateConversation applies a patch. Only non-nil fields change.
func (s *Store) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{unixNano(time.Now().UTC())}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.AdaptationStrategy != nil {
		if !patch.AdaptationStrategy.Valid() {
			return errors.InvalidArgument("unknown adaptation strategy: " + string(*patch.AdaptationStrategy))
		}
		sets = append(sets, "adaptation_strategy = ?")
		args = append(args, string(*patch.AdaptationStrategy))
	}
	if patch.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, *patch.IsActive)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return errors.Internal("failed to update conversation", errors.WithCause(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("conversation not found", errors.WithConversation(id))
	}
	return nil
}

// DeleteConversation removes a conversation, cascades to all children, and
// decrements the clone's num_conversations in the same transaction.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.inTx(func(tx *sql.Tx) error {
		var cloneID string
		var numMessages int64
		err := tx.QueryRowContext(ctx,
			"SELECT clone_id, num_messages FROM conversations WHERE id = ?", id).
			Scan(&cloneID, &numMessages)
		if err == sql.ErrNoRows {
			return errors.NotFound("conversation not found", errors.WithConversation(id))
		}
		if err != nil {
			return errors.Internal("failed to query conversation", errors.WithCause(err))
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id); err != nil {
			return errors.Internal("failed to delete conversation", errors.WithCause(err))
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE clones SET num_conversations = num_conversations - 1,
				num_messages = num_messages - ?, updated_at = ?
			WHERE id = ?`, numMessages, unixNano(time.Now().UTC()), cloneID)
		if err != nil {
			return errors.Internal("failed to decrement clone counters", errors.WithCause(err))
		}
		return nil
	})
}

// ListConversations returns a clone's conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, cloneID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE clone_id = ? ORDER BY created_at DESC",
		cloneID)
	if err != nil {
		return nil, errors.Internal("failed to list conversations", errors.WithCause(err))
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var memStrat, infoStrat, adaptStrat string
		var createdAt, updatedAt int64
		err := rows.Scan(&c.ID, &c.CloneID, &c.UserID, &c.Name, &memStrat, &infoStrat,
			&adaptStrat, &c.NumMessages, &c.NumMessagesEver, &c.IsActive, &createdAt, &updatedAt)
		if err != nil {
			return nil, errors.Internal("failed to scan conversation", errors.WithCause(err))
		}
		c.MemoryStrategy = MemoryStrategy(memStrat)
		c.InformationStrategy = InformationStrategy(infoStrat)
		c.AdaptationStrategy = AdaptationStrategy(adaptStrat)
		c.CreatedAt = fromUnixNano(createdAt)
		c.UpdatedAt = fromUnixNano(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
