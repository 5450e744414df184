package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/reveriehq/reverie/errors"
)

func unixNano(t time.Time) int64     { return t.UnixNano() }
func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

// CreateClone inserts a new persona instance and returns it with its
// generated ID.
func (s *Store) CreateClone(ctx context.Context, c Clone) (Clone, error) {
	if c.Name == "" {
		return Clone{}, errors.InvalidArgument("clone name is required")
	}
	c.ID = uuid.New().String()
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clones (id, name, short_description, long_description, greeting_message,
			num_conversations, num_messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		c.ID, c.Name, c.ShortDescription, c.LongDescription, c.GreetingMessage,
		unixNano(c.CreatedAt), unixNano(c.UpdatedAt))
	if err != nil {
		return Clone{}, errors.Internal("failed to insert clone", errors.WithCause(err))
	}
	return c, nil
}

// GetClone fetches a clone by ID.
func (s *Store) GetClone(ctx context.Context, id string) (Clone, error) {
	var c Clone
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, short_description, long_description, greeting_message,
			num_conversations, num_messages, created_at, updated_at
		FROM clones WHERE id = ?`, id).Scan(
		&c.ID, &c.Name, &c.ShortDescription, &c.LongDescription, &c.GreetingMessage,
		&c.NumConversations, &c.NumMessages, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Clone{}, errors.NotFound("clone not found", errors.WithMetadata("clone_id", id))
	}
	if err != nil {
		return Clone{}, errors.Internal("failed to query clone", errors.WithCause(err))
	}
	c.CreatedAt = fromUnixNano(createdAt)
	c.UpdatedAt = fromUnixNano(updatedAt)
	return c, nil
}

// DeleteClone removes a clone and, through cascade, all of its conversations
// and their children.
func (s *Store) DeleteClone(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM clones WHERE id = ?", id)
	if err != nil {
		return errors.Internal("failed to delete clone", errors.WithCause(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("clone not found", errors.WithMetadata("clone_id", id))
	}
	return nil
}
