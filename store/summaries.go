package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/reveriehq/reverie/errors"
)

// InsertAgentSummary stores a rolling agent summary.
func (s *Store) InsertAgentSummary(ctx context.Context, sum AgentSummary) (AgentSummary, error) {
	if sum.ConversationID == "" || sum.Content == "" {
		return AgentSummary{}, errors.InvalidArgument("conversation_id and content are required")
	}
	sum.ID = uuid.New().String()
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_summaries (id, conversation_id, content, timestamp_until, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sum.ID, sum.ConversationID, sum.Content,
		unixNano(sum.TimestampUntil), unixNano(sum.CreatedAt))
	if err != nil {
		return AgentSummary{}, errors.Internal("failed to insert agent summary", errors.WithCause(err))
	}
	return sum, nil
}

// LatestAgentSummary returns the most recent agent summary, or NOT_FOUND if
// none exists yet.
func (s *Store) LatestAgentSummary(ctx context.Context, conversationID string) (AgentSummary, error) {
	var sum AgentSummary
	var until, createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, content, timestamp_until, created_at
		FROM agent_summaries WHERE conversation_id = ?
		ORDER BY created_at DESC LIMIT 1`, conversationID).
		Scan(&sum.ID, &sum.ConversationID, &sum.Content, &until, &createdAt)
	if err == sql.ErrNoRows {
		return AgentSummary{}, errors.NotFound("no agent summary yet",
			errors.WithConversation(conversationID))
	}
	if err != nil {
		return AgentSummary{}, errors.Internal("failed to query agent summary", errors.WithCause(err))
	}
	sum.TimestampUntil = fromUnixNano(until)
	sum.CreatedAt = fromUnixNano(createdAt)
	return sum, nil
}

// InsertEntitySummary stores a per-entity context summary.
func (s *Store) InsertEntitySummary(ctx context.Context, sum EntityContextSummary) (EntityContextSummary, error) {
	if sum.ConversationID == "" || sum.EntityName == "" || sum.Content == "" {
		return EntityContextSummary{}, errors.InvalidArgument("conversation_id, entity_name and content are required")
	}
	sum.ID = uuid.New().String()
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_context_summaries (id, conversation_id, entity_name, content,
			timestamp_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sum.ID, sum.ConversationID, sum.EntityName, sum.Content,
		unixNano(sum.TimestampUntil), unixNano(sum.CreatedAt))
	if err != nil {
		return EntityContextSummary{}, errors.Internal("failed to insert entity summary", errors.WithCause(err))
	}
	return sum, nil
}

// LatestEntitySummary returns the most recent summary for one entity, or
// NOT_FOUND if the entity has none.
func (s *Store) LatestEntitySummary(ctx context.Context, conversationID, entityName string) (EntityContextSummary, error) {
	var sum EntityContextSummary
	var until, createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, entity_name, content, timestamp_until, created_at
		FROM entity_context_summaries
		WHERE conversation_id = ? AND entity_name = ?
		ORDER BY created_at DESC LIMIT 1`, conversationID, entityName).
		Scan(&sum.ID, &sum.ConversationID, &sum.EntityName, &sum.Content, &until, &createdAt)
	if err == sql.ErrNoRows {
		return EntityContextSummary{}, errors.NotFound("no summary for entity",
			errors.WithConversation(conversationID),
			errors.WithMetadata("entity", entityName))
	}
	if err != nil {
		return EntityContextSummary{}, errors.Internal("failed to query entity summary", errors.WithCause(err))
	}
	sum.TimestampUntil = fromUnixNano(until)
	sum.CreatedAt = fromUnixNano(createdAt)
	return sum, nil
}

// LatestEntitySummaries returns the newest summary per entity for a
// conversation, one row per entity name.
func (s *Store) LatestEntitySummaries(ctx context.Context, conversationID string) ([]EntityContextSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.conversation_id, e.entity_name, e.content, e.timestamp_until, e.created_at
		FROM entity_context_summaries e
		JOIN (
			SELECT entity_name, MAX(created_at) AS max_created
			FROM entity_context_summaries
			WHERE conversation_id = ?
			GROUP BY entity_name
		) latest ON e.entity_name = latest.entity_name AND e.created_at = latest.max_created
		WHERE e.conversation_id = ?
		ORDER BY e.entity_name`, conversationID, conversationID)
	if err != nil {
		return nil, errors.Internal("failed to query entity summaries", errors.WithCause(err))
	}
	defer rows.Close()

	var out []EntityContextSummary
	for rows.Next() {
		var sum EntityContextSummary
		var until, createdAt int64
		if err := rows.Scan(&sum.ID, &sum.ConversationID, &sum.EntityName, &sum.Content,
			&until, &createdAt); err != nil {
			return nil, errors.Internal("failed to scan entity summary", errors.WithCause(err))
		}
		sum.TimestampUntil = fromUnixNano(until)
		sum.CreatedAt = fromUnixNano(createdAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}
