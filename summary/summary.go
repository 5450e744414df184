// Package summary maintains rolling summaries alongside the raw history: one
// agent-level summary of the persona's evolving state, and one context
// summary per salient entity. Each is triggered independently by its own
// accumulated-importance threshold.
package summary

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/reveriehq/reverie/errors"
	"github.com/reveriehq/reverie/llm"
	"github.com/reveriehq/reverie/logging"
	"github.com/reveriehq/reverie/retry"
	"github.com/reveriehq/reverie/store"
)

// AgentSummaryThreshold is the default accumulated importance between agent
// summaries.
const AgentSummaryThreshold = 50

// EntityContextThreshold is the default accumulated importance, per entity,
// between entity-context summaries.
const EntityContextThreshold = 30

const defaultWindow = 30

// EntityExtractor identifies which entities are salient in recent turns. It
// is a collaborator external to this engine; tests inject a static one.
type EntityExtractor interface {
	Extract(ctx context.Context, messages []store.Message) ([]string, error)
}

// StaticExtractor returns a fixed entity list. Deterministic stub for tests.
type StaticExtractor struct {
	Entities []string
}

// Extract implements EntityExtractor.
func (s StaticExtractor) Extract(ctx context.Context, messages []store.Message) ([]string, error) {
	return s.Entities, nil
}

const agentSummaryPrompt = `You maintain a running portrait of %s across an
ongoing conversation. Previous portrait (may be empty):

%s

Recent turns:
%s

Write an updated portrait of %s: their current state, mood trajectory, and
how the conversation has shaped them. One compact paragraph, third person.`

const entitySummaryPrompt = `You maintain context notes about "%s" as they
come up in an ongoing conversation. Previous note (may be empty):

%s

Recent turns:
%s

Write an updated note about "%s": what is known, what changed recently. One
compact paragraph.`

// Config tunes the summarization engine.
type Config struct {
	AgentThreshold  float64
	EntityThreshold float64
	// Window bounds how many recent messages feed a synthesis.
	Window int
}

func (c Config) withDefaults() Config {
	if c.AgentThreshold <= 0 {
		c.AgentThreshold = AgentSummaryThreshold
	}
	if c.EntityThreshold <= 0 {
		c.EntityThreshold = EntityContextThreshold
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	return c
}

// Engine runs both summary kinds per conversation.
type Engine struct {
	store     *store.Store
	provider  llm.Provider
	extractor EntityExtractor
	cfg       Config
	log       *logging.Logger

	mu        sync.Mutex
	agentAcc  map[string]float64
	entityAcc map[string]map[string]float64
}

// NewEngine creates a summarization engine.
func NewEngine(s *store.Store, provider llm.Provider, extractor EntityExtractor, cfg Config, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		store:     s,
		provider:  provider,
		extractor: extractor,
		cfg:       cfg.withDefaults(),
		log:       log.WithComponent("summary"),
		agentAcc:  make(map[string]float64),
		entityAcc: make(map[string]map[string]float64),
	}
}

// RecordTurn feeds a turn's importance into the agent accumulator and, for
// every entity salient in the recent window, into that entity's accumulator.
func (e *Engine) RecordTurn(ctx context.Context, conversationID string, importance float64) error {
	recent, err := e.store.RecentMessages(ctx, conversationID, e.cfg.Window)
	if err != nil {
		return err
	}
	entities, err := e.extractor.Extract(ctx, recent)
	if err != nil {
		// Entity salience is best effort; the agent accumulator must not be
		// lost over it.
		e.log.Warn("entity extraction failed", map[string]interface{}{
			"conversation": conversationID,
			"error":        err.Error(),
		})
		entities = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.agentAcc[conversationID] += importance
	if len(entities) > 0 {
		perEntity := e.entityAcc[conversationID]
		if perEntity == nil {
			perEntity = make(map[string]float64)
			e.entityAcc[conversationID] = perEntity
		}
		for _, entity := range entities {
			perEntity[entity] += importance
		}
	}
	return nil
}

// AgentAccumulated returns the importance gathered since the last agent
// summary.
func (e *Engine) AgentAccumulated(conversationID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.agentAcc[conversationID]
}

// EntityAccumulated returns the importance gathered for one entity since its
// last summary.
func (e *Engine) EntityAccumulated(conversationID, entity string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entityAcc[conversationID][entity]
}

// MaybeSummarize checks both trigger conditions and synthesizes whatever is
// due. It returns how many summaries were written. A failed synthesis
// carries its accumulator over to the next check.
func (e *Engine) MaybeSummarize(ctx context.Context, conversationID string) (int, error) {
	written := 0

	e.mu.Lock()
	agentDue := e.agentAcc[conversationID] >= e.cfg.AgentThreshold
	var entitiesDue []string
	for entity, acc := range e.entityAcc[conversationID] {
		if acc >= e.cfg.EntityThreshold {
			entitiesDue = append(entitiesDue, entity)
		}
	}
	e.mu.Unlock()

	if !agentDue && len(entitiesDue) == 0 {
		return 0, nil
	}

	recent, err := e.store.RecentMessages(ctx, conversationID, e.cfg.Window)
	if err != nil {
		return 0, err
	}
	transcript := formatTranscript(recent)

	if agentDue {
		if err := e.writeAgentSummary(ctx, conversationID, transcript); err != nil {
			return written, err
		}
		written++
		e.mu.Lock()
		e.agentAcc[conversationID] = 0
		e.mu.Unlock()
	}

	for _, entity := range entitiesDue {
		if err := e.writeEntitySummary(ctx, conversationID, entity, transcript); err != nil {
			return written, err
		}
		written++
		e.mu.Lock()
		e.entityAcc[conversationID][entity] = 0
		e.mu.Unlock()
	}
	return written, nil
}

func (e *Engine) writeAgentSummary(ctx context.Context, conversationID, transcript string) error {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	clone, err := e.store.GetClone(ctx, conv.CloneID)
	if err != nil {
		return err
	}

	previous := ""
	if last, err := e.store.LatestAgentSummary(ctx, conversationID); err == nil {
		previous = last.Content
	} else if !errors.Is(err, errors.ErrCodeNotFound) {
		return err
	}

	resp, err := retry.DoValue(ctx, retry.Enrichment, func(ctx context.Context) (*llm.Response, error) {
		return e.provider.Generate(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "user", Content: fmt.Sprintf(agentSummaryPrompt, clone.Name, previous, transcript, clone.Name)},
			},
		})
	})
	if err != nil {
		return err
	}

	_, err = e.store.InsertAgentSummary(ctx, store.AgentSummary{
		ConversationID: conversationID,
		Content:        strings.TrimSpace(resp.Content),
		TimestampUntil: time.Now().UTC(),
	})
	return err
}

func (e *Engine) writeEntitySummary(ctx context.Context, conversationID, entity, transcript string) error {
	previous := ""
	if last, err := e.store.LatestEntitySummary(ctx, conversationID, entity); err == nil {
		previous = last.Content
	} else if !errors.Is(err, errors.ErrCodeNotFound) {
		return err
	}

	resp, err := retry.DoValue(ctx, retry.Enrichment, func(ctx context.Context) (*llm.Response, error) {
		return e.provider.Generate(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "user", Content: fmt.Sprintf(entitySummaryPrompt, entity, previous, transcript, entity)},
			},
		})
	})
	if err != nil {
		return err
	}

	_, err = e.store.InsertEntitySummary(ctx, store.EntityContextSummary{
		ConversationID: conversationID,
		EntityName:     entity,
		Content:        strings.TrimSpace(resp.Content),
		TimestampUntil: time.Now().UTC(),
	})
	return err
}

func formatTranscript(messages []store.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.SenderName, m.Content)
	}
	return sb.String()
}
