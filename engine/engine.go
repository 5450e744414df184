// Package engine orchestrates a conversation turn: it persists the incoming
// message, gathers memories, summaries, and document passages according to
// the conversation's strategy bundle, assembles a token-bounded prompt,
// issues the generation call, and writes the reply and its derived memory
// back before re-evaluating the reflection and summary triggers.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/reveriehq/reverie/docstore"
	"github.com/reveriehq/reverie/errors"
	"github.com/reveriehq/reverie/llm"
	"github.com/reveriehq/reverie/logging"
	"github.com/reveriehq/reverie/memory"
	"github.com/reveriehq/reverie/reflect"
	"github.com/reveriehq/reverie/retry"
	"github.com/reveriehq/reverie/store"
	"github.com/reveriehq/reverie/summary"
	"github.com/reveriehq/reverie/tokens"
)

// Gate inspects generated text before it is persisted. A non-nil error
// rejects the reply and fails the turn.
type Gate func(ctx context.Context, text string) error

// Config bounds the assembled prompt.
type Config struct {
	// TokenBudget is the total ceiling for one generation request,
	// including the reserved response room.
	TokenBudget int
	// ResponseBudget is reserved for the model's output and subtracted
	// from TokenBudget before packing begins.
	ResponseBudget int
	// MessageWindow caps how many recent turns are considered.
	MessageWindow int
	// MemoryK and PassageK cap the retrieval fan-in per section.
	MemoryK  int
	PassageK int
}

func (c Config) withDefaults() Config {
	if c.TokenBudget <= 0 {
		c.TokenBudget = 4096
	}
	if c.ResponseBudget <= 0 {
		c.ResponseBudget = 512
	}
	if c.MessageWindow <= 0 {
		c.MessageWindow = 20
	}
	if c.MemoryK <= 0 {
		c.MemoryK = 10
	}
	if c.PassageK <= 0 {
		c.PassageK = 5
	}
	return c
}

// Reply is the outcome of one completed turn.
type Reply struct {
	Message      store.Message
	InputTokens  int
	OutputTokens int
}

// Controller drives the turn lifecycle. All dependencies are injected once
// at construction and shared across calls; turns on the same conversation
// are serialized by a per-conversation mutex.
type Controller struct {
	store      *store.Store
	bank       *memory.Bank
	provider   llm.Provider
	scorer     llm.ImportanceScorer
	reflector  *reflect.Engine
	summarizer *summary.Engine
	docs       *docstore.Store
	counter    tokens.Counter
	gate       Gate
	cfg        Config
	log        *logging.Logger

	mu     sync.Mutex
	convMu map[string]*sync.Mutex
}

// NewController wires the turn pipeline. docs and gate may be nil; a nil
// docstore disables the document section regardless of strategy, and a nil
// gate accepts everything.
func NewController(s *store.Store, bank *memory.Bank, provider llm.Provider, scorer llm.ImportanceScorer, reflector *reflect.Engine, summarizer *summary.Engine, docs *docstore.Store, counter tokens.Counter, gate Gate, cfg Config, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.Nop()
	}
	if counter == nil {
		counter = tokens.HeuristicCounter{}
	}
	return &Controller{
		store:      s,
		bank:       bank,
		provider:   provider,
		scorer:     scorer,
		reflector:  reflector,
		summarizer: summarizer,
		docs:       docs,
		counter:    counter,
		gate:       gate,
		cfg:        cfg.withDefaults(),
		log:        log.WithComponent("engine"),
		convMu:     make(map[string]*sync.Mutex),
	}
}

func (c *Controller) lockConversation(conversationID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	mu, ok := c.convMu[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		c.convMu[conversationID] = mu
	}
	return mu
}

// StartConversation creates the conversation and posts the clone's greeting
// as its first turn. The greeting participates in memory like any other
// message, so its importance counts toward the reflection threshold.
func (c *Controller) StartConversation(ctx context.Context, conv store.Conversation) (store.Conversation, store.Message, error) {
	created, err := c.store.CreateConversation(ctx, conv)
	if err != nil {
		return store.Conversation{}, store.Message{}, err
	}
	clone, err := c.store.GetClone(ctx, created.CloneID)
	if err != nil {
		return store.Conversation{}, store.Message{}, err
	}
	if clone.GreetingMessage == "" {
		return created, store.Message{}, nil
	}
	greeting, err := c.store.InsertMessage(ctx, store.Message{
		ConversationID: created.ID,
		SenderName:     clone.Name,
		Content:        clone.GreetingMessage,
		IsClone:        true,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return store.Conversation{}, store.Message{}, err
	}
	c.recordMemory(ctx, created, greeting.Content)
	c.evaluateTriggers(ctx, created.ID)
	return created, greeting, nil
}

// SendMessage runs one full turn: persist the user message, assemble a
// bounded prompt from the conversation's context, generate, persist the
// reply, and re-evaluate the consolidation triggers. Once generation has
// completed, persistence proceeds on a detached context so a client
// disconnect cannot lose the reply or double-count its memory.
func (c *Controller) SendMessage(ctx context.Context, conversationID, senderName, text string) (*Reply, error) {
	if text == "" {
		return nil, errors.InvalidArgument("message text is required", errors.WithConversation(conversationID))
	}
	mu := c.lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	clone, err := c.store.GetClone(ctx, conv.CloneID)
	if err != nil {
		return nil, err
	}

	userMsg, err := c.store.InsertMessage(ctx, store.Message{
		ConversationID: conv.ID,
		SenderName:     senderName,
		Content:        text,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	c.recordMemory(ctx, conv, text)

	req, err := c.assemble(ctx, conv, clone, []string{userMsg.ID}, text)
	if err != nil {
		return nil, err
	}
	resp, err := retry.DoValue(ctx, retry.Generation, func(ctx context.Context) (*llm.Response, error) {
		return c.provider.Generate(ctx, req)
	})
	if err != nil {
		c.log.Error("generation failed", map[string]interface{}{"conversation_id": conv.ID, "error": err.Error()})
		return nil, errors.Wrap(err, "could not generate a response right now", errors.WithConversation(conv.ID))
	}
	if c.gate != nil {
		if err := c.gate(ctx, resp.Content); err != nil {
			return nil, errors.Wrap(err, "reply rejected", errors.WithConversation(conv.ID))
		}
	}

	// Generation is done; the remaining writes must land even if the
	// caller has gone away.
	detached := context.WithoutCancel(ctx)
	reply, err := c.store.InsertMessage(detached, store.Message{
		ConversationID: conv.ID,
		SenderName:     clone.Name,
		Content:        resp.Content,
		IsClone:        true,
		ParentID:       userMsg.ID,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	c.recordMemory(detached, conv, resp.Content)
	c.evaluateTriggers(detached, conv.ID)

	return &Reply{Message: reply, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}, nil
}

// Regenerate retires the latest assistant turn from the main timeline and
// produces a replacement for the same user message.
func (c *Controller) Regenerate(ctx context.Context, conversationID string) (*Reply, error) {
	mu := c.lockConversation(conversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	clone, err := c.store.GetClone(ctx, conv.CloneID)
	if err != nil {
		return nil, err
	}
	recent, err := c.store.RecentMessages(ctx, conv.ID, c.cfg.MessageWindow)
	if err != nil {
		return nil, err
	}
	if len(recent) == 0 || !recent[len(recent)-1].IsClone {
		return nil, errors.InvalidArgument("latest turn is not an assistant reply", errors.WithConversation(conv.ID))
	}
	last := recent[len(recent)-1]
	if len(recent) < 2 || recent[len(recent)-2].IsClone {
		return nil, errors.InvalidArgument("no user message to regenerate from", errors.WithConversation(conv.ID))
	}
	prompt := recent[len(recent)-2]

	req, err := c.assemble(ctx, conv, clone, []string{prompt.ID, last.ID}, prompt.Content)
	if err != nil {
		return nil, err
	}
	resp, err := retry.DoValue(ctx, retry.Generation, func(ctx context.Context) (*llm.Response, error) {
		return c.provider.Generate(ctx, req)
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not generate a response right now", errors.WithConversation(conv.ID))
	}
	if c.gate != nil {
		if err := c.gate(ctx, resp.Content); err != nil {
			return nil, errors.Wrap(err, "reply rejected", errors.WithConversation(conv.ID))
		}
	}

	// The old reply leaves the main timeline only once its replacement is
	// certain, so a failed regeneration leaves the conversation untouched.
	detached := context.WithoutCancel(ctx)
	if err := c.store.SupersedeMainMessage(detached, last.ID); err != nil {
		return nil, err
	}
	reply, err := c.store.InsertMessage(detached, store.Message{
		ConversationID: conv.ID,
		SenderName:     clone.Name,
		Content:        resp.Content,
		IsClone:        true,
		ParentID:       prompt.ID,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	c.recordMemory(detached, conv, resp.Content)
	c.evaluateTriggers(detached, conv.ID)

	return &Reply{Message: reply, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}, nil
}

// assemble gathers every context section the strategy bundle allows and
// packs them under the ceiling. Retrieval failures degrade to a missing
// section rather than aborting the turn. excludeMsgIDs drops messages from
// the window that the prompt already carries another way.
func (c *Controller) assemble(ctx context.Context, conv store.Conversation, clone store.Clone, excludeMsgIDs []string, userTurn string) (llm.Request, error) {
	in := promptInput{
		clone:      clone,
		adaptation: conv.AdaptationStrategy,
		userTurn:   userTurn,
	}

	if agent, err := c.store.LatestAgentSummary(ctx, conv.ID); err == nil {
		in.agentSummary = agent.Content
	} else if !errors.Is(err, errors.ErrCodeNotFound) {
		c.log.Warn("agent summary unavailable", map[string]interface{}{"conversation_id": conv.ID, "error": err.Error()})
	}
	if entities, err := c.store.LatestEntitySummaries(ctx, conv.ID); err == nil {
		in.entities = entities
	} else {
		c.log.Warn("entity summaries unavailable", map[string]interface{}{"conversation_id": conv.ID, "error": err.Error()})
	}

	if conv.MemoryStrategy == store.MemoryLongTerm {
		scored, err := c.bank.RetrieveByText(ctx, conv.ID, userTurn, c.cfg.MemoryK, time.Now().UTC())
		if err != nil {
			c.log.Warn("memory retrieval failed", map[string]interface{}{"conversation_id": conv.ID, "error": err.Error()})
		} else {
			in.memories = scored
		}
	}
	if conv.InformationStrategy == store.InformationDocuments && c.docs != nil {
		hits, err := c.docs.Search(ctx, conv.CloneID, userTurn, c.cfg.PassageK)
		if err != nil {
			c.log.Warn("passage retrieval failed", map[string]interface{}{"conversation_id": conv.ID, "error": err.Error()})
		} else {
			in.passages = hits
		}
	}

	window, err := c.store.RecentMessages(ctx, conv.ID, c.cfg.MessageWindow+len(excludeMsgIDs))
	if err != nil {
		c.log.Warn("recent window unavailable", map[string]interface{}{"conversation_id": conv.ID, "error": err.Error()})
	} else {
		exclude := make(map[string]bool, len(excludeMsgIDs))
		for _, id := range excludeMsgIDs {
			exclude[id] = true
		}
		kept := window[:0]
		for _, m := range window {
			if !exclude[m.ID] {
				kept = append(kept, m)
			}
		}
		if len(kept) > c.cfg.MessageWindow {
			kept = kept[len(kept)-c.cfg.MessageWindow:]
		}
		in.window = kept
	}

	ceiling := c.cfg.TokenBudget - c.cfg.ResponseBudget
	return buildPrompt(c.counter, ceiling, c.cfg.ResponseBudget, in)
}

// recordMemory inserts a depth-0 memory for a persisted message and credits
// its importance to the reflection and summary accumulators. Memory is
// best-effort: a failed rating or insert costs this message its memory but
// never the turn.
func (c *Controller) recordMemory(ctx context.Context, conv store.Conversation, content string) {
	if conv.MemoryStrategy != store.MemoryLongTerm || content == "" {
		return
	}
	importance, err := c.scorer.Rate(ctx, content)
	if err != nil {
		c.log.Warn("importance rating failed", map[string]interface{}{"conversation_id": conv.ID, "error": err.Error()})
		return
	}
	if _, err := c.bank.Insert(ctx, conv.ID, content, importance); err != nil {
		c.log.Warn("memory insert failed", map[string]interface{}{"conversation_id": conv.ID, "error": err.Error()})
		return
	}
	c.reflector.Record(conv.ID, importance)
	if err := c.summarizer.RecordTurn(ctx, conv.ID, importance); err != nil {
		c.log.Warn("summary accounting failed", map[string]interface{}{"conversation_id": conv.ID, "error": err.Error()})
	}
}

// evaluateTriggers re-checks both consolidation thresholds after a turn has
// fully persisted. Failures carry their accumulators and surface again on
// the next turn, so they are logged and dropped here.
func (c *Controller) evaluateTriggers(ctx context.Context, conversationID string) {
	if n, err := c.reflector.MaybeReflect(ctx, conversationID); err != nil {
		c.log.Warn("reflection failed", map[string]interface{}{"conversation_id": conversationID, "error": err.Error()})
	} else if n > 0 {
		c.log.Info("reflection complete", map[string]interface{}{"conversation_id": conversationID, "memories": n})
	}
	if n, err := c.summarizer.MaybeSummarize(ctx, conversationID); err != nil {
		c.log.Warn("summarization failed", map[string]interface{}{"conversation_id": conversationID, "error": err.Error()})
	} else if n > 0 {
		c.log.Info("summaries written", map[string]interface{}{"conversation_id": conversationID, "summaries": n})
	}
}
