// Package reflect synthesizes higher-order memories. Each conversation
// accumulates the importance of inserted memories; when the running sum
// crosses the reflection threshold, the most salient recent memories are
// retrieved by self-query and the generation service distills them into
// depth+1 statements.
package reflect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/reveriehq/reverie/errors"
	"github.com/reveriehq/reverie/llm"
	"github.com/reveriehq/reverie/logging"
	"github.com/reveriehq/reverie/memory"
	"github.com/reveriehq/reverie/retry"
	"github.com/reveriehq/reverie/store"
)

// NumReflectionMemories is the default importance threshold between
// reflections, and the upper bound on statements per synthesis.
const NumReflectionMemories = 20

const defaultTopK = 10

// selfQuery is the retrieval probe used to select reflection sources.
const selfQuery = "what is significant about this conversation so far"

const synthesisPrompt = `You maintain the long-term memory of an ongoing
conversation. Below are recent observations. Distill them into the high-level
insights they imply about the participants, their relationship, or recurring
themes. State each insight as one standalone declarative sentence on its own
line. Produce at most %d lines and nothing else.

Observations:
%s`

// Config tunes the reflection engine.
type Config struct {
	// Threshold is the accumulated importance that triggers a reflection.
	Threshold float64
	// TopK bounds how many source memories are retrieved per reflection.
	TopK int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = NumReflectionMemories
	}
	if c.TopK <= 0 {
		c.TopK = defaultTopK
	}
	return c
}

// Engine runs reflection per conversation.
type Engine struct {
	bank     *memory.Bank
	provider llm.Provider
	scorer   llm.ImportanceScorer
	cfg      Config
	log      *logging.Logger

	mu     sync.Mutex
	acc    map[string]float64
	convMu map[string]*sync.Mutex
}

// NewEngine creates a reflection engine.
func NewEngine(bank *memory.Bank, provider llm.Provider, scorer llm.ImportanceScorer, cfg Config, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		bank:     bank,
		provider: provider,
		scorer:   scorer,
		cfg:      cfg.withDefaults(),
		log:      log.WithComponent("reflect"),
		acc:      make(map[string]float64),
		convMu:   make(map[string]*sync.Mutex),
	}
}

// Record adds the importance of a newly inserted memory to the conversation's
// accumulator.
func (e *Engine) Record(conversationID string, importance float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acc[conversationID] += importance
}

// Accumulated returns the importance gathered since the last reflection.
func (e *Engine) Accumulated(conversationID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acc[conversationID]
}

// lockConversation serializes reflection per conversation without blocking
// unrelated conversations.
func (e *Engine) lockConversation(conversationID string) *sync.Mutex {
	e.mu.Lock()
	m, ok := e.convMu[conversationID]
	if !ok {
		m = &sync.Mutex{}
		e.convMu[conversationID] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m
}

// MaybeReflect checks the accumulator and, if the threshold is crossed, runs
// one reflection pass. It returns how many reflection memories were inserted.
// On synthesis failure the accumulator carries over to the next check so no
// importance budget is silently dropped.
func (e *Engine) MaybeReflect(ctx context.Context, conversationID string) (int, error) {
	lock := e.lockConversation(conversationID)
	defer lock.Unlock()

	e.mu.Lock()
	accumulated := e.acc[conversationID]
	e.mu.Unlock()
	if accumulated < e.cfg.Threshold {
		return 0, nil
	}

	inserted, err := e.reflect(ctx, conversationID)
	if err != nil {
		e.log.Warn("reflection failed, accumulator carried over", map[string]interface{}{
			"conversation": conversationID,
			"accumulated":  accumulated,
			"error":        err.Error(),
		})
		return 0, err
	}

	e.mu.Lock()
	e.acc[conversationID] = 0
	e.mu.Unlock()

	e.log.Info("reflection complete", map[string]interface{}{
		"conversation": conversationID,
		"inserted":     inserted,
	})
	return inserted, nil
}

func (e *Engine) reflect(ctx context.Context, conversationID string) (int, error) {
	sources, err := e.bank.RetrieveByText(ctx, conversationID, selfQuery, e.cfg.TopK, time.Now())
	if err != nil {
		return 0, err
	}
	if len(sources) == 0 {
		return 0, errors.New(errors.ErrCodeNotFound, "no memories to reflect over",
			errors.WithConversation(conversationID))
	}

	var sb strings.Builder
	sourceMems := make([]store.Memory, len(sources))
	for i, src := range sources {
		fmt.Fprintf(&sb, "- %s\n", src.Content)
		sourceMems[i] = src.Memory
	}

	statements, err := retry.DoValue(ctx, retry.Parse, func(ctx context.Context) ([]string, error) {
		resp, err := retry.DoValue(ctx, retry.Enrichment, func(ctx context.Context) (*llm.Response, error) {
			return e.provider.Generate(ctx, llm.Request{
				Messages: []llm.Message{
					{Role: "user", Content: fmt.Sprintf(synthesisPrompt, NumReflectionMemories, sb.String())},
				},
			})
		})
		if err != nil {
			return nil, err
		}
		return parseStatements(resp.Content)
	})
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, statement := range statements {
		importance, err := e.scorer.Rate(ctx, statement)
		if err != nil {
			return inserted, err
		}
		if _, err := e.bank.InsertReflection(ctx, conversationID, statement, importance, sourceMems); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

// parseStatements splits synthesis output into clean statements, tolerating
// bullets and numbering. Empty output is UPSTREAM_MALFORMED so the retry
// policy re-asks without backoff.
func parseStatements(text string) ([]string, error) {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = stripListMarker(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == NumReflectionMemories {
			break
		}
	}
	if len(out) == 0 {
		return nil, errors.UpstreamMalformed("synthesis produced no statements",
			errors.WithComponent("reflect"))
	}
	return out, nil
}

// stripListMarker removes a leading bullet or numbered-list marker. A number
// counts as a marker only when a "." or ")" delimiter follows it, so a
// statement that begins with a bare number keeps it.
func stripListMarker(line string) string {
	s := strings.TrimSpace(line)
	s = strings.TrimSpace(strings.TrimLeft(s, "-*•"))
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')') && (i+1 == len(s) || s[i+1] == ' ') {
		s = strings.TrimSpace(s[i+1:])
	}
	return s
}
