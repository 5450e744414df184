package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/reveriehq/reverie/errors"
	"github.com/reveriehq/reverie/retry"
)

// ImportanceScorer rates the salience of a memory on the 0-10 scale. It is an
// injectable dependency: production uses an LLM judgment call, tests use a
// fixed stub.
type ImportanceScorer interface {
	Rate(ctx context.Context, content string) (float64, error)
}

// FixedImportance always returns Value. Deterministic stub for tests and for
// deployments that skip the rating call.
type FixedImportance struct {
	Value float64
}

// Rate implements ImportanceScorer.
func (f FixedImportance) Rate(ctx context.Context, content string) (float64, error) {
	return f.Value, nil
}

const importancePrompt = `On a scale of 0 to 10, where 0 is purely mundane
(routine greetings, filler) and 10 is extremely significant (a revelation,
a major life event, a strong emotional disclosure), rate the significance of
the following statement. Respond with a single number and nothing else.

Statement: %s`

// LLMImportance rates salience by asking the generation provider.
type LLMImportance struct {
	provider Provider
}

// NewLLMImportance creates an LLM-backed importance scorer.
func NewLLMImportance(provider Provider) *LLMImportance {
	return &LLMImportance{provider: provider}
}

// Rate implements ImportanceScorer. A malformed rating re-asks immediately;
// transport failures back off under the enrichment policy.
func (s *LLMImportance) Rate(ctx context.Context, content string) (float64, error) {
	return retry.DoValue(ctx, retry.Parse, func(ctx context.Context) (float64, error) {
		resp, err := retry.DoValue(ctx, retry.Enrichment, func(ctx context.Context) (*Response, error) {
			return s.provider.Generate(ctx, Request{
				Messages: []Message{
					{Role: "user", Content: fmt.Sprintf(importancePrompt, content)},
				},
				MaxTokens: 8,
			})
		})
		if err != nil {
			return 0, err
		}
		return ParseImportance(resp.Content)
	})
}

// ParseImportance extracts a 0-10 rating from model output, tolerating
// surrounding prose. Unparseable output is UPSTREAM_MALFORMED so the caller's
// retry policy re-asks without backoff.
func ParseImportance(text string) (float64, error) {
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, ".,:;!?()[]")
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		if v < 0 {
			v = 0
		}
		if v > 10 {
			v = 10
		}
		return v, nil
	}
	return 0, errors.UpstreamMalformed("importance rating is not a number",
		errors.WithComponent("llm"),
		errors.WithMetadata("output", text))
}
