// Package tokens provides token counting and prompt budget enforcement.
//
// Counting uses the tiktoken BPE when the encoding can be loaded, and falls
// back to a chars/4 heuristic otherwise, so budgets remain enforceable in
// offline and test environments. The heuristic deliberately over-estimates
// slightly: a budget must never be exceeded because counting was optimistic.
package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultEncoding is the BPE used by current chat models.
	DefaultEncoding = "cl100k_base"

	// heuristicCharsPerToken is the fallback estimate. English prose
	// averages ~4 chars/token; using 4 with per-text overhead keeps the
	// estimate on the safe side of real counts.
	heuristicCharsPerToken = 4

	// heuristicOverhead is added per counted text to cover message framing.
	heuristicOverhead = 4
)

// Counter counts tokens for arbitrary text.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts with a real BPE, falling back to the heuristic when
// the encoding is unavailable.
type TiktokenCounter struct {
	once     sync.Once
	encoding string
	enc      *tiktoken.Tiktoken
}

// NewCounter returns a Counter for the given encoding name. An empty name
// selects DefaultEncoding. The encoding is loaded lazily on first use.
func NewCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TiktokenCounter{encoding: encoding}
}

// Count returns the token count for text.
func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		// Load failure leaves enc nil and Count on the heuristic path.
		if enc, err := tiktoken.GetEncoding(c.encoding); err == nil {
			c.enc = enc
		}
	})
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return EstimateTokens(text)
}

// EstimateTokens returns a heuristic token count for text: chars/4 plus a
// small fixed overhead. Used when no BPE is available, and by tests that
// need deterministic counts.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text)
	return n/heuristicCharsPerToken + heuristicOverhead
}

// HeuristicCounter always uses the chars/4 estimate. Deterministic, no
// external data; the default in tests.
type HeuristicCounter struct{}

// Count returns the heuristic token count for text.
func (HeuristicCounter) Count(text string) int {
	return EstimateTokens(text)
}
