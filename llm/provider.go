// Package llm provides the generation-service port and its provider
// implementations. Providers are thin translations to each vendor SDK;
// retries belong to the caller via the retry package.
package llm

import (
	"context"
	"sync"

	"github.com/reveriehq/reverie/errors"
)

// Message is one turn of generation input.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// Request is a generation request.
type Request struct {
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Response is a generation result with usage accounting.
type Response struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Provider is the interface for generation backends.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string `json:"provider"` // anthropic, openai, google
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url,omitempty"`
	MaxTokens int    `json:"max_tokens"`
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return errors.InvalidArgument("provider is required")
	}
	if c.Model == "" {
		return errors.InvalidArgument("model is required")
	}
	if c.APIKey == "" {
		return errors.InvalidArgument("api key is required")
	}
	if c.MaxTokens == 0 {
		return errors.InvalidArgument("max_tokens is required")
	}
	return nil
}

// --- Scripted provider for tests ---

// ScriptedProvider returns queued responses in order. Once the queue is
// exhausted it repeats the last response, or returns the configured error.
type ScriptedProvider struct {
	mu        sync.Mutex
	queue     []*Response
	err       error
	failTimes int
	requests  []Request
}

// NewScriptedProvider creates an empty scripted provider.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{}
}

// Enqueue appends a plain-text response to the script.
func (p *ScriptedProvider) Enqueue(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, &Response{Content: content, StopReason: "end_turn"})
}

// SetError makes every Generate call fail with err.
func (p *ScriptedProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	p.failTimes = -1
}

// FailNext makes the next n Generate calls fail with err, then recover.
func (p *ScriptedProvider) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
	p.failTimes = n
}

// Requests returns every request seen so far.
func (p *ScriptedProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// CallCount returns the number of Generate calls made.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Generate implements Provider.
func (p *ScriptedProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)

	if p.err != nil && p.failTimes != 0 {
		if p.failTimes > 0 {
			p.failTimes--
		}
		return nil, p.err
	}
	if len(p.queue) == 0 {
		return &Response{Content: "ok", StopReason: "end_turn"}, nil
	}
	resp := p.queue[0]
	if len(p.queue) > 1 {
		p.queue = p.queue[1:]
	}
	return resp, nil
}
