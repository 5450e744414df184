package llm

import (
	"context"
	"strings"

	"github.com/reveriehq/reverie/errors"
)

// NewProvider creates a provider from configuration. If Provider is empty it
// is inferred from the model name.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	if cfg.Provider == "" && cfg.Model != "" {
		cfg.Provider = InferProviderFromModel(cfg.Model)
		if cfg.Provider == "" {
			return nil, errors.InvalidArgument("cannot determine provider for model " + cfg.Model)
		}
	}

	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	case "google":
		return NewGoogleProvider(ctx, cfg)
	default:
		return nil, errors.InvalidArgument("unsupported provider: " + cfg.Provider)
	}
}

// InferProviderFromModel returns the provider name based on model name
// patterns, so configs can name just a model.
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "chatgpt"):
		return "openai"
	case strings.HasPrefix(model, "gemini"),
		strings.HasPrefix(model, "gemma"):
		return "google"
	}
	return ""
}
