package llm

import (
	"context"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/reveriehq/reverie/errors"
)

// GoogleProvider implements Provider using the official Google Gemini SDK.
type GoogleProvider struct {
	client    *genai.Client
	modelName string
	maxTokens int
}

// NewGoogleProvider creates a Google Gemini provider.
func NewGoogleProvider(ctx context.Context, cfg Config) (*GoogleProvider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, errors.Internal("failed to create google client", errors.WithCause(err))
	}

	return &GoogleProvider{
		client:    client,
		modelName: cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Close closes the underlying client.
func (p *GoogleProvider) Close() error {
	return p.client.Close()
}

// Generate implements the Provider interface.
func (p *GoogleProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	model := p.client.GenerativeModel(p.modelName)
	maxTokens := int32(p.maxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	model.MaxOutputTokens = &maxTokens
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}

	cs := model.StartChat()
	var prompt string
	for i, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		} else if m.Role != "user" {
			return nil, errors.InvalidArgument("unknown message role: " + m.Role)
		}
		// The final user turn is sent as the prompt, not history.
		if i == len(req.Messages)-1 && role == "user" {
			prompt = m.Content
			break
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	if prompt == "" {
		return nil, errors.InvalidArgument("last message must be a user turn")
	}

	resp, err := cs.SendMessage(ctx, genai.Text(prompt))
	if err != nil {
		return nil, classifyError("google", err)
	}

	result := &Response{Model: p.modelName}
	if len(resp.Candidates) > 0 {
		candidate := resp.Candidates[0]
		if candidate.FinishReason != 0 {
			result.StopReason = candidate.FinishReason.String()
		}
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					result.Content += string(text)
				}
			}
		}
	}
	if result.Content == "" {
		return nil, errors.UpstreamMalformed("google response contained no text",
			errors.WithComponent("llm"))
	}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}
