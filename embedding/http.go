package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/reveriehq/reverie/errors"
)

// HTTPService talks to an OpenAI-compatible embedding server that also
// exposes a TEI-style /rerank endpoint for cross-encoding.
type HTTPService struct {
	apiKey        string
	baseURL       string
	model         string
	rerankModel   string
	dimension     int
	queryPrefix   string
	passagePrefix string
	normalize     bool
	client        *http.Client
}

// HTTPConfig configures the HTTP embedding service.
type HTTPConfig struct {
	APIKey  string
	BaseURL string // default: https://api.openai.com/v1
	Model   string // default: text-embedding-3-small

	// RerankModel names the cross-encoder served at /rerank. Empty disables
	// server-side reranking; RerankScore then fails with UpstreamTransient.
	RerankModel string

	// Dimension of the deployed model's output. Defaults by model name.
	Dimension int

	// QueryPrefix and PassagePrefix implement asymmetric encoding for
	// prefix-style models (e.g. "query: " / "passage: " for E5). Empty for
	// models with symmetric heads.
	QueryPrefix   string
	PassagePrefix string

	// Normalize unit-normalizes vectors client-side after encoding, making
	// inner product the fast-path metric.
	Normalize bool

	Timeout time.Duration // default: 30s
}

// NewHTTPService creates an embedding service over an OpenAI-compatible API.
func NewHTTPService(cfg HTTPConfig) *HTTPService {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	dimension := cfg.Dimension
	if dimension == 0 {
		switch model {
		case "text-embedding-3-large":
			dimension = 3072
		default:
			dimension = 1536
		}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPService{
		apiKey:        cfg.APIKey,
		baseURL:       baseURL,
		model:         model,
		rerankModel:   cfg.RerankModel,
		dimension:     dimension,
		queryPrefix:   cfg.QueryPrefix,
		passagePrefix: cfg.PassagePrefix,
		normalize:     cfg.Normalize,
		client:        &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// EncodeQuery encodes texts with the query prefix.
func (s *HTTPService) EncodeQuery(ctx context.Context, texts []string) ([][]float32, error) {
	return s.encode(ctx, texts, s.queryPrefix)
}

// EncodePassage encodes texts with the passage prefix.
func (s *HTTPService) EncodePassage(ctx context.Context, texts []string) ([][]float32, error) {
	return s.encode(ctx, texts, s.passagePrefix)
}

func (s *HTTPService) encode(ctx context.Context, texts []string, prefix string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	input := texts
	if prefix != "" {
		input = make([]string, len(texts))
		for i, t := range texts {
			input[i] = prefix + t
		}
	}

	body, err := s.post(ctx, "/embeddings", embedRequest{Model: s.model, Input: input})
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.UpstreamMalformed("embedding response failed to parse",
			errors.WithCause(err), errors.WithComponent("embedding"))
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.UpstreamMalformed(
			fmt.Sprintf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts)),
			errors.WithComponent("embedding"))
	}

	// Sort by index to maintain input order.
	result := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(result) {
			return nil, errors.UpstreamMalformed("embedding response index out of range",
				errors.WithComponent("embedding"))
		}
		vec := d.Embedding
		if len(vec) != s.dimension {
			return nil, errors.UpstreamMalformed(
				fmt.Sprintf("embedding dimension %d, expected %d", len(vec), s.dimension),
				errors.WithComponent("embedding"))
		}
		if s.normalize {
			vec = normalize(vec)
		}
		result[d.Index] = vec
	}
	return result, nil
}

type rerankRequest struct {
	Model string   `json:"model,omitempty"`
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// RerankScore cross-encodes query against each passage via the /rerank
// endpoint. Scores come back in input order.
func (s *HTTPService) RerankScore(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return []float64{}, nil
	}
	if s.rerankModel == "" {
		return nil, errors.UpstreamTransient("no rerank model configured",
			errors.WithComponent("embedding"), errors.WithRetryable(false))
	}

	body, err := s.post(ctx, "/rerank", rerankRequest{Model: s.rerankModel, Query: query, Texts: passages})
	if err != nil {
		return nil, err
	}

	var resp rerankResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.UpstreamMalformed("rerank response failed to parse",
			errors.WithCause(err), errors.WithComponent("embedding"))
	}
	if len(resp.Results) != len(passages) {
		return nil, errors.UpstreamMalformed(
			fmt.Sprintf("rerank response has %d scores for %d passages", len(resp.Results), len(passages)),
			errors.WithComponent("embedding"))
	}

	scores := make([]float64, len(passages))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(scores) {
			return nil, errors.UpstreamMalformed("rerank response index out of range",
				errors.WithComponent("embedding"))
		}
		scores[r.Index] = r.Score
	}
	return scores, nil
}

// IsNormalized reports whether vectors are unit-normalized client-side.
func (s *HTTPService) IsNormalized() bool {
	return s.normalize
}

// EncoderName returns the embedding model name.
func (s *HTTPService) EncoderName() string {
	return s.model
}

// Dimension returns the configured output dimensionality.
func (s *HTTPService) Dimension() int {
	return s.dimension
}

// post sends a JSON request and classifies transport failures as transient.
func (s *HTTPService) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Internal("failed to marshal request", errors.WithCause(err))
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, errors.Internal("failed to create request", errors.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.UpstreamTransient("embedding request failed",
			errors.WithCause(err), errors.WithComponent("embedding"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.UpstreamTransient("failed to read response",
			errors.WithCause(err), errors.WithComponent("embedding"))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.UpstreamTransient(
			fmt.Sprintf("embedding API error (status %d)", resp.StatusCode),
			errors.WithComponent("embedding"))
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidArgument,
			"embedding API rejected request (status %d): %s", resp.StatusCode, string(body))
	}
}

// normalize returns v scaled to unit length. Zero vectors pass through.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
