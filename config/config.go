// Package config loads engine configuration from TOML with environment
// overrides for secrets. Every field has a default so a zero-value Config is
// usable in tests.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/reveriehq/reverie/errors"
)

// Config is the full engine configuration.
type Config struct {
	Generation GenerationConfig `toml:"generation"`
	Embedding  EmbeddingConfig  `toml:"embedding"`
	Memory     MemoryConfig     `toml:"memory"`
	Reflection ReflectionConfig `toml:"reflection"`
	Summary    SummaryConfig    `toml:"summary"`
	Prompt     PromptConfig     `toml:"prompt"`
	Store      StoreConfig      `toml:"store"`
}

// GenerationConfig configures the generation provider.
type GenerationConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKey    string `toml:"api_key"`
	BaseURL   string `toml:"base_url"`
	MaxTokens int    `toml:"max_tokens"`
}

// EmbeddingConfig configures the embedding service endpoint.
type EmbeddingConfig struct {
	BaseURL       string   `toml:"base_url"`
	APIKey        string   `toml:"api_key"`
	Model         string   `toml:"model"`
	RerankModel   string   `toml:"rerank_model"`
	Dimension     int      `toml:"dimension"`
	QueryPrefix   string   `toml:"query_prefix"`
	PassagePrefix string   `toml:"passage_prefix"`
	CacheEntries  int64    `toml:"cache_entries"`
	Timeout       duration `toml:"timeout"`
}

// MemoryConfig tunes retrieval scoring.
type MemoryConfig struct {
	RelevanceWeight  float64  `toml:"relevance_weight"`
	RecencyWeight    float64  `toml:"recency_weight"`
	ImportanceWeight float64  `toml:"importance_weight"`
	HalfLife         duration `toml:"half_life"`
	Metric           string   `toml:"metric"`
	SimilarityFloor  float64  `toml:"similarity_floor"`
	RetrieveK        int      `toml:"retrieve_k"`
}

// ReflectionConfig tunes the reflection engine.
type ReflectionConfig struct {
	Threshold float64 `toml:"threshold"`
	TopK      int     `toml:"top_k"`
}

// SummaryConfig tunes the summarization engine.
type SummaryConfig struct {
	AgentThreshold  float64 `toml:"agent_threshold"`
	EntityThreshold float64 `toml:"entity_threshold"`
	Window          int     `toml:"window"`
}

// PromptConfig bounds prompt assembly.
type PromptConfig struct {
	TokenBudget    int `toml:"token_budget"`
	MessageWindow  int `toml:"message_window"`
	MemoryK        int `toml:"memory_k"`
	PassageK       int `toml:"passage_k"`
	ResponseBudget int `toml:"response_budget"`
}

// StoreConfig locates the relational database.
type StoreConfig struct {
	Path string `toml:"path"`
}

// duration wraps time.Duration for TOML string values like "24h".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns a configuration with every default filled in.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = 1024
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 768
	}
	if c.Embedding.CacheEntries == 0 {
		c.Embedding.CacheEntries = 100_000
	}
	if c.Embedding.Timeout.Duration == 0 {
		c.Embedding.Timeout.Duration = 30 * time.Second
	}
	if c.Memory.RelevanceWeight == 0 && c.Memory.RecencyWeight == 0 && c.Memory.ImportanceWeight == 0 {
		c.Memory.RelevanceWeight = 1
		c.Memory.RecencyWeight = 1
		c.Memory.ImportanceWeight = 1
	}
	if c.Memory.HalfLife.Duration == 0 {
		c.Memory.HalfLife.Duration = 24 * time.Hour
	}
	if c.Memory.Metric == "" {
		c.Memory.Metric = "inner_product"
	}
	if c.Memory.RetrieveK == 0 {
		c.Memory.RetrieveK = 10
	}
	if c.Reflection.Threshold == 0 {
		c.Reflection.Threshold = 20
	}
	if c.Reflection.TopK == 0 {
		c.Reflection.TopK = 10
	}
	if c.Summary.AgentThreshold == 0 {
		c.Summary.AgentThreshold = 50
	}
	if c.Summary.EntityThreshold == 0 {
		c.Summary.EntityThreshold = 30
	}
	if c.Summary.Window == 0 {
		c.Summary.Window = 30
	}
	if c.Prompt.TokenBudget == 0 {
		c.Prompt.TokenBudget = 4096
	}
	if c.Prompt.MessageWindow == 0 {
		c.Prompt.MessageWindow = 20
	}
	if c.Prompt.MemoryK == 0 {
		c.Prompt.MemoryK = 10
	}
	if c.Prompt.PassageK == 0 {
		c.Prompt.PassageK = 5
	}
	if c.Prompt.ResponseBudget == 0 {
		c.Prompt.ResponseBudget = 512
	}
	if c.Store.Path == "" {
		c.Store.Path = "reverie.db"
	}
}

// applyEnv overlays secrets from the environment. File values win only when
// the environment is unset.
func (c *Config) applyEnv() {
	if c.Generation.APIKey == "" {
		c.Generation.APIKey = os.Getenv(envVarForProvider(c.Generation.Provider))
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = os.Getenv("EMBEDDING_API_KEY")
	}
}

// envVarForProvider returns the conventional environment variable for a
// generation provider's API key.
func envVarForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "":
		return "LLM_API_KEY"
	default:
		return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	}
}

// Load reads a TOML file, fills defaults, and overlays environment secrets.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return Config{}, errors.NotFound("config file not found",
				errors.WithMetadata("path", path))
		}
		return Config{}, errors.InvalidArgument("failed to parse config",
			errors.WithCause(err), errors.WithMetadata("path", path))
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}
