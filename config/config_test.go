package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reveriehq/reverie/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reverie.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
[generation]
provider = "anthropic"
model = "claude-sonnet-4-20250514"
api_key = "file-key"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Generation.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Model = %q", cfg.Generation.Model)
	}
	if cfg.Reflection.Threshold != 20 {
		t.Errorf("Reflection.Threshold = %v, want default 20", cfg.Reflection.Threshold)
	}
	if cfg.Summary.AgentThreshold != 50 || cfg.Summary.EntityThreshold != 30 {
		t.Errorf("summary thresholds = (%v, %v), want (50, 30)",
			cfg.Summary.AgentThreshold, cfg.Summary.EntityThreshold)
	}
	if cfg.Memory.HalfLife.Duration != 24*time.Hour {
		t.Errorf("HalfLife = %v, want 24h", cfg.Memory.HalfLife.Duration)
	}
	if cfg.Prompt.TokenBudget != 4096 {
		t.Errorf("TokenBudget = %v, want 4096", cfg.Prompt.TokenBudget)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
[memory]
half_life = "90m"
similarity_floor = 0.7

[embedding]
timeout = "5s"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Memory.HalfLife.Duration != 90*time.Minute {
		t.Errorf("HalfLife = %v, want 90m", cfg.Memory.HalfLife.Duration)
	}
	if cfg.Memory.SimilarityFloor != 0.7 {
		t.Errorf("SimilarityFloor = %v, want 0.7", cfg.Memory.SimilarityFloor)
	}
	if cfg.Embedding.Timeout.Duration != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", cfg.Embedding.Timeout.Duration)
	}
}

func TestEnvOverridesMissingKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	path := writeConfig(t, `
[generation]
provider = "anthropic"
model = "claude-sonnet-4-20250514"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Generation.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.Generation.APIKey)
	}
}

func TestFileKeyWinsOverEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	path := writeConfig(t, `
[generation]
provider = "anthropic"
api_key = "file-key"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Generation.APIKey != "file-key" {
		t.Errorf("APIKey = %q, want file-key", cfg.Generation.APIKey)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("missing file error = %v, want NOT_FOUND", err)
	}

	path := writeConfig(t, "not [valid toml")
	if _, err := Load(path); !errors.Is(err, errors.ErrCodeInvalidArgument) {
		t.Errorf("malformed file error = %v, want INVALID_ARGUMENT", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Memory.RetrieveK != 10 || cfg.Memory.Metric != "inner_product" {
		t.Errorf("Default() memory = %+v", cfg.Memory)
	}
}
