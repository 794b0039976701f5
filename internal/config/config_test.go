package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/buzzni/code-memory/internal/matcher"
)

func TestDefaultConfigPassesValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestLoadConfigMergesOverOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "retrieval:\n  top_k: 9\nmode:\n  mode: endless\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Retrieval.TopK != 9 {
		t.Errorf("Retrieval.TopK = %d, want 9 (from file)", cfg.Retrieval.TopK)
	}
	if cfg.Mode.Mode != "endless" {
		t.Errorf("Mode.Mode = %q, want endless (from file)", cfg.Mode.Mode)
	}
	// Fields absent from the YAML keep their DefaultConfig value.
	if cfg.Retrieval.MaxTokens != 2000 {
		t.Errorf("Retrieval.MaxTokens = %d, want default 2000", cfg.Retrieval.MaxTokens)
	}
	if cfg.Embedding.Provider != "local" {
		t.Errorf("Embedding.Provider = %q, want default 'local'", cfg.Embedding.Provider)
	}
}

func TestLoadConfigMissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("LoadConfig() with missing file: want error, got nil")
	}
}

func TestLoadOrDefaultFallsBackOnMissingFile(t *testing.T) {
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg == nil {
		t.Fatalf("LoadOrDefault() = nil")
	}
	if cfg.Retrieval.TopK != DefaultConfig().Retrieval.TopK {
		t.Errorf("LoadOrDefault() did not fall back to defaults")
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.Provider = "azure"
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate() with unknown provider: want error, got nil")
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode.Mode = "hyperdrive"
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate() with unknown mode: want error, got nil")
	}
}

func TestValidateRejectsWeightOutsideUnitRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Matching.Weights.Semantic = 1.5
	if err := cfg.Validate(); err == nil {
		t.Errorf("Validate() with out-of-range weight: want error, got nil")
	}
}

func TestMatcherOptionsAppliesConfiguredWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Matching.Weights.Semantic = 0.9
	opts := cfg.MatcherOptions()
	if len(opts) != 2 {
		t.Fatalf("MatcherOptions() returned %d options, want 2", len(opts))
	}

	// A fresh non-response candidate with a perfect vector score and no
	// FTS hit scores Semantic*1 + Recency*~1 + Status*0.8.
	res := matcher.New(opts...).Match([]matcher.Candidate{{EventID: "e", VectorScore: 1, Timestamp: time.Now()}})
	w := cfg.Matching.Weights
	want := 0.9 + w.Recency + w.Status*0.8
	if got := res.Ranked[0].CombinedScore; math.Abs(got-want) > 0.001 {
		t.Errorf("CombinedScore = %v, want %v (configured semantic weight 0.9)", got, want)
	}
}

func TestPrivacyFilterConfigTranslatesFormats(t *testing.T) {
	cfg := DefaultConfig()
	pc := cfg.PrivacyFilterConfig()
	if !pc.Enabled {
		t.Errorf("PrivacyFilterConfig().Enabled = false, want true by default")
	}
	if len(pc.SupportedFormats) != 3 {
		t.Errorf("PrivacyFilterConfig().SupportedFormats = %v, want 3 formats", pc.SupportedFormats)
	}
}
