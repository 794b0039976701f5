// Package config loads and validates the memory engine's YAML
// configuration, producing the per-component Config/Option values the
// rest of the engine wires in (storage path, embedding provider,
// retrieval knobs, matcher weights, privacy rules, shared-store
// behavior, and endless-mode sub-config).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/buzzni/code-memory/internal/embedding"
	"github.com/buzzni/code-memory/internal/graduation"
	"github.com/buzzni/code-memory/internal/matcher"
	"github.com/buzzni/code-memory/internal/outbox"
	"github.com/buzzni/code-memory/internal/privacy"
	"github.com/buzzni/code-memory/internal/sharedstore"
	"github.com/buzzni/code-memory/internal/workingset"
)

// StorageConfig controls where the engine keeps its per-project SQLite
// files and the advisory size cap surfaced to the dashboard.
type StorageConfig struct {
	Path      string `yaml:"path" json:"path"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider" json:"provider"` // "local" | "openai"
	Model       string `yaml:"model" json:"model"`
	OpenAIModel string `yaml:"openai_model" json:"openai_model"`
	BaseURL     string `yaml:"base_url" json:"base_url"`
	APIKey      string `yaml:"api_key" json:"api_key"`
	BatchSize   int    `yaml:"batch_size" json:"batch_size"`
}

// RetrievalConfig controls the Retriever's default query shape.
type RetrievalConfig struct {
	TopK      int     `yaml:"top_k" json:"top_k"`
	MinScore  float64 `yaml:"min_score" json:"min_score"`
	MaxTokens int     `yaml:"max_tokens" json:"max_tokens"`
}

// MatchingConfig controls the Matcher's fusion weights and verdict
// thresholds.
type MatchingConfig struct {
	MinCombinedScore    float64        `yaml:"min_combined_score" json:"min_combined_score"`
	MinGap              float64        `yaml:"min_gap" json:"min_gap"`
	SuggestionThreshold float64        `yaml:"suggestion_threshold" json:"suggestion_threshold"`
	Weights             WeightsConfig  `yaml:"weights" json:"weights"`
}

// WeightsConfig mirrors matcher.Weights in YAML-friendly form.
type WeightsConfig struct {
	Semantic float64 `yaml:"semantic" json:"semantic"`
	FTS      float64 `yaml:"fts" json:"fts"`
	Recency  float64 `yaml:"recency" json:"recency"`
	Status   float64 `yaml:"status" json:"status"`
}

// PrivateTagsConfig mirrors the spec's private_tags sub-object.
type PrivateTagsConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	Marker            string   `yaml:"marker" json:"marker"` // one of [PRIVATE], [REDACTED], ""
	PreserveLineCount bool     `yaml:"preserve_line_count" json:"preserve_line_count"`
	SupportedFormats  []string `yaml:"supported_formats" json:"supported_formats"` // subset of xml, bracket, comment
}

// PrivacyConfig controls the privacy filter.
type PrivacyConfig struct {
	ExcludePatterns []string          `yaml:"exclude_patterns" json:"exclude_patterns"`
	Anonymize       bool              `yaml:"anonymize" json:"anonymize"`
	PrivateTags     PrivateTagsConfig `yaml:"private_tags" json:"private_tags"`
}

// ToolObservationConfig gates PostToolUse ingestion.
type ToolObservationConfig struct {
	Enabled           bool     `yaml:"enabled" json:"enabled"`
	ExcludedTools     []string `yaml:"excluded_tools" json:"excluded_tools"`
	MaxOutputLength   int      `yaml:"max_output_length" json:"max_output_length"`
	MaxOutputLines    int      `yaml:"max_output_lines" json:"max_output_lines"`
	StoreOnlyOnSuccess bool    `yaml:"store_only_on_success" json:"store_only_on_success"`
}

// SharedStoreConfig controls cross-project promotion and search.
type SharedStoreConfig struct {
	Enabled                bool    `yaml:"enabled" json:"enabled"`
	AutoPromote            bool    `yaml:"auto_promote" json:"auto_promote"`
	SearchShared           bool    `yaml:"search_shared" json:"search_shared"`
	MinConfidenceForPromo  float64 `yaml:"min_confidence_for_promotion" json:"min_confidence_for_promotion"`
	SharedStoragePath      string  `yaml:"shared_storage_path" json:"shared_storage_path"`
}

// FeaturesConfig toggles engine-wide behaviors.
type FeaturesConfig struct {
	AutoSave             bool              `yaml:"auto_save" json:"auto_save"`
	SessionSummary       bool              `yaml:"session_summary" json:"session_summary"`
	InsightExtraction    bool              `yaml:"insight_extraction" json:"insight_extraction"`
	CrossProjectLearning bool              `yaml:"cross_project_learning" json:"cross_project_learning"`
	SingleWriterMode     bool              `yaml:"single_writer_mode" json:"single_writer_mode"`
	SharedStore          SharedStoreConfig `yaml:"shared_store" json:"shared_store"`
}

// WorkingSetConfig mirrors workingset.Config in YAML-friendly form.
type WorkingSetConfig struct {
	TimeWindowMinutes int `yaml:"time_window_minutes" json:"time_window_minutes"`
	MaxEvents         int `yaml:"max_events" json:"max_events"`
}

// ConsolidationConfig mirrors workingset.ConsolidationConfig.
type ConsolidationConfig struct {
	TriggerIntervalMinutes int  `yaml:"trigger_interval_minutes" json:"trigger_interval_minutes"`
	TriggerEventCount      int  `yaml:"trigger_event_count" json:"trigger_event_count"`
	TriggerIdleMinutes     int  `yaml:"trigger_idle_minutes" json:"trigger_idle_minutes"`
	UseLLMSummarization    bool `yaml:"use_llm_summarization" json:"use_llm_summarization"`
}

// ContinuityConfig mirrors workingset.ContinuityConfig.
type ContinuityConfig struct {
	DecayHalfLifeHours float64 `yaml:"decay_half_life_hours" json:"decay_half_life_hours"`
	SeamlessThreshold  float64 `yaml:"seamless_threshold" json:"seamless_threshold"`
	TopicShiftThreshold float64 `yaml:"topic_shift_threshold" json:"topic_shift_threshold"`
}

// ModeConfig is the spec's mode switch plus endless-mode sub-config.
type ModeConfig struct {
	Mode          string              `yaml:"mode" json:"mode"` // "session" | "endless"
	WorkingSet    WorkingSetConfig    `yaml:"working_set" json:"working_set"`
	Consolidation ConsolidationConfig `yaml:"consolidation" json:"consolidation"`
	Continuity    ContinuityConfig    `yaml:"continuity" json:"continuity"`
}

// Config is the root configuration for the memory engine.
type Config struct {
	Storage       StorageConfig         `yaml:"storage" json:"storage"`
	Embedding     EmbeddingConfig       `yaml:"embedding" json:"embedding"`
	Retrieval     RetrievalConfig       `yaml:"retrieval" json:"retrieval"`
	Matching      MatchingConfig        `yaml:"matching" json:"matching"`
	Privacy       PrivacyConfig         `yaml:"privacy" json:"privacy"`
	ToolObserve   ToolObservationConfig `yaml:"tool_observation" json:"tool_observation"`
	Features      FeaturesConfig        `yaml:"features" json:"features"`
	Mode          ModeConfig            `yaml:"mode" json:"mode"`
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:      defaultStoragePath(),
			MaxSizeMB: 500,
		},
		Embedding: EmbeddingConfig{
			Provider:    "local",
			Model:       "nomic-embed-text",
			OpenAIModel: "text-embedding-3-small",
			BaseURL:     "http://localhost:11434/v1",
			BatchSize:   16,
		},
		Retrieval: RetrievalConfig{
			TopK:      5,
			MinScore:  0.5,
			MaxTokens: 2000,
		},
		Matching: MatchingConfig{
			MinCombinedScore:    0.92,
			MinGap:              0.03,
			SuggestionThreshold: 0.75,
			Weights: WeightsConfig{
				Semantic: 0.40,
				FTS:      0.25,
				Recency:  0.20,
				Status:   0.15,
			},
		},
		Privacy: PrivacyConfig{
			ExcludePatterns: []string{"password", "secret", "api_key", "apikey", "token", "bearer"},
			Anonymize:       false,
			PrivateTags: PrivateTagsConfig{
				Enabled:           true,
				Marker:            "[PRIVATE]",
				PreserveLineCount: false,
				SupportedFormats:  []string{"xml", "bracket", "comment"},
			},
		},
		ToolObserve: ToolObservationConfig{
			Enabled:            true,
			ExcludedTools:      []string{},
			MaxOutputLength:    4000,
			MaxOutputLines:     200,
			StoreOnlyOnSuccess: false,
		},
		Features: FeaturesConfig{
			AutoSave:             true,
			SessionSummary:       true,
			InsightExtraction:    true,
			CrossProjectLearning: false,
			SingleWriterMode:     true,
			SharedStore: SharedStoreConfig{
				Enabled:               false,
				AutoPromote:           false,
				SearchShared:          true,
				MinConfidenceForPromo: 0.8,
				SharedStoragePath:     defaultSharedStoragePath(),
			},
		},
		Mode: ModeConfig{
			Mode: "session",
			WorkingSet: WorkingSetConfig{
				TimeWindowMinutes: 240,
				MaxEvents:         200,
			},
			Consolidation: ConsolidationConfig{
				TriggerIntervalMinutes: 60,
				TriggerEventCount:      20,
				TriggerIdleMinutes:     30,
				UseLLMSummarization:    false,
			},
			Continuity: ContinuityConfig{
				DecayHalfLifeHours:  1,
				SeamlessThreshold:   0.7,
				TopicShiftThreshold: 0.4,
			},
		},
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memory"
	}
	return home + "/.memory"
}

func defaultSharedStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memory-shared"
	}
	return home + "/.memory-shared"
}

// LoadConfig reads and parses path, filling any zero-valued field left
// unset in the YAML with DefaultConfig's value. A missing or malformed
// file is not fatal: callers on the hook-latency path should fall back
// to DefaultConfig() and log under DEBUG rather than fail the hook.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to DefaultConfig() on any
// error. Intended for hook-latency callers that must never fail on a
// missing/malformed config file.
func LoadOrDefault(path string) *Config {
	cfg, err := LoadConfig(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// Validate rejects a config whose values would misbehave downstream
// (negative sizes, an unknown enum, weights outside [0,1]).
func (c *Config) Validate() error {
	if c.Embedding.Provider != "local" && c.Embedding.Provider != "openai" {
		return fmt.Errorf("embedding.provider must be 'local' or 'openai', got %q", c.Embedding.Provider)
	}
	if c.Mode.Mode != "session" && c.Mode.Mode != "endless" {
		return fmt.Errorf("mode.mode must be 'session' or 'endless', got %q", c.Mode.Mode)
	}
	if c.Retrieval.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.Retrieval.TopK)
	}
	for _, w := range []float64{c.Matching.Weights.Semantic, c.Matching.Weights.FTS, c.Matching.Weights.Recency, c.Matching.Weights.Status} {
		if w < 0 || w > 1 {
			return fmt.Errorf("matching.weights values must be within [0,1], got %v", w)
		}
	}
	if c.Privacy.PrivateTags.Marker != "[PRIVATE]" && c.Privacy.PrivateTags.Marker != "[REDACTED]" && c.Privacy.PrivateTags.Marker != "" {
		return fmt.Errorf("privacy.private_tags.marker must be one of [PRIVATE], [REDACTED], or empty, got %q", c.Privacy.PrivateTags.Marker)
	}
	if c.Features.SharedStore.MinConfidenceForPromo < 0 || c.Features.SharedStore.MinConfidenceForPromo > 1 {
		return fmt.Errorf("features.shared_store.min_confidence_for_promotion must be within [0,1]")
	}
	return nil
}

// EmbeddingProviderConfig translates EmbeddingConfig into an
// embedding.Config for httpembed's Provider — both the local and
// openai providers speak the same OpenAI-compatible wire shape.
func (c *Config) EmbeddingProviderConfig() embedding.Config {
	model := c.Embedding.Model
	if c.Embedding.Provider == "openai" {
		model = c.Embedding.OpenAIModel
	}
	return embedding.Config{
		BaseURL: c.Embedding.BaseURL,
		Model:   model,
		APIKey:  c.Embedding.APIKey,
	}
}

// MatcherOptions translates MatchingConfig into matcher.Option values.
func (c *Config) MatcherOptions() []matcher.Option {
	return []matcher.Option{
		matcher.WithWeights(matcher.Weights{
			Semantic: c.Matching.Weights.Semantic,
			FTS:      c.Matching.Weights.FTS,
			Recency:  c.Matching.Weights.Recency,
			Status:   c.Matching.Weights.Status,
		}),
		matcher.WithThresholds(matcher.Thresholds{
			SuggestionThreshold: c.Matching.SuggestionThreshold,
			MinCombinedScore:    c.Matching.MinCombinedScore,
			MinGap:              c.Matching.MinGap,
		}),
	}
}

// GraduationConfig translates into graduation.Config.
func (c *Config) GraduationConfig() graduation.Config {
	return graduation.Config{
		EvaluationInterval: 5 * time.Minute,
		BatchSize:          50,
		Cooldown:           time.Hour,
	}
}

// OutboxConfig translates EmbeddingConfig's batch size into outbox.Config.
func (c *Config) OutboxConfig() outbox.Config {
	return outbox.Config{
		BatchSize: c.Embedding.BatchSize,
		Interval:  2 * time.Second,
	}
}

// WorkingSetConfig translates ModeConfig.WorkingSet into workingset.Config.
func (c *Config) WorkingSetConfig() workingset.Config {
	return workingset.Config{
		TimeWindow: time.Duration(c.Mode.WorkingSet.TimeWindowMinutes) * time.Minute,
		MaxEvents:  c.Mode.WorkingSet.MaxEvents,
	}
}

// ConsolidationConfig translates ModeConfig.Consolidation into
// workingset.ConsolidationConfig.
func (c *Config) ConsolidationConfig() workingset.ConsolidationConfig {
	return workingset.ConsolidationConfig{
		TriggerInterval:     time.Duration(c.Mode.Consolidation.TriggerIntervalMinutes) * time.Minute,
		TriggerEventCount:   c.Mode.Consolidation.TriggerEventCount,
		TriggerIdle:         time.Duration(c.Mode.Consolidation.TriggerIdleMinutes) * time.Minute,
		UseLLMSummarization: c.Mode.Consolidation.UseLLMSummarization,
	}
}

// ContinuityConfig translates ModeConfig.Continuity into
// workingset.ContinuityConfig.
func (c *Config) ContinuityConfig() workingset.ContinuityConfig {
	return workingset.ContinuityConfig{
		DecayHalfLife: time.Duration(c.Mode.Continuity.DecayHalfLifeHours * float64(time.Hour)),
		Thresholds: workingset.ContinuityThresholds{
			Seamless:   c.Mode.Continuity.SeamlessThreshold,
			TopicShift: c.Mode.Continuity.TopicShiftThreshold,
		},
	}
}

// PrivacyFilterConfig translates PrivacyConfig into privacy.Config.
func (c *Config) PrivacyFilterConfig() privacy.Config {
	formats := make([]privacy.TagFormat, 0, len(c.Privacy.PrivateTags.SupportedFormats))
	for _, f := range c.Privacy.PrivateTags.SupportedFormats {
		formats = append(formats, privacy.TagFormat(f))
	}
	tokens := c.Privacy.ExcludePatterns
	return privacy.Config{
		Enabled:           c.Privacy.PrivateTags.Enabled,
		Marker:            c.Privacy.PrivateTags.Marker,
		SupportedFormats:  formats,
		PatternTokens:     tokens,
		PreserveLineCount: c.Privacy.PrivateTags.PreserveLineCount,
	}
}

// SharedStoreConfig translates FeaturesConfig.SharedStore into
// sharedstore.Config.
func (c *Config) SharedStoreConfig() sharedstore.Config {
	return sharedstore.Config{
		MinConfidenceForPromotion: c.Features.SharedStore.MinConfidenceForPromo,
		AutoPromote:               c.Features.SharedStore.AutoPromote,
	}
}
