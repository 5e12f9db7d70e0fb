// Package config provides configuration management for secondmind.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config holds all configuration for a secondmind run.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM        LLMConfig        `yaml:"llm"`
	Store      StoreConfig      `yaml:"store"`
	Evidence   EvidenceConfig   `yaml:"evidence"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Ranking    RankingConfig    `yaml:"ranking"`
	Evolution  EvolutionConfig  `yaml:"evolution"`
	MetaReview MetaReviewConfig `yaml:"meta_review"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LLMConfig configures the text-generation oracle.
type LLMConfig struct {
	Provider          string `yaml:"provider"` // gemini, offline
	Model             string `yaml:"model"`
	APIKey            string `yaml:"api_key"`
	Timeout           string `yaml:"timeout"`
	RequestsPerMinute int    `yaml:"requests_per_minute" validate:"gte=0"`
	MaxAttempts       int    `yaml:"max_attempts" validate:"gte=1,lte=3"`
}

// StoreConfig configures the external context store and the local journal.
type StoreConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BaseURL     string `yaml:"base_url" validate:"omitempty,url"`
	Timeout     string `yaml:"timeout"`
	JournalPath string `yaml:"journal_path"` // empty keeps the journal in memory
}

// EvidenceConfig configures search and page fetching.
type EvidenceConfig struct {
	SerpAPIKey         string   `yaml:"serpapi_key"`
	SearchEndpoint     string   `yaml:"search_endpoint" validate:"omitempty,url"`
	SearchTypes        []string `yaml:"search_types" validate:"dive,oneof=web news scholar patents"`
	ResultsPerType     int      `yaml:"results_per_type" validate:"gte=1,lte=20"`
	MaxConcurrentFetch int      `yaml:"max_concurrent_fetch" validate:"gte=1,lte=16"`
	FetchTimeout       string   `yaml:"fetch_timeout"`
	MinSearchInterval  string   `yaml:"min_search_interval"`
	UseBrowser         bool     `yaml:"use_browser"`
	BrowserHeadless    bool     `yaml:"browser_headless"`
	AllowedDomains     []string `yaml:"allowed_domains,omitempty"`
	BlockedDomains     []string `yaml:"blocked_domains,omitempty"`
}

// PipelineConfig configures cycle execution.
type PipelineConfig struct {
	Cycles        int    `yaml:"cycles" validate:"gte=1,lte=20"`
	MinHypotheses int    `yaml:"min_hypotheses" validate:"gte=1"`
	MaxHypotheses int    `yaml:"max_hypotheses" validate:"gtefield=MinHypotheses"`
	StageTimeout  string `yaml:"stage_timeout"`
}

// RankingWeights is the ranking weight vector. Weights must sum to 1.
type RankingWeights struct {
	Coherence   float64 `yaml:"coherence" validate:"gte=0,lte=1"`
	Evidence    float64 `yaml:"evidence" validate:"gte=0,lte=1"`
	Relevance   float64 `yaml:"relevance" validate:"gte=0,lte=1"`
	Specificity float64 `yaml:"specificity" validate:"gte=0,lte=1"`
	Novelty     float64 `yaml:"novelty" validate:"gte=0,lte=1"`
	Credibility float64 `yaml:"credibility" validate:"gte=0,lte=1"`
}

// Sum returns the total of all weights.
func (w RankingWeights) Sum() float64 {
	return w.Coherence + w.Evidence + w.Relevance + w.Specificity + w.Novelty + w.Credibility
}

// RankingConfig configures the ranking stage.
type RankingConfig struct {
	Weights RankingWeights `yaml:"weights"`
}

// EvolutionConfig holds the evolution selection thresholds.
type EvolutionConfig struct {
	EvidenceThreshold  float64 `yaml:"evidence_threshold" validate:"gte=0,lte=1"`
	RoomForImprovement float64 `yaml:"room_for_improvement" validate:"gte=0,lte=10"`
	MaxSelected        int     `yaml:"max_selected" validate:"gte=1"`
	SearchResults      int     `yaml:"search_results" validate:"gte=0"`
}

// MetaReviewConfig configures the meta-review stage.
type MetaReviewConfig struct {
	BottleneckThreshold float64 `yaml:"bottleneck_threshold" validate:"gt=0,lt=1"`
	HistorySize         int     `yaml:"history_size" validate:"gte=1"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "secondmind",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider:          "gemini",
			Model:             "gemini-2.0-flash",
			Timeout:           "30s",
			RequestsPerMinute: 30,
			MaxAttempts:       3,
		},

		Store: StoreConfig{
			Enabled: true,
			BaseURL: "http://localhost:5000",
			Timeout: "5s",
		},

		Evidence: EvidenceConfig{
			SearchEndpoint:     "https://serpapi.com/search",
			SearchTypes:        []string{"web"},
			ResultsPerType:     5,
			MaxConcurrentFetch: 4,
			FetchTimeout:       "15s",
			MinSearchInterval:  "1s",
			BrowserHeadless:    true,
		},

		Pipeline: PipelineConfig{
			Cycles:        3,
			MinHypotheses: 3,
			MaxHypotheses: 5,
			StageTimeout:  "2m",
		},

		Ranking: RankingConfig{
			Weights: RankingWeights{
				Coherence:   0.20,
				Evidence:    0.25,
				Relevance:   0.20,
				Specificity: 0.10,
				Novelty:     0.10,
				Credibility: 0.15,
			},
		},

		Evolution: EvolutionConfig{
			EvidenceThreshold:  0.6,
			RoomForImprovement: 8.0,
			MaxSelected:        3,
			SearchResults:      2,
		},

		MetaReview: MetaReviewConfig{
			BottleneckThreshold: 0.25,
			HistorySize:         5,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
// Environment overrides apply in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "gemini"
		}
	}
	if model := os.Getenv("SECONDMIND_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if key := os.Getenv("SERPAPI_API_KEY"); key != "" {
		c.Evidence.SerpAPIKey = key
	}
	if url := os.Getenv("SECONDMIND_STORE_URL"); url != "" {
		c.Store.BaseURL = url
		c.Store.Enabled = true
	}
	if path := os.Getenv("SECONDMIND_JOURNAL"); path != "" {
		c.Store.JournalPath = path
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the oracle timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 30*time.Second)
}

// GetStoreTimeout returns the context-store timeout as a duration.
func (c *Config) GetStoreTimeout() time.Duration {
	return parseDuration(c.Store.Timeout, 5*time.Second)
}

// GetFetchTimeout returns the page fetch timeout as a duration.
func (c *Config) GetFetchTimeout() time.Duration {
	return parseDuration(c.Evidence.FetchTimeout, 15*time.Second)
}

// GetMinSearchInterval returns the minimum spacing between search requests.
func (c *Config) GetMinSearchInterval() time.Duration {
	return parseDuration(c.Evidence.MinSearchInterval, time.Second)
}

// GetStageTimeout returns the per-stage timeout as a duration.
func (c *Config) GetStageTimeout() time.Duration {
	return parseDuration(c.Pipeline.StageTimeout, 2*time.Minute)
}

// ValidProviders lists the supported oracle providers.
var ValidProviders = []string{"gemini", "offline"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if !slices.Contains(ValidProviders, c.LLM.Provider) {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.LLM.Provider == "gemini" && c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set GEMINI_API_KEY or use provider \"offline\")")
	}

	if c.Store.Enabled && c.Store.BaseURL == "" {
		return fmt.Errorf("store enabled but base_url is empty")
	}

	if sum := c.Ranking.Weights.Sum(); math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("ranking weights must sum to 1.0, got %.6f", sum)
	}
	return nil
}
