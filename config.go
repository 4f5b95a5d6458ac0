package htm

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MadBomber/htm/internal/errs"
	"github.com/MadBomber/htm/internal/timeframe"
)

// EmbedFunc generates an embedding vector for a text. Implementations
// wrap whatever model the host runs; OllamaEmbedder and GenAIEmbedder
// cover the common cases.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// TagFunc proposes hierarchical tag names for a text. The ontology sample
// anchors naming to existing conventions.
type TagFunc func(ctx context.Context, text string, ontology []string) ([]string, error)

// TokenCounterFunc counts tokens for working-memory budgeting.
type TokenCounterFunc func(text string) int

// EnqueueJobFunc hands an enrichment job to external queue infrastructure
// when Jobs.Mode is "external".
type EnqueueJobFunc func(ctx context.Context, job EnrichmentJob) error

// Job execution modes.
const (
	JobModeInline   = "inline"
	JobModePool     = "pool"
	JobModeExternal = "external"
)

// Context assembly strategies.
const (
	StrategyRecent    = "recent"
	StrategyImportant = "important"
	StrategyBalanced  = "balanced"
)

// Config configures a Hive. The zero value plus a DatabasePath is a
// working setup: no embeddings, no auto-tagging, fulltext-only recall.
type Config struct {
	// DatabasePath is the SQLite file, or ":memory:" for ephemeral use.
	DatabasePath string `yaml:"database_path"`

	Store struct {
		BusyTimeout  time.Duration `yaml:"busy_timeout"`
		OpTimeout    time.Duration `yaml:"op_timeout"`
		MaxConns     int           `yaml:"max_conns"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"store"`

	Embedding struct {
		// Provider: "none", "ollama", "genai", or "custom" (set Func).
		Provider string        `yaml:"provider"`
		Endpoint string        `yaml:"endpoint"` // ollama
		Model    string        `yaml:"model"`
		APIKey   string        `yaml:"api_key"` // genai; env GEMINI_API_KEY also honored
		Timeout  time.Duration `yaml:"timeout"`

		Func EmbedFunc `yaml:"-"`
	} `yaml:"embedding"`

	Tags struct {
		MaxDepth       int           `yaml:"max_depth"`
		OntologySample int           `yaml:"ontology_sample"`
		Timeout        time.Duration `yaml:"timeout"`

		Func TagFunc `yaml:"-"`
	} `yaml:"tags"`

	Jobs struct {
		Mode        string `yaml:"mode"` // inline | pool | external
		Concurrency int    `yaml:"concurrency"`

		Enqueue EnqueueJobFunc `yaml:"-"`
	} `yaml:"jobs"`

	WorkingMemory struct {
		MaxTokens int    `yaml:"max_tokens"`
		Strategy  string `yaml:"strategy"` // recent | important | balanced
	} `yaml:"working_memory"`

	Recall struct {
		CacheSize     int           `yaml:"cache_size"`
		CacheTTL      time.Duration `yaml:"cache_ttl"`
		DefaultLimit  int           `yaml:"default_limit"`
		AccessFlush   time.Duration `yaml:"access_flush"`
		WeekStartsOn  string        `yaml:"week_starts_on"` // sunday | monday
	} `yaml:"recall"`

	Limits struct {
		MaxContentBytes int `yaml:"max_content_bytes"`
		MaxTags         int `yaml:"max_tags"`
	} `yaml:"limits"`

	Files struct {
		ChunkTokens int           `yaml:"chunk_tokens"`
		Extensions  []string      `yaml:"extensions"`
		Debounce    time.Duration `yaml:"watch_debounce"`
	} `yaml:"files"`

	// CountTokens overrides the chars-per-token heuristic.
	CountTokens TokenCounterFunc `yaml:"-"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	var c Config
	c.DatabasePath = "htm.db"
	c.applyDefaults()
	return c
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("%w: read config: %v", errs.ErrConfiguration, err)
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%w: parse config: %v", errs.ErrConfiguration, err)
	}
	c.applyDefaults()
	return c, c.Validate()
}

func (c *Config) applyDefaults() {
	if c.Store.BusyTimeout <= 0 {
		c.Store.BusyTimeout = 5 * time.Second
	}
	if c.Store.OpTimeout <= 0 {
		c.Store.OpTimeout = 30 * time.Second
	}
	if c.Store.MaxConns <= 0 {
		c.Store.MaxConns = 10
	}
	if c.Store.PollInterval <= 0 {
		c.Store.PollInterval = 200 * time.Millisecond
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "none"
	}
	if c.Embedding.Timeout <= 0 {
		c.Embedding.Timeout = 120 * time.Second
	}
	if c.Tags.MaxDepth <= 0 {
		c.Tags.MaxDepth = 4
	}
	if c.Tags.OntologySample <= 0 {
		c.Tags.OntologySample = 100
	}
	if c.Tags.Timeout <= 0 {
		c.Tags.Timeout = 180 * time.Second
	}
	if c.Jobs.Mode == "" {
		c.Jobs.Mode = JobModePool
	}
	if c.Jobs.Concurrency <= 0 {
		c.Jobs.Concurrency = 5
	}
	if c.WorkingMemory.MaxTokens <= 0 {
		c.WorkingMemory.MaxTokens = 128_000
	}
	if c.WorkingMemory.Strategy == "" {
		c.WorkingMemory.Strategy = StrategyBalanced
	}
	if c.Recall.CacheSize <= 0 {
		c.Recall.CacheSize = 1000
	}
	if c.Recall.CacheTTL <= 0 {
		c.Recall.CacheTTL = 60 * time.Second
	}
	if c.Recall.DefaultLimit <= 0 {
		c.Recall.DefaultLimit = 10
	}
	if c.Recall.AccessFlush <= 0 {
		c.Recall.AccessFlush = time.Second
	}
	if c.Recall.WeekStartsOn == "" {
		c.Recall.WeekStartsOn = "sunday"
	}
	if c.Limits.MaxContentBytes <= 0 {
		c.Limits.MaxContentBytes = 1 << 20
	}
	if c.Limits.MaxTags <= 0 {
		c.Limits.MaxTags = 1000
	}
	if c.Files.ChunkTokens <= 0 {
		c.Files.ChunkTokens = 512
	}
	if c.Files.Debounce <= 0 {
		c.Files.Debounce = 500 * time.Millisecond
	}
}

// Validate rejects configurations Open could not honor.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("%w: database_path is required", errs.ErrConfiguration)
	}
	switch c.Embedding.Provider {
	case "none", "custom":
	case "ollama":
		if c.Embedding.Endpoint == "" || c.Embedding.Model == "" {
			return fmt.Errorf("%w: ollama embedding requires endpoint and model", errs.ErrConfiguration)
		}
	case "genai":
		if c.Embedding.APIKey == "" && os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: genai embedding requires an API key", errs.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", errs.ErrConfiguration, c.Embedding.Provider)
	}
	switch c.Jobs.Mode {
	case JobModeInline, JobModePool:
	case JobModeExternal:
		if c.Jobs.Enqueue == nil {
			return fmt.Errorf("%w: external job mode requires an enqueue function", errs.ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown job mode %q", errs.ErrConfiguration, c.Jobs.Mode)
	}
	switch c.WorkingMemory.Strategy {
	case StrategyRecent, StrategyImportant, StrategyBalanced:
	default:
		return fmt.Errorf("%w: unknown working-memory strategy %q", errs.ErrConfiguration, c.WorkingMemory.Strategy)
	}
	switch c.Recall.WeekStartsOn {
	case "sunday", "monday":
	default:
		return fmt.Errorf("%w: week_starts_on must be sunday or monday", errs.ErrConfiguration)
	}
	return nil
}

func (c *Config) weekStart() timeframe.WeekStart {
	if c.Recall.WeekStartsOn == "monday" {
		return timeframe.Monday
	}
	return timeframe.Sunday
}
