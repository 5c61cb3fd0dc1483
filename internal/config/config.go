// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
)

// EnvPrefix is prepended to every environment override, e.g.
// CRAWLSEARCH_FETCH_WORKERS.
const EnvPrefix = "CRAWLSEARCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Frontier     FrontierConfig     `mapstructure:"frontier"`
	Fetch        FetchConfig        `mapstructure:"fetch"`
	Processor    ProcessorConfig    `mapstructure:"processor"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Index        IndexConfig        `mapstructure:"index"`
	Search       SearchConfig       `mapstructure:"search"`
	Storage      StorageConfig      `mapstructure:"storage"`
	DB           DBConfig           `mapstructure:"db"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig holds the HS256 secrets for the two API surfaces.
type AuthConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SearchSecret string `mapstructure:"search_secret"`
	CrawlSecret  string `mapstructure:"crawl_secret"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// FrontierConfig tunes politeness and per-job queue limits.
type FrontierConfig struct {
	MinInterval          time.Duration `mapstructure:"min_interval"`
	MaxOutstandingPerJob int           `mapstructure:"max_outstanding_per_job"`
	DequeueBudget        int           `mapstructure:"dequeue_budget"`
}

// FetchConfig governs the worker pool and the colly fetcher.
type FetchConfig struct {
	Workers          int           `mapstructure:"workers"`
	Timeout          time.Duration `mapstructure:"timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	RespectRobots    bool          `mapstructure:"respect_robots"`
	MaxBodyBytes     int           `mapstructure:"max_body_bytes"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	IdleBackoff      time.Duration `mapstructure:"idle_backoff"`
}

// ProcessorConfig governs document processing.
type ProcessorConfig struct {
	Workers       int `mapstructure:"workers"`
	QueueDepth    int `mapstructure:"queue_depth"`
	SnippetLength int `mapstructure:"snippet_length"`
}

// OrchestratorConfig governs job admission and termination.
type OrchestratorConfig struct {
	FailureFraction float64             `mapstructure:"failure_fraction"`
	MinSample       int                 `mapstructure:"min_sample"`
	MaxDepthDefault int                 `mapstructure:"max_depth_default"`
	MaxPagesDefault int                 `mapstructure:"max_pages_default"`
	SeedPriority    int                 `mapstructure:"seed_priority"`
	SignalBuffer    int                 `mapstructure:"signal_buffer"`
	DefaultSeeds    map[string][]string `mapstructure:"default_seeds"`
}

// IndexConfig tunes the in-memory search index and its analyzer.
type IndexConfig struct {
	Shards      int     `mapstructure:"shards"`
	Stemming    bool    `mapstructure:"stemming"`
	TitleWeight float64 `mapstructure:"title_weight"`
}

// SearchConfig bounds result pages.
type SearchConfig struct {
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
}

// StorageConfig selects the job store and raw-page archive backends.
type StorageConfig struct {
	JobStore     string `mapstructure:"job_store"`
	Blob         string `mapstructure:"blob"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	Prefix       string `mapstructure:"prefix"`
	CacheControl string `mapstructure:"cache_control"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig selects where job events are published.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from an optional file plus the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", true)
	v.SetDefault("frontier.min_interval", time.Second)
	v.SetDefault("frontier.max_outstanding_per_job", 1000)
	v.SetDefault("frontier.dequeue_budget", 0)
	v.SetDefault("fetch.workers", 8)
	v.SetDefault("fetch.timeout", 10*time.Second)
	v.SetDefault("fetch.user_agent", "crawlsearch-bot/0.1")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.failure_threshold", 5)
	v.SetDefault("fetch.watchdog_interval", 2*time.Minute)
	v.SetDefault("fetch.idle_backoff", 200*time.Millisecond)
	v.SetDefault("processor.workers", 2)
	v.SetDefault("processor.queue_depth", 64)
	v.SetDefault("processor.snippet_length", 200)
	v.SetDefault("orchestrator.failure_fraction", 0.5)
	v.SetDefault("orchestrator.min_sample", 10)
	v.SetDefault("orchestrator.max_depth_default", 2)
	v.SetDefault("orchestrator.max_pages_default", 200)
	v.SetDefault("orchestrator.seed_priority", 100)
	v.SetDefault("orchestrator.signal_buffer", 1024)
	v.SetDefault("index.shards", 16)
	v.SetDefault("index.stemming", true)
	v.SetDefault("index.title_weight", 3.0)
	v.SetDefault("search.default_page_size", 50)
	v.SetDefault("search.max_page_size", 100)
	v.SetDefault("storage.job_store", "memory")
	v.SetDefault("storage.blob", "none")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("db.table", "crawl_jobs")
	v.SetDefault("pubsub.provider", "none")
	v.SetDefault("pubsub.topic_name", "crawl-jobs")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "crawlsearch")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && (c.Auth.SearchSecret == "" || c.Auth.CrawlSecret == "") {
		return fmt.Errorf("auth.search_secret and auth.crawl_secret must be set when auth is enabled")
	}
	if c.Fetch.Workers <= 0 {
		return fmt.Errorf("fetch.workers must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Processor.Workers <= 0 {
		return fmt.Errorf("processor.workers must be > 0")
	}
	if c.Orchestrator.FailureFraction <= 0 || c.Orchestrator.FailureFraction > 1 {
		return fmt.Errorf("orchestrator.failure_fraction must be in (0, 1]")
	}
	if c.Search.DefaultPageSize <= 0 || c.Search.MaxPageSize < c.Search.DefaultPageSize {
		return fmt.Errorf("search.default_page_size must be > 0 and <= search.max_page_size")
	}
	switch c.Storage.JobStore {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when storage.job_store is postgres")
		}
	default:
		return fmt.Errorf("storage.job_store must be memory or postgres, got %q", c.Storage.JobStore)
	}
	switch c.Storage.Blob {
	case "none", "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required when storage.blob is gcs")
		}
	default:
		return fmt.Errorf("storage.blob must be none, memory or gcs, got %q", c.Storage.Blob)
	}
	switch c.PubSub.Provider {
	case "none", "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required for the pubsub provider")
		}
	default:
		return fmt.Errorf("pubsub.provider must be none, memory or pubsub, got %q", c.PubSub.Provider)
	}
	if _, err := c.DefaultSeeds(); err != nil {
		return err
	}
	return nil
}

// DefaultSeeds converts orchestrator.default_seeds into typed domains.
func (c Config) DefaultSeeds() (map[crawler.Domain][]string, error) {
	out := make(map[crawler.Domain][]string, len(c.Orchestrator.DefaultSeeds))
	keys := make([]string, 0, len(c.Orchestrator.DefaultSeeds))
	for k := range c.Orchestrator.DefaultSeeds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d, err := crawler.ParseDomain(k)
		if err != nil {
			return nil, fmt.Errorf("orchestrator.default_seeds: %w", err)
		}
		out[d] = append(out[d], c.Orchestrator.DefaultSeeds[k]...)
	}
	return out, nil
}
