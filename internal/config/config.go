// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/bucket-folder-stats/internal/crawler"
	"github.com/JakeFAU/bucket-folder-stats/internal/retry"
)

// EnvPrefix prefixes environment overrides, e.g. FOLDERSTATS_STORE_PATH.
const EnvPrefix = "FOLDERSTATS"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Target  string        `mapstructure:"target"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Store   StoreConfig   `mapstructure:"store"`
	Server  ServerConfig  `mapstructure:"server"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RemoteConfig selects the object store and how listing calls are retried
// and throttled.
type RemoteConfig struct {
	Provider          string        `mapstructure:"provider"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffFactor     float64       `mapstructure:"backoff_factor"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	GCS               GCSConfig     `mapstructure:"gcs"`
	S3                S3Config      `mapstructure:"s3"`
}

// GCSConfig points the GCS client at an emulator when Endpoint is set.
type GCSConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	WithoutAuth bool   `mapstructure:"without_auth"`
}

// S3Config holds S3-compatible endpoint credentials.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	PathStyle bool   `mapstructure:"path_style"`
}

// CrawlConfig governs the crawl pipeline.
type CrawlConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	Workers          int           `mapstructure:"workers"`
	WriterPoll       time.Duration `mapstructure:"writer_poll"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
	IncludeRoot      bool          `mapstructure:"include_root"`
	GenerationPolicy string        `mapstructure:"generation_policy"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	Path        string        `mapstructure:"path"`
	DSN         string        `mapstructure:"dsn"`
	BusyRetries int           `mapstructure:"busy_retries"`
	BusyBackoff time.Duration `mapstructure:"busy_backoff"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// PubSubConfig holds the notification topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
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
	// AutomaticEnv only sees keys viper knows about, so every key gets a default.
	v.SetDefault("target", "")
	v.SetDefault("remote.provider", "gcs")
	v.SetDefault("remote.max_retries", 3)
	v.SetDefault("remote.initial_delay", time.Second)
	v.SetDefault("remote.backoff_factor", 2.0)
	v.SetDefault("remote.max_delay", 30*time.Second)
	v.SetDefault("remote.requests_per_second", 0.0)
	v.SetDefault("remote.burst", 1)
	v.SetDefault("remote.gcs.endpoint", "")
	v.SetDefault("remote.gcs.without_auth", false)
	v.SetDefault("remote.s3.endpoint", "")
	v.SetDefault("remote.s3.region", "")
	v.SetDefault("remote.s3.access_key", "")
	v.SetDefault("remote.s3.secret_key", "")
	v.SetDefault("remote.s3.use_ssl", true)
	v.SetDefault("remote.s3.path_style", true)
	v.SetDefault("crawl.batch_size", 11000)
	v.SetDefault("crawl.queue_capacity", 64)
	v.SetDefault("crawl.workers", 1)
	v.SetDefault("crawl.writer_poll", time.Second)
	v.SetDefault("crawl.monitor_interval", 5*time.Second)
	v.SetDefault("crawl.include_root", false)
	v.SetDefault("crawl.generation_policy", "")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "folder_stats.db")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.busy_retries", 5)
	v.SetDefault("store.busy_backoff", 2*time.Second)
	v.SetDefault("store.busy_timeout", 5*time.Second)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Target != "" {
		if _, err := crawler.ParseTarget(c.Target); err != nil {
			return fmt.Errorf("target: %w", err)
		}
	}
	switch c.Remote.Provider {
	case "gcs", "memory":
	case "s3":
		if c.Remote.S3.Endpoint == "" {
			return fmt.Errorf("remote.s3.endpoint is required for the s3 provider")
		}
	default:
		return fmt.Errorf("remote.provider must be gcs, s3 or memory, got %q", c.Remote.Provider)
	}
	if c.Remote.MaxRetries <= 0 {
		return fmt.Errorf("remote.max_retries must be > 0")
	}
	if c.Remote.InitialDelay < 0 || c.Remote.MaxDelay < 0 {
		return fmt.Errorf("remote delays must not be negative")
	}
	if c.Remote.BackoffFactor < 1 {
		return fmt.Errorf("remote.backoff_factor must be >= 1")
	}
	if c.Remote.RequestsPerSecond < 0 {
		return fmt.Errorf("remote.requests_per_second must not be negative")
	}
	if c.Crawl.BatchSize <= 0 {
		return fmt.Errorf("crawl.batch_size must be > 0")
	}
	if c.Crawl.QueueCapacity <= 0 {
		return fmt.Errorf("crawl.queue_capacity must be > 0")
	}
	if c.Crawl.Workers <= 0 {
		return fmt.Errorf("crawl.workers must be > 0")
	}
	if c.Crawl.WriterPoll <= 0 || c.Crawl.MonitorInterval <= 0 {
		return fmt.Errorf("crawl.writer_poll and crawl.monitor_interval must be > 0")
	}
	if !crawler.GenerationPolicy(c.Crawl.GenerationPolicy).Valid() {
		return fmt.Errorf("%w: crawl.generation_policy must be %q or %q",
			crawler.ErrMalformedInput, crawler.GenerationTruncate, crawler.GenerationVersion)
	}
	switch c.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite, postgres or memory, got %q", c.Store.Driver)
	}
	if c.Store.BusyRetries <= 0 {
		return fmt.Errorf("store.busy_retries must be > 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set when pubsub is enabled")
	}
	return nil
}

// TargetSpec parses the configured target. arg, when non-empty, overrides it.
func (c Config) TargetSpec(arg string) (crawler.Target, error) {
	raw := c.Target
	if arg != "" {
		raw = arg
	}
	if raw == "" {
		return crawler.Target{}, fmt.Errorf("%w: a bucket/prefix target is required", crawler.ErrMalformedInput)
	}
	return crawler.ParseTarget(raw)
}

// RemoteRetry converts the remote section into a retry policy.
func (c Config) RemoteRetry() retry.Policy {
	return retry.Policy{
		MaxRetries:    c.Remote.MaxRetries,
		InitialDelay:  c.Remote.InitialDelay,
		BackoffFactor: c.Remote.BackoffFactor,
		MaxDelay:      c.Remote.MaxDelay,
	}
}

// Policy returns the generation policy.
func (c Config) Policy() crawler.GenerationPolicy {
	return crawler.GenerationPolicy(c.Crawl.GenerationPolicy)
}
