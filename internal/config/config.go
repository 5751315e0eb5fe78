// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. STAGECRAWL_SERVER_PORT.
const EnvPrefix = "STAGECRAWL"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Schemas   SchemasConfig   `mapstructure:"schemas"`
	Media     MediaConfig     `mapstructure:"media"`
	Cleaning  CleaningConfig  `mapstructure:"cleaning"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	// StandardTasks maps a name to a task definition file that can be run by name.
	StandardTasks map[string]string `mapstructure:"standard_tasks"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs dispatcher and page fetch behavior.
type CrawlerConfig struct {
	Concurrency         int    `mapstructure:"concurrency"`
	QueueDepth          int    `mapstructure:"queue_depth"`
	UserAgent           string `mapstructure:"user_agent"`
	RespectRobots       bool   `mapstructure:"respect_robots"`
	FetchTimeoutSeconds int    `mapstructure:"fetch_timeout_seconds"`
	MaxPageBytes        int    `mapstructure:"max_page_bytes"`
	MaxRetries          int    `mapstructure:"max_retries"`
	RetryBackoffMs      int    `mapstructure:"retry_backoff_ms"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	MaxParallel        int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds  int  `mapstructure:"nav_timeout_seconds"`
	PromotionThreshold int  `mapstructure:"promotion_threshold"`
}

// RateLimitConfig sets per-host request pacing.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// StorageConfig selects and configures the artifact store.
type StorageConfig struct {
	Backend             string             `mapstructure:"backend"`
	Bucket              string             `mapstructure:"bucket"`
	Prefix              string             `mapstructure:"prefix"`
	Local               LocalStorageConfig `mapstructure:"local"`
	WriteTimeoutSeconds int                `mapstructure:"write_timeout_seconds"`
	PresignTTLMinutes   int                `mapstructure:"presign_ttl_minutes"`
	// SignerEmail and SignerKeyFile enable V4 signing without ambient credentials.
	SignerEmail   string `mapstructure:"signer_email"`
	SignerKeyFile string `mapstructure:"signer_key_file"`
}

// LocalStorageConfig configures the filesystem store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls access to Postgres. An empty DSN keeps runs in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Dedup ledger backends.
const (
	DedupMemory   = "memory"
	DedupPostgres = "postgres"
	DedupSQLite   = "sqlite"
	DedupRedis    = "redis"
)

// DedupConfig selects the dedup ledger and its bloom prefilter.
type DedupConfig struct {
	Backend       string  `mapstructure:"backend"`
	SQLitePath    string  `mapstructure:"sqlite_path"`
	RedisAddr     string  `mapstructure:"redis_addr"`
	RedisPassword string  `mapstructure:"redis_password"`
	RedisDB       int     `mapstructure:"redis_db"`
	BloomCapacity uint    `mapstructure:"bloom_capacity"`
	BloomFPRate   float64 `mapstructure:"bloom_fp_rate"`
}

// LLMConfig holds the environment defaults for structured extraction.
type LLMConfig struct {
	DefaultProvider    string   `mapstructure:"default_provider"`
	DefaultModel       string   `mapstructure:"default_model"`
	DefaultCredential  string   `mapstructure:"default_credential"`
	DefaultBaseURL     string   `mapstructure:"default_base_url"`
	DefaultTemperature *float64 `mapstructure:"default_temperature"`
	DefaultMaxTokens   *int     `mapstructure:"default_max_tokens"`
	TimeoutSeconds     int      `mapstructure:"timeout_seconds"`
}

// TemplatesConfig locates prompt templates.
type TemplatesConfig struct {
	Root              string `mapstructure:"root"`
	DefaultPrompt     string `mapstructure:"default_prompt"`
	DefaultPromptFile string `mapstructure:"default_prompt_file"`
}

// SchemasConfig locates output schemas.
type SchemasConfig struct {
	Root              string `mapstructure:"root"`
	DefaultSchemaFile string `mapstructure:"default_schema_file"`
}

// MediaConfig controls image and attachment downloads.
type MediaConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	MaxPerPage       int  `mapstructure:"max_per_page"`
	Parallelism      int  `mapstructure:"parallelism"`
	TimeoutSeconds   int  `mapstructure:"timeout_seconds"`
	DefaultMaxSizeMB int  `mapstructure:"default_max_size_mb"`
}

// CleaningConfig tunes the content cleaner.
type CleaningConfig struct {
	DefaultThreshold float64 `mapstructure:"default_threshold"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig configures the progress hub.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
}

// ProgressBatchConfig bounds hub batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.user_agent", "stagecrawl/0.1")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.fetch_timeout_seconds", 30)
	v.SetDefault("crawler.max_page_bytes", 10<<20)
	v.SetDefault("crawler.max_retries", 2)
	v.SetDefault("crawler.retry_backoff_ms", 250)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 200)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("storage.write_timeout_seconds", 30)
	v.SetDefault("storage.presign_ttl_minutes", 60)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("dedup.backend", DedupMemory)
	v.SetDefault("dedup.sqlite_path", "stagecrawl-dedup.db")
	v.SetDefault("dedup.redis_addr", "localhost:6379")
	v.SetDefault("dedup.bloom_capacity", 0)
	v.SetDefault("dedup.bloom_fp_rate", 0.01)
	v.SetDefault("llm.default_provider", "openai")
	v.SetDefault("llm.default_model", "gpt-4")
	v.SetDefault("llm.timeout_seconds", 60)
	v.SetDefault("templates.root", "templates")
	v.SetDefault("schemas.root", "schemas")
	v.SetDefault("media.enabled", true)
	v.SetDefault("media.max_per_page", 50)
	v.SetDefault("media.parallelism", 4)
	v.SetDefault("media.timeout_seconds", 30)
	v.SetDefault("media.default_max_size_mb", 10)
	v.SetDefault("cleaning.default_threshold", 0.3)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("logging.development", true)

	// Registered so AutomaticEnv can override them during Unmarshal.
	for _, key := range []string{
		"auth.api_key", "storage.bucket", "storage.prefix", "storage.signer_email", "storage.signer_key_file",
		"database.dsn", "dedup.redis_password", "llm.default_credential", "llm.default_base_url",
		"templates.default_prompt", "templates.default_prompt_file", "schemas.default_schema_file",
		"pubsub.project_id", "pubsub.topic_name",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("dedup.redis_db", 0)
}

// Validate enforces required values and reasonable limits. Every problem is reported.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(c.Crawler.Concurrency > 0, "crawler.concurrency must be > 0")
	check(c.Crawler.QueueDepth >= 0, "crawler.queue_depth must be >= 0")
	check(c.Crawler.FetchTimeoutSeconds > 0, "crawler.fetch_timeout_seconds must be > 0")
	check(c.Crawler.MaxRetries >= 0, "crawler.max_retries must be >= 0")
	check(!c.Headless.Enabled || c.Headless.MaxParallel > 0, "headless.max_parallel must be > 0 when headless is enabled")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(!c.RateLimit.Enabled || c.RateLimit.DefaultRPS > 0, "rate_limit.default_rps must be > 0 when rate limiting is enabled")
	check(c.Cleaning.DefaultThreshold >= 0 && c.Cleaning.DefaultThreshold <= 1, "cleaning.default_threshold must be within [0,1]")
	check(c.Media.DefaultMaxSizeMB > 0, "media.default_max_size_mb must be > 0")
	check(c.LLM.TimeoutSeconds > 0, "llm.timeout_seconds must be > 0")
	check(c.Dedup.BloomFPRate > 0 && c.Dedup.BloomFPRate < 1, "dedup.bloom_fp_rate must be within (0,1)")

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		check(c.Storage.Local.BaseDir != "", "storage.local.base_dir is required for the local backend")
	case StorageGCS:
		check(c.Storage.Bucket != "", "storage.bucket is required for the gcs backend")
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend))
	}

	switch c.Dedup.Backend {
	case DedupMemory:
	case DedupPostgres:
		check(c.Database.DSN != "", "database.dsn is required for the postgres dedup backend")
	case DedupSQLite:
		check(c.Dedup.SQLitePath != "", "dedup.sqlite_path is required for the sqlite dedup backend")
	case DedupRedis:
		check(c.Dedup.RedisAddr != "", "dedup.redis_addr is required for the redis dedup backend")
	default:
		errs = append(errs, fmt.Errorf("dedup.backend %q is not one of memory, postgres, sqlite, redis", c.Dedup.Backend))
	}

	return errors.Join(errs...)
}

// FetchTimeout is the page fetch deadline.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.FetchTimeoutSeconds) * time.Second
}

// RequestTimeout bounds API request handling.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// PresignTTL is the lifetime of URLs returned by the logs endpoint.
func (c Config) PresignTTL() time.Duration {
	return time.Duration(c.Storage.PresignTTLMinutes) * time.Minute
}
