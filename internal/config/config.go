// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Dispatch modes select how the advance controller reaches stage handlers.
const (
	DispatchHTTP  = "http"
	DispatchLocal = "local"
)

// Continuation modes select how the controller re-triggers itself.
const (
	ContinueHTTP   = "http"
	ContinueLoop   = "loop"
	ContinuePubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	DB         DBConfig         `mapstructure:"db"`
	Apify      ApifyConfig      `mapstructure:"apify"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Generation GenerationConfig `mapstructure:"generation"`
	Vector     VectorConfig     `mapstructure:"vector"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig holds the cron bearer secret and the admin API key.
type AuthConfig struct {
	CronSecret string `mapstructure:"cron_secret"`
	APIKey     string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PipelineConfig governs the job state machine and its advance protocol.
type PipelineConfig struct {
	BatchSize          int    `mapstructure:"batch_size"`
	MaxRetries         int    `mapstructure:"max_retries"`
	TriggerHour        int    `mapstructure:"trigger_hour"`
	FreshnessHours     int    `mapstructure:"freshness_hours"`
	Namespace          string `mapstructure:"namespace"`
	Dispatch           string `mapstructure:"dispatch"`
	Continuation       string `mapstructure:"continuation"`
	BaseURL            string `mapstructure:"base_url"`
	StageTimeoutSecond int    `mapstructure:"stage_timeout_seconds"`
	TopK               int    `mapstructure:"top_k"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// ApifyConfig configures the scraping actor API.
type ApifyConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	ActorID        string `mapstructure:"actor_id"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// EmbeddingConfig configures the Gemini embedding model.
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
}

// GenerationConfig configures the Anthropic generation model.
type GenerationConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// VectorConfig configures the Elasticsearch vector index.
type VectorConfig struct {
	Addresses []string `mapstructure:"addresses"`
	APIKey    string   `mapstructure:"api_key"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

// TelegramConfig configures the delivery bot. The global limit covers the
// whole bot; the chat limit applies to each chat separately.
type TelegramConfig struct {
	Token                 string  `mapstructure:"token"`
	MessagesPerSecond     float64 `mapstructure:"messages_per_second"`
	Burst                 int     `mapstructure:"burst"`
	ChatMessagesPerSecond float64 `mapstructure:"chat_messages_per_second"`
	ChatBurst             int     `mapstructure:"chat_burst"`
}

// StorageConfig selects where malformed scrape items are quarantined.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the continuation topic and subscription.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// ScheduleConfig drives the built-in cron trigger.
type ScheduleConfig struct {
	Spec string `mapstructure:"spec"`
}

// TracingConfig toggles OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	// ProjectID enables export to Cloud Trace; spans stay in-process without it.
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SIGNALS")
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
	applyLegacyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("pipeline.batch_size", 10)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.trigger_hour", 4)
	v.SetDefault("pipeline.freshness_hours", 24)
	v.SetDefault("pipeline.namespace", "default")
	v.SetDefault("pipeline.dispatch", DispatchHTTP)
	v.SetDefault("pipeline.continuation", ContinueHTTP)
	v.SetDefault("pipeline.base_url", "http://localhost:8080")
	v.SetDefault("pipeline.stage_timeout_seconds", 300)
	v.SetDefault("pipeline.top_k", 10)
	v.SetDefault("db.backend", "postgres")
	v.SetDefault("db.max_conns", 5)
	v.SetDefault("db.migrate", false)
	v.SetDefault("apify.base_url", "https://api.apify.com/v2")
	v.SetDefault("apify.actor_id", "curious_coder~linkedin-post-search-scraper")
	v.SetDefault("apify.timeout_seconds", 60)
	v.SetDefault("embedding.model", "gemini-embedding-001")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("generation.model", "claude-sonnet-4-5")
	v.SetDefault("generation.max_tokens", 1024)
	v.SetDefault("vector.addresses", []string{"http://localhost:9200"})
	v.SetDefault("vector.index", "linkedin-posts")
	v.SetDefault("telegram.messages_per_second", 25)
	v.SetDefault("telegram.burst", 1)
	v.SetDefault("telegram.chat_messages_per_second", 1)
	v.SetDefault("telegram.chat_burst", 1)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "quarantine")
	v.SetDefault("storage.prefix", "quarantine")
	v.SetDefault("schedule.spec", "*/5 * * * *")
	v.SetDefault("tracing.service_name", "linkedin-signals")
}

// applyLegacyEnv fills secrets from the unprefixed variable names deployments already use.
func applyLegacyEnv(cfg *Config) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fill(&cfg.Auth.CronSecret, "CRON_SECRET")
	fill(&cfg.Apify.Token, "APIFY_API_TOKEN")
	fill(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	fill(&cfg.Embedding.APIKey, "GEMINI_API_KEY")
	fill(&cfg.Generation.APIKey, "ANTHROPIC_API_KEY")
	fill(&cfg.DB.DSN, "DATABASE_URL")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be > 0")
	}
	if c.Pipeline.MaxRetries <= 0 {
		return fmt.Errorf("pipeline.max_retries must be > 0")
	}
	if c.Pipeline.TriggerHour < 0 || c.Pipeline.TriggerHour > 23 {
		return fmt.Errorf("pipeline.trigger_hour must be between 0 and 23")
	}
	if c.Pipeline.FreshnessHours <= 0 {
		return fmt.Errorf("pipeline.freshness_hours must be > 0")
	}
	switch c.Pipeline.Dispatch {
	case DispatchHTTP, DispatchLocal:
	default:
		return fmt.Errorf("pipeline.dispatch must be %q or %q", DispatchHTTP, DispatchLocal)
	}
	switch c.Pipeline.Continuation {
	case ContinueHTTP, ContinueLoop:
	case ContinuePubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic must be set for pubsub continuation")
		}
	default:
		return fmt.Errorf("pipeline.continuation must be one of %q, %q, %q", ContinueHTTP, ContinueLoop, ContinuePubSub)
	}
	if c.Pipeline.Dispatch == DispatchHTTP && c.Pipeline.BaseURL == "" {
		return fmt.Errorf("pipeline.base_url must be set for http dispatch")
	}
	switch c.DB.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("db.backend must be postgres or memory")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be gcs, local or memory")
	}
	return nil
}

// Freshness returns the rolling eligibility window for posts.
func (c Config) Freshness() time.Duration {
	return time.Duration(c.Pipeline.FreshnessHours) * time.Hour
}

// StageTimeout bounds a single dispatched stage call.
func (c Config) StageTimeout() time.Duration {
	return time.Duration(c.Pipeline.StageTimeoutSecond) * time.Second
}

// ApifyTimeout bounds a single call to the scraping actor API.
func (c Config) ApifyTimeout() time.Duration {
	return time.Duration(c.Apify.TimeoutSeconds) * time.Second
}
