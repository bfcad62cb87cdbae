// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/ecfr-mirror/internal/logging"
	"github.com/JakeFAU/ecfr-mirror/internal/telemetry"
)

// Storage backends.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Source    SourceConfig     `mapstructure:"source"`
	Ingest    IngestConfig     `mapstructure:"ingest"`
	Storage   StorageConfig    `mapstructure:"storage"`
	DB        DBConfig         `mapstructure:"db"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	Logging   logging.Config   `mapstructure:"logging"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SourceConfig points at the remote versioner API and tunes the HTTP client.
type SourceConfig struct {
	BaseURL             string  `mapstructure:"base_url"`
	UserAgent           string  `mapstructure:"user_agent"`
	IndexTimeoutSeconds int     `mapstructure:"index_timeout_seconds"`
	TitleTimeoutSeconds int     `mapstructure:"title_timeout_seconds"`
	MaxRetries          int     `mapstructure:"max_retries"`
	BackoffInitialMs    int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int     `mapstructure:"backoff_max_ms"`
	RateLimitRPS        float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst      int     `mapstructure:"rate_limit_burst"`
}

// IngestConfig governs the title fetch pipeline.
type IngestConfig struct {
	MaxWorkers int  `mapstructure:"max_workers"`
	Force      bool `mapstructure:"force"`
	// CarryOver merges persisted documents of titles not fetched in a run
	// into the rebuilt corpus. Off by default: the corpus holds only the
	// titles fetched successfully in the latest run.
	CarryOver bool `mapstructure:"carry_over"`
}

// StorageConfig selects where snapshot documents live.
type StorageConfig struct {
	Backend   string             `mapstructure:"backend"`
	Prefix    string             `mapstructure:"prefix"`
	GCSBucket string             `mapstructure:"gcs_bucket"`
	Local     LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DBConfig controls access to the run history database. An empty DSN
// disables run history.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	RunsTable              string `mapstructure:"runs_table"`
	TitlesTable            string `mapstructure:"titles_table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// PubSubConfig holds metadata for snapshot notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig toggles run progress tracking.
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

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ECFR")
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
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("source.base_url", "https://www.ecfr.gov/api/versioner/v1")
	v.SetDefault("source.user_agent", "ecfr-mirror/0.1")
	v.SetDefault("source.index_timeout_seconds", 30)
	v.SetDefault("source.title_timeout_seconds", 60)
	v.SetDefault("source.max_retries", 2)
	v.SetDefault("source.backoff_initial_ms", 500)
	v.SetDefault("source.backoff_max_ms", 5000)
	v.SetDefault("source.rate_limit_rps", 0)
	v.SetDefault("source.rate_limit_burst", 1)
	v.SetDefault("ingest.max_workers", 10)
	v.SetDefault("ingest.force", false)
	v.SetDefault("ingest.carry_over", false)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("db.runs_table", "ingest_runs")
	v.SetDefault("db.titles_table", "ingest_run_titles")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 256)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "ecfr-mirror")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if c.Source.IndexTimeoutSeconds <= 0 || c.Source.TitleTimeoutSeconds <= 0 {
		return fmt.Errorf("source.index_timeout_seconds and source.title_timeout_seconds must be > 0")
	}
	if c.Source.MaxRetries < 0 {
		return fmt.Errorf("source.max_retries must be >= 0")
	}
	if c.Ingest.MaxWorkers <= 0 {
		return fmt.Errorf("ingest.max_workers must be > 0")
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory (got %q)", c.Storage.Backend)
	}
	if c.DB.DSN != "" && c.DB.MinConns > c.DB.MaxConns && c.DB.MaxConns > 0 {
		return fmt.Errorf("db.min_conns must be <= db.max_conns")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Progress.Enabled && c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0 when progress is enabled")
	}
	return nil
}

// IndexTimeout is the per-call deadline for the title index.
func (c SourceConfig) IndexTimeout() time.Duration {
	return time.Duration(c.IndexTimeoutSeconds) * time.Second
}

// TitleTimeout is the per-call deadline for structure and versions documents.
func (c SourceConfig) TitleTimeout() time.Duration {
	return time.Duration(c.TitleTimeoutSeconds) * time.Second
}

// RequestTimeout bounds API handler execution.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
