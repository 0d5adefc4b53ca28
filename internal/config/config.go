// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Render    RenderConfig    `mapstructure:"render"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// DBConfig controls access to the Postgres record store. An empty DSN selects
// the in-memory store (dry-run mode).
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects the object store used to stage document bytes for
// asynchronous recognition. An empty bucket selects the in-memory store.
type StorageConfig struct {
	GCSBucket     string `mapstructure:"gcs_bucket"`
	StagingPrefix string `mapstructure:"staging_prefix"`
	OutputPrefix  string `mapstructure:"output_prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. Empty
// values disable publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SchedulerConfig governs the recurring crawl trigger.
type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	MisfireGrace time.Duration `mapstructure:"misfire_grace"`
}

// RenderConfig configures the headless rendering subsystem.
type RenderConfig struct {
	BaseTimeout    time.Duration `mapstructure:"base_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
	ViewportWidth  int64         `mapstructure:"viewport_width"`
	ViewportHeight int64         `mapstructure:"viewport_height"`
	UserAgent      string        `mapstructure:"user_agent"`
	AcceptLanguage string        `mapstructure:"accept_language"`
}

// FetchConfig configures asset byte downloads.
type FetchConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// OCRConfig governs recognition-service usage and retry behavior.
type OCRConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Deadline       time.Duration `mapstructure:"deadline"`
	BatchWait      time.Duration `mapstructure:"batch_wait"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PAGESIFT")
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
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("storage.staging_prefix", "pdfs")
	v.SetDefault("storage.output_prefix", "ocr_results")
	v.SetDefault("scheduler.interval", "10m")
	v.SetDefault("scheduler.misfire_grace", "60s")
	v.SetDefault("render.base_timeout", "15s")
	v.SetDefault("render.max_attempts", 3)
	v.SetDefault("render.settle_delay", "2s")
	v.SetDefault("render.viewport_width", 1366)
	v.SetDefault("render.viewport_height", 900)
	v.SetDefault("render.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36")
	v.SetDefault("render.accept_language", "en-US,en;q=0.9")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("ocr.enabled", true)
	v.SetDefault("ocr.max_attempts", 5)
	v.SetDefault("ocr.initial_backoff", "1s")
	v.SetDefault("ocr.max_backoff", "60s")
	v.SetDefault("ocr.deadline", "300s")
	v.SetDefault("ocr.batch_wait", "180s")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0")
	}
	if c.Render.MaxAttempts <= 0 {
		return fmt.Errorf("render.max_attempts must be > 0")
	}
	if c.Render.BaseTimeout <= 0 {
		return fmt.Errorf("render.base_timeout must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.OCR.MaxAttempts <= 0 {
		return fmt.Errorf("ocr.max_attempts must be > 0")
	}
	if c.OCR.Deadline <= 0 {
		return fmt.Errorf("ocr.deadline must be > 0")
	}
	return nil
}
