// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	Token      TokenConfig      `mapstructure:"token"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Events     EventsConfig     `mapstructure:"events"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Blobs      BlobsConfig      `mapstructure:"blobs"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Capture    CaptureConfig    `mapstructure:"capture"`
	Model      ModelConfig      `mapstructure:"model"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the local control API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// RemoteConfig locates the remote job runner.
type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// TokenConfig governs the credential grant polling loop.
type TokenConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	MaxPollAttempts     int `mapstructure:"max_poll_attempts"`
}

// PollerConfig governs the active per-job polling loop.
type PollerConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	MaxAttempts     int `mapstructure:"max_attempts"`
}

// ReconcilerConfig governs the periodic reconciliation sweep.
type ReconcilerConfig struct {
	PeriodSeconds         int `mapstructure:"period_seconds"`
	ResultsTimeoutSeconds int `mapstructure:"results_timeout_seconds"`
	PurgeTimeoutSeconds   int `mapstructure:"purge_timeout_seconds"`
}

// EventsConfig caps the event log.
type EventsConfig struct {
	MaxEntries     int `mapstructure:"max_entries"`
	MaxScreenshots int `mapstructure:"max_screenshots"`
}

// StorageConfig locates the embedded key-value store.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// BlobsConfig selects the screenshot blob backend.
type BlobsConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// NotifyConfig wires outbound notification sinks.
type NotifyConfig struct {
	PubSubProjectID string `mapstructure:"pubsub_project_id"`
	PubSubTopic     string `mapstructure:"pubsub_topic"`
	WebhookURL      string `mapstructure:"webhook_url"`
	WebhookSecret   string `mapstructure:"webhook_secret"`
}

// CaptureConfig configures the headless capture provider.
type CaptureConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	UserAgent      string `mapstructure:"user_agent"`
	NavTimeoutSec  int    `mapstructure:"nav_timeout_seconds"`
	ViewportWidth  int    `mapstructure:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height"`
}

// ModelConfig holds the default vision model settings sent with jobs.
type ModelConfig struct {
	Name        string  `mapstructure:"name"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SOPHON")
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
	v.SetDefault("server.port", 8090)
	v.SetDefault("remote.timeout_seconds", 15)
	v.SetDefault("token.poll_interval_seconds", 3)
	v.SetDefault("token.max_poll_attempts", 600)
	v.SetDefault("poller.interval_seconds", 2)
	v.SetDefault("poller.max_attempts", 150)
	v.SetDefault("reconciler.period_seconds", 30)
	v.SetDefault("reconciler.results_timeout_seconds", 10)
	v.SetDefault("reconciler.purge_timeout_seconds", 5)
	v.SetDefault("events.max_entries", 200)
	v.SetDefault("events.max_screenshots", 50)
	v.SetDefault("storage.path", "data/sophon")
	v.SetDefault("blobs.provider", "local")
	v.SetDefault("blobs.base_dir", "data/screenshots")
	v.SetDefault("blobs.prefix", "screenshots")
	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.nav_timeout_seconds", 25)
	v.SetDefault("capture.viewport_width", 1280)
	v.SetDefault("capture.viewport_height", 800)
	v.SetDefault("model.name", "gpt-4o")
	v.SetDefault("model.temperature", 0.1)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return fmt.Errorf("remote.timeout_seconds must be > 0")
	}
	if c.Poller.IntervalSeconds <= 0 || c.Poller.MaxAttempts <= 0 {
		return fmt.Errorf("poller interval and attempts must be > 0")
	}
	if c.Reconciler.PeriodSeconds <= 0 {
		return fmt.Errorf("reconciler.period_seconds must be > 0")
	}
	if c.Events.MaxEntries <= 0 {
		return fmt.Errorf("events.max_entries must be > 0")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name must not be empty")
	}
	switch c.Blobs.Provider {
	case "local", "memory":
	case "gcs":
		if c.Blobs.GCSBucket == "" {
			return fmt.Errorf("blobs.gcs_bucket must be set when blobs.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown blobs.provider: %s", c.Blobs.Provider)
	}
	return nil
}

// RemoteTimeout converts the remote timeout into a duration helper.
func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}
