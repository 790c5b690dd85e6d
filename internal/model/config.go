package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// PollConfig controls the background ingestion scheduler.
type PollConfig struct {
	// IntervalSec is the period between ingestion cycles.
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`

	// Concurrency is how many accounts are ingested in parallel.
	// 1 means accounts are processed one after another.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`

	// PageSize is the maximum number of unread messages listed per cycle.
	PageSize int `mapstructure:"page_size" yaml:"page_size"`

	RunOnStart bool `mapstructure:"run_on_start" yaml:"run_on_start"`
}

// Interval returns the configured poll period.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSec) * time.Second
}

// LLMConfig selects the language model provider.
type LLMConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`

	// APIKeyCredential is the keyring key holding the provider API key.
	APIKeyCredential string `mapstructure:"api_key_credential" yaml:"api_key_credential"`

	RequestsPerMinute int `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// GmailConfig points at the OAuth client secret downloaded from the
// Google Cloud console.
type GmailConfig struct {
	ClientSecretPath string `mapstructure:"client_secret_path" yaml:"client_secret_path"`
}

// UnsubscribeConfig tunes the browser automation engine.
type UnsubscribeConfig struct {
	NavigationTimeoutSec int    `mapstructure:"navigation_timeout_sec" yaml:"navigation_timeout_sec"`
	SettleMs             int    `mapstructure:"settle_ms" yaml:"settle_ms"`
	MaxSteps             int    `mapstructure:"max_steps" yaml:"max_steps"`
	ChromePath           string `mapstructure:"chrome_path" yaml:"chrome_path"`
	Headless             bool   `mapstructure:"headless" yaml:"headless"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is non-empty.
type MetricsConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Poll        PollConfig        `mapstructure:"poll" yaml:"poll"`
	LLM         LLMConfig         `mapstructure:"llm" yaml:"llm"`
	Gmail       GmailConfig       `mapstructure:"gmail" yaml:"gmail"`
	Unsubscribe UnsubscribeConfig `mapstructure:"unsubscribe" yaml:"unsubscribe"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// ConfigDir returns ~/.config/mailtriage, falling back to the working
// directory when the home directory is unknown.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailtriage")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailtriage/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// setDefaults registers every key so that env overrides and Unmarshal see it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", filepath.Join(ConfigDir(), "mailtriage.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("poll.interval_sec", 300)
	v.SetDefault("poll.concurrency", 1)
	v.SetDefault("poll.page_size", 50)
	v.SetDefault("poll.run_on_start", true)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.api_key_credential", "llm-api-key")
	v.SetDefault("llm.requests_per_minute", 60)
	v.SetDefault("gmail.client_secret_path", filepath.Join(ConfigDir(), "client_secret.json"))
	v.SetDefault("unsubscribe.navigation_timeout_sec", 30)
	v.SetDefault("unsubscribe.settle_ms", 2000)
	v.SetDefault("unsubscribe.max_steps", 10)
	v.SetDefault("unsubscribe.chrome_path", "")
	v.SetDefault("unsubscribe.headless", true)
	v.SetDefault("metrics.listen", "")
}

// NewViper returns a viper instance bound to path with defaults and
// MAILTRIAGE_ environment overrides applied. The file is not read yet.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILTRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, defaults (and environment overrides) apply.
func LoadConfig(path string) (*AppConfig, *viper.Viper, error) {
	v := NewViper(path)

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, v, nil
}

// Decode unmarshals the current viper state and clamps out-of-range values.
func Decode(v *viper.Viper) (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if cfg.Poll.IntervalSec <= 0 {
		cfg.Poll.IntervalSec = 300
	}
	if cfg.Poll.Concurrency <= 0 {
		cfg.Poll.Concurrency = 1
	}
	if cfg.Poll.PageSize <= 0 {
		cfg.Poll.PageSize = 50
	}
	if cfg.Unsubscribe.NavigationTimeoutSec <= 0 {
		cfg.Unsubscribe.NavigationTimeoutSec = 30
	}
	if cfg.Unsubscribe.MaxSteps <= 0 {
		cfg.Unsubscribe.MaxSteps = 10
	}
	if cfg.Unsubscribe.SettleMs < 0 {
		cfg.Unsubscribe.SettleMs = 0
	}
	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("log", cfg.Log)
	v.Set("poll", cfg.Poll)
	v.Set("llm", cfg.LLM)
	v.Set("gmail", cfg.Gmail)
	v.Set("unsubscribe", cfg.Unsubscribe)
	v.Set("metrics", cfg.Metrics)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
