// ABOUTME: Configuration loading and parsing for mailbridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mailbridge configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Engine   EngineConfig   `yaml:"engine"`
	Slack    SlackConfig    `yaml:"slack"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DedupeConfig holds the event dedup window configuration
type DedupeConfig struct {
	Retention time.Duration `yaml:"-"`
	MaxSize   int           `yaml:"max_size"`

	// Raw string value for YAML unmarshaling
	RetentionRaw string `yaml:"retention"`
}

// EngineConfig holds completion engine configuration
type EngineConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Primer  string `yaml:"primer"` // optional override of the built-in primer
}

// SlackConfig holds the outward messaging platform configuration
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// BridgeConfig holds processing loop configuration
type BridgeConfig struct {
	PollInterval time.Duration `yaml:"-"`
	ProcessRate  float64       `yaml:"process_rate"`

	PollIntervalRaw string `yaml:"poll_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the corresponding fields are absent.
const (
	DefaultDedupeRetention = 5 * time.Minute
	DefaultDedupeMaxSize   = 10000
	DefaultPollInterval    = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Dedupe.RetentionRaw != "" {
		cfg.Dedupe.Retention, err = time.ParseDuration(cfg.Dedupe.RetentionRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe.retention %q: %w", cfg.Dedupe.RetentionRaw, err)
		}
	}

	if cfg.Bridge.PollIntervalRaw != "" {
		cfg.Bridge.PollInterval, err = time.ParseDuration(cfg.Bridge.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing bridge.poll_interval %q: %w", cfg.Bridge.PollIntervalRaw, err)
		}
	}

	return nil
}

// applyDefaults fills in zero-valued optional fields.
func (c *Config) applyDefaults() {
	if c.Dedupe.Retention == 0 {
		c.Dedupe.Retention = DefaultDedupeRetention
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = DefaultDedupeMaxSize
	}
	if c.Bridge.PollInterval == 0 {
		c.Bridge.PollInterval = DefaultPollInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Engine.Model == "" {
		return fmt.Errorf("engine.model is required")
	}
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack.bot_token is required")
	}
	if c.Slack.Channel == "" {
		return fmt.Errorf("slack.channel is required")
	}
	if c.Dedupe.Retention < 0 {
		return fmt.Errorf("dedupe.retention must not be negative")
	}
	if c.Bridge.ProcessRate < 0 {
		return fmt.Errorf("bridge.process_rate must not be negative")
	}
	return nil
}
