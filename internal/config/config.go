// Package config handles loading and validating Beacon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} placeholders in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ErrConfigFileNotFound is returned by Load when the specified config file does not exist.
var ErrConfigFileNotFound = errors.New("config file not found")

// Config is the top-level Beacon configuration.
type Config struct {
	Listen        string            `yaml:"listen"`
	DBPath        string            `yaml:"db_path"`
	LogLevel      string            `yaml:"log_level"`
	LogFormat     string            `yaml:"log_format"`
	EncryptionKey string            `yaml:"encryption_key"`
	Polling       PollingConfig     `yaml:"polling"`
	Aggregation   AggregationConfig `yaml:"aggregation"`
	Retention     RetentionConfig   `yaml:"retention"`
}

// PollingConfig holds poller cadences and the outbound HTTP timeout.
type PollingConfig struct {
	StatusInterval Duration `yaml:"status_interval"` // fallback when the status source has none
	MetricInterval Duration `yaml:"metric_interval"`
	HTTPTimeout    Duration `yaml:"http_timeout"`
}

// AggregationConfig controls batching of near-simultaneous alerts.
type AggregationConfig struct {
	Enabled bool     `yaml:"enabled"`
	Window  Duration `yaml:"window"`
}

// RetentionConfig controls age-based pruning of audit history.
type RetentionConfig struct {
	History Duration `yaml:"history"`
}

// Duration wraps time.Duration with YAML string parsing support.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads configuration from a YAML file. If no path is given, it falls
// back to environment variables. If a path is given and the file does not
// exist, ErrConfigFileNotFound is returned.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("encryption_key is required (set BEACON_ENCRYPTION_KEY)")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log_format must be one of: text, json")
	}
	if c.Polling.StatusInterval.Duration < time.Second {
		return fmt.Errorf("polling.status_interval must be >= 1s")
	}
	if c.Polling.MetricInterval.Duration < time.Second {
		return fmt.Errorf("polling.metric_interval must be >= 1s")
	}
	if c.Polling.HTTPTimeout.Duration <= 0 {
		return fmt.Errorf("polling.http_timeout must be > 0")
	}
	if c.Aggregation.Enabled && c.Aggregation.Window.Duration <= 0 {
		return fmt.Errorf("aggregation.window must be > 0 when aggregation is enabled")
	}
	if c.Retention.History.Duration < time.Hour {
		return fmt.Errorf("retention.history must be >= 1h")
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Listen:    ":3900",
		DBPath:    "/data/beacon.db",
		LogLevel:  "info",
		LogFormat: "text",
		Polling: PollingConfig{
			StatusInterval: Duration{30 * time.Second},
			MetricInterval: Duration{60 * time.Second},
			HTTPTimeout:    Duration{10 * time.Second},
		},
		Aggregation: AggregationConfig{
			Enabled: true,
			Window:  Duration{60 * time.Second},
		},
		Retention: RetentionConfig{
			History: Duration{30 * 24 * time.Hour},
		},
	}
}

// expandEnvVars replaces ${VAR_NAME} placeholders in raw YAML with the
// corresponding environment variable values. Unset variables are replaced
// with an empty string, which will then fail validation with a clear error.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		key := string(match[2 : len(match)-1]) // strip ${ and }
		return []byte(os.Getenv(key))
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BEACON_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("BEACON_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BEACON_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BEACON_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("BEACON_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("BEACON_STATUS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Polling.StatusInterval = Duration{d}
		}
	}
	if v := os.Getenv("BEACON_METRIC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Polling.MetricInterval = Duration{d}
		}
	}
	if v := os.Getenv("BEACON_AGGREGATION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Aggregation.Enabled = b
		}
	}
}
