package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes YAML content to a temp file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beacon.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "encryption_key: testkey\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":3900", cfg.Listen)
	assert.Equal(t, "/data/beacon.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.Polling.StatusInterval.Duration)
	assert.Equal(t, 60*time.Second, cfg.Polling.MetricInterval.Duration)
	assert.Equal(t, 10*time.Second, cfg.Polling.HTTPTimeout.Duration)
	assert.True(t, cfg.Aggregation.Enabled)
	assert.Equal(t, 60*time.Second, cfg.Aggregation.Window.Duration)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.History.Duration)
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":8080"
db_path: /tmp/test.db
log_level: debug
log_format: json
encryption_key: supersecret
polling:
  status_interval: 15s
  metric_interval: 2m
  http_timeout: 5s
aggregation:
  enabled: false
  window: 30s
retention:
  history: 168h
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "supersecret", cfg.EncryptionKey)
	assert.Equal(t, 15*time.Second, cfg.Polling.StatusInterval.Duration)
	assert.Equal(t, 2*time.Minute, cfg.Polling.MetricInterval.Duration)
	assert.False(t, cfg.Aggregation.Enabled)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.History.Duration)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_BEACON_KEY", "from-env")
	path := writeConfig(t, "encryption_key: ${TEST_BEACON_KEY}\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.EncryptionKey)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BEACON_LISTEN", ":9999")
	t.Setenv("BEACON_LOG_LEVEL", "warn")
	t.Setenv("BEACON_ENCRYPTION_KEY", "override-key")
	t.Setenv("BEACON_STATUS_INTERVAL", "45s")

	path := writeConfig(t, "encryption_key: file-key\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "override-key", cfg.EncryptionKey)
	assert.Equal(t, 45*time.Second, cfg.Polling.StatusInterval.Duration)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing key", func(c *Config) { c.EncryptionKey = "" }, "encryption_key"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "log_level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"status interval too short", func(c *Config) { c.Polling.StatusInterval.Duration = 100 * time.Millisecond }, "status_interval"},
		{"metric interval too short", func(c *Config) { c.Polling.MetricInterval.Duration = 0 }, "metric_interval"},
		{"zero http timeout", func(c *Config) { c.Polling.HTTPTimeout.Duration = 0 }, "http_timeout"},
		{"aggregation window", func(c *Config) { c.Aggregation.Enabled = true; c.Aggregation.Window.Duration = 0 }, "aggregation.window"},
		{"history retention", func(c *Config) { c.Retention.History.Duration = time.Minute }, "retention.history"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			cfg.EncryptionKey = "k"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_UnmarshalInvalid(t *testing.T) {
	path := writeConfig(t, `
encryption_key: k
polling:
  status_interval: not-a-duration
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func FuzzExpandEnvVars(f *testing.F) {
	f.Add([]byte(`listen: ":3900"`))
	f.Add([]byte(`encryption_key: "${BEACON_KEY}"`))
	f.Add([]byte(`${} ${VAR} $VAR`))
	f.Add([]byte(`db_path: "${A}${B}"`))
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic
		_ = expandEnvVars(data)
	})
}
