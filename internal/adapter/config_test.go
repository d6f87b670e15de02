package adapter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Store.Driver, cfg.Store.Driver)
	assert.Equal(t, def.Sync.BatchSize, cfg.Sync.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL["cart"])
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL["product"])
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  base_url: https://shop.example.com
  token: abc123
store:
  driver: sqlite
cache:
  ttl:
    cart: 1m
sync:
  batch_size: 5
  apply_timeout: 3s
`), 0o644))
	t.Setenv("SHOPSYNC_QUEUE_MAX_ATTEMPTS", "9")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://shop.example.com", cfg.API.BaseURL)
	assert.True(t, cfg.IsConfigured())
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, time.Minute, cfg.Cache.TTL["cart"])
	assert.Equal(t, 15*time.Minute, cfg.Cache.TTL["favorite"], "unset classes keep defaults")
	assert.Equal(t, 5, cfg.Sync.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Sync.ApplyTimeout)
	assert.Equal(t, 9, cfg.Queue.MaxAttempts)
}

func TestSaveConfig_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.API.BaseURL = "https://shop.example.com"
	cfg.Sync.Retention = 72 * time.Hour

	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.API.BaseURL, loaded.API.BaseURL)
	assert.Equal(t, 72*time.Hour, loaded.Sync.Retention)
	assert.Equal(t, cfg.Cache.TTL, loaded.Cache.TTL)
}

func TestConfigFile_DefaultsToConfigDir(t *testing.T) {
	assert.Equal(t, "custom.yaml", ConfigFile("custom.yaml"))
	assert.Equal(t, filepath.Join(defaultConfigPath(), "config.yaml"), ConfigFile(""))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "redis" }},
		{name: "zero batch", mutate: func(c *Config) { c.Sync.BatchSize = 0 }},
		{name: "zero attempts", mutate: func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{name: "zero apply timeout", mutate: func(c *Config) { c.Sync.ApplyTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLogLevel("debug").String())
	assert.Equal(t, "WARN", parseLogLevel("warning").String())
	assert.Equal(t, "INFO", parseLogLevel("bogus").String())
}

func TestSetupLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "shopsync.log")
	logger, err := SetupLogger(&LoggingConfig{File: path, Level: "INFO", MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("hello", "mutationID", "m1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mutationID":"m1"`)
}
