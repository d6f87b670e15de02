package adapter

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Network   NetworkConfig   `mapstructure:"network"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// APIConfig holds remote API configuration
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"` // In-call retries on 5xx
}

// StoreConfig selects the persistent store backend
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "bolt", "sqlite" or "memory"
	Path   string `mapstructure:"path"`   // Base directory; one database per API base URL
}

// CacheConfig holds TTLs per entity class ("cart", "product", ...)
type CacheConfig struct {
	DefaultTTL time.Duration            `mapstructure:"default_ttl"`
	TTL        map[string]time.Duration `mapstructure:"ttl"`
}

// QueueConfig holds sync queue retry policy
type QueueConfig struct {
	MaxAttempts  int `mapstructure:"max_attempts"`
	WriteRetries int `mapstructure:"write_retries"`
}

// SyncConfig holds orchestrator tuning
type SyncConfig struct {
	BatchSize             int           `mapstructure:"batch_size"`
	MinBackgroundInterval time.Duration `mapstructure:"min_background_interval"`
	ApplyTimeout          time.Duration `mapstructure:"apply_timeout"`
	Retention             time.Duration `mapstructure:"retention"` // Dead-letter retention
	CleanupInterval       time.Duration `mapstructure:"cleanup_interval"`
}

// NetworkConfig holds reachability probing configuration
type NetworkConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"` // Empty disables probing
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// TelemetryConfig holds OTLP tracing configuration
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			RequestTimeout: 10 * time.Second,
			MaxRetries:     3,
		},
		Store: StoreConfig{
			Driver: "bolt",
			Path:   defaultDataPath(),
		},
		Cache: CacheConfig{
			DefaultTTL: time.Hour,
			TTL: map[string]time.Duration{
				"cart":     5 * time.Minute,
				"favorite": 15 * time.Minute,
				"profile":  30 * time.Minute,
				"product":  24 * time.Hour,
				"catalog":  24 * time.Hour,
			},
		},
		Queue: QueueConfig{
			MaxAttempts:  5,
			WriteRetries: 3,
		},
		Sync: SyncConfig{
			BatchSize:             20,
			MinBackgroundInterval: 15 * time.Minute,
			ApplyTimeout:          15 * time.Second,
			Retention:             7 * 24 * time.Hour,
			CleanupInterval:       time.Hour,
		},
		Network: NetworkConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Logging: LoggingConfig{
			File:       defaultLogPath(),
			Level:      "INFO",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "shopsync",
		},
	}
}

// Validate rejects configurations the sync layer cannot run with
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "bolt", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batch_size must be at least 1")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Sync.ApplyTimeout <= 0 {
		return fmt.Errorf("sync.apply_timeout must be positive")
	}
	return nil
}

// IsConfigured returns true if the API base URL is set
func (c *Config) IsConfigured() bool {
	return c.API.BaseURL != ""
}

// defaultLogPath returns the default log file path for the current OS
func defaultLogPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "shopsync", "shopsync.log")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "shopsync", "shopsync.log")
	}
}

// defaultConfigPath returns the default config directory for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "shopsync")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "shopsync")
	}
}

// defaultDataPath returns the default store directory for the current OS
func defaultDataPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "shopsync", "data")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "shopsync", "data")
	}
}

// newViper builds a viper instance seeded with every default, so that
// SHOPSYNC_* environment overrides apply to keys absent from the file.
func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	// Environment variable overrides: SHOPSYNC_SYNC_BATCH_SIZE -> sync.batch_size
	v.SetEnvPrefix("SHOPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range configValues(DefaultConfig()) {
		v.SetDefault(key, value)
	}
	return v
}

func readConfig(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}

// LoadConfig loads configuration from path (or the default search paths when
// empty) and the environment.
func LoadConfig(path string) (*Config, error) {
	return readConfig(newViper(path))
}

// WatchConfig reloads the configuration whenever the file changes and hands
// the new value to onChange. Invalid edits are logged and ignored.
func WatchConfig(path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("cannot watch config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			logger.Error("failed to reload config", "file", e.Name, "error", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			logger.Error("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// ConfigFile returns path, or the default config file when path is empty.
func ConfigFile(path string) string {
	if path != "" {
		return path
	}
	return filepath.Join(defaultConfigPath(), "config.yaml")
}

// SaveConfig writes cfg to path, or to the default config directory when path is empty.
func SaveConfig(cfg *Config, path string) error {
	path = ConfigFile(path)

	// Ensure config directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Keys are set individually to keep snake_case names
	v := viper.New()
	for key, value := range configValues(cfg) {
		v.Set(key, value)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// configValues flattens cfg into dotted viper keys. Durations are written as
// strings so the YAML stays human-editable.
func configValues(cfg *Config) map[string]any {
	values := map[string]any{
		"api.base_url":                 cfg.API.BaseURL,
		"api.token":                    cfg.API.Token,
		"api.request_timeout":          cfg.API.RequestTimeout.String(),
		"api.max_retries":              cfg.API.MaxRetries,
		"store.driver":                 cfg.Store.Driver,
		"store.path":                   cfg.Store.Path,
		"cache.default_ttl":            cfg.Cache.DefaultTTL.String(),
		"queue.max_attempts":           cfg.Queue.MaxAttempts,
		"queue.write_retries":          cfg.Queue.WriteRetries,
		"sync.batch_size":              cfg.Sync.BatchSize,
		"sync.min_background_interval": cfg.Sync.MinBackgroundInterval.String(),
		"sync.apply_timeout":           cfg.Sync.ApplyTimeout.String(),
		"sync.retention":               cfg.Sync.Retention.String(),
		"sync.cleanup_interval":        cfg.Sync.CleanupInterval.String(),
		"network.probe_url":            cfg.Network.ProbeURL,
		"network.probe_interval":       cfg.Network.ProbeInterval.String(),
		"network.probe_timeout":        cfg.Network.ProbeTimeout.String(),
		"logging.file":                 cfg.Logging.File,
		"logging.level":                cfg.Logging.Level,
		"logging.max_size_mb":          cfg.Logging.MaxSizeMB,
		"logging.max_backups":          cfg.Logging.MaxBackups,
		"logging.max_age_days":         cfg.Logging.MaxAgeDays,
		"telemetry.enabled":            cfg.Telemetry.Enabled,
		"telemetry.otlp_endpoint":      cfg.Telemetry.OTLPEndpoint,
		"telemetry.service_name":       cfg.Telemetry.ServiceName,
	}
	for class, ttl := range cfg.Cache.TTL {
		values["cache.ttl."+class] = ttl.String()
	}
	return values
}
