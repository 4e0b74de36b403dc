// Package config handles application configuration
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tasksync/internal/utils"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// RemoteConfig holds the task-service endpoint settings
type RemoteConfig struct {
	BaseURL  string `yaml:"base_url"`
	ProbeURL string `yaml:"probe_url"` // defaults to base_url when empty
	Timeout  string `yaml:"timeout"`   // per-request timeout, e.g. "30s"
}

// NetworkConfig holds reachability-monitoring settings
type NetworkConfig struct {
	PollInterval string `yaml:"poll_interval"`
	ProbeTimeout string `yaml:"probe_timeout"`
}

// StorageConfig holds local store settings
type StorageConfig struct {
	Path  string `yaml:"path"`   // store file path, XDG data dir when empty
	MaxMB int    `yaml:"max_mb"` // storage budget in megabytes
}

// SyncConfig holds synchronization settings
type SyncConfig struct {
	PeriodicInterval string `yaml:"periodic_interval"`
	StaleAge         string `yaml:"stale_age"`
	SettleDelay      string `yaml:"settle_delay"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Verbose           bool  `yaml:"verbose"`
	BackgroundEnabled *bool `yaml:"background_enabled"` // default: true
}

// Config represents the application configuration
type Config struct {
	Remote  RemoteConfig  `yaml:"remote"`
	Network NetworkConfig `yaml:"network"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			BaseURL: "https://api.example.com/v1",
			Timeout: "30s",
		},
		Network: NetworkConfig{
			PollInterval: "30s",
			ProbeTimeout: "2500ms",
		},
		Storage: StorageConfig{
			MaxMB: 50,
		},
		Sync: SyncConfig{
			PeriodicInterval: "5m",
			StaleAge:         "1h",
			SettleDelay:      "1s",
		},
	}
}

// Load reads the configuration from configPath, creating it with
// defaults on first run. An empty path selects the XDG config location.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	if cfg.Storage.Path != "" {
		cfg.Storage.Path = ExpandPath(cfg.Storage.Path)
	}

	return cfg, nil
}

// save writes the configuration to the specified path
func (c *Config) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use the embedded sample config which includes all documentation
	// and comments
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("remote.base_url must be an http(s) URL, got %q", c.Remote.BaseURL)
	}

	durations := map[string]string{
		"remote.timeout":         c.Remote.Timeout,
		"network.poll_interval":  c.Network.PollInterval,
		"network.probe_timeout":  c.Network.ProbeTimeout,
		"sync.periodic_interval": c.Sync.PeriodicInterval,
		"sync.stale_age":         c.Sync.StaleAge,
		"sync.settle_delay":      c.Sync.SettleDelay,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return utils.ErrInvalidDuration(name, value)
		}
	}

	if c.Storage.MaxMB < 0 {
		return fmt.Errorf("storage.max_mb must not be negative, got %d", c.Storage.MaxMB)
	}

	return nil
}

// duration parses value, falling back to def on empty or bad input.
func duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}

// GetProbeURL returns the reachability probe endpoint
func (c *Config) GetProbeURL() string {
	if c.Remote.ProbeURL != "" {
		return c.Remote.ProbeURL
	}
	return c.Remote.BaseURL
}

// GetRemoteTimeout returns the per-request API timeout
func (c *Config) GetRemoteTimeout() time.Duration {
	return duration(c.Remote.Timeout, 30*time.Second)
}

// GetPollInterval returns the reachability polling cadence
func (c *Config) GetPollInterval() time.Duration {
	return duration(c.Network.PollInterval, 30*time.Second)
}

// GetProbeTimeout returns the per-probe deadline
func (c *Config) GetProbeTimeout() time.Duration {
	return duration(c.Network.ProbeTimeout, 2500*time.Millisecond)
}

// GetPeriodicInterval returns the automatic sync cadence
func (c *Config) GetPeriodicInterval() time.Duration {
	return duration(c.Sync.PeriodicInterval, 5*time.Minute)
}

// GetStaleAge returns the cache staleness threshold
func (c *Config) GetStaleAge() time.Duration {
	return duration(c.Sync.StaleAge, time.Hour)
}

// GetSettleDelay returns the post-reconnect settle delay
func (c *Config) GetSettleDelay() time.Duration {
	return duration(c.Sync.SettleDelay, time.Second)
}

// GetStoragePath returns the local store file path
func (c *Config) GetStoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return filepath.Join(GetDataDir(), "store.db")
}

// GetMaxStorageBytes returns the storage budget in bytes
func (c *Config) GetMaxStorageBytes() int64 {
	if c.Storage.MaxMB <= 0 {
		return 50 * 1024 * 1024
	}
	return int64(c.Storage.MaxMB) * 1024 * 1024
}

// IsBackgroundLoggingEnabled reports whether a background log file
// should be written (default: true)
func (c *Config) IsBackgroundLoggingEnabled() bool {
	if c.Logging.BackgroundEnabled == nil {
		return true
	}
	return *c.Logging.BackgroundEnabled
}

// getXDGDir returns a directory path following XDG spec.
// envVar is the XDG environment variable (e.g., "XDG_CONFIG_HOME").
// fallbackPath is the relative path from home (e.g., ".config").
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "tasksync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "tasksync")
	}
	return filepath.Join(home, fallbackPath, "tasksync")
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following XDG spec
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// GetCacheDir returns the cache directory following XDG spec
func GetCacheDir() string {
	return getXDGDir("XDG_CACHE_HOME", ".cache")
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
