package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/livinlefevreloca/vitalsync/internal/catalog"
	"github.com/livinlefevreloca/vitalsync/internal/db"
	"github.com/livinlefevreloca/vitalsync/internal/executor"
	"github.com/livinlefevreloca/vitalsync/internal/health/filesource"
	"github.com/livinlefevreloca/vitalsync/internal/host"
	"github.com/livinlefevreloca/vitalsync/internal/scheduler"
	"github.com/livinlefevreloca/vitalsync/internal/snapshot"
	"github.com/livinlefevreloca/vitalsync/internal/syncer"
	"github.com/livinlefevreloca/vitalsync/internal/uploader"
)

// Config represents the application configuration
type Config struct {
	Database  db.Config         `toml:"database"`
	Catalog   CatalogConfig     `toml:"catalog"`
	Source    filesource.Config `toml:"source"`
	Scheduler scheduler.Config  `toml:"scheduler"`
	Host      host.Config       `toml:"host"`
	Executor  executor.Config   `toml:"executor"`
	Uploader  uploader.Config   `toml:"uploader"`
	Syncer    syncer.Config     `toml:"syncer"`
	Snapshot  snapshot.Config   `toml:"snapshot"`
	Auth      AuthConfig        `toml:"authorization"`
	HTTP      HTTPConfig        `toml:"http"`
	Metrics   MetricsConfig     `toml:"metrics"`
	Logging   LoggingConfig     `toml:"logging"`
}

// CatalogConfig lists the monitored metrics in sync order
type CatalogConfig struct {
	Metrics []string `toml:"metrics"`
}

// AuthConfig controls how often health data access is re-checked while running
type AuthConfig struct {
	CheckInterval time.Duration `toml:"check_interval"`
}

// HTTPConfig holds HTTP API server settings
type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// MetricsConfig holds metrics/monitoring settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database:  db.DefaultConfig(),
		Catalog:   CatalogConfig{Metrics: append([]string(nil), catalog.DefaultMetricIDs...)},
		Source:    filesource.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Host:      host.DefaultConfig(),
		Executor:  executor.DefaultConfig(),
		Uploader:  uploader.DefaultConfig(),
		Syncer:    syncer.DefaultConfig(),
		Snapshot:  snapshot.DefaultConfig(),
		Auth:      AuthConfig{CheckInterval: time.Minute},
		HTTP: HTTPConfig{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    8080,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "127.0.0.1",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}
	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid. Component-specific limits
// are checked again by each constructor.
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver: %q (must be sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	// Catalog validation
	if _, err := catalog.New(c.Catalog.Metrics); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	// Source validation
	if strings.TrimSpace(c.Source.Dir) == "" {
		return fmt.Errorf("source dir must be specified")
	}

	// Scheduler validation
	if c.Scheduler.Budget <= 0 {
		return fmt.Errorf("scheduler budget must be positive")
	}
	if c.Scheduler.FailureThreshold < 0 {
		return fmt.Errorf("scheduler failure_threshold must not be negative")
	}
	if c.Scheduler.SettleTimeout <= 0 {
		return fmt.Errorf("scheduler settle_timeout must be positive")
	}

	// Host validation
	if c.Host.Budget <= 0 {
		return fmt.Errorf("host budget must be positive")
	}
	if c.Host.EarliestBeginDelay < 0 {
		return fmt.Errorf("host earliest_begin_delay must not be negative")
	}
	if c.Host.ConnectivityPoll <= 0 {
		return fmt.Errorf("host connectivity_poll must be positive")
	}
	if c.Host.RetryInitial <= 0 || c.Host.RetryMax < c.Host.RetryInitial {
		return fmt.Errorf("host retry_initial must be positive and no greater than retry_max")
	}

	// Executor validation
	if c.Executor.MaxConcurrency <= 0 {
		return fmt.Errorf("executor max_concurrency must be positive")
	}

	// Uploader validation
	if c.Uploader.Endpoint == "" {
		return fmt.Errorf("uploader endpoint must be specified")
	}
	if c.Uploader.Timeout <= 0 {
		return fmt.Errorf("uploader timeout must be positive")
	}
	if c.Uploader.Workers <= 0 {
		return fmt.Errorf("uploader workers must be positive")
	}
	if c.Uploader.MaxAttempts <= 0 {
		return fmt.Errorf("uploader max_attempts must be positive")
	}
	if c.Uploader.RatePerSecond <= 0 {
		return fmt.Errorf("uploader rate_per_second must be positive")
	}

	// Syncer validation
	if c.Syncer.ChannelSize <= 0 {
		return fmt.Errorf("syncer channel_size must be positive")
	}
	if c.Syncer.FlushInterval <= 0 {
		return fmt.Errorf("syncer flush_interval must be positive")
	}

	// Snapshot validation
	if c.Snapshot.RefreshInterval <= 0 {
		return fmt.Errorf("snapshot refresh_interval must be positive")
	}

	// Authorization validation
	if c.Auth.CheckInterval <= 0 {
		return fmt.Errorf("authorization check_interval must be positive")
	}

	// HTTP validation
	if c.HTTP.Enabled {
		if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
			return fmt.Errorf("HTTP port must be between 1 and 65535")
		}
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535")
		}
		if c.HTTP.Enabled && c.HTTP.Port == c.Metrics.Port && c.HTTP.Address == c.Metrics.Address {
			return fmt.Errorf("HTTP and metrics servers cannot share %s:%d", c.HTTP.Address, c.HTTP.Port)
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
