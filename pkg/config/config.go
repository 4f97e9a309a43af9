package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// Config is the relay configuration, loaded from YAML with
// environment overrides.
type Config struct {
	Listen  string        `yaml:"listen"`
	Relay   RelayConfig   `yaml:"relay"`
	Storage StorageConfig `yaml:"storage"`
}

// RelayConfig describes the relay's public identity.
type RelayConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is "memory" (snapshot persistence) or "sqlite".
	Backend string `yaml:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// SnapshotPath is the snapshot file for the memory backend.
	SnapshotPath string `yaml:"snapshot_path"`

	// SnapshotInterval is the auto-save period, e.g. "30s".
	SnapshotInterval string `yaml:"snapshot_interval"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Relay: RelayConfig{
			Name:        "Teltow Relay",
			Description: "A personal Nostr relay written in Go",
		},
		Storage: StorageConfig{
			Backend:          BackendMemory,
			SQLitePath:       "teltow.db",
			SnapshotPath:     "nostr-data.json",
			SnapshotInterval: "30s",
		},
	}
}

// Load reads the configuration from a YAML file and applies
// environment overrides. A missing file silently yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if val := os.Getenv("TELTOW_LISTEN"); val != "" {
		cfg.Listen = val
	}
	if val := os.Getenv("TELTOW_RELAY_NAME"); val != "" {
		cfg.Relay.Name = val
	}
	if val := os.Getenv("TELTOW_RELAY_DESCRIPTION"); val != "" {
		cfg.Relay.Description = val
	}
	if val := os.Getenv("TELTOW_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("TELTOW_STORAGE_SQLITE_PATH"); val != "" {
		cfg.Storage.SQLitePath = val
	}
	if val := os.Getenv("TELTOW_STORAGE_SNAPSHOT_PATH"); val != "" {
		cfg.Storage.SnapshotPath = val
	}
	if val := os.Getenv("TELTOW_STORAGE_SNAPSHOT_INTERVAL"); val != "" {
		cfg.Storage.SnapshotInterval = val
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if _, err := c.SnapshotInterval(); err != nil {
		return err
	}

	return nil
}

// SnapshotInterval parses the configured auto-save period.
func (c *Config) SnapshotInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Storage.SnapshotInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid snapshot interval %q: %w", c.Storage.SnapshotInterval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("snapshot interval must be positive")
	}
	return d, nil
}
