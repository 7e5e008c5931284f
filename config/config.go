// Package config loads repository configuration from a yaml file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
)

const (
	ClockWall    = "wall"
	ClockLamport = "lamport"
)

// Config holds repository configuration.
type Config struct {
	Storage Storage `yaml:"storage"`
	// Schema is the path of the GraphQL SDL file declaring the document types.
	Schema string `yaml:"schema"`
	// LogLevel is one of debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
	// LockTimeout bounds the wait for structural locks.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// CacheSize is the number of decoded documents kept in memory.
	CacheSize int `yaml:"cache_size"`
	// Clock selects the commit timestamp source.
	Clock string `yaml:"clock"`
}

// Storage selects and configures the storage backend.
type Storage struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Storage:     Storage{Backend: BackendMemory},
		LogLevel:    "info",
		LockTimeout: 10 * time.Second,
		CacheSize:   4096,
		Clock:       ClockWall,
	}
}

// Load returns the configuration in the given file with environment overrides applied.
//
// An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPebble, BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage backend %s requires a path", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("invalid storage backend %q", c.Storage.Backend)
	}
	switch c.Clock {
	case ClockWall, ClockLamport:
	default:
		return fmt.Errorf("invalid clock %q", c.Clock)
	}
	if c.LockTimeout < 0 {
		return fmt.Errorf("lock timeout must not be negative")
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Storage.Backend = getEnvOrDefault("BRANCHDB_STORAGE", c.Storage.Backend)
	c.Storage.Path = getEnvOrDefault("BRANCHDB_PATH", c.Storage.Path)
	c.Schema = getEnvOrDefault("BRANCHDB_SCHEMA", c.Schema)
	c.LogLevel = getEnvOrDefault("BRANCHDB_LOG_LEVEL", c.LogLevel)
	c.Clock = getEnvOrDefault("BRANCHDB_CLOCK", c.Clock)
	if v := os.Getenv("BRANCHDB_LOCK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid BRANCHDB_LOCK_TIMEOUT: %w", err)
		}
		c.LockTimeout = d
	}
	if v := os.Getenv("BRANCHDB_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BRANCHDB_CACHE_SIZE: %w", err)
		}
		c.CacheSize = n
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
