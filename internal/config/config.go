// Package config loads loom's project configuration from
// .loom/config.yaml, falling back to defaults for anything unset. A missing
// config file is not an error: a zero-config project works out of the box.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Dir is the project-local directory holding loom's database, config, and
// log file.
const Dir = ".loom"

// Config is the resolved project configuration.
type Config struct {
	// Database is the SQLite database path, relative to the project root.
	Database string `mapstructure:"database"`

	// CommitDatabase controls whether the database file is tracked and
	// committed alongside the markdown it describes. On by default: the
	// store is derived state, and committing it keeps a checkout
	// self-contained.
	CommitDatabase bool `mapstructure:"commit_database"`

	Cache CacheConfig `mapstructure:"cache"`
	Txn   TxnConfig   `mapstructure:"txn"`
	Log   LogConfig   `mapstructure:"log"`
}

// CacheConfig tunes the fast-read loader's cache.
type CacheConfig struct {
	// Size is the maximum number of cached projections.
	Size int `mapstructure:"size"`

	// TTL bounds staleness for entries not invalidated by a write.
	TTL time.Duration `mapstructure:"ttl"`
}

// TxnConfig tunes the transaction coordinator.
type TxnConfig struct {
	// LockTimeout bounds the wait for the single write lock.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// File is the log file path relative to the project root; empty logs
	// to stderr only.
	File string `mapstructure:"file"`

	// MaxSizeMB and MaxBackups bound log rotation.
	MaxSizeMB  int `mapstructure:"max_size_mb"`
	MaxBackups int `mapstructure:"max_backups"`
}

// Path returns the config file path for a project root.
func Path(root string) string {
	return filepath.Join(root, Dir, "config.yaml")
}

// Load reads the project configuration rooted at root. Defaults apply for
// every key the file omits, including when the file is absent entirely.
func Load(root string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database", filepath.Join(Dir, "state.db"))
	v.SetDefault("commit_database", true)
	v.SetDefault("cache.size", 256)
	v.SetDefault("cache.ttl", 30*time.Second)
	v.SetDefault("txn.lock_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", filepath.Join(Dir, "loom.log"))
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)

	v.SetConfigFile(Path(root))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		// With an explicit config file viper surfaces absence as a plain
		// *fs.PathError rather than ConfigFileNotFoundError.
		var notFound viper.ConfigFileNotFoundError
		var pathErr *fs.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be positive, got %d", c.Cache.Size)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Txn.LockTimeout <= 0 {
		return fmt.Errorf("txn.lock_timeout must be positive, got %s", c.Txn.LockTimeout)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	return nil
}
