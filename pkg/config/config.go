// Package config loads winelog's process configuration: the SQLite DSN,
// the replay/rebuild chunk sizes spec.md §4.4.6 names, and a backdating
// grace window setting.
//
// Grounded on akeemphilbert-pericarp's pkg/infrastructure/config.go
// (viper-based load-file-then-env-then-defaults shape); this domain has
// no publisher/events section of its own, so that part is dropped rather
// than renamed.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is winelog's full process configuration.
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Replay     ReplayConfig     `mapstructure:"replay"`
	Backdating BackdatingConfig `mapstructure:"backdating"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DatabaseConfig names the SQLite file (or ":memory:") backing every
// event store and snapshot table.
type DatabaseConfig struct {
	DSN     string `mapstructure:"dsn"`
	WALMode bool   `mapstructure:"wal_mode"`
}

// ReplayConfig holds spec.md §4.4.6's cursor-pagination chunk size and
// the rebuild chunk size. cmd/rebuild passes RebuildChunkSize to
// RebuildAggregates for both the lot and the action rebuild.
type ReplayConfig struct {
	CursorChunkSize  int `mapstructure:"cursor_chunk_size"`
	RebuildChunkSize int `mapstructure:"rebuild_chunk_size"`
}

// BackdatingConfig holds spec.md §6's "functionally in the past" policy
// window. GraceSeconds must stay >= 1. pkg/wine.Service does not read
// this value; it applies its own fixed 2-second window.
type BackdatingConfig struct {
	GraceSeconds int `mapstructure:"grace_seconds"`
}

// Grace returns the configured backdating grace as a time.Duration.
func (b BackdatingConfig) Grace() time.Duration {
	return time.Duration(b.GraceSeconds) * time.Second
}

// LoggingConfig configures log/slog's handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// LoadConfig reads winelog.yaml (if present) from the working directory
// or ./configs, overlays WINELOG_-prefixed environment variables, and
// fills in defaults for anything still unset.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("winelog")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("WINELOG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("database.dsn", "winelog.db")
	viper.SetDefault("database.wal_mode", true)

	viper.SetDefault("replay.cursor_chunk_size", 1000)
	viper.SetDefault("replay.rebuild_chunk_size", 1000)

	viper.SetDefault("backdating.grace_seconds", 2)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

func validate(cfg *Config) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn cannot be empty")
	}
	if cfg.Replay.CursorChunkSize <= 0 {
		return fmt.Errorf("replay.cursor_chunk_size must be positive, got %d", cfg.Replay.CursorChunkSize)
	}
	if cfg.Replay.RebuildChunkSize <= 0 {
		return fmt.Errorf("replay.rebuild_chunk_size must be positive, got %d", cfg.Replay.RebuildChunkSize)
	}
	if cfg.Backdating.GraceSeconds < 1 {
		return fmt.Errorf("backdating.grace_seconds must be at least 1, got %d", cfg.Backdating.GraceSeconds)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported logging.level %q (supported: debug, info, warn, error)", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported logging.format %q (supported: json, text)", cfg.Logging.Format)
	}
	return nil
}
