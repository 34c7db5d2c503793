// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

// Package config loads engine configuration using Koanf v2 with layered
// sources: built-in defaults, then an optional YAML file, then environment
// variables. Precedence is ENV > file > defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/verselab/recall/internal/logging"
	"github.com/verselab/recall/internal/store"
	"github.com/verselab/recall/internal/syncqueue"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"recall.yaml",
	"recall.yml",
	"/etc/recall/config.yaml",
	"/etc/recall/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "RECALL_CONFIG_PATH"

// Config is the root engine configuration.
type Config struct {
	Store   StoreConfig   `koanf:"store"`
	Sync    SyncConfig    `koanf:"sync"`
	Remote  RemoteConfig  `koanf:"remote"`
	Logging LoggingConfig `koanf:"logging"`
}

// StoreConfig configures the durable local store.
type StoreConfig struct {
	Path             string        `koanf:"path"`
	SyncWrites       bool          `koanf:"sync_writes"`
	MemTableSize     int64         `koanf:"mem_table_size"`
	ValueLogFileSize int64         `koanf:"value_log_file_size"`
	NumCompactors    int           `koanf:"num_compactors"`
	Compression      bool          `koanf:"compression"`
	CloseTimeout     time.Duration `koanf:"close_timeout"`
}

// SyncConfig configures the sync coordinator.
type SyncConfig struct {
	BackoffBase     time.Duration `koanf:"backoff_base"`
	MaxAttempts     int           `koanf:"max_attempts"`
	InFlightTimeout time.Duration `koanf:"in_flight_timeout"`

	// RetentionWindow is how long Synced entries are kept locally before
	// pruning.
	RetentionWindow time.Duration `koanf:"retention_window"`
}

// RemoteConfig configures the remote store connection.
type RemoteConfig struct {
	// ChainID scopes every minted table identifier.
	ChainID int64 `koanf:"chain_id"`

	// SQLitePath is the database path for the local-development backend.
	// Ignored when the host supplies its own remote store.
	SQLitePath string `koanf:"sqlite_path"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, applied before the file and
// environment layers.
func defaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path:             "/data/recall",
			SyncWrites:       true,
			MemTableSize:     16 * 1024 * 1024,
			ValueLogFileSize: 64 * 1024 * 1024,
			NumCompactors:    2,
			Compression:      true,
			CloseTimeout:     30 * time.Second,
		},
		Sync: SyncConfig{
			BackoffBase:     2 * time.Second,
			MaxAttempts:     5,
			InFlightTimeout: 5 * time.Minute,
			RetentionWindow: 7 * 24 * time.Hour,
		},
		Remote: RemoteConfig{
			ChainID:    1,
			SQLitePath: "/data/recall-remote.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile checks the env override and then the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps environment variable names to config paths. Unmapped
// variables are ignored so unrelated process environment never leaks into
// the configuration.
var envMappings = map[string]string{
	"recall_store_path":                "store.path",
	"recall_store_sync_writes":         "store.sync_writes",
	"recall_store_mem_table_size":      "store.mem_table_size",
	"recall_store_value_log_file_size": "store.value_log_file_size",
	"recall_store_num_compactors":      "store.num_compactors",
	"recall_store_compression":         "store.compression",
	"recall_store_close_timeout":       "store.close_timeout",

	"recall_sync_backoff_base":     "sync.backoff_base",
	"recall_sync_max_attempts":     "sync.max_attempts",
	"recall_sync_inflight_timeout": "sync.in_flight_timeout",
	"recall_sync_retention_window": "sync.retention_window",

	"recall_remote_chain_id":    "remote.chain_id",
	"recall_remote_sqlite_path": "remote.sqlite_path",

	"recall_log_level":  "logging.level",
	"recall_log_format": "logging.format",
	"recall_log_caller": "logging.caller",
}

func envTransform(key string) string {
	return envMappings[strings.ToLower(key)]
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	sc := c.StoreConfig()
	if err := sc.Validate(); err != nil {
		return err
	}
	qc := c.SyncQueueConfig()
	if err := qc.Validate(); err != nil {
		return err
	}
	if c.Remote.ChainID <= 0 {
		return fmt.Errorf("config: remote.chain_id must be positive")
	}
	if c.Sync.RetentionWindow <= 0 {
		return fmt.Errorf("config: sync.retention_window must be positive")
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		return fmt.Errorf("config: unknown logging.level %q", c.Logging.Level)
	}
	return nil
}

// StoreConfig converts to the store package's configuration type.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Path:             c.Store.Path,
		SyncWrites:       c.Store.SyncWrites,
		MemTableSize:     c.Store.MemTableSize,
		ValueLogFileSize: c.Store.ValueLogFileSize,
		NumCompactors:    c.Store.NumCompactors,
		Compression:      c.Store.Compression,
		CloseTimeout:     c.Store.CloseTimeout,
	}
}

// SyncQueueConfig converts to the syncqueue package's configuration type.
func (c *Config) SyncQueueConfig() syncqueue.Config {
	return syncqueue.Config{
		BackoffBase:     c.Sync.BackoffBase,
		MaxAttempts:     c.Sync.MaxAttempts,
		InFlightTimeout: c.Sync.InFlightTimeout,
	}
}

// LoggingConfig converts to the logging package's configuration type.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Caller: c.Logging.Caller,
	}
}
