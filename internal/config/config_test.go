// Recall - Local-First Practice Sync and Spaced Repetition Engine
// Copyright 2026 Verse Lab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/verselab/recall

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Store.Path != "/data/recall" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if !cfg.Store.SyncWrites {
		t.Error("SyncWrites should default to true")
	}
	if cfg.Sync.MaxAttempts != 5 {
		t.Errorf("Sync.MaxAttempts = %d, want 5", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.BackoffBase != 2*time.Second {
		t.Errorf("Sync.BackoffBase = %v", cfg.Sync.BackoffBase)
	}
	if cfg.Remote.ChainID != 1 {
		t.Errorf("Remote.ChainID = %d", cfg.Remote.ChainID)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recall.yaml")
	content := `
store:
  path: /tmp/recall-test
  sync_writes: false
sync:
  max_attempts: 9
remote:
  chain_id: 31337
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Store.Path != "/tmp/recall-test" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Store.SyncWrites {
		t.Error("File should override SyncWrites to false")
	}
	if cfg.Sync.MaxAttempts != 9 {
		t.Errorf("Sync.MaxAttempts = %d, want 9", cfg.Sync.MaxAttempts)
	}
	if cfg.Remote.ChainID != 31337 {
		t.Errorf("Remote.ChainID = %d, want 31337", cfg.Remote.ChainID)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}

	// Untouched keys keep their defaults.
	if cfg.Sync.InFlightTimeout != 5*time.Minute {
		t.Errorf("Sync.InFlightTimeout = %v, want default", cfg.Sync.InFlightTimeout)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recall.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("RECALL_LOG_LEVEL", "warn")
	t.Setenv("RECALL_REMOTE_CHAIN_ID", "42")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want env override warn", cfg.Logging.Level)
	}
	if cfg.Remote.ChainID != 42 {
		t.Errorf("Remote.ChainID = %d, want 42", cfg.Remote.ChainID)
	}
}

func TestUnmappedEnvironmentIsIgnored(t *testing.T) {
	t.Setenv("PATH_INFO", "/should/not/leak")
	t.Setenv("RECALL_UNKNOWN_KEY", "ignored")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Path != "/data/recall" {
		t.Errorf("Store.Path = %q, unrelated env leaked in", cfg.Store.Path)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"zero max attempts", func(c *Config) { c.Sync.MaxAttempts = 0 }},
		{"negative backoff", func(c *Config) { c.Sync.BackoffBase = -time.Second }},
		{"zero chain id", func(c *Config) { c.Remote.ChainID = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"zero retention", func(c *Config) { c.Sync.RetentionWindow = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
