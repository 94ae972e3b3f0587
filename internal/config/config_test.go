package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.MinFloor != 0.70 {
		t.Errorf("MinFloor = %v, want 0.70", cfg.MinFloor)
	}
	if cfg.TargetCoverage != 0.95 {
		t.Errorf("TargetCoverage = %v, want 0.95", cfg.TargetCoverage)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.SnapshotBackend != "sqlite" {
		t.Errorf("SnapshotBackend = %q, want sqlite", cfg.SnapshotBackend)
	}
	if cfg.CheckpointInterval != 30*time.Second {
		t.Errorf("CheckpointInterval = %v, want 30s", cfg.CheckpointInterval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MOKUROKU_PORT", "9999")
	t.Setenv("MOKUROKU_MIN_FLOOR", "0.5")
	t.Setenv("MOKUROKU_TARGET_COVERAGE", "0.9")
	t.Setenv("MOKUROKU_SNAPSHOT_BACKEND", "none")
	t.Setenv("MOKUROKU_CHECKPOINT_INTERVAL", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.MinFloor != 0.5 || cfg.TargetCoverage != 0.9 {
		t.Errorf("thresholds = (%v, %v), want (0.5, 0.9)", cfg.MinFloor, cfg.TargetCoverage)
	}
	if cfg.SnapshotBackend != "none" {
		t.Errorf("SnapshotBackend = %q, want none", cfg.SnapshotBackend)
	}
	if cfg.CheckpointInterval != 5*time.Second {
		t.Errorf("CheckpointInterval = %v, want 5s", cfg.CheckpointInterval)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"floor above target", func(c *Config) { c.MinFloor = 0.96; c.TargetCoverage = 0.95 }},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }},
		{"unknown backend", func(c *Config) { c.SnapshotBackend = "etcd" }},
		{"postgres without DSN", func(c *Config) { c.SnapshotBackend = "postgres"; c.DatabaseURL = "" }},
		{"sqlite without path", func(c *Config) { c.SnapshotBackend = "sqlite"; c.SQLitePath = "" }},
		{"zero checkpoint interval", func(c *Config) { c.CheckpointInterval = 0 }},
		{"zero body limit", func(c *Config) { c.MaxRequestBodyBytes = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
