// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oribe-ai/mokuroku/internal/coverage"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Coverage policy. Shared across all runs; not per-manifest data.
	MinFloor       float64
	TargetCoverage float64
	MaxRetries     int

	// Checkpoint persistence.
	// SnapshotBackend is "sqlite", "postgres", or "none".
	SnapshotBackend    string
	SQLitePath         string
	DatabaseURL        string // Postgres DSN, used when SnapshotBackend is "postgres".
	CheckpointInterval time.Duration

	// Workload catalog (optional). When set, POST /v1/manifests may omit
	// the unit list and use the catalog's active units.
	WorkloadPath string

	// Event feed settings.
	SubscriberBuffer int // per-SSE-subscriber channel depth

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("MOKUROKU_PORT", 8080),
		ReadTimeout:         envDuration("MOKUROKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("MOKUROKU_WRITE_TIMEOUT", 30*time.Second),
		MinFloor:            envFloat("MOKUROKU_MIN_FLOOR", 0.70),
		TargetCoverage:      envFloat("MOKUROKU_TARGET_COVERAGE", 0.95),
		MaxRetries:          envInt("MOKUROKU_MAX_RETRIES", 3),
		SnapshotBackend:     envStr("MOKUROKU_SNAPSHOT_BACKEND", "sqlite"),
		SQLitePath:          envStr("MOKUROKU_SQLITE_PATH", "mokuroku.db"),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		CheckpointInterval:  envDuration("MOKUROKU_CHECKPOINT_INTERVAL", 30*time.Second),
		WorkloadPath:        envStr("MOKUROKU_WORKLOAD_PATH", ""),
		SubscriberBuffer:    envInt("MOKUROKU_SUBSCRIBER_BUFFER", 64),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "mokuroku"),
		LogLevel:            envStr("MOKUROKU_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("MOKUROKU_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	th := coverage.Thresholds{MinFloor: c.MinFloor, TargetCoverage: c.TargetCoverage}
	if err := th.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: MOKUROKU_MAX_RETRIES must be at least 1")
	}
	switch c.SnapshotBackend {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("config: MOKUROKU_SQLITE_PATH is required for the sqlite backend")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres backend")
		}
	case "none":
	default:
		return fmt.Errorf("config: unknown snapshot backend %q", c.SnapshotBackend)
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("config: MOKUROKU_CHECKPOINT_INTERVAL must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: MOKUROKU_SUBSCRIBER_BUFFER must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: MOKUROKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// Thresholds returns the coverage policy as a value usable by the ledger.
func (c Config) Thresholds() coverage.Thresholds {
	return coverage.Thresholds{MinFloor: c.MinFloor, TargetCoverage: c.TargetCoverage}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
