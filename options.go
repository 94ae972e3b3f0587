package mokuroku

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port               int
	logger             *slog.Logger
	version            string
	store              SnapshotStore
	eventHooks         []EventHook
	workloadPath       string
	checkpointInterval time.Duration
	databaseURL        string
	sqlitePath         string
}

// WithPort overrides the TCP port from config (MOKUROKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithStore replaces the configured snapshot backend with a custom store.
// When set, MOKUROKU_SNAPSHOT_BACKEND and its connection settings are ignored.
func WithStore(store SnapshotStore) Option {
	return func(o *resolvedOptions) { o.store = store }
}

// WithEventHook registers an event hook to receive ledger event notifications.
// Multiple hooks may be registered; all registered hooks receive every event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithWorkloadPath overrides the workload catalog path from config
// (MOKUROKU_WORKLOAD_PATH env var).
func WithWorkloadPath(path string) Option {
	return func(o *resolvedOptions) { o.workloadPath = path }
}

// WithCheckpointInterval overrides the periodic checkpoint interval from
// config (MOKUROKU_CHECKPOINT_INTERVAL env var).
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.checkpointInterval = d }
}

// WithDatabaseURL overrides the Postgres DSN from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the SQLite snapshot file path from config
// (MOKUROKU_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}
