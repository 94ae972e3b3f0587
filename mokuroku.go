// Package mokuroku is the public API for embedding the Mokuroku run-manifest
// coordinator.
//
// Campaign orchestrators import this package to construct and extend the
// coordinator without forking it:
//
//	app, err := mokuroku.New(
//	    mokuroku.WithVersion(version),
//	    mokuroku.WithLogger(logger),
//	    mokuroku.WithEventHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: mokuroku (root) imports
// internal/*, but internal/* never imports mokuroku (root). Public types
// (Manifest, Observation, Event) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package mokuroku

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/oribe-ai/mokuroku/api"
	"github.com/oribe-ai/mokuroku/internal/config"
	"github.com/oribe-ai/mokuroku/internal/ledger"
	"github.com/oribe-ai/mokuroku/internal/model"
	"github.com/oribe-ai/mokuroku/internal/server"
	"github.com/oribe-ai/mokuroku/internal/storage"
	"github.com/oribe-ai/mokuroku/internal/telemetry"
	"github.com/oribe-ai/mokuroku/internal/workload"
)

// App is the Mokuroku coordinator lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	ledger       *ledger.Ledger
	store        storage.Store
	srv          *server.Server
	broker       *server.Broker
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the coordinator. It loads configuration, opens the
// snapshot store, rehydrates persisted runs, and wires all subsystems into a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.workloadPath != "" {
		cfg.WorkloadPath = o.workloadPath
	}
	if o.checkpointInterval != 0 {
		cfg.CheckpointInterval = o.checkpointInterval
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("mokuroku starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the snapshot store — external override takes priority over config.
	var store storage.Store
	if o.store != nil {
		store = o.store
	} else {
		store, err = openStore(cfg, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, err
		}
	}

	// The ledger and its outgoing queue.
	led, err := ledger.New(ledger.Config{
		Thresholds: cfg.Thresholds(),
		MaxRetries: cfg.MaxRetries,
	}, nil, logger)
	if err != nil {
		closeStore(store)
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("ledger: %w", err)
	}

	// Rehydrate persisted runs so a restarted coordinator resumes where it
	// left off instead of re-issuing already-successful work.
	if store != nil {
		if err := rehydrate(context.Background(), led, store, logger); err != nil {
			closeStore(store)
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("rehydrate: %w", err)
		}
	}

	// Workload catalog (optional).
	var catalog *workload.Catalog
	if cfg.WorkloadPath != "" {
		c, err := workload.Load(cfg.WorkloadPath)
		if err != nil {
			closeStore(store)
			_ = otelShutdown(context.Background())
			return nil, err
		}
		catalog = &c
		logger.Info("workload catalog loaded",
			"path", cfg.WorkloadPath, "expected_units", len(c.ExpectedUnits()))
	}

	// SSE broker — the single consumer of the event queue.
	broker := server.NewBroker(led.Queue(), cfg.SubscriberBuffer, logger)
	for _, hook := range o.eventHooks {
		hook := hook
		broker.RegisterHook(func(ctx context.Context, ev model.Event) {
			if err := hook.OnEvent(ctx, toPublicEvent(ev)); err != nil {
				logger.Warn("event hook failed", "type", ev.Type, "error", err)
			}
		})
	}

	srv := server.New(server.ServerConfig{
		Ledger:              led,
		Store:               store,
		Broker:              broker,
		Catalog:             catalog,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		ledger:       led,
		store:        store,
		srv:          srv,
		broker:       broker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// openStore opens the configured snapshot backend. Returns nil for the
// "none" backend.
func openStore(cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.SnapshotBackend {
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("snapshot store: sqlite", "path", cfg.SQLitePath)
		return store, nil
	case "postgres":
		store, err := storage.NewPostgresStore(context.Background(), cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		logger.Info("snapshot store: postgres")
		return store, nil
	case "none":
		logger.Warn("snapshot store: disabled", "risk", "open runs are lost on crash")
		return nil, nil
	default:
		return nil, fmt.Errorf("storage: unknown snapshot backend %q", cfg.SnapshotBackend)
	}
}

func closeStore(store storage.Store) {
	if store != nil {
		_ = store.Close()
	}
}

// rehydrate restores every persisted run into the ledger. A snapshot that no
// longer decodes is logged and skipped rather than blocking startup.
func rehydrate(ctx context.Context, led *ledger.Ledger, store storage.Store, logger *slog.Logger) error {
	ids, err := store.ListRunIDs(ctx)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}

	restored := 0
	for _, id := range ids {
		blob, err := store.LoadSnapshot(ctx, id)
		if err != nil {
			return fmt.Errorf("load snapshot %s: %w", id, err)
		}
		snap, err := ledger.DecodeSnapshot(blob)
		if err != nil {
			logger.Warn("skipping undecodable snapshot", "run_id", id, "error", err)
			continue
		}
		if err := led.Restore(snap); err != nil {
			logger.Warn("skipping unrestorable snapshot", "run_id", id, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		logger.Info("rehydrated persisted runs", "count", restored)
	}
	return nil
}

// Run starts the broker, the checkpoint loop, and the HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically — callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.broker.Start(gctx)
		return nil
	})

	if a.store != nil {
		g.Go(func() error {
			a.checkpointLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Stop the HTTP server when the group context ends so srv.Start returns.
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if shutdownErr := a.Shutdown(context.Background()); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

// checkpointLoop persists every open run on a fixed interval.
func (a *App) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkpointOpenRuns(ctx)
		}
	}
}

// checkpointOpenRuns takes and persists a snapshot of every open run.
// Per-run failures are logged; one bad run does not block the others.
func (a *App) checkpointOpenRuns(ctx context.Context) {
	for _, runID := range a.ledger.OpenRunIDs() {
		snap, err := a.ledger.Checkpoint(runID)
		if err != nil {
			continue // closed or deleted since listing
		}
		blob, err := ledger.EncodeSnapshot(snap)
		if err != nil {
			a.logger.Error("checkpoint encode failed", "run_id", runID, "error", err)
			continue
		}
		if err := a.store.SaveSnapshot(ctx, runID, blob); err != nil {
			a.logger.Warn("checkpoint persist failed", "run_id", runID, "error", err)
		}
	}
}

// Shutdown takes a final checkpoint of open runs, then closes the snapshot
// store and OTEL provider. The HTTP server is already stopped by Run.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("mokuroku shutting down")

	if a.store != nil {
		a.checkpointOpenRuns(ctx)
		if err := a.store.Close(); err != nil {
			a.logger.Error("snapshot store close error", "error", err)
		}
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("mokuroku stopped")
	return nil
}

// Handler returns the root HTTP handler for use in tests and custom servers.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// ── Embedding API ─────────────────────────────────────────────────────────────

// CreateManifest opens a run for the given window and expected units.
func (a *App) CreateManifest(windowStart, windowEnd time.Time, units []Unit) (Manifest, error) {
	keys := make([]model.ObservationKey, len(units))
	for i, u := range units {
		keys[i] = model.ObservationKey{Subject: u.Subject, PromptID: u.PromptID, Model: u.Model}
	}
	manifest, err := a.ledger.CreateManifest(windowStart, windowEnd, keys)
	if err != nil {
		return Manifest{}, err
	}
	return toPublicManifest(manifest), nil
}

// ReportObservation applies one executor report-back.
func (a *App) ReportObservation(runID uuid.UUID, unit Unit, status ObservationStatus, report Report) (Observation, error) {
	obs, err := a.ledger.UpdateObservation(runID,
		model.ObservationKey{Subject: unit.Subject, PromptID: unit.PromptID, Model: unit.Model},
		model.ObservationStatus(status),
		ledger.Report{Error: report.Error, LatencyMs: report.LatencyMs, ResponseRef: report.ResponseRef})
	if err != nil {
		return Observation{}, err
	}
	return toPublicObservation(obs), nil
}

// CloseManifest seals a run's tier and emits the tier-conditional events.
func (a *App) CloseManifest(runID uuid.UUID) (Manifest, error) {
	manifest, err := a.ledger.CloseManifest(runID)
	if err != nil {
		return Manifest{}, err
	}
	return toPublicManifest(manifest), nil
}

// GetManifest returns the current manifest for a run.
func (a *App) GetManifest(runID uuid.UUID) (Manifest, error) {
	manifest, err := a.ledger.GetManifest(runID)
	if err != nil {
		return Manifest{}, err
	}
	return toPublicManifest(manifest), nil
}

// Gaps lists the units an executor still owes for a run.
func (a *App) Gaps(runID uuid.UUID) ([]Unit, error) {
	keys, err := a.ledger.MissingUnits(runID)
	if err != nil {
		return nil, err
	}
	units := make([]Unit, len(keys))
	for i, k := range keys {
		units[i] = Unit{Subject: k.Subject, PromptID: k.PromptID, Model: k.Model}
	}
	return units, nil
}

// ── Conversion helpers (internal → public) ────────────────────────────────────

func toPublicManifest(m model.RunManifest) Manifest {
	return Manifest{
		RunID:          m.RunID,
		WindowStart:    m.WindowStart,
		WindowEnd:      m.WindowEnd,
		TargetCombos:   m.TargetCombos,
		MinFloor:       m.MinFloor,
		TargetCoverage: m.TargetCoverage,
		ObservedOK:     m.ObservedOK,
		ObservedFail:   m.ObservedFail,
		Coverage:       m.Coverage,
		Tier:           Tier(m.Tier),
		Status:         RunStatus(m.Status),
		CreatedAt:      m.CreatedAt,
		ClosedAt:       m.ClosedAt,
	}
}

func toPublicObservation(o model.Observation) Observation {
	return Observation{
		RunID:       o.RunID,
		Subject:     o.Subject,
		PromptID:    o.PromptID,
		Model:       o.Model,
		Status:      ObservationStatus(o.Status),
		Attempts:    o.Attempts,
		LastError:   o.LastError,
		LatencyMs:   o.LatencyMs,
		ResponseRef: o.ResponseRef,
	}
}

func toPublicEvent(ev model.Event) Event {
	var runID uuid.UUID
	switch p := ev.Payload.(type) {
	case model.ManifestOpenedPayload:
		runID = p.RunID
	case model.TensorReadyPayload:
		runID = p.RunID
	case model.GapfillReadyPayload:
		runID = p.RunID
	case model.MIISkippedPayload:
		runID = p.RunID
	case model.ManifestClosedPayload:
		runID = p.RunID
	}
	payload, _ := json.Marshal(ev.Payload)
	return Event{
		ID:        ev.ID,
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		RunID:     runID,
		Payload:   payload,
	}
}
