package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oribe-ai/mokuroku/internal/ledger"
	"github.com/oribe-ai/mokuroku/internal/storage"
	"github.com/oribe-ai/mokuroku/internal/workload"
)

// Server is the Mokuroku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional fields (nil-safe): Store, Broker, Catalog, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Ledger *ledger.Ledger
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Store   storage.Store
	Broker  *Broker
	Catalog *workload.Catalog

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Ledger:              cfg.Ledger,
		Store:               cfg.Store,
		Broker:              cfg.Broker,
		Catalog:             cfg.Catalog,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	// Manifest lifecycle.
	mux.HandleFunc("POST /v1/manifests", h.HandleCreateManifest)
	mux.HandleFunc("GET /v1/manifests/{run_id}", h.HandleGetManifest)
	mux.HandleFunc("POST /v1/manifests/{run_id}/close", h.HandleCloseManifest)

	// Observation report-back and lookup.
	mux.HandleFunc("POST /v1/manifests/{run_id}/observations", h.HandleUpdateObservation)
	mux.HandleFunc("GET /v1/manifests/{run_id}/observations/{subject}/{prompt_id}/{model}", h.HandleGetObservation)
	mux.HandleFunc("GET /v1/manifests/{run_id}/gaps", h.HandleGaps)

	// Checkpoint and restore.
	mux.HandleFunc("POST /v1/manifests/{run_id}/checkpoint", h.HandleCheckpoint)
	mux.HandleFunc("POST /v1/restore", h.HandleRestore)

	// Event delivery: destructive poll plus SSE stream.
	mux.HandleFunc("GET /v1/events", h.HandleDrainEvents)
	mux.HandleFunc("GET /v1/events/stream", h.HandleEventStream)

	// OpenAPI spec.
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Health (no envelope consumers depend on; keep it cheap).
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
