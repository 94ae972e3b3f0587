package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/oribe-ai/mokuroku/internal/ledger"
	"github.com/oribe-ai/mokuroku/internal/model"
	"github.com/oribe-ai/mokuroku/internal/storage"
	"github.com/oribe-ai/mokuroku/internal/workload"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	ledger              *ledger.Ledger
	store               storage.Store
	broker              *Broker
	catalog             *workload.Catalog
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Store, Broker, Catalog, OpenAPISpec.
type HandlersDeps struct {
	Ledger              *ledger.Ledger
	Store               storage.Store
	Broker              *Broker
	Catalog             *workload.Catalog
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		ledger:              d.Ledger,
		store:               d.Store,
		broker:              d.Broker,
		catalog:             d.Catalog,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleCreateManifest handles POST /v1/manifests. When the request carries
// no explicit units and a workload catalog is loaded, the catalog's active
// cross product becomes the expected workload.
func (h *Handlers) HandleCreateManifest(w http.ResponseWriter, r *http.Request) {
	var req model.CreateManifestRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	units := req.Units
	if len(units) == 0 && h.catalog != nil {
		units = h.catalog.ExpectedUnits()
	}

	manifest, err := h.ledger.CreateManifest(req.WindowStart, req.WindowEnd, units)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusCreated, manifest)
}

// HandleGetManifest handles GET /v1/manifests/{run_id}.
func (h *Handlers) HandleGetManifest(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	manifest, err := h.ledger.GetManifest(runID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "manifest not found")
		return
	}
	writeJSON(w, r, http.StatusOK, manifest)
}

// HandleUpdateObservation handles POST /v1/manifests/{run_id}/observations,
// the executor report-back endpoint.
func (h *Handlers) HandleUpdateObservation(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.UpdateObservationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	key := model.ObservationKey{Subject: req.Subject, PromptID: req.PromptID, Model: req.Model}
	obs, err := h.ledger.UpdateObservation(runID, key, req.Status, ledger.Report{
		Error:       req.Error,
		LatencyMs:   req.LatencyMs,
		ResponseRef: req.ResponseRef,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrManifestNotFound), errors.Is(err, ledger.ErrObservationNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		case errors.Is(err, ledger.ErrManifestClosed):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		}
		return
	}
	writeJSON(w, r, http.StatusOK, obs)
}

// HandleGetObservation handles
// GET /v1/manifests/{run_id}/observations/{subject}/{prompt_id}/{model}.
func (h *Handlers) HandleGetObservation(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	key := model.ObservationKey{
		Subject:  r.PathValue("subject"),
		PromptID: r.PathValue("prompt_id"),
		Model:    r.PathValue("model"),
	}
	obs, err := h.ledger.GetObservation(runID, key)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, obs)
}

// HandleCloseManifest handles POST /v1/manifests/{run_id}/close. Closing is
// terminal: the tier is sealed and the run stops accepting report-backs.
func (h *Handlers) HandleCloseManifest(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	manifest, err := h.ledger.CloseManifest(runID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrManifestNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
		case errors.Is(err, ledger.ErrManifestClosed):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		default:
			h.writeInternalError(w, r, "close failed", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, manifest)
}

// HandleGaps handles GET /v1/manifests/{run_id}/gaps, listing the units an
// executor still owes (queued, running, or failed).
func (h *Handlers) HandleGaps(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	units, err := h.ledger.MissingUnits(runID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "manifest not found")
		return
	}
	writeJSON(w, r, http.StatusOK, model.GapsResponse{RunID: runID, Units: units})
}

// HandleCheckpoint handles POST /v1/manifests/{run_id}/checkpoint. The
// snapshot is returned to the caller and, when a store is configured,
// persisted under the run id.
func (h *Handlers) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	snap, err := h.ledger.Checkpoint(runID)
	if err != nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "manifest not found")
		return
	}
	blob, err := ledger.EncodeSnapshot(snap)
	if err != nil {
		h.writeInternalError(w, r, "encode snapshot failed", err)
		return
	}

	persisted := false
	if h.store != nil {
		if err := h.store.SaveSnapshot(r.Context(), runID, blob); err != nil {
			h.writeInternalError(w, r, "persist snapshot failed", err)
			return
		}
		persisted = true
	}

	writeJSON(w, r, http.StatusOK, model.CheckpointResponse{
		RunID:     runID,
		TakenAt:   snap.TakenAt,
		Persisted: persisted,
		Snapshot:  blob,
	})
}

// HandleRestore handles POST /v1/restore. The snapshot blob is the
// base64-encoded JSON produced by the checkpoint endpoint.
func (h *Handlers) HandleRestore(w http.ResponseWriter, r *http.Request) {
	var req model.RestoreRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	snap, err := ledger.DecodeSnapshot(req.Snapshot)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.ledger.Restore(snap); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	manifest, err := h.ledger.GetManifest(snap.Manifest.RunID)
	if err != nil {
		h.writeInternalError(w, r, "restored run not found", err)
		return
	}
	writeJSON(w, r, http.StatusOK, manifest)
}

// HandleDrainEvents handles GET /v1/events. Draining is destructive: each
// event is delivered to exactly one poll, in emission order.
func (h *Handlers) HandleDrainEvents(w http.ResponseWriter, r *http.Request) {
	var events []model.Event
	if h.broker != nil {
		events = h.broker.DrainPending()
	} else {
		events = h.ledger.Queue().Drain()
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// HandleEventStream handles GET /v1/events/stream (SSE).
func (h *Handlers) HandleEventStream(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (broker not running)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "healthy",
		"version":   h.version,
		"open_runs": len(h.ledger.OpenRunIDs()),
		"uptime":    int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp["broker"] = "running"
		resp["pending_events"] = h.broker.Pending()
	} else {
		resp["pending_events"] = h.ledger.Queue().Len()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// writeInternalError logs the underlying error and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// parseRunID extracts and validates the run_id path parameter.
func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("run_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid run_id %q", raw)
	}
	return id, nil
}
