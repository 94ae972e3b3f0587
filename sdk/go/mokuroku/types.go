package mokuroku

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Unit identifies one (subject, prompt, model) triple of expected work.
type Unit struct {
	Subject  string `json:"subject"`
	PromptID string `json:"prompt_id"`
	Model    string `json:"model"`
}

// Manifest is a run manifest as returned by the server.
type Manifest struct {
	RunID          uuid.UUID  `json:"run_id"`
	WindowStart    time.Time  `json:"window_start"`
	WindowEnd      time.Time  `json:"window_end"`
	TargetCombos   int        `json:"target_combos"`
	MinFloor       float64    `json:"min_floor"`
	TargetCoverage float64    `json:"target_coverage"`
	ObservedOK     int        `json:"observed_ok"`
	ObservedFail   int        `json:"observed_fail"`
	Coverage       float64    `json:"coverage"`
	Tier           string     `json:"tier"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// Observation is one observation record as returned by the server.
type Observation struct {
	RunID       uuid.UUID `json:"run_id"`
	Subject     string    `json:"subject"`
	PromptID    string    `json:"prompt_id"`
	Model       string    `json:"model"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   *string   `json:"last_error,omitempty"`
	LatencyMs   *int64    `json:"latency_ms,omitempty"`
	ResponseRef *string   `json:"response_ref,omitempty"`
}

// CreateManifestRequest is the body for CreateManifest. Units may be omitted
// when the server was started with a workload catalog.
type CreateManifestRequest struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Units       []Unit    `json:"units,omitempty"`
}

// ReportRequest is one executor report-back.
type ReportRequest struct {
	Subject     string  `json:"subject"`
	PromptID    string  `json:"prompt_id"`
	Model       string  `json:"model"`
	Status      string  `json:"status"`
	Error       *string `json:"error,omitempty"`
	LatencyMs   *int64  `json:"latency_ms,omitempty"`
	ResponseRef *string `json:"response_ref,omitempty"`
}

// Event is one ledger event drained from the server's event feed.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// gapsResponse mirrors the server's gaps envelope.
type gapsResponse struct {
	RunID uuid.UUID `json:"run_id"`
	Units []Unit    `json:"units"`
}

// eventsResponse mirrors the server's drain envelope.
type eventsResponse struct {
	Events []Event `json:"events"`
	Count  int     `json:"count"`
}

// checkpointResponse mirrors the server's checkpoint envelope.
type checkpointResponse struct {
	RunID     uuid.UUID `json:"run_id"`
	TakenAt   time.Time `json:"taken_at"`
	Persisted bool      `json:"persisted"`
	Snapshot  []byte    `json:"snapshot"`
}
