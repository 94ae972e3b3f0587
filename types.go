package mokuroku

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tier grades the evidence quality of a closed run.
type Tier string

const (
	TierInvalid  Tier = "invalid"
	TierDegraded Tier = "degraded"
	TierHealthy  Tier = "healthy"
)

// RunStatus is the lifecycle state of a run manifest.
type RunStatus string

const (
	RunOpen    RunStatus = "open"
	RunClosing RunStatus = "closing"
	RunClosed  RunStatus = "closed"
)

// ObservationStatus is the state of one unit of expected work.
type ObservationStatus string

const (
	ObservationQueued  ObservationStatus = "queued"
	ObservationRunning ObservationStatus = "running"
	ObservationSuccess ObservationStatus = "success"
	ObservationFailed  ObservationStatus = "failed"
	ObservationSkipped ObservationStatus = "skipped"
)

// Unit identifies one (subject, prompt, model) triple of expected work.
type Unit struct {
	Subject  string
	PromptID string
	Model    string
}

// Manifest is the public representation of a run manifest.
// It is a curated view of internal state for use in extension interfaces.
// No internal package imports — safe to use from outside the module.
type Manifest struct {
	RunID          uuid.UUID
	WindowStart    time.Time
	WindowEnd      time.Time
	TargetCombos   int
	MinFloor       float64
	TargetCoverage float64
	ObservedOK     int
	ObservedFail   int
	Coverage       float64
	Tier           Tier
	Status         RunStatus
	CreatedAt      time.Time
	ClosedAt       *time.Time
}

// Observation is the public representation of one observation record.
type Observation struct {
	RunID       uuid.UUID
	Subject     string
	PromptID    string
	Model       string
	Status      ObservationStatus
	Attempts    int
	LastError   *string
	LatencyMs   *int64
	ResponseRef *string
}

// Report carries the optional diagnostic fields of an executor report-back.
type Report struct {
	Error       *string
	LatencyMs   *int64
	ResponseRef *string
}

// Event is the public view of one ledger event. RunID is extracted from the
// payload for convenience; Payload carries the full payload as JSON for
// hooks that need the type-specific fields.
type Event struct {
	ID        uuid.UUID
	Type      string
	Timestamp time.Time
	RunID     uuid.UUID
	Payload   json.RawMessage
}
