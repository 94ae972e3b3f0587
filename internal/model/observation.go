package model

import "github.com/google/uuid"

// ObservationStatus is the lifecycle state of one unit of expected work.
type ObservationStatus string

const (
	ObservationQueued  ObservationStatus = "queued"
	ObservationRunning ObservationStatus = "running"
	ObservationSuccess ObservationStatus = "success"
	ObservationFailed  ObservationStatus = "failed"
	ObservationSkipped ObservationStatus = "skipped"
)

// Terminal reports whether s counts toward coverage arithmetic.
// Skipped units never entered execution and are not counted as failures.
func (s ObservationStatus) Terminal() bool {
	return s == ObservationSuccess || s == ObservationFailed
}

// Valid reports whether s is one of the five defined statuses.
func (s ObservationStatus) Valid() bool {
	switch s {
	case ObservationQueued, ObservationRunning, ObservationSuccess,
		ObservationFailed, ObservationSkipped:
		return true
	}
	return false
}

// ObservationKey identifies one (subject, prompt, model) unit within a run.
// It is a comparable value type used directly as a map key, so subjects
// containing delimiter characters can never collide.
type ObservationKey struct {
	Subject  string `json:"subject"`
	PromptID string `json:"prompt_id"`
	Model    string `json:"model"`
}

// Observation is the authoritative record for one unit of work.
type Observation struct {
	RunID    uuid.UUID         `json:"run_id"`
	Subject  string            `json:"subject"`
	PromptID string            `json:"prompt_id"`
	Model    string            `json:"model"`
	Status   ObservationStatus `json:"status"`
	Attempts int               `json:"attempts"`
	// Diagnostic fields. LastError is set only on failures; LatencyMs and
	// ResponseRef only on successes.
	LastError   *string `json:"last_error,omitempty"`
	LatencyMs   *int64  `json:"latency_ms,omitempty"`
	ResponseRef *string `json:"response_ref,omitempty"`
}

// Key returns the composite key for this observation within its run.
func (o Observation) Key() ObservationKey {
	return ObservationKey{Subject: o.Subject, PromptID: o.PromptID, Model: o.Model}
}
