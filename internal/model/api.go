package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-supplied observation fields. These keep a
// single oversized error message or subject from filling snapshot blobs and
// event payloads with caller-controlled garbage.
const (
	MaxSubjectLen  = 500
	MaxPromptIDLen = 200
	MaxModelLen    = 200
	MaxErrorLen    = 8 * 1024 // 8 KB
)

// ValidateUnit checks the fields of one expected-work triple.
func ValidateUnit(k ObservationKey) error {
	if strings.TrimSpace(k.Subject) == "" {
		return fmt.Errorf("subject must not be empty")
	}
	if len(k.Subject) > MaxSubjectLen {
		return fmt.Errorf("subject exceeds maximum length of %d characters", MaxSubjectLen)
	}
	if strings.TrimSpace(k.PromptID) == "" {
		return fmt.Errorf("prompt_id must not be empty")
	}
	if len(k.PromptID) > MaxPromptIDLen {
		return fmt.Errorf("prompt_id exceeds maximum length of %d characters", MaxPromptIDLen)
	}
	if strings.TrimSpace(k.Model) == "" {
		return fmt.Errorf("model must not be empty")
	}
	if len(k.Model) > MaxModelLen {
		return fmt.Errorf("model exceeds maximum length of %d characters", MaxModelLen)
	}
	return nil
}

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// CreateManifestRequest is the request body for POST /v1/manifests.
// Units may be omitted when the server was started with a workload catalog,
// in which case the catalog's active units become the expected workload.
type CreateManifestRequest struct {
	WindowStart time.Time        `json:"window_start"`
	WindowEnd   time.Time        `json:"window_end"`
	Units       []ObservationKey `json:"units,omitempty"`
}

// UpdateObservationRequest is the executor report-back body for
// POST /v1/manifests/{run_id}/observations.
type UpdateObservationRequest struct {
	Subject     string            `json:"subject"`
	PromptID    string            `json:"prompt_id"`
	Model       string            `json:"model"`
	Status      ObservationStatus `json:"status"`
	Error       *string           `json:"error,omitempty"`
	LatencyMs   *int64            `json:"latency_ms,omitempty"`
	ResponseRef *string           `json:"response_ref,omitempty"`
}

// RestoreRequest is the request body for POST /v1/restore.
type RestoreRequest struct {
	Snapshot []byte `json:"snapshot"`
}

// CheckpointResponse is the response body for POST /v1/manifests/{run_id}/checkpoint.
type CheckpointResponse struct {
	RunID     uuid.UUID `json:"run_id"`
	TakenAt   time.Time `json:"taken_at"`
	Persisted bool      `json:"persisted"`
	Snapshot  []byte    `json:"snapshot"`
}

// GapsResponse is the response body for GET /v1/manifests/{run_id}/gaps.
type GapsResponse struct {
	RunID uuid.UUID        `json:"run_id"`
	Units []ObservationKey `json:"units"`
}
