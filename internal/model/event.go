package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of a ledger event.
type EventType string

const (
	EventManifestOpened EventType = "manifest.opened"
	EventTensorReady    EventType = "tensor.ready"
	EventGapfillReady   EventType = "gapfill.ready"
	EventMIISkipped     EventType = "mii.skipped"
	EventManifestClosed EventType = "manifest.closed"
)

// EventPayload is implemented by the payload struct of each EventType, so
// downstream consumers can switch over the concrete types.
type EventPayload interface {
	EventType() EventType
}

// Event is an immutable, timestamped fact appended to the outgoing queue.
// Consumed exactly once per drain.
type Event struct {
	ID        uuid.UUID    `json:"id"`
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   EventPayload `json:"payload"`
}

// ManifestOpenedPayload is the payload for manifest.opened events.
type ManifestOpenedPayload struct {
	RunID        uuid.UUID `json:"run_id"`
	TargetCombos int       `json:"target_combos"`
}

func (ManifestOpenedPayload) EventType() EventType { return EventManifestOpened }

// TensorReadyPayload signals the Aggregator that the window's evidence is
// usable (Healthy or Degraded tier) and scoring may begin.
type TensorReadyPayload struct {
	RunID        uuid.UUID `json:"run_id"`
	Tier         Tier      `json:"tier"`
	Coverage     float64   `json:"coverage"`
	ObservedOK   int       `json:"observed_ok"`
	ObservedFail int       `json:"observed_fail"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
}

func (TensorReadyPayload) EventType() EventType { return EventTensorReady }

// FailedObservation is one gap-fill candidate within a gapfill.ready payload.
type FailedObservation struct {
	Subject  string `json:"subject"`
	PromptID string `json:"prompt_id"`
	Model    string `json:"model"`
	Error    string `json:"error"`
}

// GapfillReadyPayload lists the failed units of a Degraded run for a retry
// scheduler to re-issue. Emitted only for the Degraded tier.
type GapfillReadyPayload struct {
	RunID              uuid.UUID           `json:"run_id"`
	FailedObservations []FailedObservation `json:"failed_observations"`
	Coverage           float64             `json:"coverage"`
	Tier               Tier                `json:"tier"`
}

func (GapfillReadyPayload) EventType() EventType { return EventGapfillReady }

// MIISkippedPayload tells monitoring that the window contributes no score.
type MIISkippedPayload struct {
	RunID    uuid.UUID `json:"run_id"`
	Coverage float64   `json:"coverage"`
	Message  string    `json:"message"`
}

func (MIISkippedPayload) EventType() EventType { return EventMIISkipped }

// ManifestClosedPayload is the unconditional audit record for every close.
type ManifestClosedPayload struct {
	RunID        uuid.UUID `json:"run_id"`
	Tier         Tier      `json:"tier"`
	Coverage     float64   `json:"coverage"`
	ObservedOK   int       `json:"observed_ok"`
	ObservedFail int       `json:"observed_fail"`
}

func (ManifestClosedPayload) EventType() EventType { return EventManifestClosed }

// eventEnvelope is the wire form of Event. Payload is deferred so
// UnmarshalJSON can pick the concrete type from the type tag.
type eventEnvelope struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// UnmarshalJSON decodes an event, selecting the payload struct by type tag.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var payload EventPayload
	switch env.Type {
	case EventManifestOpened:
		payload = &ManifestOpenedPayload{}
	case EventTensorReady:
		payload = &TensorReadyPayload{}
	case EventGapfillReady:
		payload = &GapfillReadyPayload{}
	case EventMIISkipped:
		payload = &MIISkippedPayload{}
	case EventManifestClosed:
		payload = &ManifestClosedPayload{}
	default:
		return fmt.Errorf("model: unknown event type %q", env.Type)
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return fmt.Errorf("model: decode %s payload: %w", env.Type, err)
	}

	e.ID = env.ID
	e.Type = env.Type
	e.Timestamp = env.Timestamp
	switch p := payload.(type) {
	case *ManifestOpenedPayload:
		e.Payload = *p
	case *TensorReadyPayload:
		e.Payload = *p
	case *GapfillReadyPayload:
		e.Payload = *p
	case *MIISkippedPayload:
		e.Payload = *p
	case *ManifestClosedPayload:
		e.Payload = *p
	}
	return nil
}
