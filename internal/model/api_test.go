package model_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oribe-ai/mokuroku/internal/model"
)

// ---- ValidateUnit --------------------------------------------------------

func TestValidateUnit_HappyPath(t *testing.T) {
	k := model.ObservationKey{Subject: "jupiter", PromptID: "p.orbit", Model: "gpt-4o"}
	assert.NoError(t, model.ValidateUnit(k))
}

func TestValidateUnit_SubjectAtExactMax(t *testing.T) {
	k := model.ObservationKey{
		Subject:  strings.Repeat("x", model.MaxSubjectLen),
		PromptID: "p",
		Model:    "m",
	}
	assert.NoError(t, model.ValidateUnit(k), "at the limit should pass")
}

func TestValidateUnit_SubjectOverMax(t *testing.T) {
	k := model.ObservationKey{
		Subject:  strings.Repeat("x", model.MaxSubjectLen+1),
		PromptID: "p",
		Model:    "m",
	}
	err := model.ValidateUnit(k)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subject")
}

func TestValidateUnit_EmptyFields(t *testing.T) {
	tests := []struct {
		name string
		key  model.ObservationKey
		want string
	}{
		{"empty subject", model.ObservationKey{PromptID: "p", Model: "m"}, "subject"},
		{"blank subject", model.ObservationKey{Subject: "   ", PromptID: "p", Model: "m"}, "subject"},
		{"empty prompt", model.ObservationKey{Subject: "s", Model: "m"}, "prompt_id"},
		{"empty model", model.ObservationKey{Subject: "s", PromptID: "p"}, "model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidateUnit(tt.key)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateUnit_PromptAndModelOverMax(t *testing.T) {
	long := strings.Repeat("x", model.MaxPromptIDLen+1)
	err := model.ValidateUnit(model.ObservationKey{Subject: "s", PromptID: long, Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt_id")

	long = strings.Repeat("x", model.MaxModelLen+1)
	err = model.ValidateUnit(model.ObservationKey{Subject: "s", PromptID: "p", Model: long})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model")
}

// ---- ObservationStatus ---------------------------------------------------

func TestObservationStatusTerminal(t *testing.T) {
	assert.True(t, model.ObservationSuccess.Terminal())
	assert.True(t, model.ObservationFailed.Terminal())
	assert.False(t, model.ObservationSkipped.Terminal(), "skipped units do not count toward coverage")
	assert.False(t, model.ObservationQueued.Terminal())
	assert.False(t, model.ObservationRunning.Terminal())
}

func TestObservationStatusValid(t *testing.T) {
	for _, s := range []model.ObservationStatus{
		model.ObservationQueued, model.ObservationRunning,
		model.ObservationSuccess, model.ObservationFailed, model.ObservationSkipped,
	} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, model.ObservationStatus("exploded").Valid())
}

// ---- Event decoding ------------------------------------------------------

func TestEventUnmarshalSelectsPayloadByType(t *testing.T) {
	runID := uuid.New()
	in := model.Event{
		ID:        uuid.New(),
		Type:      model.EventTensorReady,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Payload: model.TensorReadyPayload{
			RunID:      runID,
			Tier:       model.TierHealthy,
			Coverage:   0.97,
			ObservedOK: 97,
		},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out model.Event
	require.NoError(t, json.Unmarshal(data, &out))

	payload, ok := out.Payload.(model.TensorReadyPayload)
	require.True(t, ok, "payload should decode to the concrete type")
	assert.Equal(t, runID, payload.RunID)
	assert.Equal(t, model.TierHealthy, payload.Tier)
	assert.InDelta(t, 0.97, payload.Coverage, 1e-9)
	assert.Equal(t, in.ID, out.ID)
}

func TestEventUnmarshalRejectsUnknownType(t *testing.T) {
	raw := `{"id":"` + uuid.NewString() + `","type":"manifest.vaporized","timestamp":"2026-01-01T00:00:00Z","payload":{}}`
	var out model.Event
	err := json.Unmarshal([]byte(raw), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}
