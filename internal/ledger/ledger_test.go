package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oribe-ai/mokuroku/internal/coverage"
	"github.com/oribe-ai/mokuroku/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestLedger(t *testing.T, minFloor, target float64, maxRetries int) *Ledger {
	t.Helper()
	l, err := New(Config{
		Thresholds: coverage.Thresholds{MinFloor: minFloor, TargetCoverage: target},
		MaxRetries: maxRetries,
	}, NewQueue(), testLogger())
	require.NoError(t, err)
	return l
}

func testWindow() (time.Time, time.Time) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return start, start.Add(time.Hour)
}

// units builds subjects x models expected units with a single prompt P1.
func units(subjects, models int) []model.ObservationKey {
	var out []model.ObservationKey
	for s := 0; s < subjects; s++ {
		for m := 0; m < models; m++ {
			out = append(out, model.ObservationKey{
				Subject:  fmt.Sprintf("site%d.com", s),
				PromptID: "P1",
				Model:    fmt.Sprintf("model-%d", m),
			})
		}
	}
	return out
}

func eventTypes(events []model.Event) []model.EventType {
	var types []model.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestCreateManifest(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()

	m, err := l.CreateManifest(start, end, units(10, 3))
	require.NoError(t, err)

	assert.Equal(t, 30, m.TargetCombos)
	assert.Equal(t, model.ManifestStatusOpen, m.Status)
	assert.Equal(t, model.TierInvalid, m.Tier)
	assert.Zero(t, m.Coverage)

	// Every unit starts Queued with zero attempts.
	obs, err := l.GetObservation(m.RunID, model.ObservationKey{Subject: "site0.com", PromptID: "P1", Model: "model-0"})
	require.NoError(t, err)
	assert.Equal(t, model.ObservationQueued, obs.Status)
	assert.Zero(t, obs.Attempts)

	events := l.Queue().Drain()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventManifestOpened, events[0].Type)
	payload := events[0].Payload.(model.ManifestOpenedPayload)
	assert.Equal(t, m.RunID, payload.RunID)
	assert.Equal(t, 30, payload.TargetCombos)
}

func TestCreateManifestRejectsMalformedInput(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()

	_, err := l.CreateManifest(end, start, units(1, 1))
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = l.CreateManifest(start, end, nil)
	assert.ErrorIs(t, err, ErrEmptyWorkload)

	dup := model.ObservationKey{Subject: "a.com", PromptID: "P1", Model: "m"}
	_, err = l.CreateManifest(start, end, []model.ObservationKey{dup, dup})
	assert.ErrorIs(t, err, ErrDuplicateUnit)

	_, err = l.CreateManifest(start, end, []model.ObservationKey{{Subject: "", PromptID: "P1", Model: "m"}})
	assert.Error(t, err)

	// No events leak out of rejected creates.
	assert.Zero(t, l.Queue().Len())
}

func TestUpdateObservationNotFound(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	m, err := l.CreateManifest(start, end, units(2, 1))
	require.NoError(t, err)

	_, err = l.UpdateObservation(m.RunID,
		model.ObservationKey{Subject: "nowhere.com", PromptID: "P1", Model: "model-0"},
		model.ObservationSuccess, Report{})
	assert.ErrorIs(t, err, ErrObservationNotFound)

	_, err = l.UpdateObservation(m.RunID, units(1, 1)[0], "exploded", Report{})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRunningIncrementsAttempts(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	m, err := l.CreateManifest(start, end, units(1, 1))
	require.NoError(t, err)
	key := units(1, 1)[0]

	for want := 1; want <= 3; want++ {
		obs, err := l.UpdateObservation(m.RunID, key, model.ObservationRunning, Report{})
		require.NoError(t, err)
		assert.Equal(t, want, obs.Attempts)
	}

	// Terminal reports do not touch the attempt count.
	errMsg := "boom"
	obs, err := l.UpdateObservation(m.RunID, key, model.ObservationFailed, Report{Error: &errMsg})
	require.NoError(t, err)
	assert.Equal(t, 3, obs.Attempts)
	require.NotNil(t, obs.LastError)
	assert.Equal(t, "boom", *obs.LastError)
}

func TestCoverageRecomputedOnTerminalTransition(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	all := units(2, 2) // 4 units
	m, err := l.CreateManifest(start, end, all)
	require.NoError(t, err)

	// Running is not terminal: coverage stays put.
	_, err = l.UpdateObservation(m.RunID, all[0], model.ObservationRunning, Report{})
	require.NoError(t, err)
	got, err := l.GetManifest(m.RunID)
	require.NoError(t, err)
	assert.Zero(t, got.Coverage)

	_, err = l.UpdateObservation(m.RunID, all[0], model.ObservationSuccess, Report{})
	require.NoError(t, err)
	got, err = l.GetManifest(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, 0.25, got.Coverage)
	assert.Equal(t, 1, got.ObservedOK)
}

func TestIdempotentTerminalReporting(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	all := units(2, 1)
	m, err := l.CreateManifest(start, end, all)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = l.UpdateObservation(m.RunID, all[0], model.ObservationSuccess, Report{})
		require.NoError(t, err)
	}
	errMsg := "timeout"
	for i := 0; i < 3; i++ {
		_, err = l.UpdateObservation(m.RunID, all[1], model.ObservationFailed, Report{Error: &errMsg})
		require.NoError(t, err)
	}

	got, err := l.GetManifest(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ObservedOK)
	assert.Equal(t, 1, got.ObservedFail)
	assert.Equal(t, 0.5, got.Coverage)
}

func TestErrorTruncationKeepsValidUTF8(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	all := units(1, 1)
	m, err := l.CreateManifest(start, end, all)
	require.NoError(t, err)

	// Place a multi-byte rune across the byte limit: a naive byte slice at
	// MaxErrorLen would cut it in half.
	msg := strings.Repeat("x", model.MaxErrorLen-1) + strings.Repeat("é", 10)
	obs, err := l.UpdateObservation(m.RunID, all[0], model.ObservationFailed, Report{Error: &msg})
	require.NoError(t, err)

	require.NotNil(t, obs.LastError)
	assert.LessOrEqual(t, len(*obs.LastError), model.MaxErrorLen)
	assert.True(t, utf8.ValidString(*obs.LastError))
	assert.Equal(t, model.MaxErrorLen-1, len(*obs.LastError), "split rune is dropped whole")

	// Messages within the limit pass through untouched.
	short := "timeout: 読み込み失敗"
	obs, err = l.UpdateObservation(m.RunID, all[0], model.ObservationFailed, Report{Error: &short})
	require.NoError(t, err)
	assert.Equal(t, short, *obs.LastError)
}

func TestFailedThenRetriedToSuccess(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	all := units(1, 1)
	m, err := l.CreateManifest(start, end, all)
	require.NoError(t, err)
	key := all[0]

	errMsg := "rate limited"
	_, err = l.UpdateObservation(m.RunID, key, model.ObservationRunning, Report{})
	require.NoError(t, err)
	_, err = l.UpdateObservation(m.RunID, key, model.ObservationFailed, Report{Error: &errMsg})
	require.NoError(t, err)

	got, _ := l.GetManifest(m.RunID)
	assert.Equal(t, 1, got.ObservedFail)
	assert.Zero(t, got.ObservedOK)

	// Second attempt succeeds: the failure tally must not keep the unit.
	_, err = l.UpdateObservation(m.RunID, key, model.ObservationRunning, Report{})
	require.NoError(t, err)
	_, err = l.UpdateObservation(m.RunID, key, model.ObservationSuccess, Report{})
	require.NoError(t, err)

	got, _ = l.GetManifest(m.RunID)
	assert.Equal(t, 1, got.ObservedOK)
	assert.Zero(t, got.ObservedFail)
	assert.Equal(t, 1.0, got.Coverage)
}

// Degraded-path scenario: 10 subjects x 3 models, 24 succeed, 6 fail.
// Coverage 0.8 sits between the 0.70 floor and 0.95 target.
func TestCloseDegradedEmitsGapfill(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	all := units(10, 3)
	m, err := l.CreateManifest(start, end, all)
	require.NoError(t, err)
	l.Queue().Drain() // discard manifest.opened

	errMsg := "provider unavailable"
	for i, key := range all {
		if i < 24 {
			_, err = l.UpdateObservation(m.RunID, key, model.ObservationSuccess, Report{})
		} else {
			_, err = l.UpdateObservation(m.RunID, key, model.ObservationFailed, Report{Error: &errMsg})
		}
		require.NoError(t, err)
	}

	final, err := l.CloseManifest(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, 0.8, final.Coverage)
	assert.Equal(t, model.TierDegraded, final.Tier)
	assert.Equal(t, model.ManifestStatusClosed, final.Status)
	require.NotNil(t, final.ClosedAt)

	events := l.Queue().Drain()
	assert.Equal(t, []model.EventType{
		model.EventTensorReady,
		model.EventGapfillReady,
		model.EventManifestClosed,
	}, eventTypes(events))

	gapfill := events[1].Payload.(model.GapfillReadyPayload)
	require.Len(t, gapfill.FailedObservations, 6)
	for _, fo := range gapfill.FailedObservations {
		assert.NotEmpty(t, fo.Subject)
		assert.Equal(t, "P1", fo.PromptID)
		assert.NotEmpty(t, fo.Model)
		assert.Equal(t, "provider unavailable", fo.Error)
	}

	tensor := events[0].Payload.(model.TensorReadyPayload)
	assert.Equal(t, 24, tensor.ObservedOK)
	assert.Equal(t, 6, tensor.ObservedFail)
	assert.Equal(t, start, tensor.WindowStart)
	assert.Equal(t, end, tensor.WindowEnd)
}

// All-healthy scenario: 10 units, 10 successes, no gapfill.
func TestCloseHealthyNeverEmitsGapfill(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	all := units(10, 1)
	m, err := l.CreateManifest(start, end, all)
	require.NoError(t, err)
	l.Queue().Drain()

	for _, key := range all {
		_, err = l.UpdateObservation(m.RunID, key, model.ObservationSuccess, Report{})
		require.NoError(t, err)
	}

	final, err := l.CloseManifest(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, final.Coverage)
	assert.Equal(t, model.TierHealthy, final.Tier)

	events := l.Queue().Drain()
	assert.Equal(t, []model.EventType{
		model.EventTensorReady,
		model.EventManifestClosed,
	}, eventTypes(events))
}

// Below-floor scenario: 20 units, 10 successes against a 0.70 floor.
func TestCloseInvalidEmitsOnlySkip(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	all := units(20, 1)
	m, err := l.CreateManifest(start, end, all)
	require.NoError(t, err)
	l.Queue().Drain()

	errMsg := "timeout"
	for i, key := range all {
		if i < 10 {
			_, err = l.UpdateObservation(m.RunID, key, model.ObservationSuccess, Report{})
		} else {
			_, err = l.UpdateObservation(m.RunID, key, model.ObservationFailed, Report{Error: &errMsg})
		}
		require.NoError(t, err)
	}

	final, err := l.CloseManifest(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, 0.5, final.Coverage)
	assert.Equal(t, model.TierInvalid, final.Tier)

	events := l.Queue().Drain()
	assert.Equal(t, []model.EventType{
		model.EventMIISkipped,
		model.EventManifestClosed,
	}, eventTypes(events))

	skipped := events[0].Payload.(model.MIISkippedPayload)
	assert.Equal(t, 0.5, skipped.Coverage)
	assert.Contains(t, skipped.Message, "below floor")
}

// Coverage exactly at the floor: 21/30 = 0.70 is Degraded, never Invalid.
func TestCloseAtExactFloorIsDegraded(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	all := units(10, 3)
	m, err := l.CreateManifest(start, end, all)
	require.NoError(t, err)
	l.Queue().Drain()

	errMsg := "timeout"
	for i, key := range all {
		if i < 21 {
			_, err = l.UpdateObservation(m.RunID, key, model.ObservationSuccess, Report{})
		} else {
			_, err = l.UpdateObservation(m.RunID, key, model.ObservationFailed, Report{Error: &errMsg})
		}
		require.NoError(t, err)
	}

	final, err := l.CloseManifest(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, 0.7, final.Coverage)
	assert.Equal(t, model.TierDegraded, final.Tier)

	types := eventTypes(l.Queue().Drain())
	assert.Contains(t, types, model.EventTensorReady)
	assert.Contains(t, types, model.EventGapfillReady)
}

// Degraded with zero failed observations (the rest still queued) closes
// without a gapfill event: there is nothing to re-issue.
func TestCloseDegradedWithoutFailuresSkipsGapfill(t *testing.T) {
	l := newTestLedger(t, 0.50, 0.95, 3)
	start, end := testWindow()
	all := units(10, 1)
	m, err := l.CreateManifest(start, end, all)
	require.NoError(t, err)
	l.Queue().Drain()

	for _, key := range all[:6] {
		_, err = l.UpdateObservation(m.RunID, key, model.ObservationSuccess, Report{})
		require.NoError(t, err)
	}

	final, err := l.CloseManifest(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.TierDegraded, final.Tier)

	assert.Equal(t, []model.EventType{
		model.EventTensorReady,
		model.EventManifestClosed,
	}, eventTypes(l.Queue().Drain()))
}

func TestCloseTwiceIsCallerError(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	m, err := l.CreateManifest(start, end, units(1, 1))
	require.NoError(t, err)

	_, err = l.CloseManifest(m.RunID)
	require.NoError(t, err)

	_, err = l.CloseManifest(m.RunID)
	assert.ErrorIs(t, err, ErrManifestClosed)

	// Mutations after close are rejected too.
	_, err = l.UpdateObservation(m.RunID, units(1, 1)[0], model.ObservationSuccess, Report{})
	assert.ErrorIs(t, err, ErrManifestClosed)
}

func TestCloseUnknownRun(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	_, err := l.CloseManifest(uuid.New())
	assert.True(t, errors.Is(err, ErrManifestNotFound))

	_, err = l.GetManifest(uuid.New())
	assert.True(t, errors.Is(err, ErrManifestNotFound))
}

func TestMissingUnits(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	all := units(4, 1)
	m, err := l.CreateManifest(start, end, all)
	require.NoError(t, err)

	errMsg := "boom"
	_, err = l.UpdateObservation(m.RunID, all[0], model.ObservationSuccess, Report{})
	require.NoError(t, err)
	_, err = l.UpdateObservation(m.RunID, all[1], model.ObservationFailed, Report{Error: &errMsg})
	require.NoError(t, err)
	_, err = l.UpdateObservation(m.RunID, all[2], model.ObservationRunning, Report{})
	require.NoError(t, err)

	missing, err := l.MissingUnits(m.RunID)
	require.NoError(t, err)
	// Failed and Queued count as missing; Success and Running do not.
	assert.Equal(t, []model.ObservationKey{all[1], all[3]}, missing)
}

func TestCheckpointRestoreFidelity(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	all := units(10, 3)
	m, err := l.CreateManifest(start, end, all)
	require.NoError(t, err)

	errMsg := "timeout"
	for i, key := range all[:27] {
		if i < 24 {
			_, err = l.UpdateObservation(m.RunID, key, model.ObservationSuccess, Report{})
		} else {
			_, err = l.UpdateObservation(m.RunID, key, model.ObservationFailed, Report{Error: &errMsg})
		}
		require.NoError(t, err)
	}

	before, err := l.GetManifest(m.RunID)
	require.NoError(t, err)

	snap, err := l.Checkpoint(m.RunID)
	require.NoError(t, err)
	blob, err := EncodeSnapshot(snap)
	require.NoError(t, err)

	// Restore into a fresh ledger, as a restarted process would.
	fresh := newTestLedger(t, 0.70, 0.95, 3)
	decoded, err := DecodeSnapshot(blob)
	require.NoError(t, err)
	require.NoError(t, fresh.Restore(decoded))

	after, err := fresh.GetManifest(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, before.Coverage, after.Coverage)
	assert.Equal(t, before.Tier, after.Tier)
	assert.Equal(t, before.ObservedOK, after.ObservedOK)
	assert.Equal(t, before.ObservedFail, after.ObservedFail)
	assert.Equal(t, before.Status, after.Status)

	// The restored run keeps accepting updates and closes correctly.
	for _, key := range all[27:] {
		_, err = fresh.UpdateObservation(m.RunID, key, model.ObservationSuccess, Report{})
		require.NoError(t, err)
	}
	final, err := fresh.CloseManifest(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, 27, final.ObservedOK)
	assert.Equal(t, model.TierDegraded, final.Tier)
}

func TestRestoreKeepsSnapshotThresholds(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()
	all := units(10, 1)
	m, err := l.CreateManifest(start, end, all)
	require.NoError(t, err)

	errMsg := "timeout"
	for i, key := range all {
		if i < 8 {
			_, err = l.UpdateObservation(m.RunID, key, model.ObservationSuccess, Report{})
		} else {
			_, err = l.UpdateObservation(m.RunID, key, model.ObservationFailed, Report{Error: &errMsg})
		}
		require.NoError(t, err)
	}

	before, err := l.GetManifest(m.RunID)
	require.NoError(t, err)
	require.Equal(t, model.TierDegraded, before.Tier)

	snap, err := l.Checkpoint(m.RunID)
	require.NoError(t, err)

	// Restore into a coordinator restarted with a stricter floor. The run
	// was opened under floor 0.70 and must keep that grading: under the new
	// process floor 0.90 its 0.8 coverage would regrade to invalid.
	strict := newTestLedger(t, 0.90, 0.95, 3)
	require.NoError(t, strict.Restore(snap))

	after, err := strict.GetManifest(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.TierDegraded, after.Tier)
	assert.InDelta(t, 0.80, after.Coverage, 1e-9)
	assert.InDelta(t, 0.70, after.MinFloor, 1e-9)
	assert.InDelta(t, 0.95, after.TargetCoverage, 1e-9)

	// New runs on the restarted coordinator use the new process thresholds.
	m2, err := strict.CreateManifest(start, end, units(1, 1))
	require.NoError(t, err)
	assert.InDelta(t, 0.90, m2.MinFloor, 1e-9)
}

func TestRestoreRejectsBadSnapshots(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)

	err := l.Restore(Snapshot{Version: 99})
	assert.Error(t, err)

	err = l.Restore(Snapshot{Version: SnapshotVersion})
	assert.Error(t, err) // no run id

	_, err = DecodeSnapshot([]byte("{not json"))
	assert.Error(t, err)
}

func TestOpenRunIDs(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()

	m1, err := l.CreateManifest(start, end, units(1, 1))
	require.NoError(t, err)
	m2, err := l.CreateManifest(start, end, units(1, 1))
	require.NoError(t, err)

	_, err = l.CloseManifest(m2.RunID)
	require.NoError(t, err)

	open := l.OpenRunIDs()
	require.Len(t, open, 1)
	assert.Equal(t, m1.RunID, open[0])
}

func TestConcurrentUpdatesAcrossRuns(t *testing.T) {
	l := newTestLedger(t, 0.70, 0.95, 3)
	start, end := testWindow()

	const runs = 8
	ids := make([][]model.ObservationKey, runs)
	manifests := make([]model.RunManifest, runs)
	for i := 0; i < runs; i++ {
		all := units(10, 2)
		m, err := l.CreateManifest(start, end, all)
		require.NoError(t, err)
		ids[i] = all
		manifests[i] = m
	}

	done := make(chan error, runs)
	for i := 0; i < runs; i++ {
		go func(i int) {
			for _, key := range ids[i] {
				if _, err := l.UpdateObservation(manifests[i].RunID, key, model.ObservationSuccess, Report{}); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(i)
	}
	for i := 0; i < runs; i++ {
		require.NoError(t, <-done)
	}

	for i := 0; i < runs; i++ {
		final, err := l.CloseManifest(manifests[i].RunID)
		require.NoError(t, err)
		assert.Equal(t, 1.0, final.Coverage)
		assert.Equal(t, model.TierHealthy, final.Tier)
	}
}
