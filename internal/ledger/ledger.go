// Package ledger implements the run-manifest aggregate: it owns the
// authoritative observation table for every run, recomputes coverage on
// terminal transitions, and routes tier-conditional events on close.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/oribe-ai/mokuroku/internal/coverage"
	"github.com/oribe-ai/mokuroku/internal/model"
	"github.com/oribe-ai/mokuroku/internal/telemetry"
)

// Programming errors. These indicate caller misuse and are never retried.
var (
	ErrManifestNotFound    = errors.New("ledger: manifest not found")
	ErrObservationNotFound = errors.New("ledger: observation not found")
	ErrManifestClosed      = errors.New("ledger: manifest already closed")
	ErrInvalidWindow       = errors.New("ledger: window end before window start")
	ErrEmptyWorkload       = errors.New("ledger: expected-unit list is empty")
	ErrDuplicateUnit       = errors.New("ledger: duplicate expected unit")
	ErrInvalidStatus       = errors.New("ledger: invalid observation status")
)

// Config holds the process-wide policy values for a Ledger.
// The retry budget is configuration, not per-manifest data.
type Config struct {
	Thresholds coverage.Thresholds
	// MaxRetries is the shared per-observation attempt budget. An
	// observation that fails with Attempts >= MaxRetries is final-failed:
	// no further attempts are expected from the executor.
	MaxRetries int
}

// Report carries the optional diagnostic fields of an executor report-back.
type Report struct {
	Error       *string
	LatencyMs   *int64
	ResponseRef *string
}

// runState is the live state of one run. All mutations to a run are
// serialized on its own mutex; independent runs never contend.
type runState struct {
	mu           sync.Mutex
	manifest     model.RunManifest
	observations map[model.ObservationKey]*model.Observation
	// order preserves creation order so gap listings and gapfill payloads
	// are deterministic regardless of map iteration.
	order []model.ObservationKey
}

// Ledger is the run manifest / coverage-tier manager.
type Ledger struct {
	thresholds coverage.Thresholds
	maxRetries int
	queue      *Queue
	logger     *slog.Logger
	clock      func() time.Time

	mu   sync.RWMutex
	runs map[uuid.UUID]*runState

	obsUpdated metric.Int64Counter
	eventsOut  metric.Int64Counter
}

// New creates a Ledger with the given policy. Events are appended to queue.
func New(cfg Config, queue *Queue, logger *slog.Logger) (*Ledger, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("ledger: max_retries must be at least 1, got %d", cfg.MaxRetries)
	}
	if queue == nil {
		queue = NewQueue()
	}

	meter := telemetry.Meter("mokuroku/ledger")
	obsUpdated, _ := meter.Int64Counter("ledger.observations.updated")
	eventsOut, _ := meter.Int64Counter("ledger.events.emitted")

	return &Ledger{
		thresholds: cfg.Thresholds,
		maxRetries: cfg.MaxRetries,
		queue:      queue,
		logger:     logger,
		clock:      func() time.Time { return time.Now().UTC() },
		runs:       make(map[uuid.UUID]*runState),
		obsUpdated: obsUpdated,
		eventsOut:  eventsOut,
	}, nil
}

// Queue returns the outgoing event queue.
func (l *Ledger) Queue() *Queue { return l.queue }

// MaxRetries returns the shared per-observation attempt budget.
func (l *Ledger) MaxRetries() int { return l.maxRetries }

// CreateManifest opens a run for the given window and expected workload.
// The unit list must be non-empty and duplicate-free; a malformed window or
// workload is a caller error. Emits manifest.opened.
func (l *Ledger) CreateManifest(windowStart, windowEnd time.Time, units []model.ObservationKey) (model.RunManifest, error) {
	if windowEnd.Before(windowStart) {
		return model.RunManifest{}, fmt.Errorf("%w: start=%s end=%s",
			ErrInvalidWindow, windowStart.Format(time.RFC3339), windowEnd.Format(time.RFC3339))
	}
	if len(units) == 0 {
		return model.RunManifest{}, ErrEmptyWorkload
	}

	runID := uuid.New()
	observations := make(map[model.ObservationKey]*model.Observation, len(units))
	order := make([]model.ObservationKey, 0, len(units))
	for i, u := range units {
		if err := model.ValidateUnit(u); err != nil {
			return model.RunManifest{}, fmt.Errorf("ledger: unit %d: %w", i, err)
		}
		if _, exists := observations[u]; exists {
			return model.RunManifest{}, fmt.Errorf("%w: (%s, %s, %s)",
				ErrDuplicateUnit, u.Subject, u.PromptID, u.Model)
		}
		observations[u] = &model.Observation{
			RunID:    runID,
			Subject:  u.Subject,
			PromptID: u.PromptID,
			Model:    u.Model,
			Status:   model.ObservationQueued,
		}
		order = append(order, u)
	}

	manifest := model.RunManifest{
		RunID:          runID,
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		TargetCombos:   len(units),
		MinFloor:       l.thresholds.MinFloor,
		TargetCoverage: l.thresholds.TargetCoverage,
		Coverage:       0,
		Tier:           model.TierInvalid,
		Status:         model.ManifestStatusOpen,
		CreatedAt:      l.clock(),
	}

	l.mu.Lock()
	l.runs[runID] = &runState{manifest: manifest, observations: observations, order: order}
	l.mu.Unlock()

	l.emit(model.ManifestOpenedPayload{RunID: runID, TargetCombos: len(units)})
	l.logger.Info("manifest opened",
		"run_id", runID, "target_combos", len(units),
		"window_start", windowStart, "window_end", windowEnd)
	return manifest, nil
}

// UpdateObservation applies one executor report-back and returns the updated
// record. Referencing an unknown run or unit is a hard error. Entering
// Running increments the attempt count; a status change into Success or
// Failed triggers coverage recomputation. Re-reporting the same terminal
// status is a no-op for the counters.
func (l *Ledger) UpdateObservation(runID uuid.UUID, key model.ObservationKey, status model.ObservationStatus, report Report) (model.Observation, error) {
	if !status.Valid() {
		return model.Observation{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	run, err := l.run(runID)
	if err != nil {
		return model.Observation{}, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.manifest.Status == model.ManifestStatusClosed {
		return model.Observation{}, fmt.Errorf("%w: %s", ErrManifestClosed, runID)
	}

	obs, ok := run.observations[key]
	if !ok {
		return model.Observation{}, fmt.Errorf("%w: (%s, %s, %s) in run %s",
			ErrObservationNotFound, key.Subject, key.PromptID, key.Model, runID)
	}

	oldStatus := obs.Status
	obs.Status = status
	if status == model.ObservationRunning {
		obs.Attempts++
	}
	if report.Error != nil {
		msg := truncateError(*report.Error)
		obs.LastError = &msg
	}
	if report.LatencyMs != nil {
		obs.LatencyMs = report.LatencyMs
	}
	if report.ResponseRef != nil {
		obs.ResponseRef = report.ResponseRef
	}

	if status == model.ObservationFailed && obs.Attempts >= l.maxRetries {
		// Final failure: the budget is spent, no further attempts expected.
		// The status value stays Failed; tier math already counts it.
		l.logger.Warn("retry budget exhausted",
			"run_id", runID, "subject", key.Subject, "prompt_id", key.PromptID,
			"model", key.Model, "attempts", obs.Attempts)
	}

	if oldStatus != status && status.Terminal() {
		l.recompute(run)
	}

	if l.obsUpdated != nil {
		l.obsUpdated.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("status", string(status))))
	}
	return *obs, nil
}

// CloseManifest finalizes a run: one last coverage pass, the Closed
// transition, and tier-conditional event routing. Closing an already-closed
// manifest is a caller error.
func (l *Ledger) CloseManifest(runID uuid.UUID) (model.RunManifest, error) {
	run, err := l.run(runID)
	if err != nil {
		return model.RunManifest{}, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.manifest.Status == model.ManifestStatusClosed {
		return model.RunManifest{}, fmt.Errorf("%w: %s", ErrManifestClosed, runID)
	}

	run.manifest.Status = model.ManifestStatusClosing
	l.recompute(run)

	// Collect gap-fill candidates in creation order before sealing.
	var failed []model.FailedObservation
	for _, key := range run.order {
		obs := run.observations[key]
		if obs.Status != model.ObservationFailed {
			continue
		}
		msg := "unknown error"
		if obs.LastError != nil {
			msg = *obs.LastError
		}
		failed = append(failed, model.FailedObservation{
			Subject:  obs.Subject,
			PromptID: obs.PromptID,
			Model:    obs.Model,
			Error:    msg,
		})
	}

	closedAt := l.clock()
	run.manifest.Status = model.ManifestStatusClosed
	run.manifest.ClosedAt = &closedAt

	m := run.manifest
	switch m.Tier {
	case model.TierInvalid:
		// Below the floor: never reaches scoring, and not worth patching
		// within this window.
		l.emit(model.MIISkippedPayload{
			RunID:    m.RunID,
			Coverage: m.Coverage,
			Message: fmt.Sprintf("coverage %.1f%% below floor %.1f%%",
				m.Coverage*100, m.MinFloor*100),
		})
	default:
		l.emit(model.TensorReadyPayload{
			RunID:        m.RunID,
			Tier:         m.Tier,
			Coverage:     m.Coverage,
			ObservedOK:   m.ObservedOK,
			ObservedFail: m.ObservedFail,
			WindowStart:  m.WindowStart,
			WindowEnd:    m.WindowEnd,
		})
		if m.Tier == model.TierDegraded && len(failed) > 0 {
			l.emit(model.GapfillReadyPayload{
				RunID:              m.RunID,
				FailedObservations: failed,
				Coverage:           m.Coverage,
				Tier:               m.Tier,
			})
		}
	}

	l.emit(model.ManifestClosedPayload{
		RunID:        m.RunID,
		Tier:         m.Tier,
		Coverage:     m.Coverage,
		ObservedOK:   m.ObservedOK,
		ObservedFail: m.ObservedFail,
	})

	l.logger.Info("manifest closed",
		"run_id", m.RunID, "tier", m.Tier, "coverage", m.Coverage,
		"observed_ok", m.ObservedOK, "observed_fail", m.ObservedFail)
	return m, nil
}

// GetManifest returns the current manifest snapshot for a run.
func (l *Ledger) GetManifest(runID uuid.UUID) (model.RunManifest, error) {
	run, err := l.run(runID)
	if err != nil {
		return model.RunManifest{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.manifest, nil
}

// GetObservation returns the current record for one unit.
func (l *Ledger) GetObservation(runID uuid.UUID, key model.ObservationKey) (model.Observation, error) {
	run, err := l.run(runID)
	if err != nil {
		return model.Observation{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	obs, ok := run.observations[key]
	if !ok {
		return model.Observation{}, fmt.Errorf("%w: (%s, %s, %s) in run %s",
			ErrObservationNotFound, key.Subject, key.PromptID, key.Model, runID)
	}
	return *obs, nil
}

// truncateError caps a caller-supplied error message at MaxErrorLen bytes,
// backing off to a rune boundary so the stored message stays valid UTF-8.
func truncateError(msg string) string {
	if len(msg) <= model.MaxErrorLen {
		return msg
	}
	cut := model.MaxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// MissingUnits returns the Failed and Queued units of a run in creation
// order — the candidate set for a targeted gap-fill pass.
func (l *Ledger) MissingUnits(runID uuid.UUID) ([]model.ObservationKey, error) {
	run, err := l.run(runID)
	if err != nil {
		return nil, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	var missing []model.ObservationKey
	for _, key := range run.order {
		switch run.observations[key].Status {
		case model.ObservationFailed, model.ObservationQueued:
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// OpenRunIDs returns the IDs of all runs that are not yet closed.
func (l *Ledger) OpenRunIDs() []uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []uuid.UUID
	for id, run := range l.runs {
		run.mu.Lock()
		open := run.manifest.Status != model.ManifestStatusClosed
		run.mu.Unlock()
		if open {
			ids = append(ids, id)
		}
	}
	return ids
}

// run looks up the state for a run id.
func (l *Ledger) run(runID uuid.UUID) (*runState, error) {
	l.mu.RLock()
	run, ok := l.runs[runID]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, runID)
	}
	return run, nil
}

// recompute recounts terminal observations and refreshes the coverage/tier
// snapshot. Caller must hold run.mu.
func (l *Ledger) recompute(run *runState) {
	var ok, fail int
	for _, obs := range run.observations {
		switch obs.Status {
		case model.ObservationSuccess:
			ok++
		case model.ObservationFailed:
			fail++
		}
	}

	run.manifest.ObservedOK = ok
	run.manifest.ObservedFail = fail
	run.manifest.Coverage = coverage.Ratio(run.manifest.TargetCombos, ok)
	// Classify with the thresholds sealed into the manifest at creation, not
	// the process config: a restored run must keep the grading it was opened
	// under even if the coordinator restarted with different thresholds.
	run.manifest.Tier = coverage.Classify(run.manifest.Coverage, coverage.Thresholds{
		MinFloor:       run.manifest.MinFloor,
		TargetCoverage: run.manifest.TargetCoverage,
	})
}

// emit appends an event and bumps the emission counter.
func (l *Ledger) emit(payload model.EventPayload) {
	ev := l.queue.Append(payload)
	if l.eventsOut != nil {
		l.eventsOut.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("type", string(ev.Type))))
	}
}
