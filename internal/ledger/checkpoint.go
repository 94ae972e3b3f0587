package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oribe-ai/mokuroku/internal/model"
)

// SnapshotVersion is the current checkpoint blob format version. Bump on
// any incompatible change to Snapshot or the types it embeds.
const SnapshotVersion = 1

// Snapshot is a point-in-time copy of one run's full state, taken at an
// arbitrary point including mid-run. The format is internal and versioned,
// not a public contract.
type Snapshot struct {
	Version      int                 `json:"version"`
	TakenAt      time.Time           `json:"taken_at"`
	Manifest     model.RunManifest   `json:"manifest"`
	Observations []model.Observation `json:"observations"`
}

// Checkpoint copies a run's manifest and observation table for crash
// recovery. Observations are emitted in creation order so the blob is
// byte-stable for unchanged state.
func (l *Ledger) Checkpoint(runID uuid.UUID) (Snapshot, error) {
	run, err := l.run(runID)
	if err != nil {
		return Snapshot{}, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	observations := make([]model.Observation, 0, len(run.order))
	for _, key := range run.order {
		observations = append(observations, *run.observations[key])
	}

	return Snapshot{
		Version:      SnapshotVersion,
		TakenAt:      l.clock(),
		Manifest:     run.manifest,
		Observations: observations,
	}, nil
}

// Restore re-hydrates a run from a snapshot, replacing any live state for
// the same run id. Coverage and tier are recomputed from the restored
// observation table, which reproduces the exact state as of checkpoint time.
func (l *Ledger) Restore(snap Snapshot) error {
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("ledger: unsupported snapshot version %d (want %d)", snap.Version, SnapshotVersion)
	}
	if snap.Manifest.RunID == uuid.Nil {
		return fmt.Errorf("ledger: snapshot has no run id")
	}
	if len(snap.Observations) != snap.Manifest.TargetCombos {
		return fmt.Errorf("ledger: snapshot has %d observations, manifest expects %d",
			len(snap.Observations), snap.Manifest.TargetCombos)
	}

	observations := make(map[model.ObservationKey]*model.Observation, len(snap.Observations))
	order := make([]model.ObservationKey, 0, len(snap.Observations))
	for i := range snap.Observations {
		obs := snap.Observations[i]
		obs.RunID = snap.Manifest.RunID
		key := obs.Key()
		if _, exists := observations[key]; exists {
			return fmt.Errorf("ledger: snapshot has duplicate observation (%s, %s, %s)",
				key.Subject, key.PromptID, key.Model)
		}
		observations[key] = &obs
		order = append(order, key)
	}

	run := &runState{manifest: snap.Manifest, observations: observations, order: order}
	l.recompute(run)

	l.mu.Lock()
	l.runs[snap.Manifest.RunID] = run
	l.mu.Unlock()

	l.logger.Info("manifest restored",
		"run_id", snap.Manifest.RunID, "status", snap.Manifest.Status,
		"coverage", run.manifest.Coverage, "tier", run.manifest.Tier,
		"taken_at", snap.TakenAt)
	return nil
}

// EncodeSnapshot serializes a snapshot to its persisted JSON form.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a persisted snapshot blob.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("ledger: decode snapshot: %w", err)
	}
	return snap, nil
}
