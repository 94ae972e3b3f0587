package mokuroku

import (
	"context"

	"github.com/google/uuid"
)

// EventHook receives notifications for every ledger event (manifest
// opened/closed, tensor.ready, gapfill.ready, mii.skipped). Multiple hooks
// may be registered via multiple WithEventHook calls. OnEvent is called from
// the event delivery loop in emission order, so hooks see a close's events
// in the order they were routed; a hook that blocks stalls all event
// delivery, so hand slow work off to a goroutine inside the hook. Failures
// are logged but do not affect delivery to other consumers.
type EventHook interface {
	OnEvent(ctx context.Context, event Event) error
}

// SnapshotStore persists one checkpoint blob per run. When provided via
// WithStore, it replaces the configured SQLite/Postgres backend. The blob is
// opaque: a versioned JSON snapshot owned by the ledger.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, runID uuid.UUID, blob []byte) error
	LoadSnapshot(ctx context.Context, runID uuid.UUID) ([]byte, error)
	ListRunIDs(ctx context.Context) ([]uuid.UUID, error)
	DeleteSnapshot(ctx context.Context, runID uuid.UUID) error
	Close() error
}
