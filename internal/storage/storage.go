// Package storage persists run snapshots so a crashed coordination process
// can resume without re-issuing already-successful work.
//
// Two backends exist: SQLite (embedded, the default) and Postgres (for
// deployments that already run one). Both store the snapshot as an opaque
// versioned blob keyed by run id — the blob format belongs to the ledger
// package, not to the schema.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested snapshot does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store persists one snapshot blob per run. Saving an existing run
// overwrites its previous snapshot.
type Store interface {
	SaveSnapshot(ctx context.Context, runID uuid.UUID, blob []byte) error
	LoadSnapshot(ctx context.Context, runID uuid.UUID) ([]byte, error)
	ListRunIDs(ctx context.Context) ([]uuid.UUID, error)
	DeleteSnapshot(ctx context.Context, runID uuid.UUID) error
	Close() error
}
