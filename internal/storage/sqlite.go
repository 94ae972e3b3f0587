package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	run_id     TEXT PRIMARY KEY,
	blob       BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);`

// SQLiteStore is the embedded default snapshot store. Safe for concurrent
// use; writes are serialized by a single connection because the modernc
// driver does not support concurrent writers on one file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the snapshot database at path.
// Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveSnapshot upserts the snapshot blob for a run.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, runID uuid.UUID, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (run_id, blob, updated_at)
		 VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT (run_id) DO UPDATE SET
		   blob = excluded.blob,
		   updated_at = excluded.updated_at`,
		runID.String(), blob,
	)
	if err != nil {
		return fmt.Errorf("storage: save snapshot %s: %w", runID, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot blob for a run, or ErrNotFound.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, runID uuid.UUID) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM snapshots WHERE run_id = ?`, runID.String(),
	).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("storage: load snapshot %s: %w", runID, err)
	}
	return blob, nil
}

// ListRunIDs returns the ids of all persisted snapshots.
func (s *SQLiteStore) ListRunIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM snapshots ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list snapshots: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("storage: scan run id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("storage: malformed run id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSnapshot removes a run's snapshot. Deleting a missing run is a no-op.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, runID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE run_id = ?`, runID.String()); err != nil {
		return fmt.Errorf("storage: delete snapshot %s: %w", runID, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
