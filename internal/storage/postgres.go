package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	run_id     UUID PRIMARY KEY,
	blob       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// PostgresStore persists snapshots in Postgres for deployments where the
// coordinator runs on ephemeral disks.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects a pool to dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// SaveSnapshot upserts the snapshot blob for a run.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, runID uuid.UUID, blob []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (run_id, blob, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (run_id) DO UPDATE SET
		   blob = EXCLUDED.blob,
		   updated_at = EXCLUDED.updated_at`,
		runID, blob,
	)
	if err != nil {
		return fmt.Errorf("storage: save snapshot %s: %w", runID, err)
	}
	return nil
}

// LoadSnapshot returns the snapshot blob for a run, or ErrNotFound.
func (s *PostgresStore) LoadSnapshot(ctx context.Context, runID uuid.UUID) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT blob FROM snapshots WHERE run_id = $1`, runID,
	).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("storage: load snapshot %s: %w", runID, err)
	}
	return blob, nil
}

// ListRunIDs returns the ids of all persisted snapshots.
func (s *PostgresStore) ListRunIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT run_id FROM snapshots ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list snapshots: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSnapshot removes a run's snapshot. Deleting a missing run is a no-op.
func (s *PostgresStore) DeleteSnapshot(ctx context.Context, runID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM snapshots WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("storage: delete snapshot %s: %w", runID, err)
	}
	return nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
