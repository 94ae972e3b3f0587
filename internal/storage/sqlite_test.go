package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oribe-ai/mokuroku/internal/storage"
)

func newTestSQLite(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "snapshots.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteSaveLoadRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	runID := uuid.New()

	require.NoError(t, s.SaveSnapshot(ctx, runID, []byte(`{"version":1}`)))

	blob, err := s.LoadSnapshot(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"version":1}`), blob)
}

func TestSQLiteSaveOverwrites(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	runID := uuid.New()

	require.NoError(t, s.SaveSnapshot(ctx, runID, []byte("v1")))
	require.NoError(t, s.SaveSnapshot(ctx, runID, []byte("v2")))

	blob, err := s.LoadSnapshot(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), blob)

	ids, err := s.ListRunIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestSQLiteLoadMissing(t *testing.T) {
	s := newTestSQLite(t)

	_, err := s.LoadSnapshot(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLiteListAndDelete(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	a, b := uuid.New(), uuid.New()
	require.NoError(t, s.SaveSnapshot(ctx, a, []byte("a")))
	require.NoError(t, s.SaveSnapshot(ctx, b, []byte("b")))

	ids, err := s.ListRunIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, ids)

	require.NoError(t, s.DeleteSnapshot(ctx, a))
	// Deleting again is a no-op, not an error.
	require.NoError(t, s.DeleteSnapshot(ctx, a))

	ids, err = s.ListRunIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, b, ids[0])
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.db")
	ctx := context.Background()
	runID := uuid.New()

	s, err := storage.NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(ctx, runID, []byte("survives")))
	require.NoError(t, s.Close())

	reopened, err := storage.NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	blob, err := reopened.LoadSnapshot(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), blob)
}
