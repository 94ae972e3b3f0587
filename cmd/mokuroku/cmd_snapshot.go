package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/oribe-ai/mokuroku/internal/config"
	"github.com/oribe-ai/mokuroku/internal/ledger"
	"github.com/oribe-ai/mokuroku/internal/storage"
)

var (
	snapshotRunID string
	snapshotFull  bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect persisted run snapshots",
	Long: `Reads the configured snapshot store and prints either the list of
persisted runs or, with --run, one run's checkpoint. By default only the
manifest is printed; --full includes the observation table.`,
	RunE: runSnapshot,
}

func init() {
	snapshotCmd.Flags().StringVar(&snapshotRunID, "run", "", "run id to inspect (omit to list all)")
	snapshotCmd.Flags().BoolVar(&snapshotFull, "full", false, "include the observation table")
}

func runSnapshot(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if snapshotRunID == "" {
		ids, err := store.ListRunIDs(ctx)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		return enc.Encode(map[string]any{"runs": ids, "count": len(ids)})
	}

	runID, err := uuid.Parse(snapshotRunID)
	if err != nil {
		return fmt.Errorf("invalid run id %q", snapshotRunID)
	}
	blob, err := store.LoadSnapshot(ctx, runID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	snap, err := ledger.DecodeSnapshot(blob)
	if err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	if snapshotFull {
		return enc.Encode(snap)
	}
	return enc.Encode(map[string]any{
		"version":      snap.Version,
		"taken_at":     snap.TakenAt,
		"manifest":     snap.Manifest,
		"observations": len(snap.Observations),
	})
}

// openStore opens the snapshot backend named by config.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.SnapshotBackend {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return storage.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("snapshot backend %q has no store to inspect", cfg.SnapshotBackend)
	}
}
