package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oribe-ai/mokuroku"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator HTTP server",
	Long: `Starts the coordinator: the manifest API, the SSE event feed, and the
periodic checkpoint loop. Persisted runs are rehydrated at startup so a
restarted coordinator resumes where it left off.

Configuration comes from MOKUROKU_* environment variables (and a .env file
if present).`,
	RunE: runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if os.Getenv("MOKUROKU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := mokuroku.New(
		mokuroku.WithLogger(logger),
		mokuroku.WithVersion(version),
	)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
