package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/onefinestay/cinch/internal/cinch/bus"
	"github.com/onefinestay/cinch/internal/cinch/db"
	"github.com/onefinestay/cinch/internal/cinch/engine"
	"github.com/onefinestay/cinch/internal/cinch/gitcmp"
	ghclient "github.com/onefinestay/cinch/internal/cinch/github"
	"github.com/onefinestay/cinch/internal/cinch/worker"
	"github.com/onefinestay/cinch/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "cinch-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.BusURI == "" {
		return errors.New("BUS_URI is required for the worker")
	}

	dbPath := cfg.DBURI
	if dbPath == "" {
		dbPath, err = db.DefaultPath()
		if err != nil {
			return fmt.Errorf("determining database path: %w", err)
		}
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	sqsBus, err := bus.NewSQS(ctx, cfg.BusURI)
	if err != nil {
		return fmt.Errorf("connecting to bus: %w", err)
	}

	var opts []ghclient.Option
	if cfg.ProviderBaseURL != "" {
		opts = append(opts, ghclient.WithBaseURL(cfg.ProviderBaseURL))
	}
	poster, err := ghclient.New(cfg.ProviderToken, opts...)
	if err != nil {
		return fmt.Errorf("creating provider client: %w", err)
	}

	w := worker.New(database, gitcmp.New(cfg.RepoBaseDir), engine.New(database, sqsBus), sqsBus, poster)
	w.ServerURL = cfg.ServerURL
	w.CIBaseURL = cfg.CIBaseURL

	slog.Info("cinch-worker.draining", "queue", cfg.BusURI)
	if err := sqsBus.Run(ctx, w); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
