package main

import (
	"context"
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
	"github.com/onefinestay/cinch/internal/cinch/ingest"
	"github.com/onefinestay/cinch/internal/cinch/server"
	"github.com/onefinestay/cinch/internal/cinch/worker"
	"github.com/onefinestay/cinch/internal/config"
)

var version = "dev"

func usage() {
	fmt.Fprint(os.Stderr, `cinch - merge-readiness aggregator

Usage:
  cinch serve    Start the ingest + read API server

Configuration comes from the environment (see .env.example). Without
BUS_URI the worker runs in-process on an in-memory bus.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe()
	case "--version", "version":
		fmt.Println("cinch " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "cinch: %v\n", err)
		os.Exit(1)
	}
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
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

	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := seed.Apply(database); err != nil {
			return err
		}
		slog.Info("seed.applied", "projects", len(seed.Projects), "jobs", len(seed.Jobs))
	}

	var publisher bus.Publisher
	var memory *bus.Memory
	if cfg.BusURI != "" {
		sqsBus, err := bus.NewSQS(ctx, cfg.BusURI)
		if err != nil {
			return fmt.Errorf("connecting to bus: %w", err)
		}
		publisher = sqsBus
	} else {
		memory = bus.NewMemory()
		publisher = memory
		slog.Info("bus.memory", "msg", "no BUS_URI set, running the worker in-process")
	}

	eng := engine.New(database, publisher)
	hub := server.NewHub(nil)

	srv, err := server.New(cfg.ListenAddr, server.Config{
		DB:        database,
		Engine:    eng,
		Hub:       hub,
		CIBaseURL: cfg.CIBaseURL,
	})
	if err != nil {
		return fmt.Errorf("binding listener: %w", err)
	}
	defer srv.Close()

	ingest.New(database, eng, publisher, cfg.WebhookSecret).Register(srv.Mux())

	// Dev mode: drain the in-memory bus alongside the HTTP planes.
	if memory != nil {
		poster, err := ghclient.New(cfg.ProviderToken, providerOpts(cfg)...)
		if err != nil {
			return fmt.Errorf("creating provider client: %w", err)
		}
		w := worker.New(database, gitcmp.New(cfg.RepoBaseDir), eng, memory, poster)
		w.ServerURL = cfg.ServerURL
		w.CIBaseURL = cfg.CIBaseURL

		go memory.Run(ctx, &notifyingHandler{inner: w, db: database, hub: hub})
	}

	slog.Info("cinch.serving", "addr", srv.Addr())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

func providerOpts(cfg *config.Config) []ghclient.Option {
	var opts []ghclient.Option
	if cfg.ProviderBaseURL != "" {
		opts = append(opts, ghclient.WithBaseURL(cfg.ProviderBaseURL))
	}
	return opts
}

// notifyingHandler pushes a WebSocket notification after each successfully
// handled status update, so dashboards refresh without polling.
type notifyingHandler struct {
	inner bus.Handler
	db    *db.DB
	hub   *server.Hub
}

func (h *notifyingHandler) Handle(ctx context.Context, e bus.Event) error {
	if err := h.inner.Handle(ctx, e); err != nil {
		return err
	}
	if ev, ok := e.(bus.PullRequestStatusUpdated); ok {
		if project, err := h.db.GetProject(ev.ProjectID); err == nil {
			h.hub.BroadcastPRStatus(project.Owner, project.Name, ev.Number)
		}
	}
	return nil
}
