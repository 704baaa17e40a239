// Package config loads cinch's configuration from the environment, with an
// optional .env file for development.
package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// DBURI is the sqlite database path. Empty selects the per-user dev
	// default.
	DBURI string
	// RepoBaseDir is the filesystem root for bare mirrors.
	RepoBaseDir string
	// BusURI is the SQS queue URL. Empty selects the in-process bus (single
	// binary dev mode).
	BusURI string

	ProviderToken   string
	ProviderBaseURL string
	WebhookSecret   string

	// CIBaseURL builds per-build detail links; ServerURL is the external
	// origin used for outbound target_urls.
	CIBaseURL string
	ServerURL string

	ListenAddr string

	AdminUsers []string
	SecretKey  string

	// SeedFile optionally declares projects and jobs to bootstrap the
	// topology, replacing an admin UI.
	SeedFile string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		DBURI:           os.Getenv("DB_URI"),
		RepoBaseDir:     os.Getenv("REPO_BASE_DIR"),
		BusURI:          os.Getenv("BUS_URI"),
		ProviderToken:   os.Getenv("PROVIDER_TOKEN"),
		ProviderBaseURL: os.Getenv("PROVIDER_BASE_URL"),
		WebhookSecret:   os.Getenv("PROVIDER_WEBHOOK_SECRET"),
		CIBaseURL:       os.Getenv("CI_BASE_URL"),
		ServerURL:       os.Getenv("SERVER_URL"),
		ListenAddr:      envOr("LISTEN_ADDR", ":5000"),
		SecretKey:       os.Getenv("SECRET_KEY"),
		SeedFile:        os.Getenv("CINCH_SEED_FILE"),
	}
	if admins := os.Getenv("ADMIN_USERS"); admins != "" {
		for _, u := range strings.Split(admins, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.AdminUsers = append(cfg.AdminUsers, u)
			}
		}
	}

	if cfg.WebhookSecret == "" {
		return nil, errors.New("PROVIDER_WEBHOOK_SECRET is required")
	}
	if cfg.RepoBaseDir == "" {
		return nil, errors.New("REPO_BASE_DIR is required")
	}
	return cfg, nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
