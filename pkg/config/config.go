// Package config loads service configuration from the environment, with
// optional .env file support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the service configuration.
type Config struct {
	// HTTPAddr is the listen address for the API server.
	HTTPAddr string

	// DatabasePath is the sqlite database file.
	DatabasePath string

	// PlatformEntryURL is the page a fresh browser session navigates to.
	PlatformEntryURL string

	// Headless controls whether sessions run a visible browser.
	Headless bool

	// Concurrency is the number of pullers per job kind.
	Concurrency int

	// PollInterval is the worker's dequeue poll cadence.
	PollInterval time.Duration

	// SessionIdleTimeout is the inactivity window before a session closes.
	SessionIdleTimeout time.Duration

	// RunBudget is the wall-clock ceiling for one batch of actions.
	RunBudget time.Duration

	// ImportLimit caps each scheduled request-action batch.
	ImportLimit int
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in without overriding real env vars; a
// missing file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:           getEnv("OUTREACHD_HTTP_ADDR", ":8080"),
		DatabasePath:       getEnv("OUTREACHD_DB_PATH", "outreachd.db"),
		PlatformEntryURL:   getEnv("OUTREACHD_PLATFORM_URL", "https://www.linkedin.com/feed/"),
		Headless:           getEnvBool("OUTREACHD_HEADLESS", true),
		Concurrency:        getEnvInt("OUTREACHD_CONCURRENCY", 5),
		PollInterval:       getEnvDuration("OUTREACHD_POLL_INTERVAL", 500*time.Millisecond),
		SessionIdleTimeout: getEnvDuration("OUTREACHD_SESSION_IDLE_TIMEOUT", 20*time.Minute),
		RunBudget:          getEnvDuration("OUTREACHD_RUN_BUDGET", 3*time.Minute),
		ImportLimit:        getEnvInt("OUTREACHD_IMPORT_LIMIT", 10),
	}

	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("config: OUTREACHD_CONCURRENCY must be at least 1")
	}
	if cfg.SessionIdleTimeout <= 0 {
		return nil, fmt.Errorf("config: OUTREACHD_SESSION_IDLE_TIMEOUT must be positive")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
