package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the process configuration, read from environment variables.
type Config struct {
	Env        string // "dev" or "prod"
	ListenAddr string

	// AppBaseURL is the public base URL of this application. Provider
	// redirect URIs are derived from it and must match what is registered
	// with each provider.
	AppBaseURL string

	// DatabaseURL is either a postgres DSN or a sqlite file path.
	DatabaseURL string

	// ProvidersFile optionally points at a YAML provider catalog overriding
	// the built-in integrations.
	ProvidersFile string

	// ReapInterval controls how often stalled authorization attempts are
	// swept; zero disables the reaper. ReapMaxAge is how long an attempt may
	// sit with a stored code and no exchange result before it is failed.
	ReapInterval time.Duration
	ReapMaxAge   time.Duration
}

// Load reads configuration from the environment, honoring a local .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	baseURL := os.Getenv("BOOKSYNC_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("BOOKSYNC_BASE_URL is required (public base URL for provider redirects)")
	}

	cfg := &Config{
		Env:           getenv("BOOKSYNC_ENV", "dev"),
		ListenAddr:    getenv("BOOKSYNC_LISTEN_ADDR", ":8080"),
		AppBaseURL:    baseURL,
		DatabaseURL:   getenv("DATABASE_URL", "booksync.db"),
		ProvidersFile: os.Getenv("BOOKSYNC_PROVIDERS_FILE"),
		ReapInterval:  duration("BOOKSYNC_REAP_INTERVAL", time.Minute),
		ReapMaxAge:    duration("BOOKSYNC_REAP_MAX_AGE", 15*time.Minute),
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
