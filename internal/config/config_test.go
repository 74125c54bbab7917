package config

import (
	"testing"
	"time"
)

func TestLoadRequiresBaseURL(t *testing.T) {
	t.Setenv("BOOKSYNC_BASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without BOOKSYNC_BASE_URL")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOOKSYNC_BASE_URL", "https://app.example.com")
	t.Setenv("BOOKSYNC_ENV", "")
	t.Setenv("BOOKSYNC_LISTEN_ADDR", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BOOKSYNC_REAP_INTERVAL", "")
	t.Setenv("BOOKSYNC_REAP_MAX_AGE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != "dev" || cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DatabaseURL != "booksync.db" {
		t.Fatalf("unexpected database default: %q", cfg.DatabaseURL)
	}
	if cfg.ReapInterval != time.Minute || cfg.ReapMaxAge != 15*time.Minute {
		t.Fatalf("unexpected reaper defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BOOKSYNC_BASE_URL", "https://app.example.com")
	t.Setenv("BOOKSYNC_ENV", "prod")
	t.Setenv("BOOKSYNC_LISTEN_ADDR", ":9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/booksync")
	t.Setenv("BOOKSYNC_REAP_INTERVAL", "30s")
	t.Setenv("BOOKSYNC_REAP_MAX_AGE", "bogus")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != "prod" || cfg.ListenAddr != ":9090" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.ReapInterval != 30*time.Second {
		t.Fatalf("unexpected interval: %v", cfg.ReapInterval)
	}
	// Unparseable durations fall back.
	if cfg.ReapMaxAge != 15*time.Minute {
		t.Fatalf("unexpected max age: %v", cfg.ReapMaxAge)
	}
}
