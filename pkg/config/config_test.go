package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "DB_PATH", "DATABASE_PATH", "POLL_INTERVAL", "DISPATCH_FANOUT", "USE_MOCK_EXCHANGE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("expected default PollInterval 5s, got %v", cfg.PollInterval)
	}
	if cfg.DispatchFanout != 32 {
		t.Errorf("expected default DispatchFanout 32, got %d", cfg.DispatchFanout)
	}
	if cfg.UseMockExchange {
		t.Error("expected UseMockExchange to default false")
	}
	if cfg.DBPath != "./data/signalrouter.db" {
		t.Errorf("unexpected default DBPath: %s", cfg.DBPath)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t, "POLL_INTERVAL", "MAX_CANCEL_RETRIES", "USE_MOCK_EXCHANGE", "DB_PATH")
	os.Setenv("POLL_INTERVAL", "15")
	os.Setenv("MAX_CANCEL_RETRIES", "9")
	os.Setenv("USE_MOCK_EXCHANGE", "true")
	os.Setenv("DB_PATH", "/tmp/custom.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("expected PollInterval 15s, got %v", cfg.PollInterval)
	}
	if cfg.MaxCancelRetries != 9 {
		t.Errorf("expected MaxCancelRetries 9, got %d", cfg.MaxCancelRetries)
	}
	if !cfg.UseMockExchange {
		t.Error("expected UseMockExchange true")
	}
	if cfg.DBPath != "/tmp/custom.db" {
		t.Errorf("unexpected DBPath: %s", cfg.DBPath)
	}
}

func TestLoadFallsBackToDatabasePathForCompat(t *testing.T) {
	clearEnv(t, "DB_PATH", "DATABASE_PATH")
	os.Setenv("DATABASE_PATH", "/legacy/path.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/legacy/path.db" {
		t.Errorf("expected legacy DATABASE_PATH fallback, got %s", cfg.DBPath)
	}
}
