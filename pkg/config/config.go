// Package config loads signalrouter's environment-driven settings,
// following the teacher's pkg/config.Load shape: godotenv.Load() first
// (ignored if missing), then one getEnv*/splitAndTrim helper per
// primitive type, populating a Config with every setting spec.md §6
// names plus the ambient options (logging, storage, metrics, webhook
// ingress, encryption) this rework carries regardless of the distilled
// spec's Non-goals.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven setting the router reads at
// boot.
type Config struct {
	// HTTP / observability
	HTTPAddr    string
	MetricsAddr string
	LogLevel    string

	// Storage
	DBPath string

	// C7 Reconciler loop periods and retry/timeout thresholds (spec.md §6)
	PollInterval        time.Duration // POLL_INTERVAL, default 5s
	CancelQueueInterval time.Duration // CANCEL_QUEUE_INTERVAL, default 10s
	MaxCancelRetries    int           // MAX_CANCEL_RETRIES, default 5
	OrphanTimeout       time.Duration // ORPHAN_TIMEOUT, default 120s
	SweepInterval       time.Duration // L4 drift-sweep cadence, not in spec's table; default 60s

	// C3 Price Cache
	PriceTTL   time.Duration // PRICE_TTL, default 30s
	PriceStale time.Duration // PRICE_STALE, default 60s

	// C5 Dispatcher
	MarketOrderTimeout time.Duration // MARKET_ORDER_TIMEOUT, default 10s
	DispatchFanout     int           // DISPATCH_FANOUT, default 32

	// C1 testing toggle -- swaps every adapter for the in-memory mock gateway
	UseMockExchange bool

	// Webhook ingress (C8)
	WebhookRateLimit int // WEBHOOK_RATE_LIMIT; loaded but not read -- the webhook applies no rate limit

	// Secrets
	EncryptionKey string // base64-encoded key; main copies it into MASTER_ENCRYPTION_KEY for pkg/crypto.KeyManager when that is unset

	// Optional external services
	RedisAddr          string // backs the distributed rate limiters and webhook dedup; empty keeps both in-process
	NotifierWebhookURL string // C9 HTTPSink target; empty disables outbound notification
}

// Load reads environment variables (optionally via a .env file) into a
// Config, applying the same defaults spec.md §6 documents.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/signalrouter.db")
	}

	return &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DBPath:      dbPath,

		PollInterval:        getEnvSeconds("POLL_INTERVAL", 5),
		CancelQueueInterval: getEnvSeconds("CANCEL_QUEUE_INTERVAL", 10),
		MaxCancelRetries:    getEnvInt("MAX_CANCEL_RETRIES", 5),
		OrphanTimeout:       getEnvSeconds("ORPHAN_TIMEOUT", 120),
		SweepInterval:       getEnvSeconds("SWEEP_INTERVAL", 60),

		PriceTTL:   getEnvSeconds("PRICE_TTL", 30),
		PriceStale: getEnvSeconds("PRICE_STALE", 60),

		MarketOrderTimeout: getEnvSeconds("MARKET_ORDER_TIMEOUT", 10),
		DispatchFanout:     getEnvInt("DISPATCH_FANOUT", 32),

		UseMockExchange: getEnv("USE_MOCK_EXCHANGE", "false") == "true",

		WebhookRateLimit: getEnvInt("WEBHOOK_RATE_LIMIT", 20),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		RedisAddr:          getEnv("REDIS_ADDR", ""),
		NotifierWebhookURL: getEnv("NOTIFIER_WEBHOOK_URL", ""),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvSeconds(key string, defSeconds int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return time.Duration(defSeconds) * time.Second
}

// splitAndTrim is kept for symmetry with the teacher's own helper set.
// No Config field here needs a comma-separated list yet, but a future
// MULTI_EXCHANGE_ALLOWLIST-style setting would reach for this rather
// than a bespoke parser, matching how the teacher's config loaders in
// this corpus consistently carry it.
func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
