package common

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestVariantLimiterGrantsFirstTokenImmediately(t *testing.T) {
	l := NewVariantLimiter(2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx); err != nil {
		t.Fatalf("expected the first token to be available immediately: %v", err)
	}
}

func TestVariantLimiterRespectsContextCancellation(t *testing.T) {
	l := NewVariantLimiter(0.001) // effectively one token per 1000s
	_ = l.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); err == nil {
		t.Fatal("expected exhausted limiter to respect context deadline")
	}
}

// TestNewLimiterPicksBackendByRedisClient grounds SPEC_FULL.md §3/§11:
// a nil redisClient keeps every variant's limiter in-process; a non-nil
// one switches to the distributed bucket.
func TestNewLimiterPicksBackendByRedisClient(t *testing.T) {
	if _, ok := NewLimiter(nil, VariantBinanceSpot, 10).(*VariantLimiter); !ok {
		t.Error("expected NewLimiter(nil, ...) to return a VariantLimiter")
	}

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, ok := NewLimiter(client, VariantBinanceSpot, 10).(*RedisVariantLimiter); !ok {
		t.Error("expected NewLimiter(client, ...) to return a RedisVariantLimiter")
	}
}

func TestRedisVariantLimiterKeyIsNamespacedPerVariant(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	a := NewRedisVariantLimiter(client, VariantBinanceSpot, 10)
	b := NewRedisVariantLimiter(client, VariantBybitLinear, 10)
	if a.key == b.key {
		t.Errorf("expected distinct Redis keys per variant, both got %q", a.key)
	}
}
