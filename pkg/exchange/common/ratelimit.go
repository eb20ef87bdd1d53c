package common

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter is the rate-limiting contract every adapter's client calls
// through before an exchange request. VariantLimiter is the in-process
// default; RedisVariantLimiter implements the same contract backed by a
// shared Redis bucket for N-process deployments (see NewLimiter).
type Limiter interface {
	Wait(ctx context.Context) error
}

// VariantLimiter is one process-wide token bucket per exchange variant,
// shared across every account trading on that venue -- limiter
// configuration is a property of the variant, not a caller parameter.
type VariantLimiter struct {
	limiter *rate.Limiter
}

// NewVariantLimiter builds a limiter allowing ordersPerSecond sustained,
// with a burst of the same size (the adapters only ever need smoothing,
// not a deep burst allowance).
func NewVariantLimiter(ordersPerSecond float64) *VariantLimiter {
	burst := int(ordersPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &VariantLimiter{limiter: rate.NewLimiter(rate.Limit(ordersPerSecond), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (v *VariantLimiter) Wait(ctx context.Context) error {
	return v.limiter.Wait(ctx)
}

var _ Limiter = (*VariantLimiter)(nil)

// NewLimiter picks the rate limiter backing one exchange variant's
// client: a RedisVariantLimiter when redisClient is non-nil (every
// process sharing that Redis instance then draws from the same bucket),
// falling back to an in-process VariantLimiter otherwise. Gated by
// REDIS_ADDR at the process level (cmd/signalrouter/main.go) -- a single
// process with no Redis configured still gets correct, just
// process-local, throttling.
func NewLimiter(redisClient *redis.Client, variant Variant, ordersPerSecond float64) Limiter {
	if redisClient == nil {
		return NewVariantLimiter(ordersPerSecond)
	}
	return NewRedisVariantLimiter(redisClient, variant, ordersPerSecond)
}

// BackoffWithJitter computes a capped exponential backoff with +/-10%
// jitter, used by the adapters' WebSocket reconnect loops.
func BackoffWithJitter(attempt int, base, max time.Duration) time.Duration {
	d := base << attempt
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(float64(d) * 0.1 * (rand.Float64()*2 - 1))
	return d + jitter
}

// BatchLock serializes batch-order submission for exchanges without a
// native batch endpoint (Upbit, Bithumb, Binance Spot, Bybit Spot and
// Bybit Linear, whose CreateBatchOrders serializes): each call must wait out the
// variant's inter-call spacing before the next is allowed through.
type BatchLock struct {
	mu       sync.Mutex
	minGap   time.Duration
	lastCall time.Time
}

// NewBatchLock builds a lock enforcing at least minGap between calls --
// e.g. Upbit's 8 orders/sec ceiling implies minGap=125ms.
func NewBatchLock(minGap time.Duration) *BatchLock {
	return &BatchLock{minGap: minGap}
}

// Acquire blocks the caller until minGap has elapsed since the previous
// Acquire returned, then reserves the slot for this call. The gap is
// measured between Acquire returns, not from the end of the guarded call.
func (b *BatchLock) Acquire(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	wait := time.Until(b.lastCall.Add(b.minGap))
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	b.lastCall = time.Now()
	return nil
}
