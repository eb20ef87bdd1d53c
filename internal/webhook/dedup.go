package webhook

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// idempotencyTTL bounds how long a replayed idempotency_key is rejected
// for -- long enough to cover a retrying webhook sender's backoff
// window, short enough that the dedup set doesn't grow unbounded.
const idempotencyTTL = 10 * time.Minute

// Dedup guards against the same signal being dispatched twice. CheckAndSet
// reports whether key was newly claimed (first sighting); a false return
// means this key was already seen within the TTL and the caller should
// reject the request with 409, per spec.md §4.8's response table.
type Dedup interface {
	CheckAndSet(ctx context.Context, key string) (firstSeen bool, err error)
}

// NoopDedup never rejects -- the default when no Redis address is
// configured, matching the teacher's own pattern of optional
// infrastructure degrading to a pass-through rather than failing closed.
type NoopDedup struct{}

func (NoopDedup) CheckAndSet(ctx context.Context, key string) (bool, error) {
	return true, nil
}

// RedisDedup implements Dedup with a SETNX against a shared Redis
// instance, so dedup works correctly across multiple signalrouter
// replicas, not just within one process's memory.
type RedisDedup struct {
	client *redis.Client
}

// NewRedisDedup connects a Dedup backed by addr (e.g. "localhost:6379").
func NewRedisDedup(addr string) *RedisDedup {
	return NewRedisDedupFromClient(redis.NewClient(&redis.Options{Addr: addr}))
}

// NewRedisDedupFromClient builds a Dedup against an already-constructed
// client, so the process can share one Redis connection between this and
// the distributed rate limiter (pkg/exchange/common.NewLimiter) instead
// of opening a second connection pool to the same instance.
func NewRedisDedupFromClient(client *redis.Client) *RedisDedup {
	return &RedisDedup{client: client}
}

func (d *RedisDedup) CheckAndSet(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, "webhook:idem:"+key, "1", idempotencyTTL).Result()
	if err != nil {
		log.Printf("⚠️ webhook: redis dedup check failed, allowing through: %v", err)
		return true, nil
	}
	return ok, nil
}

func (d *RedisDedup) Close() error {
	return d.client.Close()
}
