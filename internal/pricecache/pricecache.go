// Package pricecache implements the C3 Price Cache: a process-wide map of
// (exchange, market, symbol) -> last trade price with a timestamp, warmed
// by batch REST fetches and kept current by WS public-price subscriptions.
// Directly generalized from the teacher's pkg/cache.ShardedPriceCache --
// same 16-shard FNV-hashed sharding, same RWMutex-per-shard pattern, same
// Cleanup/Stats shape -- with three changes the spec requires: a
// three-part key instead of symbol-only (so the same BTC/USDT on Binance
// and Bybit are tracked separately), decimal.Decimal prices instead of
// float64, and an explicit staleness check against T_price_stale.
package pricecache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// DefaultTTL and DefaultStaleAfter are spec.md §4.3's default values.
const (
	DefaultTTL        = 30 * time.Second
	DefaultStaleAfter = 60 * time.Second
)

// Key identifies one cached quote.
type Key struct {
	Exchange string
	Market   string
	Symbol   string
}

func (k Key) shardKey() string {
	return k.Exchange + "|" + k.Market + "|" + k.Symbol
}

type entry struct {
	price     decimal.Decimal
	updatedAt time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[Key]entry
}

// Cache is the sharded price cache.
type Cache struct {
	shards     [numShards]*shard
	staleAfter time.Duration
}

// New creates a Cache using DefaultStaleAfter as the staleness threshold.
func New() *Cache {
	return NewWithStaleAfter(DefaultStaleAfter)
}

// NewWithStaleAfter creates a Cache with an explicit staleness threshold,
// for tests that need a tight window.
func NewWithStaleAfter(staleAfter time.Duration) *Cache {
	c := &Cache{staleAfter: staleAfter}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[Key]entry)}
	}
	return c
}

func (c *Cache) getShard(k Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(k.shardKey()))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price, overwriting any previous entry for the key.
func (c *Cache) Set(k Key, price decimal.Decimal) {
	sh := c.getShard(k)
	sh.mu.Lock()
	sh.items[k] = entry{price: price, updatedAt: time.Now()}
	sh.mu.Unlock()
}

// Get retrieves a price regardless of age.
func (c *Cache) Get(k Key) (decimal.Decimal, bool) {
	sh := c.getShard(k)
	sh.mu.RLock()
	e, ok := sh.items[k]
	sh.mu.RUnlock()
	return e.price, ok
}

// GetWithAge retrieves a price and how long ago it was last updated.
func (c *Cache) GetWithAge(k Key) (decimal.Decimal, time.Duration, bool) {
	sh := c.getShard(k)
	sh.mu.RLock()
	e, ok := sh.items[k]
	sh.mu.RUnlock()
	if !ok {
		return decimal.Zero, 0, false
	}
	return e.price, time.Since(e.updatedAt), true
}

// GetFresh retrieves a price only if it is not older than the cache's
// staleAfter threshold. The Sizer calls this and falls back to a
// synchronous REST fetch on a miss or stale hit, per spec.md §4.3.
func (c *Cache) GetFresh(k Key) (decimal.Decimal, bool) {
	price, age, ok := c.GetWithAge(k)
	if !ok || age > c.staleAfter {
		return decimal.Zero, false
	}
	return price, true
}

// Delete removes one entry.
func (c *Cache) Delete(k Key) {
	sh := c.getShard(k)
	sh.mu.Lock()
	delete(sh.items, k)
	sh.mu.Unlock()
}

// Len returns the total number of cached entries across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		total += len(sh.items)
		sh.mu.RUnlock()
	}
	return total
}

// Cleanup evicts entries older than maxAge, bounding cache growth from
// symbols no longer subscribed, and returns how many it removed. No
// periodic caller is wired in; it runs only when called.
func (c *Cache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.items {
			if e.updatedAt.Before(cutoff) {
				delete(sh.items, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Stats mirrors the teacher's CacheStats for operational visibility.
type Stats struct {
	TotalItems  int
	ShardCounts [numShards]int
	OldestAge   time.Duration
}

// Stats returns a snapshot of cache occupancy and the oldest entry's age.
func (c *Cache) Stats() Stats {
	var st Stats
	var oldest time.Time
	for i, sh := range c.shards {
		sh.mu.RLock()
		st.ShardCounts[i] = len(sh.items)
		st.TotalItems += len(sh.items)
		for _, e := range sh.items {
			if oldest.IsZero() || e.updatedAt.Before(oldest) {
				oldest = e.updatedAt
			}
		}
		sh.mu.RUnlock()
	}
	if !oldest.IsZero() {
		st.OldestAge = time.Since(oldest)
	}
	return st
}
