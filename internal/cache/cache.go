package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"helios/internal/metrics"
	"helios/pkg/errors"
	"helios/pkg/logger"
)

// Cache memoizes expensive external calls (inference results, market
// snapshots) keyed by fingerprint, with a single-flight guarantee: across
// all concurrent callers, the compute function runs at most once per key
// per TTL window that yields a successful result.
//
// Failures are never cached; the next caller computes fresh. Entries expire
// passively on read, with an optional periodic sweep bounding memory.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	group      singleflight.Group
	defaultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64

	log *logger.Logger
}

type entry struct {
	value     interface{}
	createdAt time.Time
	ttl       time.Duration
}

func (e entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) >= e.ttl
}

// New creates a cache with the given default TTL
func New(defaultTTL time.Duration, log *logger.Logger) *Cache {
	if defaultTTL == 0 {
		defaultTTL = 60 * time.Second
	}
	return &Cache{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
		log:        log.With("component", "cache"),
	}
}

// ComputeFunc produces the value for a key on cache miss
type ComputeFunc func(ctx context.Context) (interface{}, error)

// GetOrCompute returns the live cached value for key, or runs computeFn to
// produce it. Concurrent callers for the same key share one computation and
// all receive the same result (or the same error).
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, computeFn ComputeFunc) (interface{}, error) {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	if value, ok := c.lookup(key); ok {
		c.hits.Add(1)
		metrics.CacheHits.Inc()
		return value, nil
	}

	value, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Another flight may have populated the entry between our lookup
		// and claiming the flight
		if value, ok := c.lookup(key); ok {
			return value, nil
		}

		// One compute, one miss: callers that join this flight do not
		// inflate the counter
		c.misses.Add(1)
		metrics.CacheMisses.Inc()

		value, err := computeFn(ctx)
		if err != nil {
			// Never cache failures
			return nil, errors.Wrap(errors.ErrCacheCompute, err.Error())
		}

		c.store(key, value, ttl)
		return value, nil
	})

	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debugw("Coalesced concurrent computation", "key", key)
	}
	return value, nil
}

// Get returns the live value for key, or ErrCacheMiss
func (c *Cache) Get(key string) (interface{}, error) {
	if value, ok := c.lookup(key); ok {
		c.hits.Add(1)
		metrics.CacheHits.Inc()
		return value, nil
	}
	c.misses.Add(1)
	metrics.CacheMisses.Inc()
	return nil, errors.ErrCacheMiss
}

// Invalidate removes a key. Returns whether the key was present.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return ok
}

// lookup returns the live value, lazily evicting an expired entry
func (c *Cache) lookup(key string) (interface{}, bool) {
	now := time.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if e.expired(now) {
		c.mu.Lock()
		// Re-check under the write lock; a fresh entry may have landed
		if cur, ok := c.entries[key]; ok && cur.expired(now) {
			delete(c.entries, key)
			metrics.CacheEntries.Set(float64(len(c.entries)))
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

func (c *Cache) store(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, createdAt: time.Now(), ttl: ttl}
	metrics.CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()
}

// Stats contains cache statistics
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

// GetStats returns hit/miss counters and the current entry count
func (c *Cache) GetStats() Stats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: entries,
	}
}

// StartSweep runs a periodic sweep removing expired entries until ctx is
// cancelled. Not required for correctness, only for bounding memory.
func (c *Cache) StartSweep(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := c.sweep()
				if removed > 0 {
					c.log.Debugw("Swept expired cache entries", "removed", removed)
				}
			}
		}
	}()
}

func (c *Cache) sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return removed
}
