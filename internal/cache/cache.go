// Package cache implements the client-side query cache: one entry per
// (entity, filters) tuple, deduplicated in-flight fetches, a
// stale-while-revalidate freshness window, and invalidation by key prefix.
package cache

import (
	"context"
	"sync"
	"time"

	"logbid/internal/core"
	apperrors "logbid/pkg/errors"
	"logbid/pkg/retry"
	"logbid/pkg/telemetry"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
)

type entry struct {
	value     any
	fetchedAt time.Time
	freshFor  time.Duration
}

// QueryCache implements core.ICache. It is the only writer to cached
// entries; mutation flows and the realtime bridge talk to it through
// Invalidate only.
type QueryCache struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	freshness    map[string]time.Duration // per-key overrides
	defaultFresh time.Duration

	group        singleflight.Group
	revalidating sync.Map // joined key -> struct{}

	revalidatePolicy retry.Policy
	logger           core.ILogger

	hitCounter        metric.Int64Counter
	missCounter       metric.Int64Counter
	invalidateCounter metric.Int64Counter
}

// Option configures a QueryCache
type Option func(*QueryCache)

// WithDefaultFreshness sets the freshness window applied to keys without
// an explicit override.
func WithDefaultFreshness(d time.Duration) Option {
	return func(c *QueryCache) { c.defaultFresh = d }
}

// WithRevalidateRetries bounds background revalidation attempts
func WithRevalidateRetries(n int) Option {
	return func(c *QueryCache) { c.revalidatePolicy.MaxAttempts = n }
}

// New creates a QueryCache
func New(logger core.ILogger, opts ...Option) *QueryCache {
	meter := telemetry.GetMeter("query-cache")

	hitCounter, _ := meter.Int64Counter("cache_hits_total",
		metric.WithDescription("Query cache hits"))
	missCounter, _ := meter.Int64Counter("cache_misses_total",
		metric.WithDescription("Query cache misses"))
	invalidateCounter, _ := meter.Int64Counter("cache_invalidations_total",
		metric.WithDescription("Query cache prefix invalidations"))

	c := &QueryCache{
		entries:           make(map[string]*entry),
		freshness:         make(map[string]time.Duration),
		defaultFresh:      30 * time.Second,
		revalidatePolicy:  retry.DefaultPolicy,
		logger:            logger.WithField("component", "query_cache"),
		hitCounter:        hitCounter,
		missCounter:       missCounter,
		invalidateCounter: invalidateCounter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read returns the cached value for key, fetching it through fetch on a
// miss. Concurrent readers of the same key share a single in-flight
// fetch. A stale entry is returned immediately while a background
// revalidation refreshes it.
func (c *QueryCache) Read(ctx context.Context, key core.Key, fetch core.FetchFunc) (any, error) {
	k := joinKey(key)

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()

	if ok {
		c.hitCounter.Add(ctx, 1)
		if time.Since(e.fetchedAt) > e.freshFor {
			c.revalidate(k, fetch)
		}
		return e.value, nil
	}

	c.missCounter.Add(ctx, 1)

	value, err, _ := c.group.Do(k, func() (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store(k, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// revalidate refreshes a stale entry in the background. Only one
// revalidation per key runs at a time; failures keep the stale value.
func (c *QueryCache) revalidate(k string, fetch core.FetchFunc) {
	if _, loaded := c.revalidating.LoadOrStore(k, struct{}{}); loaded {
		return
	}

	go func() {
		defer c.revalidating.Delete(k)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := retry.Do(ctx, c.revalidatePolicy, apperrors.IsTransient, func() error {
			v, err := fetch(ctx)
			if err != nil {
				return err
			}
			c.store(k, v)
			return nil
		})
		if err != nil {
			c.logger.Warn("Background revalidation failed, serving stale entry", "key", k, "error", err)
		}
	}()
}

func (c *QueryCache) store(k string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := c.defaultFresh
	if override, ok := c.freshness[k]; ok {
		fresh = override
	}
	c.entries[k] = &entry{
		value:     v,
		fetchedAt: time.Now(),
		freshFor:  fresh,
	}
	telemetry.GetGlobalMetrics().SetCacheEntryCount(int64(len(c.entries)))
}

// Invalidate removes every entry whose key starts with the given prefix,
// element-wise. It is immediate and unconditional: the next Read always
// re-fetches, whether or not the underlying data changed.
func (c *QueryCache) Invalidate(prefix core.Key) {
	p := joinKey(prefix)

	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.entries {
		if hasPrefix(k, p) {
			delete(c.entries, k)
		}
	}
	c.invalidateCounter.Add(context.Background(), 1)
	telemetry.GetGlobalMetrics().SetCacheEntryCount(int64(len(c.entries)))
}

// InvalidateAll drops every prefix in one pass
func (c *QueryCache) InvalidateAll(prefixes ...core.Key) {
	for _, p := range prefixes {
		c.Invalidate(p)
	}
}

// SetFreshness overrides the freshness window for one exact key
func (c *QueryCache) SetFreshness(key core.Key, ttlMillis int64) {
	k := joinKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.freshness[k] = time.Duration(ttlMillis) * time.Millisecond
	if e, ok := c.entries[k]; ok {
		e.freshFor = c.freshness[k]
	}
}

// Len returns the number of live entries
func (c *QueryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
