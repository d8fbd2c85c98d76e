package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"logbid/internal/core"
	"logbid/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts ...Option) *QueryCache {
	t.Helper()
	logger, _ := logging.NewZapLogger("ERROR")
	return New(logger, opts...)
}

func TestRead_ConcurrentReadersShareOneFetch(t *testing.T) {
	c := newTestCache(t, WithDefaultFreshness(time.Minute))

	var fetches atomic.Int64
	fetch := func(ctx context.Context) (any, error) {
		fetches.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "value", nil
	}

	key := core.Key{"shipments", "5", "Active"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Read(context.Background(), key, fetch)
			assert.NoError(t, err)
			assert.Equal(t, "value", v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fetches.Load(), "concurrent readers must share one in-flight fetch")
}

func TestRead_HitDoesNotRefetchWhileFresh(t *testing.T) {
	c := newTestCache(t, WithDefaultFreshness(time.Minute))

	var fetches atomic.Int64
	fetch := func(ctx context.Context) (any, error) {
		fetches.Add(1)
		return 42, nil
	}

	key := core.Key{"shipment", "uuid-1"}
	for i := 0; i < 5; i++ {
		v, err := c.Read(context.Background(), key, fetch)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}

	assert.Equal(t, int64(1), fetches.Load())
}

func TestRead_FetchErrorIsNotCached(t *testing.T) {
	c := newTestCache(t)

	var fetches atomic.Int64
	failing := func(ctx context.Context) (any, error) {
		fetches.Add(1)
		return nil, assert.AnError
	}

	key := core.Key{"offer", "uuid-2"}
	_, err := c.Read(context.Background(), key, failing)
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())

	// A failed fetch leaves no entry, so the next read fetches again
	_, err = c.Read(context.Background(), key, failing)
	require.Error(t, err)
	assert.Equal(t, int64(2), fetches.Load())
}

func TestRead_StaleEntryServedWhileRevalidating(t *testing.T) {
	c := newTestCache(t, WithDefaultFreshness(10*time.Millisecond))

	var fetches atomic.Int64
	fetch := func(ctx context.Context) (any, error) {
		return int(fetches.Add(1)), nil
	}

	key := core.Key{"bidListByMarket", "5"}
	v, err := c.Read(context.Background(), key, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	time.Sleep(20 * time.Millisecond)

	// Stale hit returns the old value immediately
	v, err = c.Read(context.Background(), key, fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	// The background revalidation eventually replaces it
	assert.Eventually(t, func() bool {
		v, err := c.Read(context.Background(), key, fetch)
		return err == nil && v.(int) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidate_PrefixDoesNotCrossElementBoundary(t *testing.T) {
	c := newTestCache(t, WithDefaultFreshness(time.Minute))

	seed := func(key core.Key) {
		_, err := c.Read(context.Background(), key, func(ctx context.Context) (any, error) {
			return "v", nil
		})
		require.NoError(t, err)
	}

	seed(core.Key{"shipments"})
	seed(core.Key{"shipments", "5", "Active"})
	seed(core.Key{"shipment", "uuid-1"})
	require.Equal(t, 3, c.Len())

	c.Invalidate(core.Key{"shipments"})

	// Both "shipments" entries go, the "shipment" detail entry stays
	assert.Equal(t, 1, c.Len())

	var fetched bool
	_, err := c.Read(context.Background(), core.Key{"shipment", "uuid-1"}, func(ctx context.Context) (any, error) {
		fetched = true
		return "v2", nil
	})
	require.NoError(t, err)
	assert.False(t, fetched, "shipment detail entry must survive a shipments invalidation")
}

func TestInvalidate_ExactKeyMatches(t *testing.T) {
	c := newTestCache(t, WithDefaultFreshness(time.Minute))

	_, err := c.Read(context.Background(), core.Key{"notifications", "user-1"}, func(ctx context.Context) (any, error) {
		return "v", nil
	})
	require.NoError(t, err)

	c.Invalidate(core.Key{"notifications", "user-1"})
	assert.Equal(t, 0, c.Len())
}

func TestInvalidateAll(t *testing.T) {
	c := newTestCache(t, WithDefaultFreshness(time.Minute))

	for _, key := range []core.Key{{"shipments", "1"}, {"offer", "2"}, {"notifications", "u"}} {
		_, err := c.Read(context.Background(), key, func(ctx context.Context) (any, error) {
			return "v", nil
		})
		require.NoError(t, err)
	}

	c.InvalidateAll(core.Key{"shipments"}, core.Key{"offer"})
	assert.Equal(t, 1, c.Len())
}

func TestSetFreshness_OverridesDefaultWindow(t *testing.T) {
	c := newTestCache(t, WithDefaultFreshness(time.Minute))

	key := core.Key{"costMetrics", "5"}
	c.SetFreshness(key, 5)

	var fetches atomic.Int64
	fetch := func(ctx context.Context) (any, error) {
		return int(fetches.Add(1)), nil
	}

	_, err := c.Read(context.Background(), key, fetch)
	require.NoError(t, err)

	time.Sleep(15 * time.Millisecond)

	// The override makes the entry stale well before the default window
	_, err = c.Read(context.Background(), key, fetch)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return fetches.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestKeyPrefix_SingularPluralDistinct(t *testing.T) {
	joined := joinKey(core.Key{"shipment", "uuid-1"})
	assert.True(t, hasPrefix(joined, joinKey(core.Key{"shipment"})))
	assert.False(t, hasPrefix(joined, joinKey(core.Key{"shipments"})))
	assert.False(t, hasPrefix(joinKey(core.Key{"shipments", "5"}), joinKey(core.Key{"shipment"})))
}
