package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricCacheEntries      = "logbid_cache_entries"
	MetricRealtimeConnected = "logbid_realtime_connected"
)

// MetricsHolder owns the observable gauges that report shared state.
// Counters live with the components that increment them; the holder
// carries only the values components push in from outside a callback.
type MetricsHolder struct {
	CacheEntries      metric.Int64ObservableGauge
	RealtimeConnected metric.Int64ObservableGauge

	mu              sync.RWMutex
	cacheEntryCount int64
	connectedMap    map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			connectedMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics registers the observable gauges on the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.CacheEntries, err = meter.Int64ObservableGauge(MetricCacheEntries, metric.WithDescription("Live query cache entries"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.cacheEntryCount)
			return nil
		}))
	if err != nil {
		return err
	}

	m.RealtimeConnected, err = meter.Int64ObservableGauge(MetricRealtimeConnected, metric.WithDescription("Realtime channel connected state (1=connected)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for channel, val := range m.connectedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("channel", channel)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetCacheEntryCount updates the observable cache size
func (m *MetricsHolder) SetCacheEntryCount(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheEntryCount = n
}

// SetRealtimeConnected updates the per-channel connected state
func (m *MetricsHolder) SetRealtimeConnected(channel string, connected bool) {
	val := int64(0)
	if connected {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedMap[channel] = val
}
