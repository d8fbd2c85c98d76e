package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectGauges(t *testing.T, reader *sdkmetric.ManualReader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string][]metricdata.DataPoint[int64])
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			gauge, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok, "%s is not an int64 gauge", m.Name)
			out[m.Name] = gauge.DataPoints
		}
	}
	return out
}

func TestMetricsHolder_GaugesObservePushedState(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m := GetGlobalMetrics()
	require.NoError(t, m.InitMetrics(provider.Meter("holder_test")))

	m.SetCacheEntryCount(7)
	m.SetRealtimeConnected("shipments", true)
	m.SetRealtimeConnected("offers", false)

	gauges := collectGauges(t, reader)

	require.Len(t, gauges[MetricCacheEntries], 1)
	assert.Equal(t, int64(7), gauges[MetricCacheEntries][0].Value)

	byChannel := map[string]int64{}
	for _, dp := range gauges[MetricRealtimeConnected] {
		if ch, ok := dp.Attributes.Value(attribute.Key("channel")); ok {
			byChannel[ch.AsString()] = dp.Value
		}
	}
	assert.Equal(t, map[string]int64{"shipments": 1, "offers": 0}, byChannel)

	m.SetCacheEntryCount(0)
	m.SetRealtimeConnected("shipments", false)

	gauges = collectGauges(t, reader)
	require.Len(t, gauges[MetricCacheEntries], 1)
	assert.Equal(t, int64(0), gauges[MetricCacheEntries][0].Value)
}

func TestGetGlobalMetrics_ReturnsSingleton(t *testing.T) {
	assert.Same(t, GetGlobalMetrics(), GetGlobalMetrics())
}
