package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewUpstreamMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewUpstreamMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("creates metrics with SDK provider", func(t *testing.T) {
		t.Parallel()

		mp := sdkmetric.NewMeterProvider()
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewUpstreamMetrics(mp)
		require.NoError(t, err)
		assert.NotNil(t, metrics)
		assert.NotNil(t, metrics.requestsTotal)
		assert.NotNil(t, metrics.requestDuration)
	})
}

func TestUpstreamMetrics_RecordRequest(t *testing.T) {
	t.Parallel()

	t.Run("no-op when metrics is nil", func(t *testing.T) {
		t.Parallel()

		var metrics *UpstreamMetrics
		// Should not panic
		metrics.RecordRequest(context.Background(), "GET", 200, 50*time.Millisecond)
	})

	t.Run("records request with method and status attributes", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewUpstreamMetrics(mp)
		require.NoError(t, err)
		require.NotNil(t, metrics)

		metrics.RecordRequest(context.Background(), "GET", 200, 120*time.Millisecond)
		metrics.RecordRequest(context.Background(), "DELETE", 404, 30*time.Millisecond)

		var rm metricdata.ResourceMetrics
		err = reader.Collect(context.Background(), &rm)
		require.NoError(t, err)

		require.NotEmpty(t, rm.ScopeMetrics)

		var foundScope bool
		for _, scope := range rm.ScopeMetrics {
			if scope.Scope.Name == UpstreamMetricsMeterName {
				foundScope = true
				assert.NotEmpty(t, scope.Metrics)
			}
		}
		assert.True(t, foundScope, "expected to find upstream metrics scope")
	})

	t.Run("records duration in seconds", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewUpstreamMetrics(mp)
		require.NoError(t, err)

		metrics.RecordRequest(context.Background(), "GET", 200, 1500*time.Millisecond)

		var rm metricdata.ResourceMetrics
		err = reader.Collect(context.Background(), &rm)
		require.NoError(t, err)

		for _, scope := range rm.ScopeMetrics {
			if scope.Scope.Name != UpstreamMetricsMeterName {
				continue
			}
			for _, m := range scope.Metrics {
				if m.Name == "preg_api_upstream_request_duration_seconds" {
					hist, ok := m.Data.(metricdata.Histogram[float64])
					require.True(t, ok, "expected histogram data type")
					require.NotEmpty(t, hist.DataPoints)
					assert.InDelta(t, 1.5, hist.DataPoints[0].Sum, 0.001)
				}
			}
		}
	})
}

func TestNewEventsMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewEventsMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("creates metrics with SDK provider", func(t *testing.T) {
		t.Parallel()

		mp := sdkmetric.NewMeterProvider()
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewEventsMetrics(mp)
		require.NoError(t, err)
		assert.NotNil(t, metrics)
		assert.NotNil(t, metrics.removalsTotal)
	})
}

func TestEventsMetrics_RecordProjectRemoval(t *testing.T) {
	t.Parallel()

	t.Run("no-op when metrics is nil", func(t *testing.T) {
		t.Parallel()

		var metrics *EventsMetrics
		// Should not panic
		metrics.RecordProjectRemoval(context.Background(), "minikube", true)
	})

	t.Run("records removals with cluster and success attributes", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewEventsMetrics(mp)
		require.NoError(t, err)
		require.NotNil(t, metrics)

		metrics.RecordProjectRemoval(context.Background(), "prod-cluster", true)
		metrics.RecordProjectRemoval(context.Background(), "prod-cluster", false)

		var rm metricdata.ResourceMetrics
		err = reader.Collect(context.Background(), &rm)
		require.NoError(t, err)

		require.NotEmpty(t, rm.ScopeMetrics)

		var foundCounter bool
		for _, scope := range rm.ScopeMetrics {
			if scope.Scope.Name != EventsMetricsMeterName {
				continue
			}
			for _, m := range scope.Metrics {
				if m.Name == "preg_api_project_removals_total" {
					sum, ok := m.Data.(metricdata.Sum[int64])
					require.True(t, ok, "expected sum data type")
					// One data point per attribute set.
					assert.Len(t, sum.DataPoints, 2)
					foundCounter = true
				}
			}
		}
		assert.True(t, foundCounter, "expected to find project removals counter")
	})
}
