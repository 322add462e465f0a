package telemetry

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// UpstreamMetricsMeterName is the name used for the upstream client
	// metrics meter
	UpstreamMetricsMeterName = "github.com/apolo-platform/platform-registry-api/upstream"

	// EventsMetricsMeterName is the name used for the events consumer
	// metrics meter
	EventsMetricsMeterName = "github.com/apolo-platform/platform-registry-api/events"
)

// UpstreamMetrics holds the OpenTelemetry instruments for requests the
// proxy issues to the upstream registry.
type UpstreamMetrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewUpstreamMetrics creates an UpstreamMetrics instance with the given
// meter provider. A nil provider yields nil (no-op metrics).
func NewUpstreamMetrics(provider metric.MeterProvider) (*UpstreamMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(UpstreamMetricsMeterName)

	requestsTotal, err := meter.Int64Counter(
		"preg_api_upstream_requests_total",
		metric.WithDescription("Total number of requests sent to the upstream registry"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"preg_api_upstream_request_duration_seconds",
		metric.WithDescription("Time to the upstream response headers in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	return &UpstreamMetrics{
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
	}, nil
}

// RecordRequest records one upstream request outcome. The duration is
// measured to the response headers, not the end of the body, bodies
// stream for as long as the caller keeps reading.
func (m *UpstreamMetrics) RecordRequest(ctx context.Context, method string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("status_code", strconv.Itoa(statusCode)),
	}

	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// EventsMetrics holds the OpenTelemetry instruments for the
// project-removal events consumer.
type EventsMetrics struct {
	removalsTotal metric.Int64Counter
}

// NewEventsMetrics creates an EventsMetrics instance with the given
// meter provider. A nil provider yields nil (no-op metrics).
func NewEventsMetrics(provider metric.MeterProvider) (*EventsMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(EventsMetricsMeterName)

	removalsTotal, err := meter.Int64Counter(
		"preg_api_project_removals_total",
		metric.WithDescription("Project removal events processed, by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &EventsMetrics{
		removalsTotal: removalsTotal,
	}, nil
}

// RecordProjectRemoval records the outcome of one project removal
// event.
func (m *EventsMetrics) RecordProjectRemoval(ctx context.Context, cluster string, success bool) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("cluster", cluster),
		attribute.Bool("success", success),
	}

	m.removalsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}
