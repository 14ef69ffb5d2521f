package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (concurrent jobs/requests)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Intake metrics (Traffic, Errors)
	ArtifactBytes     metric.Int64Counter
	ArtifactsRejected metric.Int64Counter
	LogLinesTotal     metric.Int64Counter

	// Callback delivery metrics (Latency, Traffic, Errors, Saturation)
	CallbackDuration    metric.Float64Histogram
	CallbacksDelivered  metric.Int64Counter
	CallbacksFailed     metric.Int64Counter
	CallbacksDropped    metric.Int64Counter
	CallbacksRequeued   metric.Int64Counter
	CallbackQueueSize   metric.Int64Gauge
	CallbackCircuitOpen metric.Int64UpDownCounter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("jobengine")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 60, 300, 900, 1800, 3600, 7200, 10800, 14400, 18000),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of jobs that did not succeed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently running jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Intake metrics
	m.ArtifactBytes, err = meter.Int64Counter(
		"artifact_bytes_total",
		metric.WithDescription("Total bytes of accepted artifacts"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ArtifactsRejected, err = meter.Int64Counter(
		"artifacts_rejected_total",
		metric.WithDescription("Total artifact submissions rejected (caps, in-flight limit, storage errors)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LogLinesTotal, err = meter.Int64Counter(
		"log_lines_total",
		metric.WithDescription("Total worker log lines ingested"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Callback delivery metrics
	m.CallbackDuration, err = meter.Float64Histogram(
		"callback_delivery_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds, retries included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbacksDelivered, err = meter.Int64Counter(
		"callbacks_delivered_total",
		metric.WithDescription("Total callback events delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbacksFailed, err = meter.Int64Counter(
		"callbacks_failed_total",
		metric.WithDescription("Total callback events that failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbacksDropped, err = meter.Int64Counter(
		"callbacks_dropped_total",
		metric.WithDescription("Total callback events dropped"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbacksRequeued, err = meter.Int64Counter(
		"callbacks_requeued_total",
		metric.WithDescription("Total callback events requeued behind an open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbackQueueSize, err = meter.Int64Gauge(
		"callback_queue_size",
		metric.WithDescription("Callback events waiting for delivery (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CallbackCircuitOpen, err = meter.Int64UpDownCounter(
		"callback_circuits_open",
		metric.WithDescription("Callback destinations currently blocked by an open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job being created.
func (m *Metrics) RecordJobCreated(ctx context.Context, kind string) {
	attrs := metric.WithAttributes(kindAttr(kind))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobCompleted records a job reaching its terminal state.
func (m *Metrics) RecordJobCompleted(ctx context.Context, kind, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(kindAttr(kind), outcomeAttr(outcome))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(kindAttr(kind)))

	if outcome != "succeeded" {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordArtifactAccepted records an artifact stored for a job.
func (m *Metrics) RecordArtifactAccepted(ctx context.Context, kind string, bytes int64) {
	m.ArtifactBytes.Add(ctx, bytes, metric.WithAttributes(kindAttr(kind)))
}

// RecordArtifactRejected records an artifact that was dropped.
func (m *Metrics) RecordArtifactRejected(ctx context.Context, kind, reason string) {
	m.ArtifactsRejected.Add(ctx, 1, metric.WithAttributes(kindAttr(kind), reasonAttr(reason)))
}

// RecordLogLines records worker log lines ingested.
func (m *Metrics) RecordLogLines(ctx context.Context, kind string, n int) {
	m.LogLinesTotal.Add(ctx, int64(n), metric.WithAttributes(kindAttr(kind)))
}

// RecordCallbackDelivered records a delivered callback event with its duration.
func (m *Metrics) RecordCallbackDelivered(ctx context.Context, eventType string, durationSeconds float64) {
	attrs := metric.WithAttributes(eventTypeAttr(eventType))
	m.CallbacksDelivered.Add(ctx, 1, attrs)
	m.CallbackDuration.Record(ctx, durationSeconds, attrs)
}

// RecordCallbackFailed records a callback event that exhausted its retries.
func (m *Metrics) RecordCallbackFailed(ctx context.Context, eventType string) {
	m.CallbacksFailed.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType)))
}

// RecordCallbackDropped records a callback event dropped for reason.
func (m *Metrics) RecordCallbackDropped(ctx context.Context, eventType, reason string) {
	m.CallbacksDropped.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType), reasonAttr(reason)))
}

// RecordCallbackRequeued records a callback event held back by an open circuit.
func (m *Metrics) RecordCallbackRequeued(ctx context.Context, eventType string) {
	m.CallbacksRequeued.Add(ctx, 1, metric.WithAttributes(eventTypeAttr(eventType)))
}

// RecordCallbackQueueSize records the number of queued callback events.
func (m *Metrics) RecordCallbackQueueSize(ctx context.Context, size int64) {
	m.CallbackQueueSize.Record(ctx, size)
}

// RecordCallbackCircuit tracks open circuits; delta is +1 when one opens
// and -1 when it closes again.
func (m *Metrics) RecordCallbackCircuit(ctx context.Context, delta int64) {
	m.CallbackCircuitOpen.Add(ctx, delta)
}
