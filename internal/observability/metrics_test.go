package observability

import (
	"context"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, handler, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	if metrics == nil {
		t.Fatal("Expected metrics to be non-nil")
	}

	if handler == nil {
		t.Fatal("Expected handler to be non-nil")
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordHTTPRequest(ctx, "GET", "/livez", 200, 0.001)
	metrics.RecordHTTPRequest(ctx, "POST", "/v1/jobs", 201, 0.050)
	metrics.RecordHTTPRequest(ctx, "GET", "/v1/jobs/abc123", 200, 0.010)
	metrics.RecordHTTPRequest(ctx, "GET", "/jobs/def456/logs", 200, 30.0)
	metrics.RecordHTTPRequest(ctx, "PUT", "/internal/jobs/abc123/artifacts/out.txt", 413, 0.2)
	metrics.RecordHTTPRequest(ctx, "DELETE", "/v1/jobs/abc123", 204, 0.100)
}

func TestRecordJobMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordJobCreated(ctx, "run")
	metrics.RecordJobCreated(ctx, "fuzz")
	metrics.RecordJobCompleted(ctx, "run", "succeeded", 5.5)
	metrics.RecordJobCompleted(ctx, "fuzz", "timed_out", 300.0)
	metrics.RecordArtifactAccepted(ctx, "run", 1024)
	metrics.RecordArtifactRejected(ctx, "run", "size_cap")
	metrics.RecordLogLines(ctx, "fuzz", 12)
}

func TestRecordCallbackMetrics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics, _, err := NewMetrics(ctx)
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	// Should not panic
	metrics.RecordCallbackDelivered(ctx, "jobengine.job.started", 0.02)
	metrics.RecordCallbackFailed(ctx, "jobengine.job.completed")
	metrics.RecordCallbackDropped(ctx, "jobengine.job.completed", "buffer_full")
	metrics.RecordCallbackRequeued(ctx, "jobengine.job.started")
	metrics.RecordCallbackQueueSize(ctx, 3)
	metrics.RecordCallbackCircuit(ctx, 1)
	metrics.RecordCallbackCircuit(ctx, -1)
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input    string
		expected string
	}{
		{"/livez", "/livez"},
		{"/metrics", "/metrics"},
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/jobs/abc123", "/v1/jobs/{jobId}"},
		{"/v1/jobs/xyz-789-def", "/v1/jobs/{jobId}"},
		{"/jobs/0f3a", "/jobs/{externalId}"},
		{"/jobs/0f3a/logs", "/jobs/{externalId}/logs"},
		{"/jobs/0f3a/logs/ws", "/jobs/{externalId}/logs/ws"},
		{"/internal/jobs/abc/logs", "/internal/jobs/{jobId}/logs"},
		{"/internal/jobs/abc/artifacts/out.txt", "/internal/jobs/{jobId}/artifacts/{name}"},
		{"/artifacts/0f3a/logs.txt", "/artifacts/{path}"},
		{"/other/path", "/other/path"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
