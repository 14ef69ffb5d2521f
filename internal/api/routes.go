package api

import (
	"net/http"

	"jobengine/internal/health"
	"jobengine/internal/job"
	"jobengine/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string

	// ArtifactsDir is the file blob root served under /artifacts/.
	// Empty when artifacts live in object storage.
	ArtifactsDir string

	Stream StreamOptions
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Metrics, cfg.HealthChecker)
	handler.stream = cfg.Stream

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Worker intake - no auth (network-isolated), keyed by internal id
	mux.HandleFunc("POST /internal/jobs/{jobId}/logs", handler.IntakeLogs)
	mux.HandleFunc("PUT /internal/jobs/{jobId}/artifacts/{name}", handler.IntakeArtifact)

	// Public progress pages, keyed by external id
	mux.HandleFunc("GET /jobs/{externalId}", handler.Dashboard)
	mux.HandleFunc("GET /jobs/{externalId}/status", handler.Status)
	mux.HandleFunc("GET /jobs/{externalId}/logs", handler.StreamLogs)
	mux.HandleFunc("GET /jobs/{externalId}/logs/ws", handler.StreamLogsWebSocket)
	if cfg.ArtifactsDir != "" {
		mux.Handle("GET /artifacts/{path...}", artifactFiles(cfg.ArtifactsDir))
	}

	// Job endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", authMiddleware(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", authMiddleware(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.DeleteJob)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
