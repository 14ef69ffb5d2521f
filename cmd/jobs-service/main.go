// jobs-service is the HTTP server that runs ephemeral jobs on disposable
// workers and reports their progress.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobengine/internal/api"
	"jobengine/internal/artifact"
	"jobengine/internal/blob/file"
	"jobengine/internal/blob/s3"
	"jobengine/internal/config"
	"jobengine/internal/dispatcher"
	"jobengine/internal/health"
	"jobengine/internal/job"
	"jobengine/internal/observability"
	"jobengine/internal/provisioner/docker"
	"jobengine/internal/reporter/github"
	"jobengine/internal/reporter/logreporter"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

// pinger is implemented by both blob backends.
type pinger interface {
	artifact.BlobStore
	Ping(ctx context.Context) error
}

func newBlobStore(ctx context.Context, cfg *config.ServiceConfig) (pinger, string, error) {
	switch cfg.BlobBackend {
	case "s3":
		store, err := s3.New(ctx, s3.LoadConfigFromEnv())
		if err != nil {
			return nil, "", err
		}
		return store, "", nil
	default:
		store, err := file.New(cfg.BlobDir, cfg.PublicBaseURL+"/artifacts")
		if err != nil {
			return nil, "", err
		}
		return store, store.Root(), nil
	}
}

func newReporter(cfg *config.ServiceConfig) (job.Reporter, error) {
	if cfg.Reporter == "github" {
		ghCfg, err := github.LoadConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return github.New(ghCfg)
	}
	return logreporter.New(slog.Default()), nil
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg, err := config.LoadServiceConfig()
	if err != nil {
		return err
	}
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create callback dispatcher
	eventDispatcher := dispatcher.New(dispatcherCfg, metrics)

	blobStore, artifactsDir, err := newBlobStore(ctx, svcCfg)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	checks := []health.Check{{Name: "blob", Checker: health.ReadyFunc(blobStore.Ping)}}
	slog.Info("Artifact storage ready", "backend", svcCfg.BlobBackend)

	reporter, err := newReporter(svcCfg)
	if err != nil {
		return fmt.Errorf("reporter: %w", err)
	}

	deps := job.Deps{
		Reporter: reporter,
		Blob:     blobStore,
		Gate:     artifact.NewGate(svcCfg.Engine.ArtifactMaxInFlight),
		Notifier: eventDispatcher,
		Metrics:  metrics,
	}

	if svcCfg.ComputeBackend == "docker" {
		dockerCfg := docker.LoadConfigFromEnv()
		dockerCfg.KeepWorkers = svcCfg.Engine.KeepWorkers
		provisioner, err := docker.New(ctx, dockerCfg)
		if err != nil {
			return err
		}
		defer provisioner.Close()
		deps.Provisioner = provisioner
		checks = append(checks, health.Check{Name: "compute", Checker: provisioner})
		slog.Info("Connected to Docker daemon")
	} else {
		slog.Warn("No compute backend configured - jobs will be skipped")
	}

	// Create health checker
	healthChecker := health.NewChecker(checks...)

	// Create job service
	jobService := job.NewService(job.NewRegistry(svcCfg.Engine.Retention), deps, job.Options{
		Lifetime:         svcCfg.Engine.Lifetime,
		IdleTimeout:      svcCfg.Engine.IdleTimeout,
		ArtifactSizeCap:  svcCfg.Engine.ArtifactSizeCap,
		ArtifactCountCap: svcCfg.Engine.ArtifactCountCap,
		Retention:        svcCfg.Engine.Retention,
		KeepWorkers:      svcCfg.Engine.KeepWorkers,
		LogCapacity:      svcCfg.Engine.LogCapacity,
		PublicBaseURL:    svcCfg.PublicBaseURL,
		IntakeBaseURL:    svcCfg.IntakeBaseURL,
	})

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
		ArtifactsDir:  artifactsDir,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// No WriteTimeout: log streams and artifact uploads are long-lived.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port, "publicBaseUrl", svcCfg.PublicBaseURL)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Cancel running jobs. Each still deprovisions its worker and
	// posts a final report; completed jobs also end their log streams.
	slog.Info("Cancelling running jobs", "active", len(jobService.List(false).Jobs))
	jobsCtx, jobsCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := jobService.Shutdown(jobsCtx); err != nil {
		slog.Warn("Jobs did not finish cleanup in time", "error", err)
	}
	jobsCancel()

	// Phase 3: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}
