// job-sidecar runs alongside job workers and uploads the files they leave in
// the shared artifacts directory to the job intake endpoint.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"jobengine/internal/config"
	"jobengine/internal/sidecar"
)

func main() {
	// Exits 0 if the ready marker exists, 1 otherwise. Used by Docker health checks.
	if len(os.Args) > 1 && os.Args[1] == "-check-ready" {
		if sidecar.CheckReady(config.GetEnv("ARTIFACTS_DIR", "/artifacts")) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("Sidecar failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := sidecar.LoadConfigFromEnv()

	runner, err := sidecar.NewRunner(cfg)
	if err != nil {
		return err
	}

	// SIGTERM and SIGUSR1 are the completion signal handled by the runner;
	// SIGINT aborts with a best-effort sweep.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT)
	defer stop()

	return runner.Run(ctx)
}
