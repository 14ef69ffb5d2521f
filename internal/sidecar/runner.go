// Package sidecar implements the artifact uploader that runs next to a job
// worker. It watches the shared artifacts directory and uploads each
// finished file once to the job intake endpoint.
package sidecar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"jobengine/internal/artifact"
)

// ReadyFile is the marker file written once the sidecar is watching the
// artifacts directory. Docker health checks on this file gate the worker.
const ReadyFile = ".ready"

// fileStat is the last observed size and modification time of a file.
type fileStat struct {
	size    int64
	modTime time.Time
}

// Runner polls the artifacts directory and uploads stable files.
//
// A file is stable when its size and modification time are unchanged
// across two polls. On the completion signal every remaining file is
// uploaded regardless of stability, since the worker has exited.
type Runner struct {
	config   *Config
	uploader *uploader
	logger   *slog.Logger

	seen     map[string]fileStat
	handled  map[string]bool
	uploaded int
	failed   int

	// signals delivers the completion signal. Tests replace it.
	signals chan os.Signal
}

// NewRunner creates a new sidecar runner.
func NewRunner(cfg *Config) (*Runner, error) {
	if cfg.JobID == "" {
		return nil, fmt.Errorf("JOB_ID is required")
	}
	if cfg.IntakeURL == "" {
		return nil, fmt.Errorf("JOB_INTAKE_URL is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	return &Runner{
		config:   cfg,
		uploader: newUploader(cfg.IntakeURL, &http.Client{Timeout: cfg.UploadTimeout}, cfg.UploadRetries),
		logger:   slog.With("jobId", cfg.JobID),
		seen:     make(map[string]fileStat),
		handled:  make(map[string]bool),
	}, nil
}

// Run writes the ready marker and then uploads artifacts until the worker
// completion signal (SIGUSR1 from Docker, SIGTERM elsewhere) arrives. A final
// sweep uploads everything left before returning.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Sidecar starting", "dir", r.config.ArtifactsDir)

	if r.config.MaxLifetime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.MaxLifetime)
		defer cancel()
	}

	if err := os.MkdirAll(r.config.ArtifactsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifacts dir: %w", err)
	}

	sigCh := r.signals
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	markerPath := filepath.Join(r.config.ArtifactsDir, ReadyFile)
	if err := os.WriteFile(markerPath, []byte{}, 0o644); err != nil {
		return fmt.Errorf("failed to write ready marker: %w", err)
	}
	r.logger.Info("Watching artifacts", "path", markerPath)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Warn("Sidecar stopped before completion signal", "error", ctx.Err())
			// Best effort: upload what is there with a fresh deadline.
			sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.PollInterval*30)
			r.sweep(sweepCtx, true)
			cancel()
			return nil
		case sig := <-sigCh:
			r.logger.Info("Received worker completion signal", "signal", sig.String())
			r.sweep(ctx, true)
			r.logger.Info("Sidecar completed", "uploaded", r.uploaded, "failed", r.failed)
			return nil
		case <-ticker.C:
			r.sweep(ctx, false)
		}
	}
}

// sweep scans the artifacts directory once and uploads every file that is
// stable, or every file when final is set.
func (r *Runner) sweep(ctx context.Context, final bool) {
	entries, err := os.ReadDir(r.config.ArtifactsDir)
	if err != nil {
		r.logger.Warn("Failed to read artifacts dir", "error", err)
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if r.handled[name] || !entry.Type().IsRegular() {
			continue
		}
		if err := artifact.ValidateName(name); err != nil {
			if name != ReadyFile {
				r.logger.Warn("Skipping artifact with invalid name", "name", name, "error", err)
			}
			r.handled[name] = true
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		cur := fileStat{size: info.Size(), modTime: info.ModTime()}
		prev, ok := r.seen[name]
		r.seen[name] = cur
		if !final && (!ok || prev != cur) {
			continue
		}

		r.handled[name] = true
		if err := r.uploader.upload(ctx, filepath.Join(r.config.ArtifactsDir, name), name); err != nil {
			r.failed++
			r.logger.Warn("Artifact upload failed", "name", name, "error", err)
			continue
		}
		r.uploaded++
		r.logger.Info("Artifact uploaded", "name", name, "bytes", cur.size)
	}
}

// CheckReady reports whether the ready marker exists in dir.
// Used by Docker health checks to determine when the worker can start.
func CheckReady(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ReadyFile))
	return err == nil
}
