// Package docker implements job.Provisioner on the host Docker daemon.
//
// Each worker is a pair of containers sharing an artifacts volume: the worker
// runs the job's startup script, and a sidecar uploads whatever the worker
// writes to the volume. The flow is event driven:
//  1. Create volume, worker, and sidecar containers
//  2. Start sidecar (writes its ready marker once it can reach intake)
//  3. Sidecar healthy → start worker and stream its logs
//  4. Worker exit → signal the sidecar to do its final sweep
//  5. Sidecar exit → report the worker's exit to the job
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"

	"jobengine/internal/apperrors"
	"jobengine/internal/job"
)

const (
	labelManagedBy = "managed-by"
	labelJobID     = "job.id"
	labelType      = "job.type"
	managedBy      = "jobengine"
)

var errSidecarExited = errors.New("artifact sidecar exited before the worker started")

// Provisioner implements job.Provisioner using Docker.
type Provisioner struct {
	client *client.Client
	config Config
	state  *stateRepo

	watchWg sync.WaitGroup
}

// New creates a Docker provisioner. Containers left behind by a previous
// process are removed unless cfg.KeepWorkers is set.
func New(ctx context.Context, cfg Config) (*Provisioner, error) {
	if cfg.SidecarImage == "" {
		return nil, fmt.Errorf("sidecar image is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	p := &Provisioner{
		client: dockerClient,
		config: cfg.withDefaults(),
		state:  newStateRepo(),
	}

	if !cfg.KeepWorkers {
		if removed, err := p.SweepOrphans(ctx); err != nil {
			slog.Warn("Failed to sweep orphaned workers", "error", err)
		} else if removed > 0 {
			slog.Info("Removed orphaned workers", "count", removed)
		}
	}

	return p, nil
}

// Provision creates the worker's containers and starts the sidecar. The
// worker container starts once the sidecar reports healthy.
func (p *Provisioner) Provision(ctx context.Context, req job.ProvisionRequest) (*job.Worker, error) {
	id := workerName(req.JobID)
	if err := p.state.reserve(id); err != nil {
		return nil, err
	}

	ws := &workerState{volumeName: volumeName(req.JobID)}

	// On failure, clean up resources and release reservation
	success := false
	defer func() {
		if !success {
			p.cleanup(context.WithoutCancel(ctx), ws)
			p.state.release(id)
		}
	}()

	if _, err := p.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:   ws.volumeName,
		Labels: labels(req.JobID, "volume"),
	}); err != nil {
		return nil, apperrors.Unavailable("docker.createVolume", err)
	}

	workerCfg, workerHost := p.config.workerContainer(req, ws.volumeName)
	if err := p.pullImageIfNeeded(ctx, workerCfg.Image); err != nil {
		return nil, apperrors.Unavailable("docker.pullImage", err)
	}

	resp, err := p.client.ContainerCreate(ctx, workerCfg, workerHost, nil, nil, id)
	if err != nil {
		return nil, apperrors.Unavailable("docker.createWorkerContainer", err)
	}
	ws.workerContainerID = resp.ID

	sidecarCfg, sidecarHost := p.config.sidecarContainer(req, ws.volumeName)
	resp, err = p.client.ContainerCreate(ctx, sidecarCfg, sidecarHost, nil, nil, sidecarName(req.JobID))
	if err != nil {
		return nil, apperrors.Unavailable("docker.createSidecarContainer", err)
	}
	ws.sidecarContainerID = resp.ID

	if err := p.client.ContainerStart(ctx, ws.sidecarContainerID, container.StartOptions{}); err != nil {
		return nil, apperrors.Unavailable("docker.startSidecarContainer", err)
	}

	exit := make(chan job.WorkerExit, 1)
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	ws.cancelWatch = cancelWatch

	p.state.commit(id, ws)
	success = true

	p.watchWg.Add(1)
	go func() {
		defer p.watchWg.Done()
		p.watchWorker(watchCtx, req, ws, exit)
	}()

	return &job.Worker{ID: id, Exit: exit}, nil
}

// Deprovision stops and removes the worker's containers and volume.
// Unknown or already removed workers are ignored.
func (p *Provisioner) Deprovision(ctx context.Context, w *job.Worker) error {
	ws, exists := p.state.release(w.ID)
	if !exists || ws == nil {
		return nil
	}
	if ws.cancelWatch != nil {
		ws.cancelWatch()
	}
	p.cleanup(ctx, ws)
	slog.Debug("Worker deprovisioned", "workerId", w.ID)
	return nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (p *Provisioner) Ready(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	return err
}

// Close stops watching workers and releases the client. Workers are left
// running; jobs deprovision them on shutdown.
func (p *Provisioner) Close() error {
	for _, ws := range p.state.list() {
		if ws != nil && ws.cancelWatch != nil {
			ws.cancelWatch()
		}
	}
	p.watchWg.Wait()
	return p.client.Close()
}

// SweepOrphans removes managed containers and volumes that no tracked
// worker owns, such as those left by a crashed process.
func (p *Provisioner) SweepOrphans(ctx context.Context) (int, error) {
	logger := slog.With("component", "sweep")
	managed := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedBy))

	containers, err := p.client.ContainerList(ctx, container.ListOptions{All: true, Filters: managed})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	tracked := make(map[string]bool)
	for _, ws := range p.state.list() {
		if ws == nil {
			continue
		}
		tracked[ws.workerContainerID] = true
		tracked[ws.sidecarContainerID] = true
		tracked[ws.volumeName] = true
	}

	removed := 0
	for _, c := range containers {
		if tracked[c.ID] {
			continue
		}
		p.removeContainer(ctx, c.ID, 0)
		logger.Debug("Removed orphaned container", "containerId", c.ID, "jobId", c.Labels[labelJobID])
		removed++
	}

	volumes, err := p.client.VolumeList(ctx, volume.ListOptions{Filters: managed})
	if err != nil {
		return removed, fmt.Errorf("failed to list volumes: %w", err)
	}
	for _, v := range volumes.Volumes {
		if v == nil || tracked[v.Name] {
			continue
		}
		if err := p.client.VolumeRemove(ctx, v.Name, true); err != nil {
			logger.Warn("Failed to remove orphaned volume", "volume", v.Name, "error", err)
		}
	}

	return removed, nil
}

// watchState tracks a worker being watched.
type watchState struct {
	workerStarted bool
	workerExited  bool
	exitCode      int
	logCancel     context.CancelFunc
	logDone       chan struct{}
}

// watchWorker follows Docker events for the worker's containers until the
// sidecar exits or ctx is cancelled. The watcher reconnects on event stream
// errors after reconciling current state.
func (p *Provisioner) watchWorker(ctx context.Context, req job.ProvisionRequest, ws *workerState, exit chan<- job.WorkerExit) {
	logger := slog.With("jobId", req.JobID)
	state := &watchState{}
	var once sync.Once
	report := func(e job.WorkerExit) {
		once.Do(func() { exit <- e })
	}

	for {
		if ctx.Err() != nil {
			p.stopLogStreaming(state)
			return
		}

		// Subscribe first so no event slips in between inspecting and
		// subscribing.
		eventFilter := filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("container", ws.sidecarContainerID),
			filters.Arg("container", ws.workerContainerID),
		)
		eventCh, errCh := p.client.Events(ctx, events.ListOptions{Filters: eventFilter})

		if p.reconcileWorker(ctx, logger, req, ws, state, report) {
			return
		}
		if p.processEvents(ctx, logger, req, ws, state, report, eventCh, errCh) {
			return
		}

		logger.Warn("Event stream disconnected, reconnecting...")
		select {
		case <-ctx.Done():
			p.stopLogStreaming(state)
			return
		case <-time.After(time.Second):
		}
	}
}

// reconcileWorker inspects both containers and catches up on missed events.
// Returns true when watching should stop.
func (p *Provisioner) reconcileWorker(ctx context.Context, logger *slog.Logger, req job.ProvisionRequest, ws *workerState, state *watchState, report func(job.WorkerExit)) bool {
	sidecar, err := p.client.ContainerInspect(ctx, ws.sidecarContainerID)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		logger.Error("Failed to inspect sidecar during reconcile", "error", err)
		report(job.WorkerExit{Code: -1, Err: fmt.Errorf("inspect sidecar: %w", err)})
		return true
	}

	if !state.workerStarted && sidecar.State != nil && sidecar.State.Health != nil && sidecar.State.Health.Status == "healthy" {
		logger.Info("Sidecar healthy (reconciled), starting worker")
		if err := p.startWorker(ctx, logger, req, ws, state); err != nil {
			report(job.WorkerExit{Code: -1, Err: err})
			return true
		}
	}

	if state.workerStarted && !state.workerExited {
		worker, err := p.client.ContainerInspect(ctx, ws.workerContainerID)
		if err != nil {
			logger.Warn("Failed to inspect worker during reconcile", "error", err)
		} else if worker.State != nil && !worker.State.Running {
			logger.Info("Worker exited (reconciled)", "exitCode", worker.State.ExitCode)
			p.onWorkerExit(ctx, logger, ws, state, worker.State.ExitCode)
		}
	}

	if sidecar.State != nil && !sidecar.State.Running {
		p.onSidecarExit(logger, state, report)
		return true
	}
	return false
}

// processEvents handles the event stream until completion or error.
// Returns true when watching should stop, false to reconnect.
func (p *Provisioner) processEvents(ctx context.Context, logger *slog.Logger, req job.ProvisionRequest, ws *workerState, state *watchState, report func(job.WorkerExit), eventCh <-chan events.Message, errCh <-chan error) bool {
	for {
		select {
		case <-ctx.Done():
			p.stopLogStreaming(state)
			return true

		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				logger.Warn("Event stream error", "error", err)
			}
			return false

		case event, ok := <-eventCh:
			if !ok {
				return false
			}

			switch {
			case event.Actor.ID == ws.sidecarContainerID &&
				event.Action == events.ActionHealthStatusHealthy &&
				!state.workerStarted:

				logger.Info("Sidecar healthy, starting worker")
				if err := p.startWorker(ctx, logger, req, ws, state); err != nil {
					report(job.WorkerExit{Code: -1, Err: err})
					return true
				}

			case event.Actor.ID == ws.workerContainerID &&
				event.Action == events.ActionDie &&
				!state.workerExited:

				exitCode := exitCodeOf(event)
				logger.Info("Worker exited", "exitCode", exitCode)
				p.onWorkerExit(ctx, logger, ws, state, exitCode)

			case event.Actor.ID == ws.sidecarContainerID && event.Action == events.ActionDie:
				p.onSidecarExit(logger, state, report)
				return true
			}
		}
	}
}

func (p *Provisioner) startWorker(ctx context.Context, logger *slog.Logger, req job.ProvisionRequest, ws *workerState, state *watchState) error {
	if err := p.client.ContainerStart(ctx, ws.workerContainerID, container.StartOptions{}); err != nil {
		logger.Error("Failed to start worker", "error", err)
		return fmt.Errorf("start worker: %w", err)
	}
	state.workerStarted = true

	logCtx, logCancel := context.WithCancel(ctx)
	state.logCancel = logCancel
	state.logDone = make(chan struct{})
	go func() {
		defer close(state.logDone)
		p.streamLogs(logCtx, logger, ws.workerContainerID, req.OnLogLines)
	}()
	return nil
}

// onWorkerExit drains logs and asks the sidecar for its final sweep. The
// exit is reported once the sidecar has finished uploading.
func (p *Provisioner) onWorkerExit(ctx context.Context, logger *slog.Logger, ws *workerState, state *watchState, exitCode int) {
	state.workerExited = true
	state.exitCode = exitCode

	// Give trailing log frames a moment to arrive
	select {
	case <-time.After(p.config.LogFlushDelay):
	case <-ctx.Done():
	}
	p.stopLogStreaming(state)

	if err := p.client.ContainerKill(ctx, ws.sidecarContainerID, "SIGUSR1"); err != nil {
		logger.Warn("Failed to signal sidecar", "error", err)
	}
}

func (p *Provisioner) onSidecarExit(logger *slog.Logger, state *watchState, report func(job.WorkerExit)) {
	switch {
	case !state.workerStarted:
		logger.Error("Sidecar exited before worker started")
		report(job.WorkerExit{Code: -1, Err: errSidecarExited})
	case !state.workerExited:
		// Uploads have stopped; the idle watchdog ends the job if the
		// worker never exits.
		logger.Warn("Sidecar exited while worker still running")
	default:
		logger.Info("Sidecar exited, worker complete", "exitCode", state.exitCode)
		report(job.WorkerExit{Code: state.exitCode})
	}
}

// stopLogStreaming stops log streaming if active.
func (p *Provisioner) stopLogStreaming(state *watchState) {
	if state.logCancel != nil {
		state.logCancel()
		<-state.logDone
		state.logCancel = nil
		state.logDone = nil
	}
}

func (p *Provisioner) streamLogs(ctx context.Context, logger *slog.Logger, containerID string, sink func([]string)) {
	logs, err := p.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		logger.Error("Failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	if sink == nil {
		// Consume logs to prevent Docker from buffering
		_, _ = io.Copy(io.Discard, logs)
		return
	}

	if err := demuxLines(logs, sink); err != nil && ctx.Err() == nil {
		logger.Debug("Log stream ended", "error", err)
	}
}

// exitCodeOf extracts the exit code from a container die event.
func exitCodeOf(event events.Message) int {
	if code, ok := event.Actor.Attributes["exitCode"]; ok {
		var exitCode int
		if _, err := fmt.Sscanf(code, "%d", &exitCode); err == nil {
			return exitCode
		}
	}
	return -1
}

func (p *Provisioner) pullImageIfNeeded(ctx context.Context, imageName string) error {
	if _, err := p.client.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	reader, err := p.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *Provisioner) cleanup(ctx context.Context, ws *workerState) {
	const stopTimeout = 10

	p.removeContainer(ctx, ws.sidecarContainerID, stopTimeout)
	p.removeContainer(ctx, ws.workerContainerID, stopTimeout)

	if ws.volumeName != "" {
		_ = p.client.VolumeRemove(ctx, ws.volumeName, true)
	}
}

func (p *Provisioner) removeContainer(ctx context.Context, containerID string, stopTimeout int) {
	if containerID == "" {
		return
	}
	_ = p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	_ = p.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func workerName(jobID string) string  { return fmt.Sprintf("job-%s-worker", jobID) }
func sidecarName(jobID string) string { return fmt.Sprintf("job-%s-sidecar", jobID) }
func volumeName(jobID string) string  { return fmt.Sprintf("job-%s-artifacts", jobID) }

func labels(jobID, kind string) map[string]string {
	return map[string]string{
		labelJobID:     jobID,
		labelType:      kind,
		labelManagedBy: managedBy,
	}
}

// envList renders env sorted by key so container configs are stable.
func envList(env map[string]string, extra ...string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys)+len(extra))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return append(out, extra...)
}

func (c Config) workerContainer(req job.ProvisionRequest, volume string) (*container.Config, *container.HostConfig) {
	img := req.Profile.Image
	if img == "" {
		img = c.DefaultImage
	}

	cfg := &container.Config{
		Image:      img,
		Cmd:        []string{"/bin/sh", "-c", req.Script},
		Env:        envList(req.Env, "ARTIFACTS_DIR="+c.ArtifactsDir),
		WorkingDir: "/work",
		Labels:     labels(req.JobID, "worker"),
	}

	host := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: volume,
				Target: c.ArtifactsDir,
			},
		},
		Resources: container.Resources{
			NanoCPUs: int64(req.Profile.CPU * 1e9),
			Memory:   int64(req.Profile.MemoryMB) * 1024 * 1024,
		},
		ExtraHosts:  c.ExtraHosts,
		NetworkMode: container.NetworkMode(c.Network),
	}
	return cfg, host
}

func (c Config) sidecarContainer(req job.ProvisionRequest, volume string) (*container.Config, *container.HostConfig) {
	env := []string{
		"JOB_ID=" + req.JobID,
		"JOB_INTAKE_URL=" + req.Env["JOB_INTAKE_URL"],
		"ARTIFACTS_DIR=" + c.ArtifactsDir,
	}

	// Docker emits health_status events when the ready marker appears
	healthCheck := &container.HealthConfig{
		Test:        []string{"CMD", "/ko-app/job-sidecar", "-check-ready"},
		Interval:    200 * time.Millisecond,
		Timeout:     5 * time.Second,
		StartPeriod: time.Minute,
		Retries:     0, // Immediate success on first pass
	}

	cfg := &container.Config{
		Image:       c.SidecarImage,
		Env:         env,
		User:        "0", // Run as root to read the shared volume
		Healthcheck: healthCheck,
		Labels:      labels(req.JobID, "sidecar"),
	}

	host := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: volume,
				Target: c.ArtifactsDir,
			},
		},
		ExtraHosts:  c.ExtraHosts,
		NetworkMode: container.NetworkMode(c.Network),
	}
	return cfg, host
}

// Verify Provisioner implements job.Provisioner
var _ job.Provisioner = (*Provisioner)(nil)
