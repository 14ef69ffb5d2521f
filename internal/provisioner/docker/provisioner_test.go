package docker

import (
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/docker/docker/api/types/events"

	"jobengine/internal/job"
)

func testRequest() job.ProvisionRequest {
	return job.ProvisionRequest{
		JobID:   "abc",
		Profile: job.ResourceProfile{Name: "large", CPU: 1.5, MemoryMB: 2048},
		Script:  "make test",
		Env: map[string]string{
			"JOB_INTAKE_URL": "http://jobs.internal/internal/jobs/abc",
			"JOB_ID":         "abc",
		},
	}
}

func TestWorkerContainer(t *testing.T) {
	t.Parallel()
	cfg := Config{SidecarImage: "sidecar:dev", ExtraHosts: []string{"jobs.internal:host-gateway"}}.withDefaults()

	c, host := cfg.workerContainer(testRequest(), "job-abc-artifacts")

	if c.Image != "alpine:latest" {
		t.Errorf("expected default image, got %q", c.Image)
	}
	if want := []string{"/bin/sh", "-c", "make test"}; !reflect.DeepEqual([]string(c.Cmd), want) {
		t.Errorf("Cmd = %q, want %q", c.Cmd, want)
	}
	wantEnv := []string{
		"JOB_ID=abc",
		"JOB_INTAKE_URL=http://jobs.internal/internal/jobs/abc",
		"ARTIFACTS_DIR=/artifacts",
	}
	if !reflect.DeepEqual(c.Env, wantEnv) {
		t.Errorf("Env = %q, want %q", c.Env, wantEnv)
	}
	if c.Labels[labelType] != "worker" || c.Labels[labelManagedBy] != managedBy || c.Labels[labelJobID] != "abc" {
		t.Errorf("unexpected labels %v", c.Labels)
	}
	if host.Resources.NanoCPUs != 1_500_000_000 {
		t.Errorf("NanoCPUs = %d", host.Resources.NanoCPUs)
	}
	if host.Resources.Memory != 2048*1024*1024 {
		t.Errorf("Memory = %d", host.Resources.Memory)
	}
	if len(host.Mounts) != 1 || host.Mounts[0].Source != "job-abc-artifacts" || host.Mounts[0].Target != "/artifacts" {
		t.Errorf("unexpected mounts %+v", host.Mounts)
	}
	if !reflect.DeepEqual(host.ExtraHosts, []string{"jobs.internal:host-gateway"}) {
		t.Errorf("ExtraHosts = %v", host.ExtraHosts)
	}
}

func TestWorkerContainer_ProfileImage(t *testing.T) {
	t.Parallel()
	req := testRequest()
	req.Profile.Image = "golang:1.25"

	c, _ := Config{}.withDefaults().workerContainer(req, "v")
	if c.Image != "golang:1.25" {
		t.Errorf("expected profile image, got %q", c.Image)
	}
}

func TestSidecarContainer(t *testing.T) {
	t.Parallel()
	cfg := Config{SidecarImage: "sidecar:dev", ArtifactsDir: "/out"}.withDefaults()

	c, host := cfg.sidecarContainer(testRequest(), "job-abc-artifacts")

	if c.Image != "sidecar:dev" {
		t.Errorf("Image = %q", c.Image)
	}
	wantEnv := []string{
		"JOB_ID=abc",
		"JOB_INTAKE_URL=http://jobs.internal/internal/jobs/abc",
		"ARTIFACTS_DIR=/out",
	}
	if !reflect.DeepEqual(c.Env, wantEnv) {
		t.Errorf("Env = %q, want %q", c.Env, wantEnv)
	}
	if c.Healthcheck == nil || c.Healthcheck.Interval != 200*time.Millisecond {
		t.Errorf("unexpected healthcheck %+v", c.Healthcheck)
	}
	if c.Labels[labelType] != "sidecar" {
		t.Errorf("unexpected labels %v", c.Labels)
	}
	if host.Mounts[0].Target != "/out" {
		t.Errorf("unexpected mount target %q", host.Mounts[0].Target)
	}
}

func TestExitCodeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attrs map[string]string
		want  int
	}{
		{map[string]string{"exitCode": "0"}, 0},
		{map[string]string{"exitCode": "137"}, 137},
		{map[string]string{"exitCode": "nope"}, -1},
		{nil, -1},
	}
	for _, tt := range tests {
		got := exitCodeOf(events.Message{Actor: events.Actor{Attributes: tt.attrs}})
		if got != tt.want {
			t.Errorf("exitCodeOf(%v) = %d, want %d", tt.attrs, got, tt.want)
		}
	}
}

func TestResourceNames(t *testing.T) {
	t.Parallel()
	if got := workerName("j1"); got != "job-j1-worker" {
		t.Errorf("workerName = %q", got)
	}
	if got := sidecarName("j1"); got != "job-j1-sidecar" {
		t.Errorf("sidecarName = %q", got)
	}
	if got := volumeName("j1"); got != "job-j1-artifacts" {
		t.Errorf("volumeName = %q", got)
	}
}

func TestOnSidecarExit(t *testing.T) {
	t.Parallel()
	p := &Provisioner{}

	tests := []struct {
		name       string
		state      watchState
		wantReport bool
		wantCode   int
		wantErr    bool
	}{
		{name: "before worker start", state: watchState{}, wantReport: true, wantCode: -1, wantErr: true},
		{name: "worker still running", state: watchState{workerStarted: true}, wantReport: false},
		{name: "after worker exit", state: watchState{workerStarted: true, workerExited: true, exitCode: 3}, wantReport: true, wantCode: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got *job.WorkerExit
			p.onSidecarExit(discardLogger(), &tt.state, func(e job.WorkerExit) { got = &e })
			if (got != nil) != tt.wantReport {
				t.Fatalf("reported = %v, want %v", got != nil, tt.wantReport)
			}
			if got == nil {
				return
			}
			if got.Code != tt.wantCode || (got.Err != nil) != tt.wantErr {
				t.Errorf("got %+v", *got)
			}
		})
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
