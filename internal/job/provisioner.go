// Package job implements the job state machine, its variants, and the
// in-memory registry that runs and retires jobs.
package job

import (
	"context"

	"jobengine/internal/dispatcher"
)

// Provisioner starts and tears down the disposable worker a job runs on.
// Implementations handle the full worker lifecycle: they stream worker output
// into ProvisionRequest.OnLogLines and report the exit on Worker.Exit.
type Provisioner interface {
	// Provision starts a worker. The worker runs asynchronously.
	Provision(ctx context.Context, req ProvisionRequest) (*Worker, error)

	// Deprovision stops the worker and removes its resources.
	// This is idempotent.
	Deprovision(ctx context.Context, w *Worker) error
}

// ProvisionRequest describes the worker a job needs.
type ProvisionRequest struct {
	JobID   string // internal id, injected as JOB_ID
	Profile ResourceProfile
	Script  string            // run with /bin/sh -c
	Env     map[string]string // includes JOB_ID and JOB_INTAKE_URL

	// OnLogLines receives worker output in order. May be nil.
	OnLogLines func(lines []string)
}

// ResourceProfile is a hint for the size of the worker.
type ResourceProfile struct {
	Name     string
	CPU      float64 // cores
	MemoryMB int
	Image    string // empty uses the provisioner default
}

// Worker is a handle to a provisioned worker.
type Worker struct {
	ID string

	// Exit receives exactly one value when the worker stops on its own.
	Exit <-chan WorkerExit
}

// WorkerExit reports how a worker stopped.
type WorkerExit struct {
	Code int
	Err  error // set when the exit status could not be determined
}

// Reporter publishes job progress to an external tracking surface such as
// an issue tracker.
type Reporter interface {
	CreateTrackingRecord(ctx context.Context, title, body string) (string, error)
	UpdateTrackingRecord(ctx context.Context, id, body string) error
	PostComment(ctx context.Context, id, text string) error
}

// Notifier queues requester webhooks for async delivery.
type Notifier interface {
	Dispatch(event *dispatcher.Event) error
}
