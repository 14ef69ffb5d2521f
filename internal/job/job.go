package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobengine/internal/apperrors"
	"jobengine/internal/artifact"
	"jobengine/internal/rollinglog"
)

// State is where a job is in its lifecycle.
type State string

const (
	StateNotStarted   State = "not_started"
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateTimedOut     State = "timed_out"
	StateCancelled    State = "cancelled"
	StateCompleted    State = "completed"
)

// Outcome is how a completed job ended.
type Outcome string

const (
	OutcomeSucceeded          Outcome = "succeeded"
	OutcomeFailed             Outcome = "failed"
	OutcomeTimedOut           Outcome = "timed_out"
	OutcomeCancelled          Outcome = "cancelled"
	OutcomeProvisioningFailed Outcome = "provisioning_failed"
	OutcomeSkipped            Outcome = "skipped"
	OutcomeInternalError      Outcome = "internal_error"
)

// Cancellation causes, distinguished with errors.Is on context.Cause.
var (
	ErrIdleTimeout      = errors.New("no log or artifact activity within the idle timeout")
	ErrLifetimeExceeded = errors.New("job exceeded its maximum lifetime")
	ErrCancelled        = errors.New("job cancelled")
	ErrShuttingDown     = errors.New("service shutting down")

	// ErrJobCompleted is returned for intake after the job has completed.
	ErrJobCompleted = errors.New("job already completed")

	errJobFinished = errors.New("job finished")
)

// Job is one orchestration request from creation to terminal state.
type Job struct {
	internalID string
	externalID string
	kind       Kind
	variant    Variant
	title      string
	metadata   *Metadata
	replyTo    string
	callback   *Callback
	createdAt  time.Time

	deps      Deps
	opts      Options
	log       *rollinglog.Log
	artifacts *artifact.Store // nil without a blob store
	logger    *slog.Logger

	// Root of every context the run routine derives. Cancel cancels it.
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu         sync.Mutex
	state      State
	outcome    Outcome
	startedAt  time.Time
	finishedAt time.Time
	recordID   string
	worker     *Worker
	firstError string
	sections   []string
	closing    bool           // completion started; intake refused
	intake     sync.WaitGroup // intake calls admitted before closing
	idle       *time.Timer

	done         chan struct{} // closed once completed
	exited       chan struct{} // closed when the run routine returns
	completeOnce sync.Once
	cleanupOnce  sync.Once
}

// New builds a job from a validated request. The job does nothing until a
// Registry starts it.
func New(req *Request, deps Deps, opts Options) (*Job, error) {
	opts = opts.withDefaults()

	variant, err := newVariant(req.Kind)
	if err != nil {
		return nil, err
	}
	meta, err := NewMetadata(req.Arguments, req.Metadata)
	if err != nil {
		return nil, apperrors.Validation("metadata", err.Error())
	}

	internalID := uuid.NewString()
	externalID := strings.ReplaceAll(uuid.NewString(), "-", "")

	ctx, cancel := context.WithCancelCause(context.Background())
	j := &Job{
		internalID: internalID,
		externalID: externalID,
		kind:       req.Kind,
		variant:    variant,
		title:      req.Title,
		metadata:   meta,
		replyTo:    req.ReplyTo,
		callback:   req.Callback,
		createdAt:  time.Now(),
		deps:       deps,
		opts:       opts,
		log:        rollinglog.New(opts.LogCapacity),
		logger:     slog.With("jobId", internalID, "kind", req.Kind),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateNotStarted,
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	if j.title == "" {
		j.title = defaultTitle(req.Kind, meta.Arguments())
	}
	if deps.Blob != nil {
		j.artifacts = artifact.NewStore(deps.Blob, deps.Gate, artifact.Limits{
			MaxTotalBytes: opts.ArtifactSizeCap,
			MaxCount:      opts.ArtifactCountCap,
		}, externalID)
	}
	return j, nil
}

func defaultTitle(kind Kind, args string) string {
	const maxArgs = 60
	args = strings.Join(strings.Fields(args), " ")
	if len(args) > maxArgs {
		args = args[:maxArgs] + "..."
	}
	if args == "" {
		return fmt.Sprintf("[%s] job", kind)
	}
	return fmt.Sprintf("[%s] %s", kind, args)
}

// ID returns the privileged internal id.
func (j *Job) ID() string { return j.internalID }

// ExternalID returns the public id used by dashboards and log streams.
func (j *Job) ExternalID() string { return j.externalID }

// Kind returns the job's variant kind.
func (j *Job) Kind() Kind { return j.kind }

// Metadata returns the job's metadata.
func (j *Job) Metadata() *Metadata { return j.metadata }

// Log returns the job's rolling log.
func (j *Job) Log() *rollinglog.Log { return j.log }

// Done is closed once the job reaches Completed.
func (j *Job) Done() <-chan struct{} { return j.done }

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Completed reports whether the job has reached its terminal state.
func (j *Job) Completed() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// Elapsed returns how long the job has been running, frozen at completion.
func (j *Job) Elapsed() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.elapsedLocked()
}

func (j *Job) elapsedLocked() time.Duration {
	switch {
	case j.startedAt.IsZero():
		return 0
	case !j.finishedAt.IsZero():
		return j.finishedAt.Sub(j.startedAt)
	default:
		return time.Since(j.startedAt)
	}
}

// Artifacts returns accepted artifacts in submission order.
func (j *Job) Artifacts() []artifact.Artifact {
	if j.artifacts == nil {
		return nil
	}
	return j.artifacts.List()
}

// DashboardURL returns the public dashboard link.
func (j *Job) DashboardURL() string {
	return j.opts.PublicBaseURL + "/jobs/" + j.externalID
}

// LogsURL returns the public live log link.
func (j *Job) LogsURL() string {
	return j.DashboardURL() + "/logs"
}

// IntakeURL returns the base the worker posts logs and artifacts to.
func (j *Job) IntakeURL() string {
	return j.opts.IntakeBaseURL + "/internal/jobs/" + j.internalID
}

// Cancel requests cancellation. Repeated calls are no-ops.
func (j *Job) Cancel(reason string) {
	if reason == "" {
		j.cancel(ErrCancelled)
		return
	}
	j.cancel(fmt.Errorf("%w: %s", ErrCancelled, reason))
}

// Summary is a point-in-time view of a job.
type Summary struct {
	ID             string              `json:"id,omitempty"`
	ExternalID     string              `json:"externalId"`
	Kind           Kind                `json:"kind"`
	Title          string              `json:"title"`
	State          State               `json:"state"`
	Outcome        Outcome             `json:"outcome,omitempty"`
	Metadata       map[string]string   `json:"metadata,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	ElapsedSeconds float64             `json:"elapsedSeconds"`
	FirstError     string              `json:"firstError,omitempty"`
	Artifacts      []artifact.Artifact `json:"artifacts"`
	ArtifactBytes  int64               `json:"artifactBytes"`
	LogLines       int64               `json:"logLines"`
	LogDiscarded   int64               `json:"logDiscarded"`
	TrackingRecord string              `json:"trackingRecord,omitempty"`
	DashboardURL   string              `json:"dashboardUrl"`
}

// Summary returns a snapshot including privileged fields.
func (j *Job) Summary() Summary {
	j.mu.Lock()
	s := Summary{
		ID:             j.internalID,
		ExternalID:     j.externalID,
		Kind:           j.kind,
		Title:          j.title,
		State:          j.state,
		Outcome:        j.outcome,
		CreatedAt:      j.createdAt,
		ElapsedSeconds: j.elapsedLocked().Seconds(),
		FirstError:     j.firstError,
		TrackingRecord: j.recordID,
	}
	j.mu.Unlock()

	s.Metadata = j.metadata.Map()
	s.Artifacts = j.Artifacts()
	if s.Artifacts == nil {
		s.Artifacts = []artifact.Artifact{}
	}
	if j.artifacts != nil {
		s.ArtifactBytes = j.artifacts.TotalBytes()
	}
	s.LogLines = j.log.Total()
	s.LogDiscarded = j.log.Discarded()
	s.DashboardURL = j.DashboardURL()
	return s
}

// Public strips fields that must not leave the privileged API.
func (s Summary) Public() Summary {
	s.ID = ""
	s.Metadata = nil
	return s
}

func (j *Job) setState(state State) {
	j.mu.Lock()
	j.state = state
	j.mu.Unlock()
}
