package job

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"jobengine/internal/apperrors"
)

// Kind selects a job variant.
type Kind string

const (
	KindRun      Kind = "run"
	KindJitDiff  Kind = "jitdiff"
	KindFuzz     Kind = "fuzz"
	KindBackport Kind = "backport"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindRun, KindJitDiff, KindFuzz, KindBackport}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	if k == "" {
		return "", apperrors.Validation("kind", "job kind is required")
	}
	return "", apperrors.Validation("kind", fmt.Sprintf("unknown job kind %q", s))
}

// Variant specializes what a job runs and reports. Every variant goes
// through the same lifecycle; they differ only in these hooks.
type Variant interface {
	Kind() Kind

	// Initialize picks the worker profile and startup script.
	Initialize(j *Job) (Plan, error)

	// RunCore blocks until the worker finishes or ctx is cancelled.
	RunCore(ctx context.Context, j *Job, w *Worker) error

	// InterceptArtifact sees each artifact before it is stored.
	InterceptArtifact(j *Job, name string, r io.Reader) (Interception, error)

	// BuildFinalReport adds variant sections to the final report.
	BuildFinalReport(j *Job, r *Report)

	// MirrorErrors reports whether the first error line is posted as a
	// comment on the originating record.
	MirrorErrors() bool
}

// Plan is what Initialize hands to the provisioner.
type Plan struct {
	Profile ResourceProfile
	Script  string
	Env     map[string]string
}

// Interception tells the job what to do with an artifact.
type Interception struct {
	Summary string    // appended to the final report
	Replace io.Reader // stored instead of the original stream
	Skip    bool      // do not store at all
}

// Resource profiles.
var (
	ProfileDefault = ResourceProfile{Name: "default", CPU: 2, MemoryMB: 4096}
	ProfileLarge   = ResourceProfile{Name: "large", CPU: 8, MemoryMB: 16384}
)

// maxSummaryBytes bounds how much of an intercepted artifact is read into
// the report.
const maxSummaryBytes = 64 << 10

func newVariant(kind Kind) (Variant, error) {
	switch kind {
	case KindRun:
		return &runVariant{}, nil
	case KindJitDiff:
		return &jitDiffVariant{}, nil
	case KindFuzz:
		return &fuzzVariant{}, nil
	case KindBackport:
		return &backportVariant{}, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
}

// baseVariant supplies the hooks most variants share.
type baseVariant struct{}

func (baseVariant) RunCore(ctx context.Context, _ *Job, w *Worker) error {
	return awaitWorker(ctx, w)
}

func (baseVariant) InterceptArtifact(*Job, string, io.Reader) (Interception, error) {
	return Interception{}, nil
}

func (baseVariant) BuildFinalReport(*Job, *Report) {}

func (baseVariant) MirrorErrors() bool { return false }

// ExitError is returned by RunCore when the worker exits non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("worker exited with code %d", e.Code)
}

// awaitWorker races the worker's exit against ctx.
func awaitWorker(ctx context.Context, w *Worker) error {
	select {
	case exit, ok := <-w.Exit:
		if !ok {
			return fmt.Errorf("worker %s exit channel closed", w.ID)
		}
		if exit.Err != nil {
			return exit.Err
		}
		if exit.Code != 0 {
			return &ExitError{Code: exit.Code}
		}
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// readSummary reads up to maxSummaryBytes of r. The returned reader yields
// the full original content.
func readSummary(r io.Reader) (string, io.Reader, error) {
	head := make([]byte, maxSummaryBytes)
	n, err := io.ReadFull(r, head)
	switch err {
	case nil:
		return string(head[:n]) + "\n\n_(truncated)_", io.MultiReader(bytes.NewReader(head[:n]), r), nil
	case io.EOF, io.ErrUnexpectedEOF:
		return string(head[:n]), bytes.NewReader(head[:n]), nil
	default:
		return "", nil, err
	}
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
