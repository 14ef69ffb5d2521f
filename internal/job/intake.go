package job

import (
	"context"
	"errors"
	"io"
	"regexp"

	"jobengine/internal/apperrors"
	"jobengine/internal/artifact"
)

// errorLine matches a timestamped error marker such as
// "[2024-05-01T10:00:00Z] ERROR: build failed".
var errorLine = regexp.MustCompile(`^\[[0-9][0-9:.\-TZ+ ]*\]\s*ERROR: `)

// OnLogLines appends worker output to the job log. Lines arriving after
// completion are dropped.
func (j *Job) OnLogLines(ctx context.Context, lines []string) {
	if len(lines) == 0 {
		return
	}

	j.mu.Lock()
	if j.closing {
		j.mu.Unlock()
		return
	}
	j.intake.Add(1)
	var first string
	if j.firstError == "" {
		for _, line := range lines {
			if errorLine.MatchString(line) {
				j.firstError = line
				first = line
				break
			}
		}
	}
	j.mu.Unlock()

	j.log.AddLines(lines...)
	j.intake.Done()
	j.touch()
	if j.deps.Metrics != nil {
		j.deps.Metrics.RecordLogLines(ctx, string(j.kind), len(lines))
	}

	if first != "" && j.variant.MirrorErrors() && j.replyTo != "" && j.deps.Reporter != nil {
		if err := j.deps.Reporter.PostComment(ctx, j.replyTo, "```\n"+first+"\n```"); err != nil {
			j.logger.Warn("failed to mirror error", "error", err)
		}
	}
}

// OnArtifact stores a worker artifact, letting the variant intercept it
// first. Rejections are logged to the job and returned to the caller.
// LogArtifactName is reserved for the job log.
func (j *Job) OnArtifact(ctx context.Context, name string, r io.Reader) (artifact.Artifact, error) {
	j.mu.Lock()
	if j.closing {
		j.mu.Unlock()
		return artifact.Artifact{}, apperrors.Conflict("job", j.internalID, ErrJobCompleted.Error())
	}
	j.intake.Add(1)
	j.mu.Unlock()
	defer j.intake.Done()

	if j.artifacts == nil {
		return artifact.Artifact{}, apperrors.Unavailable("artifact.submit", errors.New("no artifact storage configured"))
	}
	if err := artifact.ValidateName(name); err != nil {
		return artifact.Artifact{}, err
	}
	if name == LogArtifactName {
		j.log.AddLines("[jobengine] artifact " + name + " rejected: name is reserved for the job log")
		return artifact.Artifact{}, apperrors.Validation("name", name+" is reserved for the job log")
	}

	j.touch()
	defer j.touch()

	icpt, err := j.variant.InterceptArtifact(j, name, r)
	if err != nil {
		j.log.AddLines("[jobengine] failed to read artifact " + name + ": " + err.Error())
		return artifact.Artifact{}, apperrors.Validation("artifact", "could not read artifact "+name)
	}
	if icpt.Summary != "" {
		j.mu.Lock()
		j.sections = append(j.sections, icpt.Summary)
		j.mu.Unlock()
	}
	if icpt.Skip {
		return artifact.Artifact{Name: name}, nil
	}
	if icpt.Replace != nil {
		r = icpt.Replace
	}

	a, err := j.artifacts.Submit(ctx, name, r)
	if err != nil {
		j.log.AddLines("[jobengine] artifact " + name + " rejected: " + err.Error())
		j.logger.Warn("artifact rejected", "name", name, "error", err)
		if j.deps.Metrics != nil {
			j.deps.Metrics.RecordArtifactRejected(ctx, string(j.kind), rejectReason(err))
		}
		return artifact.Artifact{}, err
	}
	if j.deps.Metrics != nil {
		j.deps.Metrics.RecordArtifactAccepted(ctx, string(j.kind), a.Size)
	}
	return a, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, artifact.ErrSizeCapExceeded):
		return "size_cap"
	case errors.Is(err, artifact.ErrCountCapExceeded):
		return "count_cap"
	case errors.Is(err, artifact.ErrTooManyInFlight):
		return "in_flight"
	case errors.Is(err, apperrors.ErrConflict):
		return "duplicate"
	case errors.Is(err, apperrors.ErrValidation):
		return "invalid"
	default:
		return "storage"
	}
}
