package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"jobengine/internal/dispatcher"
	"jobengine/pkg/cloudevent"
)

// completionTimeout bounds report publication and teardown. These run on a
// fresh context because the job's own context is usually cancelled by then.
const completionTimeout = 30 * time.Second

// LogArtifactName is the artifact the job log is flushed to on completion.
const LogArtifactName = "logs.txt"

// run drives the job from provisioning to completion. Exactly one run
// routine exists per job.
func (j *Job) run() {
	defer close(j.exited)
	defer j.cleanup()
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("job panicked", "panic", r, "stack", string(debug.Stack()))
			j.complete(OutcomeInternalError, "An internal error stopped the job.")
		}
	}()

	j.mu.Lock()
	j.startedAt = time.Now()
	j.mu.Unlock()

	if j.deps.Provisioner == nil {
		j.complete(OutcomeSkipped, "No compute backend is configured; nothing was run.")
		return
	}

	lifetimeCtx, cancelLifetime := context.WithTimeoutCause(j.ctx, j.opts.Lifetime, ErrLifetimeExceeded)
	defer cancelLifetime()

	j.setState(StateProvisioning)
	j.createTrackingRecord()
	if lifetimeCtx.Err() != nil {
		j.complete(classifyCause(context.Cause(lifetimeCtx), j.opts))
		return
	}

	plan, err := j.variant.Initialize(j)
	if err != nil {
		j.complete(OutcomeProvisioningFailed, fmt.Sprintf("The job could not be prepared: %v", err))
		return
	}

	env := make(map[string]string, len(plan.Env)+2)
	for k, v := range plan.Env {
		env[k] = v
	}
	env["JOB_ID"] = j.internalID
	env["JOB_INTAKE_URL"] = j.IntakeURL()

	j.logger.Info("provisioning worker", "profile", plan.Profile.Name)
	worker, err := j.deps.Provisioner.Provision(lifetimeCtx, ProvisionRequest{
		JobID:   j.internalID,
		Profile: plan.Profile,
		Script:  plan.Script,
		Env:     env,
		OnLogLines: func(lines []string) {
			j.OnLogLines(context.Background(), lines)
		},
	})
	if err != nil {
		if lifetimeCtx.Err() != nil {
			j.complete(classifyCause(context.Cause(lifetimeCtx), j.opts))
			return
		}
		j.logger.Error("provisioning failed", "error", err)
		j.complete(OutcomeProvisioningFailed, fmt.Sprintf("The worker could not be provisioned: %v", err))
		return
	}

	j.mu.Lock()
	j.worker = worker
	j.state = StateRunning
	j.mu.Unlock()
	j.logger.Info("worker running", "workerId", worker.ID)
	j.notify(EventTypeStarted)

	runCtx, cancelRun := context.WithCancelCause(lifetimeCtx)
	defer cancelRun(errJobFinished)
	j.armIdle(cancelRun)

	err = j.variant.RunCore(runCtx, j, worker)
	switch {
	case err == nil:
		j.complete(OutcomeSucceeded, "")
	case runCtx.Err() != nil:
		j.complete(classifyCause(context.Cause(runCtx), j.opts))
	default:
		j.logger.Info("worker failed", "error", err)
		j.complete(OutcomeFailed, capitalize(err.Error())+".")
	}
}

// classifyCause maps a cancellation cause to an outcome and report note.
func classifyCause(cause error, opts Options) (Outcome, string) {
	switch {
	case errors.Is(cause, ErrIdleTimeout):
		return OutcomeTimedOut, fmt.Sprintf("No logs or artifacts were received for %s; the job was stopped.", opts.IdleTimeout)
	case errors.Is(cause, ErrLifetimeExceeded):
		return OutcomeTimedOut, fmt.Sprintf("The job exceeded the maximum lifetime of %s and was stopped.", opts.Lifetime)
	case errors.Is(cause, ErrShuttingDown):
		return OutcomeCancelled, "The service shut down before the job finished."
	case cause != nil:
		return OutcomeCancelled, capitalize(cause.Error()) + "."
	default:
		return OutcomeCancelled, "The job was cancelled."
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// armIdle starts the idle watchdog. Intake activity resets it via touch.
func (j *Job) armIdle(cancel context.CancelCauseFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closing {
		return
	}
	j.idle = time.AfterFunc(j.opts.IdleTimeout, func() {
		j.logger.Info("idle timeout", "timeout", j.opts.IdleTimeout)
		cancel(ErrIdleTimeout)
	})
}

func (j *Job) touch() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.idle != nil && !j.closing {
		j.idle.Reset(j.opts.IdleTimeout)
	}
}

// createTrackingRecord outlives cancellation of the job so that a job
// cancelled early still has a record for its final report.
func (j *Job) createTrackingRecord() {
	if j.deps.Reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), completionTimeout)
	defer cancel()
	id, err := j.deps.Reporter.CreateTrackingRecord(ctx, j.title, initialBody(j.kind, j.DashboardURL()))
	if err != nil {
		j.logger.Warn("failed to create tracking record", "error", err)
		return
	}
	j.mu.Lock()
	j.recordID = id
	j.mu.Unlock()
}

// complete finalizes the job once: it flushes the log, publishes the final
// report, and moves to Completed. Later calls are no-ops.
func (j *Job) complete(outcome Outcome, note string) {
	j.completeOnce.Do(func() {
		j.mu.Lock()
		j.closing = true
		if j.idle != nil {
			j.idle.Stop()
		}
		if j.startedAt.IsZero() {
			j.startedAt = j.createdAt
		}
		j.finishedAt = time.Now()
		j.outcome = outcome
		switch outcome {
		case OutcomeTimedOut:
			j.state = StateTimedOut
		case OutcomeCancelled:
			j.state = StateCancelled
		}
		recordID := j.recordID
		j.mu.Unlock()

		// Intake admitted before closing finishes before the log and
		// artifact list are snapshotted.
		j.intake.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
		defer cancel()

		var notes []string
		if note != "" {
			notes = append(notes, note)
			j.log.AddLines("[jobengine] " + note)
		}
		if err := j.flushLog(ctx); err != nil {
			j.logger.Warn("failed to save job log", "error", err)
			notes = append(notes, "The job log could not be saved as an artifact.")
		}

		report := j.buildReport(outcome, notes)
		j.variant.BuildFinalReport(j, report)

		if j.deps.Reporter != nil && recordID != "" {
			if err := j.deps.Reporter.UpdateTrackingRecord(ctx, recordID, report.Markdown()); err != nil {
				j.logger.Warn("failed to publish final report", "error", err)
			}
		}

		j.setState(StateCompleted)
		close(j.done)
		j.logger.Info("job completed", "outcome", outcome, "elapsed", j.Elapsed())
	})
}

func (j *Job) flushLog(ctx context.Context) error {
	if j.artifacts == nil {
		return nil
	}
	lines := j.log.Snapshot()
	var b strings.Builder
	if n := j.log.Discarded(); n > 0 {
		fmt.Fprintf(&b, "[%d earlier lines discarded]\n", n)
	}
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	_, err := j.artifacts.Submit(ctx, LogArtifactName, strings.NewReader(b.String()))
	return err
}

func (j *Job) buildReport(outcome Outcome, notes []string) *Report {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := &Report{
		Title:        j.title,
		Kind:         j.kind,
		Outcome:      outcome,
		Elapsed:      j.elapsedLocked(),
		FirstError:   j.firstError,
		Sections:     append([]string(nil), j.sections...),
		Notes:        notes,
		DashboardURL: j.DashboardURL(),
	}
	if j.artifacts != nil {
		r.Artifacts = j.artifacts.List()
		for _, a := range r.Artifacts {
			if a.Name == LogArtifactName {
				r.LogsURL = a.URL
			}
		}
	}
	if r.LogsURL == "" {
		r.LogsURL = j.LogsURL()
	}
	return r
}

// cleanup releases the worker and notifies the requester. It runs once,
// after complete, whatever path the run routine took.
func (j *Job) cleanup() {
	j.cleanupOnce.Do(func() {
		// A panic before complete still needs a terminal state.
		j.complete(OutcomeInternalError, "An internal error stopped the job.")

		ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
		defer cancel()

		j.mu.Lock()
		worker := j.worker
		recordID := j.recordID
		outcome := j.outcome
		elapsed := j.elapsedLocked()
		j.mu.Unlock()

		if worker != nil {
			if j.opts.KeepWorkers {
				j.logger.Info("keeping worker", "workerId", worker.ID)
			} else if err := j.deps.Provisioner.Deprovision(ctx, worker); err != nil {
				j.logger.Error("failed to deprovision worker", "workerId", worker.ID, "error", err)
			}
		}

		j.mentionRequester(ctx, recordID, outcome)
		j.notify(EventTypeCompleted)

		if j.deps.Metrics != nil {
			j.deps.Metrics.RecordJobCompleted(ctx, string(j.kind), string(outcome), elapsed.Seconds())
		}
		j.cancel(errJobFinished)
	})
}

func (j *Job) mentionRequester(ctx context.Context, recordID string, outcome Outcome) {
	requester, ok := j.metadata.Get(KeyRequester)
	if !ok || requester == "" || j.deps.Reporter == nil {
		return
	}
	target := j.replyTo
	if target == "" {
		target = recordID
	}
	if target == "" {
		return
	}
	text := fmt.Sprintf("@%s %s. [Details](%s)", strings.TrimPrefix(requester, "@"), outcomeText[outcome], j.DashboardURL())
	if err := j.deps.Reporter.PostComment(ctx, target, text); err != nil {
		j.logger.Warn("failed to notify requester", "error", err)
	}
}

// notify queues a callback event if the requester asked for it.
func (j *Job) notify(eventType string) {
	if j.callback == nil || j.callback.URL == "" || j.deps.Notifier == nil {
		return
	}
	if !FilteredEvents(eventType, j.callback.Events) {
		return
	}

	builder := NewEventBuilder(j.internalID, j.metadata.Map())
	var payload *cloudevent.CloudEvent
	switch eventType {
	case EventTypeStarted:
		payload = builder.BuildStartedEvent(j.Summary())
	case EventTypeCompleted:
		payload = builder.BuildCompletedEvent(j.Summary())
	default:
		return
	}

	err := j.deps.Notifier.Dispatch(&dispatcher.Event{
		Payload:     payload,
		Destination: j.callback.URL,
		SigningKey:  j.callback.Key,
	})
	if err != nil {
		j.logger.Warn("failed to queue callback", "type", eventType, "error", err)
	}
}
