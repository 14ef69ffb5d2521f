package job

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobengine/internal/apperrors"
	"jobengine/internal/testutil"
)

func waitDone(t *testing.T, j *Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("job %s did not complete, state %s", j.ID(), j.State())
	}
	// Teardown runs after Done; wait for it too.
	select {
	case <-j.exited:
	case <-time.After(10 * time.Second):
		t.Fatalf("job %s did not finish teardown", j.ID())
	}
}

func startJob(t *testing.T, h *harness, req *Request) *Job {
	t.Helper()
	resp, err := h.service().Create(context.Background(), req)
	require.NoError(t, err)
	j, ok := h.registry.TryGet(resp.ID, false)
	require.True(t, ok)
	return j
}

func waitRunning(t *testing.T, h *harness, j *Job) {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		return h.prov.provisioned(j.ID()) && j.State() == StateRunning
	}, testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))
}

func TestJob_Succeeds(t *testing.T) {
	t.Parallel()
	h := newHarness()
	j := startJob(t, h, &Request{
		Kind:      KindRun,
		Arguments: "make test",
		Callback:  &Callback{URL: "https://hooks.example/cb"},
	})
	waitRunning(t, h, j)

	req, ok := h.prov.request(j.ID())
	require.True(t, ok)
	assert.Equal(t, "make test", req.Script)
	assert.Equal(t, j.ID(), req.Env["JOB_ID"])
	assert.Equal(t, "https://jobs.example/internal/jobs/"+j.ID(), req.Env["JOB_INTAKE_URL"])

	req.OnLogLines([]string{"building", "testing"})
	a, err := j.OnArtifact(context.Background(), "result.txt", strings.NewReader("ok"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Size)

	h.prov.exit(j.ID(), 0)
	waitDone(t, j)

	s := j.Summary()
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, OutcomeSucceeded, s.Outcome)
	assert.Equal(t, int64(2), s.LogLines)
	assert.Equal(t, int64(1), h.prov.deprovisioned.Load())

	logs, ok := h.blob.get(j.ExternalID() + "/" + LogArtifactName)
	require.True(t, ok, "job log should be flushed as an artifact")
	assert.Equal(t, "building\ntesting\n", logs)

	body := h.reporter.body("1")
	assert.Contains(t, body, "Job completed successfully")
	assert.Contains(t, body, "result.txt")
	assert.Contains(t, body, "https://jobs.example/jobs/"+j.ExternalID())

	assert.Equal(t, []string{EventTypeStarted, EventTypeCompleted}, h.notifier.types())
}

func TestJob_IdleTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.opts.IdleTimeout = 50 * time.Millisecond
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "sleep 3600"})

	waitDone(t, j)

	s := j.Summary()
	assert.Equal(t, StateCompleted, s.State)
	assert.Equal(t, OutcomeTimedOut, s.Outcome)
	assert.Contains(t, h.reporter.body("1"), "Job timed out")
	assert.Contains(t, h.reporter.body("1"), "No logs or artifacts were received")
	assert.Equal(t, int64(1), h.prov.deprovisioned.Load())
}

func TestJob_ActivityResetsIdleTimer(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.opts.IdleTimeout = 150 * time.Millisecond
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "make"})
	waitRunning(t, h, j)

	for i := 0; i < 10; i++ {
		j.OnLogLines(context.Background(), []string{"still working"})
		time.Sleep(30 * time.Millisecond)
	}
	assert.Equal(t, StateRunning, j.State())

	h.prov.exit(j.ID(), 0)
	waitDone(t, j)
	assert.Equal(t, OutcomeSucceeded, j.Summary().Outcome)
}

func TestJob_LifetimeExceeded(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.opts.Lifetime = 100 * time.Millisecond
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "sleep 3600"})

	waitDone(t, j)

	assert.Equal(t, OutcomeTimedOut, j.Summary().Outcome)
	assert.Contains(t, h.reporter.body("1"), "maximum lifetime")
}

func TestJob_Cancel(t *testing.T) {
	t.Parallel()
	h := newHarness()
	svc := h.service()
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "sleep 3600"})
	waitRunning(t, h, j)

	require.NoError(t, svc.Cancel(context.Background(), j.ID()))
	require.NoError(t, svc.Cancel(context.Background(), j.ID()))
	waitDone(t, j)
	require.NoError(t, svc.Cancel(context.Background(), j.ID()))

	assert.Equal(t, OutcomeCancelled, j.Summary().Outcome)
	assert.Contains(t, h.reporter.body("1"), "Job was cancelled")
	assert.Equal(t, int64(1), h.prov.deprovisioned.Load())
}

func TestJob_CompletionRunsOnce(t *testing.T) {
	t.Parallel()
	h := newHarness()
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "true"})
	waitRunning(t, h, j)

	h.prov.exit(j.ID(), 0)
	waitDone(t, j)

	j.Cancel("late")
	j.complete(OutcomeFailed, "again")
	j.cleanup()

	assert.Equal(t, OutcomeSucceeded, j.Summary().Outcome)
	assert.Equal(t, int64(1), h.prov.deprovisioned.Load())
	assert.NotContains(t, h.reporter.body("1"), "again")
}

func TestJob_NonZeroExit(t *testing.T) {
	t.Parallel()
	h := newHarness()
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "false"})
	waitRunning(t, h, j)

	h.prov.exit(j.ID(), 2)
	waitDone(t, j)

	assert.Equal(t, OutcomeFailed, j.Summary().Outcome)
	assert.Contains(t, h.reporter.body("1"), "Worker exited with code 2")
}

func TestJob_ProvisioningFails(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.prov.provisionErr = errors.New("no capacity")
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "make"})

	waitDone(t, j)

	assert.Equal(t, OutcomeProvisioningFailed, j.Summary().Outcome)
	assert.Contains(t, h.reporter.body("1"), "no capacity")
	assert.Equal(t, int64(0), h.prov.deprovisioned.Load())
}

func TestJob_CancelDuringProvisioning(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.prov.block = true
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "make"})
	testutil.MustWaitFor(t, func() bool { return j.State() == StateProvisioning },
		testutil.WithTimeout(5*time.Second), testutil.WithInterval(5*time.Millisecond))

	j.Cancel("")
	waitDone(t, j)

	assert.Equal(t, OutcomeCancelled, j.Summary().Outcome)
}

func TestJob_CancelDuringRecordCreation(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.reporter.entered = make(chan struct{}, 1)
	h.reporter.release = make(chan struct{})
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "make"})

	testutil.MustReceive(t, h.reporter.entered, testutil.WithTimeout(5*time.Second))
	j.Cancel("")
	close(h.reporter.release)
	waitDone(t, j)

	assert.Equal(t, OutcomeCancelled, j.Summary().Outcome)
	assert.Equal(t, "1", j.Summary().TrackingRecord)
	assert.Contains(t, h.reporter.body("1"), "Job was cancelled")
	assert.False(t, h.prov.provisioned(j.ID()), "a cancelled job must not provision a worker")
}

func TestJob_LogArtifactNameReserved(t *testing.T) {
	t.Parallel()
	h := newHarness()
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "make"})
	waitRunning(t, h, j)

	j.OnLogLines(context.Background(), []string{"real engine log line"})
	_, err := j.OnArtifact(context.Background(), LogArtifactName, strings.NewReader("forged by worker\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	h.prov.exit(j.ID(), 0)
	waitDone(t, j)

	logs, ok := h.blob.get(j.ExternalID() + "/" + LogArtifactName)
	require.True(t, ok)
	assert.Contains(t, logs, "real engine log line")
	assert.NotContains(t, logs, "forged by worker")
	assert.NotContains(t, h.reporter.body("1"), "could not be saved")
}

func TestJob_CompletionWaitsForInFlightArtifact(t *testing.T) {
	t.Parallel()
	h := newHarness()
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "make"})
	waitRunning(t, h, j)

	h.blob.holdKey = j.ExternalID() + "/slow.txt"
	h.blob.held = make(chan struct{}, 1)
	h.blob.release = make(chan struct{})

	uploaded := make(chan error, 1)
	go func() {
		_, err := j.OnArtifact(context.Background(), "slow.txt", strings.NewReader("late but admitted"))
		uploaded <- err
	}()
	testutil.MustReceive(t, h.blob.held, testutil.WithTimeout(5*time.Second))

	h.prov.exit(j.ID(), 0)
	select {
	case <-j.Done():
		t.Fatal("job completed while an admitted artifact was still uploading")
	case <-time.After(100 * time.Millisecond):
	}

	close(h.blob.release)
	require.NoError(t, testutil.MustReceive(t, uploaded, testutil.WithTimeout(5*time.Second)))
	waitDone(t, j)

	assert.Contains(t, h.reporter.body("1"), "slow.txt")
	names := make([]string, 0)
	for _, a := range j.Summary().Artifacts {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "slow.txt")
}

func TestJob_NoProvisionerSkips(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.deps.Provisioner = nil
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "make"})

	waitDone(t, j)

	assert.Equal(t, OutcomeSkipped, j.Summary().Outcome)
	assert.Empty(t, h.reporter.body("1"), "no tracking record without a worker")
}

func TestJob_PanicBecomesInternalError(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.prov.panicOnStart = true
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "make"})

	waitDone(t, j)

	assert.Equal(t, OutcomeInternalError, j.Summary().Outcome)
	assert.Contains(t, h.reporter.body("1"), "internal error")
}

func TestJob_InvalidPlanFailsProvisioning(t *testing.T) {
	t.Parallel()
	h := newHarness()
	j := startJob(t, h, &Request{Kind: KindRun})

	waitDone(t, j)

	assert.Equal(t, OutcomeProvisioningFailed, j.Summary().Outcome)
	assert.False(t, h.prov.provisioned(j.ID()))
}

func TestJob_FirstErrorCapture(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		kind         Kind
		args         string
		wantMirrored bool
	}{
		{name: "run does not mirror", kind: KindRun, args: "make"},
		{name: "fuzz mirrors", kind: KindFuzz, args: "parser", wantMirrored: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness()
			j := startJob(t, h, &Request{Kind: tt.kind, Arguments: tt.args, ReplyTo: "42"})
			waitRunning(t, h, j)

			j.OnLogLines(context.Background(), []string{
				"compiling",
				"ERROR: not timestamped",
				"[2024-05-01T10:00:00Z] ERROR: first failure",
			})
			j.OnLogLines(context.Background(), []string{"[2024-05-01T10:00:01Z] ERROR: second failure"})

			assert.Equal(t, "[2024-05-01T10:00:00Z] ERROR: first failure", j.Summary().FirstError)
			comments := h.reporter.commentsOn("42")
			if tt.wantMirrored {
				require.Len(t, comments, 1)
				assert.Contains(t, comments[0], "first failure")
			} else {
				assert.Empty(t, comments)
			}

			h.prov.exit(j.ID(), 1)
			waitDone(t, j)
			assert.Contains(t, h.reporter.body("1"), "first failure")
		})
	}
}

func TestJob_IntakeAfterCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness()
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "true"})
	waitRunning(t, h, j)
	h.prov.exit(j.ID(), 0)
	waitDone(t, j)

	before := j.Log().Total()
	j.OnLogLines(context.Background(), []string{"late line"})
	assert.Equal(t, before, j.Log().Total())

	_, err := j.OnArtifact(context.Background(), "late.txt", strings.NewReader("x"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}

func TestJob_ArtifactRejections(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.opts.ArtifactCountCap = 1
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "make"})
	waitRunning(t, h, j)
	ctx := context.Background()

	_, err := j.OnArtifact(ctx, "first.txt", strings.NewReader("1"))
	require.NoError(t, err)

	_, err = j.OnArtifact(ctx, "second.txt", strings.NewReader("2"))
	assert.True(t, errors.Is(err, apperrors.ErrLimitExceeded))

	_, err = j.OnArtifact(ctx, "../escape", strings.NewReader("3"))
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	assert.Contains(t, strings.Join(j.Log().Snapshot(), "\n"), "artifact second.txt rejected")

	h.prov.exit(j.ID(), 0)
	waitDone(t, j)
	// The log flush is refused by the count cap; the report says so.
	assert.Contains(t, h.reporter.body("1"), "could not be saved")
}

func TestJob_NoBlobStoreRefusesArtifacts(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.deps.Blob = nil
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "make"})
	waitRunning(t, h, j)

	_, err := j.OnArtifact(context.Background(), "a.txt", strings.NewReader("x"))
	assert.True(t, errors.Is(err, apperrors.ErrUnavailable))

	h.prov.exit(j.ID(), 0)
	waitDone(t, j)
	assert.Equal(t, OutcomeSucceeded, j.Summary().Outcome)
}

func TestJob_RequesterMentioned(t *testing.T) {
	t.Parallel()
	h := newHarness()
	j := startJob(t, h, &Request{
		Kind:      KindRun,
		Arguments: "make",
		Metadata:  map[string]string{"requester": "octocat"},
	})
	waitRunning(t, h, j)
	h.prov.exit(j.ID(), 0)
	waitDone(t, j)

	comments := h.reporter.commentsOn("1")
	require.Len(t, comments, 1)
	assert.True(t, strings.HasPrefix(comments[0], "@octocat Job completed successfully"))
}

func TestJob_CallbackEventFilter(t *testing.T) {
	t.Parallel()
	h := newHarness()
	j := startJob(t, h, &Request{
		Kind:      KindRun,
		Arguments: "make",
		Callback: &Callback{
			URL:    "https://hooks.example/cb",
			Events: []string{EventTypeCompleted},
			Key:    "secret",
		},
	})
	waitRunning(t, h, j)
	h.prov.exit(j.ID(), 0)
	waitDone(t, j)

	assert.Equal(t, []string{EventTypeCompleted}, h.notifier.types())
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	assert.Equal(t, "secret", h.notifier.events[0].SigningKey)
	assert.Equal(t, "https://hooks.example/cb", h.notifier.events[0].Destination)
}

func TestJob_KeepWorkers(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.opts.KeepWorkers = true
	j := startJob(t, h, &Request{Kind: KindRun, Arguments: "make"})
	waitRunning(t, h, j)
	h.prov.exit(j.ID(), 0)
	waitDone(t, j)

	assert.Equal(t, int64(0), h.prov.deprovisioned.Load())
}

func TestSummary_PublicHidesPrivilegedFields(t *testing.T) {
	t.Parallel()
	h := newHarness()
	h.deps.Provisioner = nil
	j := startJob(t, h, &Request{
		Kind:      KindRun,
		Arguments: "make",
		Metadata:  map[string]string{"Token": "s3cret"},
	})
	waitDone(t, j)

	s := j.Summary()
	assert.Equal(t, "s3cret", s.Metadata["Token"])
	assert.Equal(t, j.ID(), s.ID)

	pub := s.Public()
	assert.Empty(t, pub.ID)
	assert.Nil(t, pub.Metadata)
	assert.Equal(t, j.ExternalID(), pub.ExternalID)
}

func TestDefaultTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		args string
		want string
	}{
		{KindRun, "", "[run] job"},
		{KindRun, "make   test", "[run] make test"},
		{KindFuzz, strings.Repeat("x", 70), "[fuzz] " + strings.Repeat("x", 60) + "..."},
	}
	for _, tt := range tests {
		if got := defaultTitle(tt.kind, tt.args); got != tt.want {
			t.Errorf("defaultTitle(%q, %q) = %q, want %q", tt.kind, tt.args, got, tt.want)
		}
	}
}
