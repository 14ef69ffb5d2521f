package job

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariant_Plans(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		req         Request
		wantProfile string
		wantImage   string
		wantScript  string
		wantEnv     map[string]string
		wantErr     bool
	}{
		{
			name:        "run",
			req:         Request{Kind: KindRun, Arguments: "make test"},
			wantProfile: "default",
			wantScript:  "make test",
		},
		{
			name:    "run without command",
			req:     Request{Kind: KindRun, Arguments: "   "},
			wantErr: true,
		},
		{
			name:        "jitdiff uses the large profile",
			req:         Request{Kind: KindJitDiff, Arguments: "-arch x64"},
			wantProfile: "large",
			wantScript:  "exec jitdiff-runner '-arch x64'",
			wantEnv:     map[string]string{"JITDIFF_SUMMARY_FILE": "diff-summary.md"},
		},
		{
			name:        "fuzz quotes arguments",
			req:         Request{Kind: KindFuzz, Arguments: "it's"},
			wantProfile: "default",
			wantScript:  `exec fuzz-runner 'it'"'"'s'`,
		},
		{
			name:        "backport",
			req:         Request{Kind: KindBackport, Arguments: "#4711 release/9.0"},
			wantProfile: "default",
			wantScript:  "exec backport-runner",
			wantEnv: map[string]string{
				"BACKPORT_PR":     "4711",
				"BACKPORT_BRANCH": "release/9.0",
				"BACKPORT_PATCH":  "changes.patch",
			},
		},
		{
			name:        "image override",
			req:         Request{Kind: KindRun, Arguments: "make", Metadata: map[string]string{"image": "golang:1.25"}},
			wantProfile: "default",
			wantImage:   "golang:1.25",
			wantScript:  "make",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			j, err := New(&tt.req, Deps{}, Options{})
			require.NoError(t, err)

			plan, err := j.variant.Initialize(j)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProfile, plan.Profile.Name)
			assert.Equal(t, tt.wantImage, plan.Profile.Image)
			assert.Equal(t, tt.wantScript, plan.Script)
			for k, v := range tt.wantEnv {
				assert.Equal(t, v, plan.Env[k], k)
			}
		})
	}
}

func TestJitDiff_SummaryInlinedAndStored(t *testing.T) {
	t.Parallel()
	h := newHarness()
	j := startJob(t, h, &Request{Kind: KindJitDiff, Arguments: "-arch arm64"})
	waitRunning(t, h, j)

	const diff = "Total bytes of diff: -128 (-0.5%)"
	_, err := j.OnArtifact(context.Background(), "diff-summary.md", strings.NewReader(diff))
	require.NoError(t, err)

	stored, ok := h.blob.get(j.ExternalID() + "/diff-summary.md")
	require.True(t, ok)
	assert.Equal(t, diff, stored)

	h.prov.exit(j.ID(), 0)
	waitDone(t, j)
	body := h.reporter.body("1")
	assert.Contains(t, body, "### Diff summary")
	assert.Contains(t, body, diff)
}

func TestFuzz_CoverageNotStored(t *testing.T) {
	t.Parallel()
	h := newHarness()
	j := startJob(t, h, &Request{Kind: KindFuzz, Arguments: "parser"})
	waitRunning(t, h, j)

	a, err := j.OnArtifact(context.Background(), "coverage.txt", strings.NewReader("lines: 87%\n"))
	require.NoError(t, err)
	assert.Empty(t, a.URL)

	_, ok := h.blob.get(j.ExternalID() + "/coverage.txt")
	assert.False(t, ok)

	h.prov.exit(j.ID(), 0)
	waitDone(t, j)
	assert.Contains(t, h.reporter.body("1"), "### Coverage\n\n```\nlines: 87%\n```")
}

func TestBackport_Report(t *testing.T) {
	t.Parallel()

	t.Run("patch produced", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		j := startJob(t, h, &Request{Kind: KindBackport, Arguments: "12 release/8.0"})
		waitRunning(t, h, j)

		patch := "diff --git a/x.go b/x.go\n+x\ndiff --git a/y.go b/y.go\n+y\n"
		a, err := j.OnArtifact(context.Background(), "changes.patch", strings.NewReader(patch))
		require.NoError(t, err)
		assert.Equal(t, int64(len(patch)), a.Size)

		h.prov.exit(j.ID(), 0)
		waitDone(t, j)
		body := h.reporter.body("1")
		assert.Contains(t, body, "Backport patch touches 2 file(s).")
		assert.Contains(t, body, "curl -sSL "+a.URL+" | git am -3")
	})

	t.Run("no patch", func(t *testing.T) {
		t.Parallel()
		h := newHarness()
		j := startJob(t, h, &Request{Kind: KindBackport, Arguments: "12 release/8.0"})
		waitRunning(t, h, j)
		h.prov.exit(j.ID(), 1)
		waitDone(t, j)
		assert.Contains(t, h.reporter.body("1"), "No patch was produced")
	})
}

func TestReadSummary(t *testing.T) {
	t.Parallel()

	t.Run("short content", func(t *testing.T) {
		t.Parallel()
		summary, replay, err := readSummary(strings.NewReader("hello"))
		require.NoError(t, err)
		assert.Equal(t, "hello", summary)
		all, _ := io.ReadAll(replay)
		assert.Equal(t, "hello", string(all))
	})

	t.Run("truncated content replays in full", func(t *testing.T) {
		t.Parallel()
		content := strings.Repeat("a", maxSummaryBytes+10)
		summary, replay, err := readSummary(strings.NewReader(content))
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(summary, "_(truncated)_"))
		all, _ := io.ReadAll(replay)
		assert.Equal(t, content, string(all))
	})
}

func TestParseBackportArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		args       string
		wantPR     string
		wantBranch string
		wantErr    bool
	}{
		{args: "#1 main", wantPR: "1", wantBranch: "main"},
		{args: "  77   release/8.0 ", wantPR: "77", wantBranch: "release/8.0"},
		{args: "77", wantErr: true},
		{args: "", wantErr: true},
		{args: "1 2 3", wantErr: true},
	}
	for _, tt := range tests {
		pr, branch, err := parseBackportArgs(tt.args)
		if tt.wantErr {
			assert.Error(t, err, tt.args)
			continue
		}
		require.NoError(t, err, tt.args)
		assert.Equal(t, tt.wantPR, pr)
		assert.Equal(t, tt.wantBranch, branch)
	}
}
