package job

import (
	"fmt"
	"io"
	"strings"
)

// runVariant executes the argument line as a shell command.
type runVariant struct {
	baseVariant
}

func (*runVariant) Kind() Kind { return KindRun }

func (*runVariant) Initialize(j *Job) (Plan, error) {
	args := strings.TrimSpace(j.Metadata().Arguments())
	if args == "" {
		return Plan{}, fmt.Errorf("run jobs need a command in the arguments")
	}
	return Plan{
		Profile: profileFor(j, ProfileDefault),
		Script:  args,
	}, nil
}

// jitDiffVariant builds a compiler before and after a change and reports
// the codegen diff. The summary file is both stored and inlined.
type jitDiffVariant struct {
	baseVariant
}

const jitDiffSummaryFile = "diff-summary.md"

func (*jitDiffVariant) Kind() Kind { return KindJitDiff }

func (*jitDiffVariant) Initialize(j *Job) (Plan, error) {
	return Plan{
		Profile: profileFor(j, ProfileLarge),
		Script:  "exec jitdiff-runner " + shellQuote(j.Metadata().Arguments()),
		Env:     map[string]string{"JITDIFF_SUMMARY_FILE": jitDiffSummaryFile},
	}, nil
}

func (*jitDiffVariant) InterceptArtifact(_ *Job, name string, r io.Reader) (Interception, error) {
	if name != jitDiffSummaryFile {
		return Interception{}, nil
	}
	summary, replay, err := readSummary(r)
	if err != nil {
		return Interception{}, err
	}
	return Interception{Summary: "### Diff summary\n\n" + summary, Replace: replay}, nil
}

// fuzzVariant runs library fuzzers. Coverage is reported inline only and
// errors are mirrored to the requester as they happen.
type fuzzVariant struct {
	baseVariant
}

const fuzzCoverageFile = "coverage.txt"

func (*fuzzVariant) Kind() Kind { return KindFuzz }

func (*fuzzVariant) Initialize(j *Job) (Plan, error) {
	return Plan{
		Profile: profileFor(j, ProfileDefault),
		Script:  "exec fuzz-runner " + shellQuote(j.Metadata().Arguments()),
	}, nil
}

func (*fuzzVariant) InterceptArtifact(_ *Job, name string, r io.Reader) (Interception, error) {
	if name != fuzzCoverageFile {
		return Interception{}, nil
	}
	summary, _, err := readSummary(r)
	if err != nil {
		return Interception{}, err
	}
	return Interception{Summary: "### Coverage\n\n```\n" + strings.TrimRight(summary, "\n") + "\n```", Skip: true}, nil
}

func (*fuzzVariant) MirrorErrors() bool { return true }

// backportVariant cherry-picks a pull request onto a release branch and
// publishes the resulting patch.
type backportVariant struct {
	baseVariant
}

const backportPatchFile = "changes.patch"

func (*backportVariant) Kind() Kind { return KindBackport }

func (*backportVariant) Initialize(j *Job) (Plan, error) {
	pr, branch, err := parseBackportArgs(j.Metadata().Arguments())
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Profile: profileFor(j, ProfileDefault),
		Script:  "exec backport-runner",
		Env: map[string]string{
			"BACKPORT_PR":     pr,
			"BACKPORT_BRANCH": branch,
			"BACKPORT_PATCH":  backportPatchFile,
		},
	}, nil
}

func (*backportVariant) InterceptArtifact(_ *Job, name string, r io.Reader) (Interception, error) {
	if name != backportPatchFile {
		return Interception{}, nil
	}
	head, replay, err := readSummary(r)
	if err != nil {
		return Interception{}, err
	}
	files := strings.Count("\n"+head, "\ndiff --git ")
	return Interception{Summary: fmt.Sprintf("Backport patch touches %d file(s).", files), Replace: replay}, nil
}

func (*backportVariant) BuildFinalReport(j *Job, r *Report) {
	for _, a := range r.Artifacts {
		if a.Name == backportPatchFile {
			r.Sections = append(r.Sections, fmt.Sprintf(
				"### Apply the backport\n\n```sh\ncurl -sSL %s | git am -3\n```", a.URL))
			return
		}
	}
	r.Sections = append(r.Sections, "No patch was produced; the backport may not apply cleanly.")
}

// parseBackportArgs expects "<pull request> <target branch>".
func parseBackportArgs(args string) (pr, branch string, err error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("backport arguments must be \"<pull request> <target branch>\", got %q", args)
	}
	return strings.TrimPrefix(fields[0], "#"), fields[1], nil
}

// profileFor applies the Image metadata override to a base profile.
func profileFor(j *Job, base ResourceProfile) ResourceProfile {
	if image, ok := j.Metadata().Get(KeyImage); ok && image != "" {
		base.Image = image
	}
	return base
}
