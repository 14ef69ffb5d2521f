package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"jobengine/internal/artifact"
)

// Report is the final summary written to the tracking record.
type Report struct {
	Title        string
	Kind         Kind
	Outcome      Outcome
	Elapsed      time.Duration
	FirstError   string
	Artifacts    []artifact.Artifact
	Sections     []string // variant output, one markdown block each
	Notes        []string // engine remarks such as timeouts or rejected uploads
	DashboardURL string
	LogsURL      string
}

var outcomeText = map[Outcome]string{
	OutcomeSucceeded:          "Job completed successfully",
	OutcomeFailed:             "Job failed",
	OutcomeTimedOut:           "Job timed out",
	OutcomeCancelled:          "Job was cancelled",
	OutcomeProvisioningFailed: "Job failed: the worker could not be provisioned",
	OutcomeSkipped:            "Job skipped: no compute backend configured",
	OutcomeInternalError:      "Job failed: internal error",
}

// Markdown renders the report.
func (r *Report) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "## %s\n\n", r.Title)
	text, ok := outcomeText[r.Outcome]
	if !ok {
		text = string(r.Outcome)
	}
	fmt.Fprintf(&b, "**%s** after %s.\n\n", text, r.Elapsed.Round(time.Second))

	for _, note := range r.Notes {
		fmt.Fprintf(&b, "> %s\n\n", note)
	}

	if r.FirstError != "" {
		b.WriteString("First error:\n\n```\n")
		b.WriteString(r.FirstError)
		b.WriteString("\n```\n\n")
	}

	for _, section := range r.Sections {
		b.WriteString(section)
		b.WriteString("\n\n")
	}

	if len(r.Artifacts) > 0 {
		b.WriteString("### Artifacts\n\n")
		var total int64
		for _, a := range r.Artifacts {
			total += a.Size
			fmt.Fprintf(&b, "- [%s](%s) (%s)\n", a.Name, a.URL, humanize.IBytes(uint64(a.Size)))
		}
		fmt.Fprintf(&b, "\n%d artifact(s), %s total.\n\n", len(r.Artifacts), humanize.IBytes(uint64(total)))
	}

	links := make([]string, 0, 2)
	if r.DashboardURL != "" {
		links = append(links, fmt.Sprintf("[Dashboard](%s)", r.DashboardURL))
	}
	if r.LogsURL != "" {
		links = append(links, fmt.Sprintf("[Full logs](%s)", r.LogsURL))
	}
	if len(links) > 0 {
		b.WriteString(strings.Join(links, " | "))
		b.WriteString("\n")
	}
	return b.String()
}

// initialBody is the tracking record text while the job runs.
func initialBody(kind Kind, dashboardURL string) string {
	return fmt.Sprintf("Job of kind `%s` is starting.\n\n[Dashboard and live logs](%s)\n", kind, dashboardURL)
}
