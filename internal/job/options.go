package job

import (
	"strings"
	"time"

	"jobengine/internal/artifact"
	"jobengine/internal/observability"
	"jobengine/internal/rollinglog"
)

// Options holds per-job limits and link bases.
type Options struct {
	Lifetime         time.Duration
	IdleTimeout      time.Duration
	ArtifactSizeCap  int64
	ArtifactCountCap int
	Retention        time.Duration
	KeepWorkers      bool // skip deprovisioning, for debugging workers by hand
	LogCapacity      int

	PublicBaseURL string // dashboard and log links
	IntakeBaseURL string // where workers post logs and artifacts
}

// withDefaults fills in zero values with defaults.
func (o Options) withDefaults() Options {
	if o.Lifetime <= 0 {
		o.Lifetime = 5 * time.Hour
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.ArtifactSizeCap <= 0 {
		o.ArtifactSizeCap = 16 << 30
	}
	if o.ArtifactCountCap <= 0 {
		o.ArtifactCountCap = 1024
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.LogCapacity <= 0 {
		o.LogCapacity = rollinglog.DefaultCapacity
	}
	o.PublicBaseURL = strings.TrimRight(o.PublicBaseURL, "/")
	o.IntakeBaseURL = strings.TrimRight(o.IntakeBaseURL, "/")
	if o.IntakeBaseURL == "" {
		o.IntakeBaseURL = o.PublicBaseURL
	}
	return o
}

// Deps are the collaborators shared by every job. Nil members disable the
// matching behavior: no Provisioner means jobs complete without running,
// no Reporter means no tracking record, no Blob means artifacts are refused.
type Deps struct {
	Provisioner Provisioner
	Reporter    Reporter
	Blob        artifact.BlobStore
	Gate        *artifact.Gate
	Notifier    Notifier
	Metrics     *observability.Metrics
}
