// Package logreporter writes tracking records to the structured log. It is
// used when no issue tracker is configured.
package logreporter

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"

	"jobengine/internal/job"
)

// Reporter implements job.Reporter by logging every call.
type Reporter struct {
	logger *slog.Logger
	next   atomic.Int64
}

// New creates a log reporter. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{logger: logger.With("component", "log-reporter")}
}

func (r *Reporter) CreateTrackingRecord(_ context.Context, title, body string) (string, error) {
	id := strconv.FormatInt(r.next.Add(1), 10)
	r.logger.Info("Tracking record created", "record", id, "title", title, "body", body)
	return id, nil
}

func (r *Reporter) UpdateTrackingRecord(_ context.Context, id, body string) error {
	r.logger.Info("Tracking record updated", "record", id, "body", body)
	return nil
}

func (r *Reporter) PostComment(_ context.Context, id, text string) error {
	r.logger.Info("Tracking record comment", "record", id, "text", text)
	return nil
}

var _ job.Reporter = (*Reporter)(nil)
