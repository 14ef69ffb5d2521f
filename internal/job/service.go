package job

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"jobengine/internal/apperrors"
)

// Validation limits
const (
	maxTitleLength    = 256
	maxArgumentsLen   = 8192
	maxMetaKeyLen     = 64
	maxMetaValueLen   = 256
	maxMetaEntries    = 32
	maxCallbackEvents = 16
)

// Service validates requests and manages jobs held by a Registry.
type Service struct {
	registry *Registry
	deps     Deps
	opts     Options
}

// NewService creates a new job service.
func NewService(registry *Registry, deps Deps, opts Options) *Service {
	return &Service{
		registry: registry,
		deps:     deps,
		opts:     opts.withDefaults(),
	}
}

// Create validates and starts a new job.
func (s *Service) Create(ctx context.Context, req *Request) (*Response, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	j, err := New(req, s.deps, s.opts)
	if err != nil {
		return nil, err
	}
	if j.Kind() == KindBackport {
		if _, _, err := parseBackportArgs(j.Metadata().Arguments()); err != nil {
			j.cancel(err)
			return nil, apperrors.Validation("arguments", err.Error())
		}
	}
	logger := slog.With("jobId", j.ID(), "externalId", j.ExternalID(), "kind", j.Kind())

	if err := s.registry.Start(j); err != nil {
		logger.Error("Job failed to start", "error", err)
		return nil, err
	}

	// Record metrics after successful creation
	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordJobCreated(ctx, string(j.Kind()))
	}

	logger.Info("Job created")

	return &Response{
		ID:           j.ID(),
		ExternalID:   j.ExternalID(),
		Status:       j.State(),
		DashboardURL: j.DashboardURL(),
	}, nil
}

// Job returns the job for id. Public lookups only resolve external ids.
func (s *Service) Job(id string, public bool) (*Job, error) {
	j, ok := s.registry.TryGet(id, public)
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return j, nil
}

// Get returns a job summary. Public lookups get the redacted view.
func (s *Service) Get(id string, public bool) (*Summary, error) {
	j, err := s.Job(id, public)
	if err != nil {
		return nil, err
	}
	summary := j.Summary()
	if public {
		summary = summary.Public()
	}
	return &summary, nil
}

// Cancel stops a running job. Cancelling a completed job is a no-op.
func (s *Service) Cancel(_ context.Context, id string) error {
	j, err := s.Job(id, false)
	if err != nil {
		return err
	}
	logger := slog.With("jobId", id)
	if j.Completed() {
		logger.Info("Job already completed")
		return nil
	}
	j.Cancel("cancelled by request")
	logger.Info("Job cancelled")
	return nil
}

// List returns summaries of active jobs, longest running first.
func (s *Service) List(public bool) *ListResponse {
	active := s.registry.ListActive()
	resp := &ListResponse{Jobs: make([]Summary, 0, len(active))}
	for _, j := range active {
		summary := j.Summary()
		if public {
			summary = summary.Public()
		}
		resp.Jobs = append(resp.Jobs, summary)
	}
	return resp
}

// Shutdown cancels every job and waits for teardown.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.registry.Shutdown(ctx)
}

// validate validates and normalizes a job request.
func (s *Service) validate(req *Request) error {
	kind, err := ParseKind(string(req.Kind))
	if err != nil {
		return err
	}
	req.Kind = kind

	if len(req.Title) > maxTitleLength {
		return apperrors.Validation("title", fmt.Sprintf("title exceeds maximum length of %d", maxTitleLength))
	}
	if len(req.Arguments) > maxArgumentsLen {
		return apperrors.Validation("arguments", fmt.Sprintf("arguments exceed maximum length of %d", maxArgumentsLen))
	}

	// Validate metadata
	if len(req.Metadata) > maxMetaEntries {
		return apperrors.Validation("metadata", fmt.Sprintf("metadata exceeds maximum of %d entries", maxMetaEntries))
	}
	for k, v := range req.Metadata {
		if k == "" {
			return apperrors.Validation("metadata", "metadata keys must not be empty")
		}
		if len(k) > maxMetaKeyLen {
			return apperrors.Validation("metadata", fmt.Sprintf("metadata key exceeds maximum length of %d", maxMetaKeyLen))
		}
		if len(v) > maxMetaValueLen {
			return apperrors.Validation("metadata", fmt.Sprintf("metadata value exceeds maximum length of %d", maxMetaValueLen))
		}
	}

	// Validate callback
	if req.Callback != nil {
		if err := validateURL(req.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
		if len(req.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
		for _, ev := range req.Callback.Events {
			if ev != EventTypeStarted && ev != EventTypeCompleted {
				return apperrors.Validation("callback.events", fmt.Sprintf("unknown callback event %q", ev))
			}
		}
	}

	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
