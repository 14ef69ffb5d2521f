// Package github reports job progress as GitHub issues: one tracking issue
// per job, edited in place as the job progresses, with comments for
// mirrored errors and requester mentions.
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"jobengine/internal/apperrors"
	"jobengine/internal/job"
)

// maxBodyLength is GitHub's limit for issue and comment bodies.
const maxBodyLength = 65536

const truncatedSuffix = "\n\n_(truncated)_"

// Reporter implements job.Reporter on top of the GitHub issues API.
type Reporter struct {
	client  *github.Client
	owner   string
	repo    string
	labels  []string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a reporter authenticated with a static token.
func New(cfg Config) (*Reporter, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	return newWithClient(cfg, oauth2.NewClient(context.Background(), ts))
}

func newWithClient(cfg Config, httpClient *http.Client) (*Reporter, error) {
	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 1
	}
	return &Reporter{
		client:  client,
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		labels:  cfg.Labels,
		limiter: rate.NewLimiter(rate.Limit(limit), 5),
		logger:  slog.With("component", "github-reporter", "repo", cfg.Owner+"/"+cfg.Repo),
	}, nil
}

// CreateTrackingRecord opens an issue and returns its number.
func (r *Reporter) CreateTrackingRecord(ctx context.Context, title, body string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req := &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(truncate(body)),
	}
	if len(r.labels) > 0 {
		labels := append([]string(nil), r.labels...)
		req.Labels = &labels
	}

	issue, _, err := r.client.Issues.Create(ctx, r.owner, r.repo, req)
	if err != nil {
		return "", apperrors.Unavailable("github.createIssue", err)
	}
	id := strconv.Itoa(issue.GetNumber())
	r.logger.Info("Created tracking issue", "issue", id)
	return id, nil
}

// UpdateTrackingRecord replaces the issue body.
func (r *Reporter) UpdateTrackingRecord(ctx context.Context, id, body string) error {
	number, err := parseIssueNumber(id)
	if err != nil {
		return err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	_, _, err = r.client.Issues.Edit(ctx, r.owner, r.repo, number, &github.IssueRequest{
		Body: github.String(truncate(body)),
	})
	if err != nil {
		return apperrors.Unavailable("github.editIssue", err)
	}
	return nil
}

// PostComment adds a comment to the issue.
func (r *Reporter) PostComment(ctx context.Context, id, text string) error {
	number, err := parseIssueNumber(id)
	if err != nil {
		return err
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	_, _, err = r.client.Issues.CreateComment(ctx, r.owner, r.repo, number, &github.IssueComment{
		Body: github.String(truncate(text)),
	})
	if err != nil {
		return apperrors.Unavailable("github.createComment", err)
	}
	return nil
}

// parseIssueNumber accepts "123" or "#123".
func parseIssueNumber(id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(id), "#"))
	if err != nil || n <= 0 {
		return 0, apperrors.Validation("replyTo", fmt.Sprintf("invalid issue number %q", id))
	}
	return n, nil
}

func truncate(body string) string {
	if len(body) <= maxBodyLength {
		return body
	}
	return strings.ToValidUTF8(body[:maxBodyLength-len(truncatedSuffix)], "") + truncatedSuffix
}

var _ job.Reporter = (*Reporter)(nil)
