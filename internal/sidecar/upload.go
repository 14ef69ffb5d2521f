package sidecar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"jobengine/pkg/backoff"
)

// uploader PUTs artifact files to the job intake endpoint.
type uploader struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    *backoff.Config
}

func newUploader(baseURL string, client *http.Client, maxRetries int) *uploader {
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &uploader{
		baseURL:    baseURL,
		httpClient: client,
		maxRetries: maxRetries,
		backoff:    &backoff.Config{Jitter: 0.5},
	}
}

func (u *uploader) artifactURL(name string) string {
	return u.baseURL + "/artifacts/" + url.PathEscape(name)
}

// upload sends the file at path as artifact name, retrying transient
// failures with exponential backoff. Client errors are not retried.
func (u *uploader) upload(ctx context.Context, path, name string) error {
	var lastErr error
	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if attempt > 0 {
			slog.Debug("Retrying upload", "attempt", attempt, "name", name)
			if err := backoff.Sleep(ctx, attempt, u.backoff); err != nil {
				return err
			}
		}

		lastErr = u.put(ctx, path, name)
		if lastErr == nil {
			if attempt > 0 {
				slog.Info("Upload succeeded after retry", "attempt", attempt, "name", name)
			}
			return nil
		}

		if isClientError(lastErr) {
			return lastErr
		}

		slog.Warn("Upload failed", "attempt", attempt, "error", lastErr, "name", name)
	}

	return fmt.Errorf("upload failed after %d retries: %w", u.maxRetries, lastErr)
}

func (u *uploader) put(ctx context.Context, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.artifactURL(name), file)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.Debug("Uploaded artifact", "name", name, "bytes", info.Size())
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &uploadError{statusCode: resp.StatusCode, message: string(respBody)}
}

type uploadError struct {
	statusCode int
	message    string
}

func (e *uploadError) Error() string {
	return fmt.Sprintf("upload failed with status %d: %s", e.statusCode, e.message)
}

func isClientError(err error) bool {
	var ue *uploadError
	if errors.As(err, &ue) {
		return ue.statusCode >= 400 && ue.statusCode < 500
	}
	return false
}
