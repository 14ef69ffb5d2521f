// Package artifact records the files a job produces and enforces per-job
// size and count caps plus a process-wide in-flight upload limit.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"jobengine/internal/apperrors"
)

var (
	ErrSizeCapExceeded  = errors.New("artifact total size cap exceeded")
	ErrCountCapExceeded = errors.New("artifact count cap exceeded")
	ErrTooManyInFlight  = errors.New("too many artifact submissions in flight")
)

// BlobStore persists artifact content. Implementations live under
// internal/blob.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Size(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

// Artifact is a file accepted into a job's store.
type Artifact struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Limits caps what a single job may store.
type Limits struct {
	MaxTotalBytes int64
	MaxCount      int
}

// Store tracks the accepted artifacts of one job.
type Store struct {
	blob   BlobStore
	gate   *Gate
	limits Limits
	prefix string

	mu        sync.Mutex
	artifacts []Artifact
	names     map[string]struct{} // accepted and pending names
	total     int64
}

// NewStore creates a store writing under prefix. A nil gate disables the
// in-flight limit.
func NewStore(blob BlobStore, gate *Gate, limits Limits, prefix string) *Store {
	return &Store{
		blob:   blob,
		gate:   gate,
		limits: limits,
		prefix: prefix,
		names:  make(map[string]struct{}),
	}
}

// Submit uploads content as name and records it if the job's caps allow.
// The stored size is read back from the blob store; a submission that would
// exceed a cap is deleted again and the running total is left unchanged.
func (s *Store) Submit(ctx context.Context, name string, content io.Reader) (Artifact, error) {
	if s.gate != nil {
		if !s.gate.TryAcquire() {
			return Artifact{}, apperrors.Unavailable("artifact.submit", ErrTooManyInFlight)
		}
		defer s.gate.Release()
	}

	if err := ValidateName(name); err != nil {
		return Artifact{}, err
	}
	if err := s.reserve(name); err != nil {
		return Artifact{}, err
	}

	key := path.Join(s.prefix, name)
	size, err := s.upload(ctx, key, content)
	if err != nil {
		s.unreserve(name)
		return Artifact{}, err
	}

	s.mu.Lock()
	var capErr error
	switch {
	case s.limits.MaxCount > 0 && len(s.artifacts) >= s.limits.MaxCount:
		capErr = ErrCountCapExceeded
	case s.limits.MaxTotalBytes > 0 && s.total+size > s.limits.MaxTotalBytes:
		capErr = ErrSizeCapExceeded
	}
	if capErr != nil {
		delete(s.names, name)
		s.mu.Unlock()
		// Best effort; an orphaned object only costs storage.
		_ = s.blob.Delete(context.WithoutCancel(ctx), key)
		return Artifact{}, apperrors.LimitExceeded(fmt.Sprintf("artifact %s (%d bytes)", name, size), capErr)
	}

	a := Artifact{Name: name, URL: s.blob.URL(key), Size: size}
	s.artifacts = append(s.artifacts, a)
	s.total += size
	s.mu.Unlock()

	return a, nil
}

func (s *Store) upload(ctx context.Context, key string, content io.Reader) (int64, error) {
	if err := s.blob.Put(ctx, key, content); err != nil {
		return 0, apperrors.Unavailable("artifact.put", err)
	}
	size, err := s.blob.Size(ctx, key)
	if err != nil {
		_ = s.blob.Delete(context.WithoutCancel(ctx), key)
		return 0, apperrors.Unavailable("artifact.size", err)
	}
	return size, nil
}

func (s *Store) reserve(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.names[name]; exists {
		return apperrors.Conflict("artifact", name, fmt.Sprintf("artifact %s already submitted", name))
	}
	s.names[name] = struct{}{}
	return nil
}

func (s *Store) unreserve(name string) {
	s.mu.Lock()
	delete(s.names, name)
	s.mu.Unlock()
}

// List returns accepted artifacts in submission order.
func (s *Store) List() []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Artifact, len(s.artifacts))
	copy(out, s.artifacts)
	return out
}

// TotalBytes returns the sum of accepted artifact sizes.
func (s *Store) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
