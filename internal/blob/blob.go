// Package blob holds the error classification shared by artifact storage
// backends.
package blob

import (
	"errors"
	"fmt"
)

// Sentinel errors for backend operations.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions or bad credentials.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnavailable indicates the backend is throttling or unreachable.
	ErrUnavailable = errors.New("backend unavailable")
)

// Error wraps a backend failure with the operation and key.
type Error struct {
	Op      string // e.g. "Put", "Size"
	Backend string // "s3" or "file"
	Key     string
	Kind    error // one of the sentinels above, or nil when unclassified
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap exposes both the classification and the cause.
func (e *Error) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

// IsNotFound reports whether err indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
