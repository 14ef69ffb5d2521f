// Package file stores artifacts on local disk. The HTTP surface serves the
// root directory back under /artifacts/.
package file

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"jobengine/internal/artifact"
	"jobengine/internal/blob"
)

var _ artifact.BlobStore = (*Store)(nil)

// Store keeps objects as files under a root directory.
type Store struct {
	root    string
	baseURL string
}

// New creates a store rooted at root. baseURL is the public prefix objects
// are reachable under, e.g. "https://jobs.example.com/artifacts".
func New(root, baseURL string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("file blob store: root dir is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("file blob store: %w", err)
	}
	return &Store{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root returns the directory objects are stored under.
func (s *Store) Root() string { return s.root }

// Put writes the object atomically through a temp file and rename.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return s.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return s.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return s.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return s.wrapError("Put", key, err)
	}
	return nil
}

// Size stats the stored file.
func (s *Store) Size(_ context.Context, key string) (int64, error) {
	full, err := s.fullPath(key)
	if err != nil {
		return 0, s.wrapError("Size", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return 0, s.wrapError("Size", key, err)
	}
	if st.IsDir() {
		return 0, &blob.Error{Op: "Size", Backend: "file", Key: key, Kind: blob.ErrNotFound, Err: fmt.Errorf("is a directory")}
	}
	return st.Size(), nil
}

// Delete removes the object. Missing objects are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	full, err := s.fullPath(key)
	if err != nil {
		return s.wrapError("Delete", key, err)
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return s.wrapError("Delete", key, err)
	}
	return nil
}

// Ping checks that the root directory is still present and writable.
func (s *Store) Ping(_ context.Context) error {
	f, err := os.CreateTemp(s.root, ".ping-*")
	if err != nil {
		return s.wrapError("Ping", "", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// URL returns the public address of key.
func (s *Store) URL(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return s.baseURL + "/" + strings.Join(parts, "/")
}

func (s *Store) fullPath(key string) (string, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), "/")
	clean := strings.TrimPrefix(filepath.Clean("/"+key), "/")
	if clean == "" || clean == "." {
		return "", fmt.Errorf("empty key")
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *Store) wrapError(op, key string, err error) error {
	wrapped := &blob.Error{Op: op, Backend: "file", Key: key, Err: err}
	switch {
	case os.IsNotExist(err):
		wrapped.Kind = blob.ErrNotFound
	case os.IsPermission(err):
		wrapped.Kind = blob.ErrAccessDenied
	}
	return wrapped
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
