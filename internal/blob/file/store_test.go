package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobengine/internal/blob"
)

func TestStore_PutSizeDelete(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := New(root, "http://localhost:8080/artifacts/")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "job1/out.txt", strings.NewReader("hello world")))

	size, err := s.Size(ctx, "job1/out.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	data, err := os.ReadFile(filepath.Join(root, "job1", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	require.NoError(t, s.Delete(ctx, "job1/out.txt"))
	_, err = s.Size(ctx, "job1/out.txt")
	assert.True(t, blob.IsNotFound(err))

	// Deleting again is fine.
	assert.NoError(t, s.Delete(ctx, "job1/out.txt"))
}

func TestStore_KeysStayUnderRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := New(filepath.Join(root, "blobs"), "")
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "../../escape.txt", strings.NewReader("x")))

	_, err = os.Stat(filepath.Join(root, "blobs", "escape.txt"))
	assert.NoError(t, err, "traversal should be clamped under the root")
	_, err = os.Stat(filepath.Join(root, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_PutCancelled(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = s.Put(ctx, "a.txt", strings.NewReader("data"))
	assert.True(t, errors.Is(err, context.Canceled))
	_, err = s.Size(context.Background(), "a.txt")
	assert.True(t, blob.IsNotFound(err))
}

func TestStore_URL(t *testing.T) {
	t.Parallel()

	s, err := New(t.TempDir(), "https://jobs.example.com/artifacts/")
	require.NoError(t, err)

	assert.Equal(t, "https://jobs.example.com/artifacts/abc/logs.txt", s.URL("abc/logs.txt"))
	assert.Equal(t, "https://jobs.example.com/artifacts/abc/my%20file.txt", s.URL("abc/my file.txt"))
}

func TestNew_RequiresRoot(t *testing.T) {
	t.Parallel()

	_, err := New("  ", "")
	assert.Error(t, err)
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := New(root, "http://localhost/artifacts")
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, os.RemoveAll(root))
	assert.Error(t, s.Ping(context.Background()))
}
