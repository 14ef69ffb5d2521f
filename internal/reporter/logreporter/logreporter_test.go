package logreporter

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := New(slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx := context.Background()

	id1, err := r.CreateTrackingRecord(ctx, "[run] a", "starting")
	require.NoError(t, err)
	id2, err := r.CreateTrackingRecord(ctx, "[run] b", "starting")
	require.NoError(t, err)
	assert.Equal(t, "1", id1)
	assert.Equal(t, "2", id2)

	require.NoError(t, r.UpdateTrackingRecord(ctx, id1, "done"))
	require.NoError(t, r.PostComment(ctx, id1, "hi"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	var last map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &last))
	assert.Equal(t, "log-reporter", last["component"])
	assert.Equal(t, "1", last["record"])
	assert.Equal(t, "hi", last["text"])
}
