package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"jobengine/internal/logtail"
)

// StreamOptions tunes live log streams. Zero values use logtail defaults.
type StreamOptions struct {
	Keepalive  time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func (o StreamOptions) tail(start int64) logtail.Options {
	return logtail.Options{
		Start:      start,
		Keepalive:  o.Keepalive,
		MinBackoff: o.MinBackoff,
		MaxBackoff: o.MaxBackoff,
	}
}

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // read-only public stream
	},
}

// startPosition reads the optional ?from= resume position.
func startPosition(r *http.Request) (int64, error) {
	from := r.URL.Query().Get("from")
	if from == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(from, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("from must be a non-negative integer")
	}
	return n, nil
}

// sseEmitter writes log lines as Server-Sent Events.
type sseEmitter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (e *sseEmitter) Line(line string) error {
	var b strings.Builder
	for _, part := range strings.Split(strings.ReplaceAll(line, "\r", ""), "\n") {
		b.WriteString("data: ")
		b.WriteString(part)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := fmt.Fprint(e.w, b.String()); err != nil {
		return err
	}
	e.f.Flush()
	return nil
}

func (e *sseEmitter) Flush() error {
	if _, err := fmt.Fprint(e.w, ": keepalive\n\n"); err != nil {
		return err
	}
	e.f.Flush()
	return nil
}

// StreamLogs handles GET /jobs/{externalId}/logs as an SSE stream.
// Each line is a data event; the stream closes with an "end" event
// carrying the outcome once the job completes and the log is drained.
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Job(r.PathValue("externalId"), true)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	start, err := startPosition(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	// Flush headers immediately so EventSource.onopen fires
	flusher.Flush()

	_, err = logtail.Stream(r.Context(), j.Log(), j.Completed, &sseEmitter{w: w, f: flusher}, h.stream.tail(start))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Debug("Log stream ended", "jobId", j.ID(), "error", err)
		}
		return
	}

	fmt.Fprintf(w, "event: end\ndata: %s\n\n", j.Summary().Outcome)
	flusher.Flush()
}

// wsEmitter writes log lines as websocket text frames and keepalives as pings.
type wsEmitter struct {
	conn *websocket.Conn
}

func (e *wsEmitter) Line(line string) error {
	_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return e.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (e *wsEmitter) Flush() error {
	return e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// StreamLogsWebSocket handles GET /jobs/{externalId}/logs/ws. One text
// frame per line; the server closes normally when the job completes.
func (h *Handler) StreamLogsWebSocket(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Job(r.PathValue("externalId"), true)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	start, err := startPosition(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Failed to upgrade WebSocket connection", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client frames so pongs and close frames are processed.
	conn.SetReadLimit(512)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if _, err := logtail.Stream(ctx, j.Log(), j.Completed, &wsEmitter{conn: conn}, h.stream.tail(start)); err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Debug("WebSocket log stream ended", "jobId", j.ID(), "error", err)
		}
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(j.Summary().Outcome))
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
