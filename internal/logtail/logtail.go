// Package logtail streams a job's rolling log to a live reader.
//
// Readers long-poll the log: lines are emitted as they appear, empty polls
// back off exponentially, and a keepalive is emitted during silence so the
// transport flushes and clients can tell a quiet job from a dead connection.
// The stream ends once the job has completed and every retained line has
// been emitted.
package logtail

import (
	"context"
	"time"

	"jobengine/pkg/backoff"
)

// Source is the log being tailed. rollinglog.Log satisfies it.
type Source interface {
	// Get copies lines from *pos into buf and advances *pos. A position
	// older than the retained window is moved forward to the oldest line.
	Get(buf []string, pos *int64) int
}

// Emitter writes to the transport.
type Emitter interface {
	Line(line string) error
	// Flush is the keepalive signal, sent after a quiet period.
	Flush() error
}

// Options tunes the poll loop. Zero values use defaults.
type Options struct {
	Start      int64         // first line position to emit
	BatchSize  int           // lines read per poll, default 256
	MinBackoff time.Duration // default 100ms
	MaxBackoff time.Duration // default 1s
	Keepalive  time.Duration // default 10s
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = o.MinBackoff
	}
	if o.Keepalive <= 0 {
		o.Keepalive = 10 * time.Second
	}
	return o
}

// Stream emits lines from src until completed reports true and the log is
// drained, ctx is cancelled, or the emitter fails. It returns the position
// after the last emitted line.
func Stream(ctx context.Context, src Source, completed func() bool, emit Emitter, opts Options) (int64, error) {
	opts = opts.withDefaults()
	delays := &backoff.Config{Initial: opts.MinBackoff, Max: opts.MaxBackoff}

	pos := opts.Start
	buf := make([]string, opts.BatchSize)
	lastWrite := time.Now()
	attempt := 0

	for {
		// Sample completion before reading so lines added just before the
		// job completed are not lost.
		done := completed()

		if n := src.Get(buf, &pos); n > 0 {
			for _, line := range buf[:n] {
				if err := emit.Line(line); err != nil {
					return pos, err
				}
			}
			clear(buf[:n])
			lastWrite = time.Now()
			attempt = 0
			continue
		}
		if done {
			return pos, nil
		}

		if time.Since(lastWrite) >= opts.Keepalive {
			if err := emit.Flush(); err != nil {
				return pos, err
			}
			lastWrite = time.Now()
		}

		attempt++
		timer := time.NewTimer(backoff.Exponential(attempt, delays))
		select {
		case <-ctx.Done():
			timer.Stop()
			return pos, ctx.Err()
		case <-timer.C:
		}
	}
}
