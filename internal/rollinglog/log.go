// Package rollinglog provides a bounded, append-only line buffer that many
// readers can tail concurrently with their own cursors.
package rollinglog

import "sync"

// DefaultCapacity is the number of lines retained when New is given a
// non-positive capacity.
const DefaultCapacity = 50000

// Log retains the most recent lines of a job's output. Positions are absolute
// line numbers since the log was created; once a line is evicted its position
// is below Discarded and readers are moved forward past it.
type Log struct {
	mu        sync.RWMutex
	lines     []string // ring storage, len == capacity once full
	start     int      // index of the oldest retained line in lines
	count     int
	discarded int64
}

// New creates a log retaining at most capacity lines.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{lines: make([]string, 0, capacity)}
}

// AddLines appends lines in order, evicting the oldest when full.
func (l *Log) AddLines(lines ...string) {
	if len(lines) == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	capacity := cap(l.lines)
	for _, line := range lines {
		if l.count < capacity {
			l.lines = append(l.lines, line)
			l.count++
			continue
		}
		l.lines[l.start] = line
		l.start = (l.start + 1) % capacity
		l.discarded++
	}
}

// Get copies lines starting at *pos into buf and advances *pos by the number
// copied. A cursor that points at evicted lines is clamped to the oldest
// retained line first. Returns 0 when the reader is caught up.
func (l *Log) Get(buf []string, pos *int64) int {
	if len(buf) == 0 {
		return 0
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if *pos < l.discarded {
		*pos = l.discarded
	}

	offset := int(*pos - l.discarded)
	if offset >= l.count {
		return 0
	}

	n := min(l.count-offset, len(buf))
	capacity := cap(l.lines)
	for i := range n {
		buf[i] = l.lines[(l.start+offset+i)%capacity]
	}
	*pos += int64(n)
	return n
}

// Discarded returns how many lines have been evicted.
func (l *Log) Discarded() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.discarded
}

// Total returns the number of lines ever added.
func (l *Log) Total() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.discarded + int64(l.count)
}

// Len returns the number of retained lines.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Snapshot returns a copy of the retained lines, oldest first.
func (l *Log) Snapshot() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, l.count)
	capacity := cap(l.lines)
	for i := range l.count {
		out[i] = l.lines[(l.start+i)%capacity]
	}
	return out
}
