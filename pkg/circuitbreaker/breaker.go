// Package circuitbreaker implements the circuit breaker pattern.
//
// A breaker tracks consecutive failures against one destination and stops
// traffic to it for a cooldown once a threshold is reached.
//
// States:
//   - Closed: requests allowed
//   - Open: requests blocked until the cooldown elapses
//   - HalfOpen: a single probe request is in flight
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Failures before circuit opens (default: 5)
	Cooldown  time.Duration // Time before half-open (default: 30s)

	// OnStateChange, when set, is called after every transition. It runs
	// with the breaker unlocked.
	OnStateChange func(key string, from, to State)
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker guards a single destination.
type Breaker struct {
	key    string
	config Config
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int // consecutive failures
	lastFailure time.Time
	lastUsed    time.Time
	probing     bool // a half-open probe is outstanding
}

// New creates a new circuit breaker for key.
func New(key string, cfg Config) *Breaker {
	return newBreaker(key, cfg.withDefaults(), time.Now)
}

func newBreaker(key string, cfg Config, now func() time.Time) *Breaker {
	return &Breaker{
		key:      key,
		config:   cfg,
		now:      now,
		state:    Closed,
		lastUsed: now(),
	}
}

// Allow reports whether a request should be attempted. While half-open only
// the first caller is allowed through until the probe is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	now := b.now()
	b.lastUsed = now

	switch b.state {
	case Open:
		if now.Sub(b.lastFailure) <= b.config.Cooldown {
			b.mu.Unlock()
			return false
		}
		b.probing = true
		b.transition(HalfOpen) // unlocks
		return true
	case HalfOpen:
		if b.probing {
			b.mu.Unlock()
			return false
		}
		b.probing = true
		b.mu.Unlock()
		return true
	default:
		b.mu.Unlock()
		return true
	}
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	if b.state == Closed {
		b.mu.Unlock()
		return
	}
	b.transition(Closed)
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()
	b.probing = false

	if b.state == HalfOpen || (b.state == Closed && b.failures >= b.config.Threshold) {
		b.transition(Open)
		return
	}
	b.mu.Unlock()
}

// transition moves to state and releases the lock before notifying.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.mu.Unlock()
	if b.config.OnStateChange != nil && from != to {
		b.config.OnStateChange(b.key, from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// idleSince reports whether the breaker is closed and unused since t.
func (b *Breaker) idleSince(t time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Closed && b.lastUsed.Before(t)
}
