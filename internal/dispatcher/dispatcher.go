// Package dispatcher delivers requester webhooks asynchronously.
//
// Events are routed to a fixed set of worker queues by subject, so the
// callbacks of one job are delivered in the order they were raised. Each
// destination host has its own circuit breaker; events for a host whose
// circuit is open are held back and retried after the cooldown.
package dispatcher

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"jobengine/pkg/circuitbreaker"
	"jobengine/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the event's queue is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Event is an event to be delivered to a destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key for signing, empty = no signing

	requeues int
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size across workers
	Queued        int64 // total events queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // held back by an open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // destinations with a breaker
	BreakersOpen  int   // destinations currently blocked
}

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordCallbackDelivered(ctx context.Context, eventType string, durationSeconds float64)
	RecordCallbackFailed(ctx context.Context, eventType string)
	RecordCallbackDropped(ctx context.Context, eventType, reason string)
	RecordCallbackRequeued(ctx context.Context, eventType string)
	RecordCallbackQueueSize(ctx context.Context, size int64)
	RecordCallbackCircuit(ctx context.Context, delta int64)
}

// Dispatcher is an in-memory async webhook dispatcher.
type Dispatcher struct {
	shards   []chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a dispatcher and starts its workers.
func New(cfg Config, metrics MetricsRecorder) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		shards:   make([]chan *Event, cfg.Workers),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	d.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		Threshold:     cfg.BreakerThreshold,
		Cooldown:      cfg.BreakerCooldown,
		OnStateChange: d.onCircuitChange,
	})

	d.wg.Add(cfg.Workers)
	for i := range d.shards {
		d.shards[i] = make(chan *Event, cfg.shardSize())
		go d.worker(d.shards[i])
	}
	go d.housekeeping()

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// shardFor picks the worker queue for an event. Events with the same
// subject always land on the same queue.
func (d *Dispatcher) shardFor(event *Event) chan *Event {
	h := fnv.New32a()
	_, _ = h.Write([]byte(event.Payload.Subject))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

// Dispatch queues an event for async delivery. It never blocks.
func (d *Dispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.shardFor(event) <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer_full")
		d.logger.Warn("Event dropped, buffer full",
			"destination", extractHost(event.Destination),
			"type", event.Payload.Type,
		)
		return ErrBufferFull
	}
}

func (d *Dispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordCallbackDropped(context.Background(), event.Payload.Type, reason)
	}
}

func (d *Dispatcher) queueDepth() int {
	n := 0
	for _, s := range d.shards {
		n += len(s)
	}
	return n
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    d.queueDepth(),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close stops accepting events and delivers what is queued. The context
// deadline bounds the drain. Events held back by an open circuit are
// abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", d.queueDepth())
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", d.queueDepth())
		return ctx.Err()
	}
}

// housekeeping reports queue depth and prunes idle breakers.
func (d *Dispatcher) housekeeping() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	prune := time.NewTicker(breakerIdleTTL / 4)
	defer prune.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			if d.metrics != nil {
				d.metrics.RecordCallbackQueueSize(context.Background(), int64(d.queueDepth()))
			}
		case <-prune.C:
			if n := d.breakers.Prune(breakerIdleTTL); n > 0 {
				d.logger.Debug("Pruned idle breakers", "count", n)
			}
		}
	}
}

func (d *Dispatcher) onCircuitChange(host string, from, to circuitbreaker.State) {
	d.logger.Warn("Callback circuit changed", "destination", host, "from", from.String(), "to", to.String())
	if d.metrics == nil {
		return
	}
	switch {
	case to == circuitbreaker.Open && from == circuitbreaker.Closed:
		d.metrics.RecordCallbackCircuit(context.Background(), 1)
	case to == circuitbreaker.Closed:
		d.metrics.RecordCallbackCircuit(context.Background(), -1)
	}
}
