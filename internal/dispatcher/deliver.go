package dispatcher

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"jobengine/pkg/backoff"
	"jobengine/pkg/circuitbreaker"
	"jobengine/pkg/cloudevent"
)

// worker delivers events from one queue in order.
func (d *Dispatcher) worker(queue chan *Event) {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drain(queue)
			return
		case event := <-queue:
			d.deliver(event)
		}
	}
}

// drain delivers what remains in queue after the shutdown signal.
func (d *Dispatcher) drain(queue chan *Event) {
	for {
		select {
		case event := <-queue:
			d.deliver(event)
		default:
			return
		}
	}
}

// deliver attempts to deliver an event with retry and circuit breaker.
func (d *Dispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)

	if !breaker.Allow() {
		d.requeue(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, event); err != nil {
		d.recordFailure(breaker, err)
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordCallbackFailed(ctx, event.Payload.Type)
		}
		d.logger.Warn("Delivery failed",
			"destination", host,
			"type", event.Payload.Type,
			"subject", event.Payload.Subject,
			"error", err,
		)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordCallbackDelivered(ctx, event.Payload.Type, time.Since(start).Seconds())
	}
}

// recordFailure counts a failure against the destination. A 4xx means the
// endpoint is up and rejected this event, which says nothing about its health.
func (d *Dispatcher) recordFailure(breaker *circuitbreaker.Breaker, err error) {
	if cloudevent.IsClientError(err) {
		breaker.RecordSuccess()
		return
	}
	breaker.RecordFailure()
}

// requeue holds an event back for one cooldown while its destination's
// circuit is open. Ordering with later events of the same job is not kept.
func (d *Dispatcher) requeue(event *Event, host string) {
	if event.requeues >= defaultMaxRequeues {
		d.drop(event, "max_requeues")
		d.logger.Warn("Event dropped, max requeues reached",
			"destination", host,
			"type", event.Payload.Type,
			"requeues", event.requeues,
		)
		return
	}

	event.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordCallbackRequeued(context.Background(), event.Payload.Type)
	}

	go func() {
		select {
		case <-d.shutdown:
			return
		case <-time.After(d.config.BreakerCooldown):
		}

		select {
		case d.shardFor(event) <- event:
		case <-d.shutdown:
		default:
			d.drop(event, "buffer_full")
			d.logger.Warn("Event dropped on requeue, buffer full", "destination", host, "type", event.Payload.Type)
		}
	}()
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	opts := cloudevent.SendOptions{
		SigningKey: event.SigningKey,
	}

	var lastErr error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if err := backoff.Sleep(ctx, attempt, &d.config.Backoff); err != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}

		lastErr = d.sender.Send(ctx, event.Destination, event.Payload, opts)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
