package job

import (
	"slices"

	"github.com/google/uuid"

	"jobengine/pkg/cloudevent"
)

// Event types for job lifecycle callbacks
const (
	EventTypeStarted   = "jobengine.job.started"
	EventTypeCompleted = "jobengine.job.completed"
)

// EventSource is the CloudEvent source for every callback.
const EventSource = "jobengine"

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	subject string
	meta    map[string]string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(jobID string, meta map[string]string) *EventBuilder {
	return &EventBuilder{
		subject: jobID,
		meta:    meta,
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, EventSource, b.subject, uuid.NewString(), data)
}

// BuildStartedEvent creates an event for a job whose worker is running.
func (b *EventBuilder) BuildStartedEvent(s Summary) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":        b.subject,
		"externalId":   s.ExternalID,
		"kind":         s.Kind,
		"dashboardUrl": s.DashboardURL,
		"meta":         b.meta,
	}
	ev := b.Build(EventTypeStarted, data)
	ev.Sequence = 1
	return ev
}

// BuildCompletedEvent creates an event for a completed job.
func (b *EventBuilder) BuildCompletedEvent(s Summary) *cloudevent.CloudEvent {
	data := map[string]any{
		"jobId":          b.subject,
		"externalId":     s.ExternalID,
		"kind":           s.Kind,
		"outcome":        s.Outcome,
		"elapsedSeconds": s.ElapsedSeconds,
		"artifacts":      s.Artifacts,
		"dashboardUrl":   s.DashboardURL,
		"meta":           b.meta,
	}
	if s.FirstError != "" {
		data["firstError"] = s.FirstError
	}
	ev := b.Build(EventTypeCompleted, data)
	ev.Sequence = 2
	return ev
}
