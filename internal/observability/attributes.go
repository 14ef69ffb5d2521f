// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrKind    = "kind"
	attrOutcome = "outcome"
	attrReason  = "reason"
	attrEvent   = "event_type"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func eventTypeAttr(eventType string) attribute.KeyValue {
	return attribute.String(attrEvent, eventType)
}

// routePatterns maps path prefixes to the templates they are reported as.
// Longer prefixes come first.
var routePatterns = []struct {
	prefix   string
	template func(rest string) string
}{
	{"/internal/jobs/", func(rest string) string {
		if _, tail, ok := strings.Cut(rest, "/"); ok {
			if strings.HasPrefix(tail, "artifacts/") {
				return "/internal/jobs/{jobId}/artifacts/{name}"
			}
			return "/internal/jobs/{jobId}/" + tail
		}
		return "/internal/jobs/{jobId}"
	}},
	{"/v1/jobs/", func(string) string { return "/v1/jobs/{jobId}" }},
	{"/jobs/", func(rest string) string {
		if _, tail, ok := strings.Cut(rest, "/"); ok {
			return "/jobs/{externalId}/" + tail
		}
		return "/jobs/{externalId}"
	}},
	{"/artifacts/", func(string) string { return "/artifacts/{path}" }},
}

// normalizePath replaces dynamic path segments with placeholders.
func normalizePath(path string) string {
	for _, p := range routePatterns {
		if rest, ok := strings.CutPrefix(path, p.prefix); ok && rest != "" {
			return p.template(rest)
		}
	}
	return path
}
