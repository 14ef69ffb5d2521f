package job

// Request represents a request to create a new job.
type Request struct {
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title,omitempty"`
	Arguments string            `json:"arguments"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// ReplyTo is the tracking record the request came from, e.g. the issue a
	// chat command was posted on. Mirrored error comments go there.
	ReplyTo string `json:"replyTo,omitempty"`

	Callback *Callback `json:"callback,omitempty"`
}

// Callback represents requester webhook configuration for a job.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}

// Response represents the response when a job is created.
type Response struct {
	ID           string `json:"id"`
	ExternalID   string `json:"externalId"`
	Status       State  `json:"status"`
	DashboardURL string `json:"dashboardUrl"`
}

// ListResponse represents the response for listing active jobs.
type ListResponse struct {
	Jobs []Summary `json:"jobs"`
}
