package api

import (
	"encoding/json"
	"net/http"
)

// maxLogBatchSize bounds a single log intake request.
const maxLogBatchSize = 4 << 20

// logBatch is the body of a log intake request.
type logBatch struct {
	Lines []string `json:"lines"`
}

// IntakeLogs handles POST /internal/jobs/{jobId}/logs.
// Lines for a completed job are accepted and dropped.
func (h *Handler) IntakeLogs(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Job(r.PathValue("jobId"), false)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxLogBatchSize)
	var batch logBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid log batch: "+err.Error())
		return
	}

	j.OnLogLines(r.Context(), batch.Lines)
	w.WriteHeader(http.StatusNoContent)
}

// IntakeArtifact handles PUT /internal/jobs/{jobId}/artifacts/{name}.
// The request body is the raw file content.
func (h *Handler) IntakeArtifact(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Job(r.PathValue("jobId"), false)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	a, err := j.OnArtifact(r.Context(), r.PathValue("name"), r.Body)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, a)
}
