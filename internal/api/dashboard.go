package api

import (
	_ "embed"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"

	"jobengine/internal/job"
)

//go:embed dashboard.html.tmpl
var dashboardSource string

var dashboardTemplate = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"bytes": func(n int64) string { return humanize.IBytes(uint64(n)) },
	"since": humanize.Time,
}).Parse(dashboardSource))

type dashboardData struct {
	Job       job.Summary
	StatusURL string
	LogsURL   string
}

// Dashboard handles GET /jobs/{externalId}: a human page with the job
// status, its artifacts and a live log view.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Get(r.PathValue("externalId"), true)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	base := "/jobs/" + summary.ExternalID
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := dashboardTemplate.Execute(w, dashboardData{
		Job:       *summary,
		StatusURL: base + "/status",
		LogsURL:   base + "/logs",
	}); err != nil {
		slog.Error("Failed to render dashboard", "error", err)
	}
}

// Status handles GET /jobs/{externalId}/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.Get(r.PathValue("externalId"), true)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, summary)
}
