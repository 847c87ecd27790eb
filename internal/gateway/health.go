package gateway

import (
	"net/http"
	"time"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	SchedulerOn   bool   `json:"schedulerEnabled"`
	Jobs          int    `json:"jobs"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 200 when the job store is readable, 503 otherwise.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{
			Status:        "ok",
			SchedulerOn:   g.cron.Status().Enabled,
			UptimeSeconds: int64(time.Since(g.startedAt).Seconds()),
		}

		jobs, err := g.cron.List(true)
		if err != nil {
			resp.Status = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Jobs = len(jobs)

		writeJSON(w, http.StatusOK, resp)
	}
}
