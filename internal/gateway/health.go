package gateway

import (
	"net/http"
	"time"
)

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status           string   `json:"status"` // "ok" or "degraded"
	Version          string   `json:"version,omitempty"`
	Model            string   `json:"model"`
	MaxContextTokens int      `json:"max_context_tokens"`
	UptimeSeconds    int64    `json:"uptime_seconds"`
	Problems         []string `json:"problems,omitempty"`
}

// handleHealth returns 200 when healthy, 503 when token estimation is
// degraded or stats records are waiting to be written.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{
			Status:           "ok",
			Version:          g.opts.Version,
			Model:            g.svc.Config().Budget.Model,
			MaxContextTokens: g.svc.MaxContextTokens(),
			UptimeSeconds:    int64(time.Since(g.startedAt).Truncate(time.Second).Seconds()),
			Problems:         g.svc.Health(),
		}

		code := http.StatusOK
		if len(resp.Problems) > 0 {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}
