package gateway

import (
	"net/http"
)

// handleStatus returns the current status report.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := g.svc.Status(r.Context())
		if err != nil {
			g.logger.Error("building status report", "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
