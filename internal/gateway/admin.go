package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/flemzord/ctxbudget/internal/security"
)

// handleGetConfig returns the effective configuration with secrets redacted.
func (g *Gateway) handleGetConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.audit.Log(auditEvent(r, security.EventConfigView, "ok", ""))
		if g.opts.ConfigView == nil {
			http.Error(w, "config not available", http.StatusServiceUnavailable)
			return
		}

		cfg, err := g.opts.ConfigView()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		raw, err := json.Marshal(cfg)
		if err != nil {
			http.Error(w, "failed to serialize config", http.StatusInternalServerError)
			return
		}

		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err != nil {
			http.Error(w, "failed to parse config", http.StatusInternalServerError)
			return
		}

		g.opts.Redactor.RedactMap(generic)
		writeJSON(w, http.StatusOK, generic)
	}
}

// handleReloadConfig triggers a hot-reload of the configuration.
func (g *Gateway) handleReloadConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.opts.Reload == nil {
			http.Error(w, "reload not available", http.StatusServiceUnavailable)
			return
		}

		if err := g.opts.Reload(r.Context()); err != nil {
			g.audit.Log(auditEvent(r, security.EventConfigReload, "failed", err.Error()))
			g.logger.Error("config reload failed", "error", err)
			writeError(w, http.StatusBadRequest, err)
			return
		}

		g.audit.Log(auditEvent(r, security.EventConfigReload, "ok", ""))
		g.logger.Info("configuration reloaded successfully")
		writeJSON(w, http.StatusOK, map[string]any{
			"status":             "reloaded",
			"max_context_tokens": g.svc.MaxContextTokens(),
		})
	}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": err} with the given status code.
func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
