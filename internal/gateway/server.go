package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter constructs the chi mux with all routes wired.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Public, no auth required.
	r.Get("/health", g.handleHealth())
	r.Handle("/metrics", g.svc.Metrics().Handler())

	r.Group(func(r chi.Router) {
		if g.config.Auth.IsConfigured() {
			r.Use(authMiddleware(g.config.Auth, g.limiter, g.logger, g.audit))
		}
		r.Get("/status", g.handleStatus())
		r.Route("/v1", func(r chi.Router) {
			r.Post("/compact", g.handleCompact())
			r.Route("/stats", func(r chi.Router) {
				r.Get("/aggregate", g.handleAggregate())
				r.Get("/summary", g.handleSummary())
				r.Get("/realtime", g.handleRealTime())
				r.Get("/export", g.handleExport())
				r.Get("/stream", g.handleStream())
			})
			r.Get("/recommendations", g.handleRecommendations())

			// Config endpoints are not mounted if no auth is configured.
			if g.config.Auth.IsConfigured() {
				r.Get("/config", g.handleGetConfig())
				r.Post("/config/reload", g.handleReloadConfig())
			}
		})
	})

	return r
}
