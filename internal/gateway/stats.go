package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
	"github.com/flemzord/ctxbudget/internal/service"
	"github.com/flemzord/ctxbudget/internal/stats"
)

// queryDuration parses a Go duration query parameter, falling back to def.
func queryDuration(r *http.Request, key string, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("gateway: invalid %s %q: want a positive duration such as 24h", key, raw)
	}
	return d, nil
}

// statsError maps query errors to status codes.
func (g *Gateway) statsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrStatsDisabled):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, stats.ErrNoData):
		writeError(w, http.StatusNotFound, err)
	default:
		g.logger.Error("stats query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (g *Gateway) handleAggregate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window, err := queryDuration(r, "window", service.DefaultWindow)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		agg, err := g.svc.Aggregate(r.Context(), window)
		if err != nil {
			g.statsError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agg)
	}
}

func (g *Gateway) handleSummary() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		period, err := queryDuration(r, "period", service.DefaultWindow)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		summary, err := g.svc.Summary(r.Context(), period)
		if err != nil {
			g.statsError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func (g *Gateway) handleRealTime() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, g.svc.RealTime())
	}
}

func (g *Gateway) handleRecommendations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window, err := queryDuration(r, "window", service.DefaultWindow)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		recs, err := g.svc.Recommendations(r.Context(), window)
		if err != nil {
			g.statsError(w, err)
			return
		}
		if recs == nil {
			recs = []ctxengine.Recommendation{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

// handleExport streams the records of a period as CSV or JSON.
func (g *Gateway) handleExport() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format, err := stats.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		period, err := queryDuration(r, "period", service.DefaultWindow)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		records, err := g.svc.Records(r.Context(), period)
		if err != nil {
			g.statsError(w, err)
			return
		}

		name := stats.ExportFileName(period, format, time.Now())
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
		if err := stats.Export(w, records, format); err != nil {
			g.logger.Error("stats export failed", "error", err)
		}
	}
}
