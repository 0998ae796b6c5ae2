package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
	"github.com/flemzord/ctxbudget/internal/security"
	"github.com/flemzord/ctxbudget/internal/service"
)

// budgetExceededJSON is the 422 body.
type budgetExceededJSON struct {
	Error            string                   `json:"error"`
	Segments         []ctxengine.SegmentUsage `json:"segments"`
	MandatoryTokens  int                      `json:"mandatory_tokens"`
	MaxContextTokens int                      `json:"max_context_tokens"`
	OverflowTokens   int                      `json:"overflow_tokens"`
}

// handleCompact assembles the posted request.
func (g *Gateway) handleCompact() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.limiter.Allow(security.BucketCompact); err != nil {
			g.audit.Log(auditEvent(r, security.EventRateLimit, "rejected", string(security.BucketCompact)))
			writeError(w, http.StatusTooManyRequests, err)
			return
		}

		ctx := r.Context()
		if id := r.Header.Get("X-Request-Id"); id != "" {
			if err := security.ValidateRequestID(id); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			ctx = service.WithRequestID(ctx, id)
		}

		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.config.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, err)
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		var req ctxengine.ContextRequest
		if err := security.ValidateJSONDepth(data, 0); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", ctxengine.ErrInvalidRequest, err))
			return
		}
		if err := json.Unmarshal(data, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", ctxengine.ErrInvalidRequest, err))
			return
		}

		out, err := g.svc.Compact(ctx, req)
		if err != nil {
			var exceeded *ctxengine.BudgetExceededError
			switch {
			case errors.As(err, &exceeded):
				writeJSON(w, http.StatusUnprocessableEntity, budgetExceededJSON{
					Error:            err.Error(),
					Segments:         exceeded.Segments,
					MandatoryTokens:  exceeded.MandatoryTokens,
					MaxContextTokens: exceeded.MaxContextTokens,
					OverflowTokens:   exceeded.Overflow(),
				})
			case errors.Is(err, ctxengine.ErrInvalidRequest):
				writeError(w, http.StatusBadRequest, err)
			default:
				g.logger.Error("compaction failed", "error", err)
				writeError(w, http.StatusInternalServerError, err)
			}
			return
		}

		writeJSON(w, http.StatusOK, out)
	}
}
