package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/flemzord/ctxbudget/internal/security"
)

// authMiddleware validates Bearer token or Basic auth credentials using
// constant-time comparison. Attempts are rate-limited through the "auth"
// bucket when a limiter is given. Rejections go to audit.
func authMiddleware(cfg AuthConfig, limiter *security.RateLimiter, logger *slog.Logger, audit *security.AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil {
				if err := limiter.Allow(security.BucketAuth); err != nil {
					audit.Log(auditEvent(r, security.EventRateLimit, "rejected", string(security.BucketAuth)))
					writeError(w, http.StatusTooManyRequests, err)
					return
				}
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				authFailure(logger, audit, r, "missing authorization header")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if cfg.BearerToken != "" {
				if after, ok := strings.CutPrefix(auth, "Bearer "); ok && constantTimeEqual(after, cfg.BearerToken) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if cfg.BasicUser != "" && cfg.BasicPass != "" {
				user, pass, ok := r.BasicAuth()
				if ok && constantTimeEqual(user, cfg.BasicUser) && constantTimeEqual(pass, cfg.BasicPass) {
					next.ServeHTTP(w, r)
					return
				}
			}

			authFailure(logger, audit, r, "invalid credentials")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

func authFailure(logger *slog.Logger, audit *security.AuditLogger, r *http.Request, detail string) {
	audit.Log(auditEvent(r, security.EventAuthFailure, "rejected", detail))
	if logger == nil {
		return
	}
	logger.Warn("gateway auth failure",
		"detail", detail,
		"remote_addr", r.RemoteAddr,
		"method", r.Method,
		"path", r.URL.Path,
	)
}

// constantTimeEqual compares two strings in constant time.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
