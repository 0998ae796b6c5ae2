// Package gateway serves the compaction API, the stats endpoints, and the
// live stats stream over HTTP. It binds to loopback by default.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/flemzord/ctxbudget/internal/security"
	"github.com/flemzord/ctxbudget/internal/service"
)

// Options carries the optional collaborators of a Gateway.
type Options struct {
	Logger *slog.Logger

	// Redactor masks secrets in the displayed configuration.
	Redactor *security.Redactor

	// ConfigView returns the effective configuration for GET /v1/config.
	ConfigView func() (any, error)

	// Reload re-reads the configuration for POST /v1/config/reload.
	Reload func(ctx context.Context) error

	// Version is reported by /health.
	Version string

	// Audit receives auth failures, rate-limit rejections, and config
	// access. When nil and Config.AuditLog is set, Start opens that file.
	Audit *security.AuditLogger
}

// Gateway is the HTTP server component.
type Gateway struct {
	config    Config
	svc       *service.Service
	opts      Options
	logger    *slog.Logger
	limiter   *security.RateLimiter
	audit     *security.AuditLogger
	auditFile *os.File
	server    *http.Server
	startedAt time.Time
}

// New creates a gateway over svc.
func New(cfg Config, svc *service.Service, opts Options) (*Gateway, error) {
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Redactor == nil {
		opts.Redactor = security.NewRedactor()
	}
	return &Gateway{
		config:    cfg,
		svc:       svc,
		opts:      opts,
		logger:    logger.With("component", "gateway"),
		limiter:   security.NewRateLimiter(cfg.RateLimit),
		audit:     opts.Audit,
		startedAt: time.Now(),
	}, nil
}

// Handler returns the routed handler without starting a server.
func (g *Gateway) Handler() http.Handler { return g.buildRouter() }

// Start implements core.Starter. It listens synchronously so bind errors
// surface immediately, then serves in the background.
func (g *Gateway) Start() error {
	g.startedAt = time.Now()

	if g.audit == nil && g.config.AuditLog != "" {
		f, err := os.OpenFile(g.config.AuditLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("gateway: opening audit log: %w", err)
		}
		g.auditFile = f
		g.audit = security.NewAuditLogger(security.AuditLoggerConfig{Writer: f, Redactor: g.opts.Redactor})
	}

	g.server = &http.Server{
		Addr:         g.config.Bind,
		Handler:      g.buildRouter(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", g.config.Bind)
	if err != nil {
		g.closeAudit()
		return errors.New("gateway: listen failed: " + err.Error())
	}

	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()

	return nil
}

// Stop implements core.Stopper. Graceful shutdown with configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	err := g.server.Shutdown(shutdownCtx)
	g.closeAudit()
	return err
}

func (g *Gateway) closeAudit() {
	if g.auditFile == nil {
		return
	}
	_ = g.auditFile.Close()
	g.auditFile = nil
	g.audit = g.opts.Audit
}

// auditEvent fills the request fields of an audit event.
func auditEvent(r *http.Request, typ security.EventType, outcome, detail string) security.AuditEvent {
	return security.AuditEvent{
		Type:      typ,
		RequestID: r.Header.Get("X-Request-Id"),
		Remote:    r.RemoteAddr,
		Method:    r.Method,
		Path:      r.URL.Path,
		Outcome:   outcome,
		Detail:    detail,
	}
}
