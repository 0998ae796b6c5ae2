package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/flemzord/ctxbudget/internal/config"
)

// ApplyFunc pushes a validated configuration into the running components.
type ApplyFunc func(ctx context.Context, cfg *config.Config) error

// Handler reloads the configuration file and applies it. A configuration
// that fails to load, validate, or apply leaves the current one in place.
type Handler struct {
	path    string
	apply   ApplyFunc
	logger  *slog.Logger
	mu      sync.Mutex
	current atomic.Pointer[config.Config]
}

// NewHandler creates a reload handler for the file at path, starting from
// the already-applied initial configuration.
func NewHandler(path string, initial *config.Config, apply ApplyFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{path: path, apply: apply, logger: logger}
	h.current.Store(initial)
	return h
}

// Current returns the configuration last applied.
func (h *Handler) Current() *config.Config {
	return h.current.Load()
}

// HandleReload loads a fresh config from disk, validates it, and applies it.
func (h *Handler) HandleReload(ctx context.Context) error {
	if h.path == "" {
		return fmt.Errorf("reload: no configuration file to reload")
	}
	cfg, err := config.Load(h.path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return h.HandleReloadFromConfig(ctx, cfg)
}

// HandleReloadFromConfig applies a pre-loaded, already-validated config.
// Reloads are serialized.
func (h *Handler) HandleReloadFromConfig(ctx context.Context, cfg *config.Config) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before reload: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.apply(ctx, cfg); err != nil {
		return fmt.Errorf("applying config: %w", err)
	}
	h.current.Store(cfg)

	h.logger.Info("configuration reloaded successfully", "path", h.path)
	return nil
}
