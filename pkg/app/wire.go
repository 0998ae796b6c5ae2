package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
	"github.com/flemzord/ctxbudget/internal/config"
	"github.com/flemzord/ctxbudget/internal/core"
	"github.com/flemzord/ctxbudget/internal/security"
	"github.com/flemzord/ctxbudget/internal/service"
	"github.com/flemzord/ctxbudget/internal/stats"
	"github.com/flemzord/ctxbudget/internal/telemetry"
	"github.com/flemzord/ctxbudget/modules/stats/sqlite"
)

// Runtime holds the wired components shared by every command.
type Runtime struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	Redactor   *security.Redactor
	Metrics    *telemetry.Metrics
	Tracing    *telemetry.Tracing
	Sink       *stats.Sink
	Index      *sqlite.Index
	Service    *service.Service

	app *core.App
}

// LoadConfig resolves, loads, and validates the configuration.
func LoadConfig(path string) (*config.Config, string, error) {
	cfg, resolved, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, resolved, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, resolved, err
	}
	return cfg, resolved, nil
}

// NewLogger builds the process logger: text or JSON on w, wrapped so that
// secrets known to redactor never reach the output.
func NewLogger(cfg config.LogConfig, w io.Writer, level slog.Leveler, redactor *security.Redactor) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if level == nil {
		level = cfg.SlogLevel()
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Format == "json" {
		inner = slog.NewJSONHandler(w, opts)
	}
	return slog.New(security.NewRedactingHandler(inner, redactor))
}

// Build wires the runtime from a validated configuration. Nothing runs
// until Start.
func Build(ctx context.Context, params RunParams, cfg *config.Config, cfgPath string) (*Runtime, error) {
	redactor := security.NewRedactor()
	patterns, err := security.CompilePatterns(cfg.Redact.Patterns)
	if err != nil {
		return nil, err
	}
	for _, p := range patterns {
		redactor.AddPattern(p)
	}
	redactor.SetLiterals(cfg.Secrets())

	logger := NewLogger(cfg.Log, params.LogOutput, params.LogLevel, redactor)

	rt := &Runtime{
		Config:     cfg,
		ConfigPath: cfgPath,
		Logger:     logger,
		Redactor:   redactor,
		Metrics:    telemetry.NewMetrics(),
		app:        core.NewApp(logger),
	}

	rt.Tracing, err = telemetry.NewTracing(ctx, cfg.Tracing, params.Version)
	if err != nil {
		return nil, err
	}
	if err := rt.app.Add("tracing", rt.Tracing); err != nil {
		return nil, err
	}

	if cfg.Stats.IsEnabled() {
		sinkCfg := cfg.Stats.SinkConfig(logger.With("component", "stats"))
		sinkCfg.OnFailure = func(error) { rt.Metrics.SinkFailure() }
		if rt.Sink, err = stats.Open(sinkCfg); err != nil {
			rt.release()
			return nil, err
		}
		if err := rt.app.Add("stats", rt.Sink); err != nil {
			return nil, err
		}
	}

	if cfg.Index.Enabled {
		if rt.Index, err = sqlite.Open(ctx, cfg.Index.SQLite(cfg.Stats.Dir)); err != nil {
			rt.release()
			return nil, err
		}
		if err := rt.app.Add("index", rt.Index); err != nil {
			return nil, err
		}
	}

	var registryOpts []ctxengine.RegistryOption
	if cfg.Tokenizer == config.TokenizerHeuristic {
		registryOpts = append(registryOpts, ctxengine.WithHeuristicOnly())
	}

	opts := service.Options{
		Context:         cfg.Context,
		Estimators:      ctxengine.NewEstimatorRegistry(logger, registryOpts...),
		Sink:            rt.Sink,
		Metrics:         rt.Metrics,
		Tracer:          rt.Tracing.Tracer(),
		Redactor:        redactor,
		Alerts:          cfg.Alerts,
		Recommendations: cfg.Recommendations,
		Logger:          logger,
	}
	if rt.Index != nil {
		opts.Index = rt.Index
	}
	if rt.Service, err = service.New(opts); err != nil {
		rt.release()
		return nil, err
	}
	if err := rt.app.Add("service", rt.Service); err != nil {
		return nil, err
	}

	return rt, nil
}

// Open loads the configuration, builds the runtime, and starts it. Callers
// must Stop it.
func Open(ctx context.Context, params RunParams) (*Runtime, error) {
	cfg, path, err := LoadConfig(params.ConfigPath)
	if err != nil {
		return nil, err
	}
	rt, err := Build(ctx, params, cfg, path)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(); err != nil {
		return nil, err
	}
	return rt, nil
}

// Add appends a component started after the ones already registered.
func (rt *Runtime) Add(name string, c any) error { return rt.app.Add(name, c) }

// Start starts every component in order.
func (rt *Runtime) Start() error { return rt.app.Start() }

// Stop stops the components in reverse order.
func (rt *Runtime) Stop() { rt.app.Stop() }

// release closes what a failed Build already opened.
func (rt *Runtime) release() {
	ctx, cancel := context.WithTimeout(context.Background(), core.DefaultShutdownTimeout)
	defer cancel()
	if rt.Index != nil {
		_ = rt.Index.Stop(ctx)
	}
	if rt.Sink != nil {
		_ = rt.Sink.Stop(ctx)
	}
	_ = rt.Tracing.Stop(ctx)
}

// Apply pushes a reloaded configuration into the running components. The
// context engine and the redaction literals change live; the other
// sections need a restart and are reported as such.
func (rt *Runtime) Apply(_ context.Context, cfg *config.Config) error {
	if err := rt.Service.Reload(cfg.Context); err != nil {
		return fmt.Errorf("context: %w", err)
	}
	rt.Redactor.SetLiterals(cfg.Secrets())

	prev := rt.Config
	for name, changed := range map[string]bool{
		"stats":           !reflect.DeepEqual(prev.Stats, cfg.Stats),
		"index":           !reflect.DeepEqual(prev.Index, cfg.Index),
		"gateway":         !reflect.DeepEqual(prev.Gateway, cfg.Gateway),
		"tracing":         !reflect.DeepEqual(prev.Tracing, cfg.Tracing),
		"alerts":          prev.Alerts != cfg.Alerts,
		"recommendations": prev.Recommendations != cfg.Recommendations,
		"redact.patterns": !reflect.DeepEqual(prev.Redact.Patterns, cfg.Redact.Patterns),
		"cron":            prev.Cron != cfg.Cron,
		"log":             prev.Log != cfg.Log,
	} {
		if changed {
			rt.Logger.Warn("configuration section changed, restart to apply", "section", name)
		}
	}
	rt.Config = cfg
	return nil
}
