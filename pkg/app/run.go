// Package app provides the shared entry points of the ctxbudget binary:
// configuration loading, component wiring, and the long-running serve loop.
package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flemzord/ctxbudget/internal/config"
	"github.com/flemzord/ctxbudget/internal/core"
	"github.com/flemzord/ctxbudget/internal/cron"
	"github.com/flemzord/ctxbudget/internal/gateway"
	"github.com/flemzord/ctxbudget/internal/mcpserver"
	"github.com/flemzord/ctxbudget/internal/reload"
)

// RunParams configures how the runtime is built.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, the search path is used and defaults apply when nothing
	// is found.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// LogLevel overrides log.level from the configuration when non-nil.
	LogLevel slog.Leveler

	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Serve starts the HTTP gateway, the background jobs, and the config
// watcher, and blocks until ctx is done or a shutdown signal is received.
// SIGHUP and file-change events trigger a live configuration reload.
func Serve(ctx context.Context, params RunParams) error {
	cfg, cfgPath, err := LoadConfig(params.ConfigPath)
	if err != nil {
		return err
	}
	rt, err := Build(ctx, params, cfg, cfgPath)
	if err != nil {
		return err
	}
	logger := rt.Logger

	handler := reload.NewHandler(cfgPath, cfg, rt.Apply, logger.With("component", "reload"))

	gw, err := gateway.New(cfg.Gateway, rt.Service, gateway.Options{
		Logger:   logger,
		Redactor: rt.Redactor,
		ConfigView: func() (any, error) {
			return config.View(handler.Current())
		},
		Reload:  handler.HandleReload,
		Version: params.Version,
	})
	if err != nil {
		rt.release()
		return err
	}

	scheduler := cron.NewScheduler(logger.With("component", "cron"))
	jobs := []cron.Job{
		&cron.StatusReportJob{Writer: rt.Service, Logger: logger, ScheduleExpr: cfg.Cron.StatusReport},
	}
	if rt.Sink != nil {
		jobs = append(jobs, &cron.StatsCleanupJob{
			Cleaner:      rt.Service,
			Retention:    cfg.Stats.Retention(),
			Logger:       logger,
			ScheduleExpr: cfg.Cron.StatsCleanup,
		})
	}
	for _, j := range jobs {
		if err := scheduler.RegisterJob(j); err != nil {
			rt.release()
			return err
		}
	}

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()
	var watcher *reload.Watcher
	if cfgPath != "" {
		watcher = reload.NewWatcher(reload.WatcherConfig{ConfigPath: cfgPath})
		if err := rt.Add("watcher", core.Hooks{
			OnStart: func() error { watcher.Start(watchCtx); return nil },
			OnStop:  func(context.Context) error { watcher.Stop(); return nil },
		}); err != nil {
			rt.release()
			return err
		}
	}
	if err := rt.Add("cron", scheduler); err != nil {
		rt.release()
		return err
	}
	if err := rt.Add("gateway", gw); err != nil {
		rt.release()
		return err
	}

	if err := rt.Start(); err != nil {
		return err
	}
	if cfgPath == "" {
		logger.Info("no configuration file found, running with defaults")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var events <-chan reload.Event
	if watcher != nil {
		events = watcher.Events()
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			rt.Stop()
			logger.Info("shutdown complete")
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("SIGHUP received, reloading configuration")
				if err := handler.HandleReload(watchCtx); err != nil {
					logger.Error("reload failed", "error", err)
				}
				continue
			}
			logger.Info("shutdown signal received", "signal", sig.String())
			rt.Stop()
			logger.Info("shutdown complete")
			return nil
		case evt := <-events:
			logger.Info("config file changed, reloading", "path", evt.ConfigPath)
			if err := handler.HandleReload(watchCtx); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}
	}
}

// ServeMCP runs the MCP tool server over in and out until ctx is done, in
// is closed, or a shutdown signal is received.
func ServeMCP(ctx context.Context, params RunParams, in io.Reader, out io.Writer) error {
	rt, err := Open(ctx, params)
	if err != nil {
		return err
	}
	defer rt.Stop()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = mcpserver.New(rt.Service, params.Version, rt.Logger).Serve(ctx, in, out)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
