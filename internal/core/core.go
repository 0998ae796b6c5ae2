// Package core runs the long-lived components of a ctxbudget process in
// order and shuts them down in reverse.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultShutdownTimeout bounds the whole shutdown sequence.
const DefaultShutdownTimeout = 30 * time.Second

// App manages the lifecycle of a set of named components.
type App struct {
	components      []component
	logger          *slog.Logger
	ShutdownTimeout time.Duration
}

type component struct {
	name    string
	value   any
	started bool
}

// NewApp creates an empty App.
func NewApp(logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		logger:          logger.With("component", "core"),
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// Add appends a component. Values implementing neither Starter nor Stopper
// are rejected. Must be called before Start.
func (a *App) Add(name string, c any) error {
	_, starts := c.(Starter)
	_, stops := c.(Stopper)
	if !starts && !stops {
		return fmt.Errorf("core: component %s has no lifecycle methods", name)
	}
	for _, existing := range a.components {
		if existing.name == name {
			return fmt.Errorf("core: duplicate component %s", name)
		}
	}
	a.components = append(a.components, component{name: name, value: c})
	return nil
}

// Names returns the component names in start order.
func (a *App) Names() []string {
	names := make([]string, len(a.components))
	for i, c := range a.components {
		names[i] = c.name
	}
	return names
}

// Start starts every component in order. Stop-only components count as
// started so they are stopped on shutdown. If any Start() fails, the
// components already started are stopped in reverse order.
func (a *App) Start() error {
	for i := range a.components {
		c := &a.components[i]
		if s, ok := c.value.(Starter); ok {
			a.logger.Info("starting component", "name", c.name)
			if err := s.Start(); err != nil {
				a.logger.Error("component start failed", "name", c.name, "error", err)
				a.stopFrom(i - 1)
				return fmt.Errorf("starting %s: %w", c.name, err)
			}
		}
		c.started = true
	}
	a.logger.Info("all components started", "count", len(a.components))
	return nil
}

// Stop stops all started components in reverse order with a timeout.
func (a *App) Stop() {
	a.stopFrom(len(a.components) - 1)
}

func (a *App) stopFrom(index int) {
	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout)
	defer cancel()

	for i := index; i >= 0; i-- {
		c := &a.components[i]
		if !c.started {
			continue
		}
		if s, ok := c.value.(Stopper); ok {
			a.logger.Info("stopping component", "name", c.name)
			if err := s.Stop(ctx); err != nil {
				a.logger.Error("component stop error", "name", c.name, "error", err)
			}
		}
		c.started = false
	}
}
