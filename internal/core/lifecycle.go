package core

import "context"

// Starter is implemented by components that run background work
// (goroutines, listeners, schedulers).
type Starter interface {
	Start() error
}

// Stopper is implemented by components that hold resources. Called during
// shutdown in reverse order of Start().
type Stopper interface {
	Stop(ctx context.Context) error
}

// Hooks adapts a pair of functions to Starter and Stopper. Either may be nil.
type Hooks struct {
	OnStart func() error
	OnStop  func(ctx context.Context) error
}

// Start implements Starter.
func (h Hooks) Start() error {
	if h.OnStart == nil {
		return nil
	}
	return h.OnStart()
}

// Stop implements Stopper.
func (h Hooks) Stop(ctx context.Context) error {
	if h.OnStop == nil {
		return nil
	}
	return h.OnStop(ctx)
}
