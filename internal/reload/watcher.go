// Package reload provides configuration hot-reload via file polling and
// signal handling.
package reload

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
)

const defaultPollInterval = 5 * time.Second

// WatcherConfig configures the file watcher.
type WatcherConfig struct {
	// ConfigPath is the path to the configuration file to watch.
	ConfigPath string

	// PollInterval is how often to check for file changes.
	// Defaults to 5 seconds if zero.
	PollInterval time.Duration
}

func (c WatcherConfig) pollIntervalOrDefault() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return defaultPollInterval
}

// Event reports that the watched file's content changed.
type Event struct {
	ConfigPath string
	// Digest is the BLAKE3 hash of the new content.
	Digest [32]byte
}

// Watcher polls a configuration file. A newer modification time alone is
// not enough: the content hash must differ too, so touching the file or
// rewriting identical bytes does not trigger a reload.
type Watcher struct {
	cfg     WatcherConfig
	events  chan Event
	stop    chan struct{}
	stopped chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWatcher creates a new file watcher.
func NewWatcher(cfg WatcherConfig) *Watcher {
	return &Watcher{
		cfg:     cfg,
		events:  make(chan Event, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start begins polling. Only the first call starts the goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.poll(ctx)
	})
}

// Events returns the channel of change events. At most one event is
// buffered; later changes coalesce into it.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Stop stops the watcher. Safe to call multiple times and before Start.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	if w.started.Load() {
		<-w.stopped
	}
}

func (w *Watcher) poll(ctx context.Context) {
	defer close(w.stopped)

	ticker := time.NewTicker(w.cfg.pollIntervalOrDefault())
	defer ticker.Stop()

	lastMod, lastSum, _ := w.snapshot()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			mod, sum, ok := w.snapshot()
			if !ok || !mod.After(lastMod) {
				continue
			}
			lastMod = mod
			if sum == lastSum {
				continue
			}
			lastSum = sum
			select {
			case w.events <- Event{ConfigPath: w.cfg.ConfigPath, Digest: sum}:
			default:
			}
		}
	}
}

// snapshot returns the file's modification time and content hash.
func (w *Watcher) snapshot() (time.Time, [32]byte, bool) {
	info, err := os.Stat(w.cfg.ConfigPath)
	if err != nil {
		return time.Time{}, [32]byte{}, false
	}
	data, err := os.ReadFile(w.cfg.ConfigPath)
	if err != nil {
		return time.Time{}, [32]byte{}, false
	}
	return info.ModTime(), blake3.Sum256(data), true
}
