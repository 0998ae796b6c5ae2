package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultFileName is the active segment of the stats log.
const DefaultFileName = "context_stats.jsonl"

// ErrSinkClosed is returned by Append after Stop.
var ErrSinkClosed = errors.New("stats: sink closed")

// SinkConfig configures the durable stats log.
type SinkConfig struct {
	// Dir holds the active segment and its rotated backups.
	Dir string

	// FileName defaults to DefaultFileName.
	FileName string

	// MaxSizeBytes triggers rotation. Defaults to 50 MB.
	MaxSizeBytes int64

	// MaxBackups is the number of rotated segments kept. Defaults to 3.
	MaxBackups int

	// Compression applies to rotated segments.
	Compression Compression

	// HistoryLimit caps the in-memory history. Defaults to 10000.
	HistoryLimit int

	// QueueSize is the async queue capacity. Defaults to 256.
	QueueSize int

	// RetryMaxTries bounds write attempts per append. Defaults to 3.
	RetryMaxTries uint

	// RetryInitialInterval is the first backoff delay. Defaults to 20ms.
	RetryInitialInterval time.Duration

	Logger *slog.Logger

	// OnFailure, if non-nil, is called when an append gives up.
	OnFailure func(error)

	// openFile overrides the segment opener (tests).
	openFile func(path string) (io.WriteCloser, error)
}

func (c SinkConfig) withDefaults() SinkConfig {
	if c.FileName == "" {
		c.FileName = DefaultFileName
	}
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = 50 * 1024 * 1024
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 3
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10000
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RetryMaxTries == 0 {
		c.RetryMaxTries = 3
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 20 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.openFile == nil {
		c.openFile = openAppend
	}
	return c
}

func openAppend(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// Sink is an append-only, size-rotated JSONL log of Records with an
// in-memory history for aggregate queries.
//
// Writes and rotation are serialized by mu, which is never held while
// backing off or compressing. Readers copy the history under a read lock
// and never wait on file I/O.
type Sink struct {
	cfg    SinkConfig
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	file    io.WriteCloser
	size    int64
	pending [][]byte // lines that could not be written yet
	partial bool     // pending[0] finishes a line already in the active segment
	closed  bool

	// compMu keeps rotation from shifting a backup that is being compressed.
	compMu sync.Mutex

	histMu  sync.RWMutex
	history []Record

	failures atomic.Int64
	queued   atomic.Int64

	// submitMu orders Submit's enqueue before Stop closes the queue.
	submitMu sync.RWMutex
	queue    chan Record
	stop     chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
}

// Open creates the log directory, replays existing segments into the
// history, and opens the active segment for appending.
func Open(cfg SinkConfig) (*Sink, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, errors.New("stats: sink dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("stats: creating %s: %w", cfg.Dir, err)
	}

	s := &Sink{
		cfg:    cfg,
		path:   filepath.Join(cfg.Dir, cfg.FileName),
		logger: cfg.Logger.With("component", "stats-sink"),
		queue:  make(chan Record, cfg.QueueSize),
		stop:   make(chan struct{}),
	}

	s.replay()

	if info, err := os.Stat(s.path); err == nil {
		s.size = info.Size()
	}
	f, err := cfg.openFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("stats: opening %s: %w", s.path, err)
	}
	s.file = f
	return s, nil
}

func (s *Sink) replay() {
	for _, p := range segmentPaths(s.path, s.cfg.MaxBackups) {
		records, skipped, err := readSegment(p)
		if err != nil {
			s.logger.Warn("stats: replaying segment", "path", p, "error", err)
		}
		if skipped > 0 {
			s.logger.Warn("stats: skipped undecodable lines", "path", p, "count", skipped)
		}
		s.remember(records...)
	}
}

// Path returns the active segment path.
func (s *Sink) Path() string { return s.path }

// Dir returns the log directory.
func (s *Sink) Dir() string { return s.cfg.Dir }

// Append writes r to the log and adds it to the history. Write failures
// are retried with exponential backoff; on exhaustion the line is kept in
// memory for the next append and the error is returned. The history is
// updated either way.
func (s *Sink) Append(ctx context.Context, r Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("stats: encoding record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.remember(r)
	s.pending = append(s.pending, line)
	s.queued.Store(int64(len(s.pending)))
	s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitialInterval
	b.MaxInterval = 10 * s.cfg.RetryInitialInterval

	_, err = backoff.Retry(ctx, s.flush, backoff.WithBackOff(b), backoff.WithMaxTries(s.cfg.RetryMaxTries))
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("stats: append failed, record kept in memory",
			"pending", s.Pending(),
			"error", err,
		)
		if s.cfg.OnFailure != nil {
			s.cfg.OnFailure(err)
		}
		return fmt.Errorf("stats: append: %w", err)
	}
	return nil
}

// flush makes one write attempt, then compresses whatever it rotated out.
func (s *Sink) flush() (struct{}, error) {
	s.mu.Lock()
	if s.closed {
		n := len(s.pending)
		s.mu.Unlock()
		if n == 0 {
			return struct{}{}, nil
		}
		return struct{}{}, backoff.Permanent(ErrSinkClosed)
	}
	rotated, err := s.flushLocked()
	s.mu.Unlock()

	if rotated {
		if cerr := s.compressRotated(); cerr != nil {
			s.logger.Warn("stats: compressing rotated segment", "error", cerr)
		}
	}
	return struct{}{}, err
}

// flushLocked writes pending lines in order, rotating as needed, and
// reports whether it rotated. A short write leaves the rest of the line
// at the head of pending; the active segment is not rotated until that
// line is complete. The caller must hold s.mu.
func (s *Sink) flushLocked() (rotated bool, err error) {
	defer func() { s.queued.Store(int64(len(s.pending))) }()

	for len(s.pending) > 0 {
		line := s.pending[0]

		if !s.partial && s.size > 0 && s.size+int64(len(line)) > s.cfg.MaxSizeBytes {
			if err := s.rotateLocked(); err != nil {
				return rotated, err
			}
			rotated = true
		}
		if s.file == nil {
			f, err := s.cfg.openFile(s.path)
			if err != nil {
				return rotated, err
			}
			s.file = f
		}

		n, err := s.file.Write(line)
		s.size += int64(n)
		if err != nil {
			// Reopen on the next attempt and finish the line there.
			_ = s.file.Close()
			s.file = nil
			if n > 0 {
				s.pending[0] = line[n:]
				s.partial = true
			}
			return rotated, err
		}
		s.partial = false
		s.pending = s.pending[1:]
	}
	s.pending = nil
	return rotated, nil
}

// rotateLocked closes the active segment and shifts backups. Compression
// is left to compressRotated. The caller must hold s.mu.
func (s *Sink) rotateLocked() error {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.logger.Warn("stats: closing segment before rotation", "error", err)
		}
		s.file = nil
	}

	s.compMu.Lock()
	err := rotateFiles(s.path, s.cfg.MaxBackups)
	s.compMu.Unlock()
	if err != nil {
		return err
	}
	s.size = 0
	s.logger.Info("stats: rotated log", "path", s.path, "compression", string(s.cfg.Compression))
	return nil
}

// compressRotated compresses any plain backups. It must not be called
// with s.mu held.
func (s *Sink) compressRotated() error {
	if s.cfg.Compression == CompressionNone {
		return nil
	}
	s.compMu.Lock()
	defer s.compMu.Unlock()
	return compressBackups(s.path, s.cfg.MaxBackups, s.cfg.Compression)
}

// Rotate forces a rotation of the active segment.
func (s *Sink) Rotate() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	err := s.rotateLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.compressRotated()
}

func (s *Sink) remember(records ...Record) {
	if len(records) == 0 {
		return
	}
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, records...)
	if over := len(s.history) - s.cfg.HistoryLimit; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
}

// Snapshot returns a copy of the in-memory history, oldest first.
func (s *Sink) Snapshot() []Record {
	s.histMu.RLock()
	defer s.histMu.RUnlock()
	out := make([]Record, len(s.history))
	copy(out, s.history)
	return out
}

// Records implements Source over the in-memory history.
func (s *Sink) Records(_ context.Context, since time.Time) ([]Record, error) {
	return Window(s.Snapshot(), since), nil
}

// Failures is the number of appends that gave up since Open.
func (s *Sink) Failures() int64 { return s.failures.Load() }

// Pending is the number of lines waiting to be written.
func (s *Sink) Pending() int { return int(s.queued.Load()) }

// Start launches the writer goroutine that drains Submit's queue.
func (s *Sink) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.wg.Add(1)
	go s.drain()
	return nil
}

func (s *Sink) drain() {
	defer s.wg.Done()
	for {
		select {
		case r := <-s.queue:
			_ = s.Append(context.Background(), r)
		case <-s.stop:
			for {
				select {
				case r := <-s.queue:
					_ = s.Append(context.Background(), r)
				default:
					return
				}
			}
		}
	}
}

// Submit queues r for the writer goroutine. When the writer is not running
// or the queue is full, r is appended synchronously.
func (s *Sink) Submit(ctx context.Context, r Record) error {
	s.submitMu.RLock()
	if s.started.Load() {
		select {
		case s.queue <- r:
			s.submitMu.RUnlock()
			return nil
		default:
			s.logger.Debug("stats: queue full, appending synchronously")
		}
	}
	s.submitMu.RUnlock()
	return s.Append(ctx, r)
}

// Stop drains the queue, makes a last attempt at pending lines, and closes
// the active segment.
func (s *Sink) Stop(ctx context.Context) error {
	s.submitMu.Lock()
	stopping := s.started.CompareAndSwap(true, false)
	if stopping {
		close(s.stop)
	}
	s.submitMu.Unlock()

	if stopping {
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	var errs []error
	var rotated bool
	if len(s.pending) > 0 {
		var err error
		if rotated, err = s.flushLocked(); err != nil {
			errs = append(errs, fmt.Errorf("stats: %d records not persisted: %w", len(s.pending), err))
		}
	}
	if s.file != nil {
		errs = append(errs, s.file.Close())
		s.file = nil
	}
	s.mu.Unlock()

	if rotated {
		errs = append(errs, s.compressRotated())
	}
	return errors.Join(errs...)
}
