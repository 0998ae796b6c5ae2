// Package crontest provides test doubles for the cron package.
package crontest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flemzord/ctxbudget/internal/cron"
	"github.com/flemzord/ctxbudget/internal/service"
)

// MockJob is a configurable test double for cron.Job.
type MockJob struct {
	NameVal     string
	ScheduleVal string
	RunFunc     func(ctx context.Context) error

	mu       sync.Mutex
	calls    int
	lastCall time.Time
}

// Compile-time interface check.
var _ cron.Job = (*MockJob)(nil)

// Name implements cron.Job.
func (m *MockJob) Name() string { return m.NameVal }

// Schedule implements cron.Job.
func (m *MockJob) Schedule() string { return m.ScheduleVal }

// Run implements cron.Job and increments the call counter.
func (m *MockJob) Run(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	m.lastCall = time.Now()
	m.mu.Unlock()

	if m.RunFunc != nil {
		return m.RunFunc(ctx)
	}
	return nil
}

// CallCount returns the number of times Run was called.
func (m *MockJob) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastCall returns the time of the last Run call.
func (m *MockJob) LastCall() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCall
}

// MockStats is a test double for cron.StatusWriter and cron.StatsCleaner.
type MockStats struct {
	WriteFunc   func(ctx context.Context) (bool, error)
	CleanupFunc func(ctx context.Context, retention time.Duration) (service.CleanupResult, error)

	WriteCalls   atomic.Int32
	CleanupCalls atomic.Int32
}

var (
	_ cron.StatusWriter = (*MockStats)(nil)
	_ cron.StatsCleaner = (*MockStats)(nil)
)

// WriteStatus implements cron.StatusWriter.
func (m *MockStats) WriteStatus(ctx context.Context) (bool, error) {
	m.WriteCalls.Add(1)
	if m.WriteFunc != nil {
		return m.WriteFunc(ctx)
	}
	return true, nil
}

// Cleanup implements cron.StatsCleaner.
func (m *MockStats) Cleanup(ctx context.Context, retention time.Duration) (service.CleanupResult, error) {
	m.CleanupCalls.Add(1)
	if m.CleanupFunc != nil {
		return m.CleanupFunc(ctx, retention)
	}
	return service.CleanupResult{RetentionDays: retention.Hours() / 24}, nil
}
