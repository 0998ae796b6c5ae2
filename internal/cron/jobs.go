package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flemzord/ctxbudget/internal/service"
)

// StatusWriter is the subset of service.Service needed by StatusReportJob.
type StatusWriter interface {
	WriteStatus(ctx context.Context) (bool, error)
}

// StatsCleaner is the subset of service.Service needed by StatsCleanupJob.
type StatsCleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (service.CleanupResult, error)
}

// StatusReportJob rewrites the status report file.
type StatusReportJob struct {
	Writer       StatusWriter
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "*/5 * * * *"
}

// Compile-time interface check.
var _ Job = (*StatusReportJob)(nil)

// Name implements Job.
func (j *StatusReportJob) Name() string { return "status_report" }

// Schedule implements Job.
func (j *StatusReportJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "*/5 * * * *"
}

// Run writes the report. Nothing is written before the first compaction.
func (j *StatusReportJob) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("cron: status report cancelled: %w", ctx.Err())
	}
	written, err := j.Writer.WriteStatus(ctx)
	if err != nil {
		return fmt.Errorf("cron: status report: %w", err)
	}
	if !written {
		j.Logger.Debug("cron: no compactions yet, status report skipped")
	}
	return nil
}

// StatsCleanupJob removes stats files and index rows older than Retention.
type StatsCleanupJob struct {
	Cleaner      StatsCleaner
	Retention    time.Duration
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "0 3 * * *"
}

// Compile-time interface check.
var _ Job = (*StatsCleanupJob)(nil)

// Name implements Job.
func (j *StatsCleanupJob) Name() string { return "stats_cleanup" }

// Schedule implements Job.
func (j *StatsCleanupJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "0 3 * * *"
}

// Run applies the retention policy.
func (j *StatsCleanupJob) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("cron: stats cleanup cancelled: %w", ctx.Err())
	}
	res, err := j.Cleaner.Cleanup(ctx, j.Retention)
	if len(res.Files) > 0 || res.IndexRows > 0 {
		j.Logger.Info("cron: removed expired stats",
			"files", len(res.Files),
			"index_rows", res.IndexRows,
			"retention_days", res.RetentionDays,
		)
	}
	if err != nil {
		return fmt.Errorf("cron: stats cleanup: %w", err)
	}
	return nil
}
