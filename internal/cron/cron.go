// Package cron runs the engine's periodic maintenance: rewriting the
// status report and applying stats retention.
package cron

import "context"

// Job is a periodic background task.
type Job interface {
	// Name identifies the job in logs and in Scheduler.RunNow. Unique per
	// scheduler.
	Name() string

	// Schedule returns a 5-field cron expression. Descriptors such as
	// @hourly are rejected.
	Schedule() string

	// Run performs one pass. A cancelled ctx means shutdown is under way.
	Run(ctx context.Context) error
}
