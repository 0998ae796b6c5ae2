package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
)

// StatusFileName is the status report written next to the stats log.
const StatusFileName = "status_report.json"

// Status values.
const (
	StatusHealthy        = "healthy"
	StatusNeedsAttention = "needs_attention"
)

// HealthyEfficiency is the EMA efficiency at or above which the system is
// reported healthy.
const HealthyEfficiency = 0.7

// StatusReport is the periodic health summary.
type StatusReport struct {
	Timestamp       time.Time                  `json:"timestamp"`
	Status          string                     `json:"status"`
	RealTime        RealTimeMetrics            `json:"real_time_metrics"`
	Recommendations []ctxengine.Recommendation `json:"recommendations"`
	Message         string                     `json:"message,omitempty"`
}

// BuildStatus assembles a report from the running metrics and the current
// recommendations.
func BuildStatus(rt RealTimeMetrics, recs []ctxengine.Recommendation, now time.Time) StatusReport {
	r := StatusReport{
		Timestamp:       now.UTC(),
		Status:          StatusNeedsAttention,
		RealTime:        rt,
		Recommendations: recs,
	}
	if rt.AvgEfficiencyScore >= HealthyEfficiency {
		r.Status = StatusHealthy
	}
	if len(recs) == 0 {
		r.Recommendations = []ctxengine.Recommendation{}
		r.Message = "operating optimally"
	}
	return r
}

// WriteStatus writes report to path atomically.
func WriteStatus(path string, report StatusReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("stats: encoding status: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*.json")
	if err != nil {
		return fmt.Errorf("stats: writing status: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("stats: writing status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("stats: writing status: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("stats: writing status: %w", err)
	}
	return nil
}

// ReadStatus loads a report written by WriteStatus.
func ReadStatus(path string) (StatusReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StatusReport{}, err
	}
	var r StatusReport
	if err := json.Unmarshal(data, &r); err != nil {
		return StatusReport{}, fmt.Errorf("stats: decoding %s: %w", path, err)
	}
	return r, nil
}
