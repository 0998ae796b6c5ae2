package stats

import (
	"sync"
	"time"
)

// DefaultEMAAlpha weighs each new sample in the running averages.
const DefaultEMAAlpha = 0.1

// RealTimeMetrics is a point-in-time view of the running counters.
type RealTimeMetrics struct {
	TotalQueries        int64     `json:"total_queries"`
	TotalTokensSaved    int64     `json:"total_tokens_saved"`
	AvgCompressionRatio float64   `json:"avg_compression_ratio"`
	AvgEfficiencyScore  float64   `json:"avg_efficiency_score"`
	LastUpdated         time.Time `json:"last_updated"`
}

// RealTime tracks exponential moving averages over every observed record.
// The first sample seeds the averages. Safe for concurrent use.
type RealTime struct {
	alpha float64

	mu sync.Mutex
	m  RealTimeMetrics
}

// NewRealTime creates a tracker. alpha outside (0, 1] means DefaultEMAAlpha.
func NewRealTime(alpha float64) *RealTime {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultEMAAlpha
	}
	return &RealTime{alpha: alpha}
}

// Observe folds r into the running metrics.
func (t *RealTime) Observe(r Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.m.TotalQueries == 0 {
		t.m.AvgCompressionRatio = r.CompressionRatio
		t.m.AvgEfficiencyScore = r.EfficiencyScore
	} else {
		t.m.AvgCompressionRatio = t.alpha*r.CompressionRatio + (1-t.alpha)*t.m.AvgCompressionRatio
		t.m.AvgEfficiencyScore = t.alpha*r.EfficiencyScore + (1-t.alpha)*t.m.AvgEfficiencyScore
	}
	t.m.TotalQueries++
	t.m.TotalTokensSaved += int64(r.TokensSaved())
	t.m.LastUpdated = r.Timestamp
}

// Snapshot returns the current metrics.
func (t *RealTime) Snapshot() RealTimeMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m
}
