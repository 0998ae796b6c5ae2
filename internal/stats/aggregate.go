package stats

import (
	"context"
	"errors"
	"time"
)

// ErrNoData is returned when a period holds no records.
var ErrNoData = errors.New("stats: no data for period")

// Source serves records for aggregate queries.
type Source interface {
	Records(ctx context.Context, since time.Time) ([]Record, error)
}

// Aggregate is the dashboard view of a time window.
type Aggregate struct {
	TotalRequests       int     `json:"total_requests"`
	AvgCompressionRatio float64 `json:"avg_compression_ratio"`
	AvgEfficiencyScore  float64 `json:"avg_efficiency_score"`
	TotalTokensSaved    int     `json:"total_tokens_saved"`
}

// AggregateOf folds records into an Aggregate. Empty input yields zeros.
func AggregateOf(records []Record) Aggregate {
	var a Aggregate
	if len(records) == 0 {
		return a
	}
	for _, r := range records {
		a.TotalRequests++
		a.AvgCompressionRatio += r.CompressionRatio
		a.AvgEfficiencyScore += r.EfficiencyScore
		a.TotalTokensSaved += r.TokensSaved()
	}
	n := float64(a.TotalRequests)
	a.AvgCompressionRatio /= n
	a.AvgEfficiencyScore /= n
	return a
}

// Query aggregates the records of src from now-window to now.
func Query(ctx context.Context, src Source, window time.Duration, now time.Time) (Aggregate, error) {
	records, err := src.Records(ctx, now.Add(-window))
	if err != nil {
		return Aggregate{}, err
	}
	return AggregateOf(records), nil
}

// AggregateByModel folds records into one Aggregate per model.
func AggregateByModel(records []Record) map[string]Aggregate {
	groups := make(map[string][]Record)
	for _, r := range records {
		groups[r.Model] = append(groups[r.Model], r)
	}
	out := make(map[string]Aggregate, len(groups))
	for model, rs := range groups {
		out[model] = AggregateOf(rs)
	}
	return out
}

// PerformanceSummary describes a reporting period.
type PerformanceSummary struct {
	PeriodHours         float64   `json:"period_hours"`
	TotalQueries        int       `json:"total_queries"`
	AvgCompressionRatio float64   `json:"avg_compression_ratio"`
	AvgEfficiencyScore  float64   `json:"avg_efficiency_score"`
	TotalTokensSaved    int       `json:"total_tokens_saved"`
	MinEfficiency       float64   `json:"min_efficiency"`
	MaxEfficiency       float64   `json:"max_efficiency"`
	MinCompression      float64   `json:"min_compression"`
	MaxCompression      float64   `json:"max_compression"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// Summarize builds the summary of records over period. It returns ErrNoData
// when records is empty.
func Summarize(records []Record, period time.Duration, now time.Time) (PerformanceSummary, error) {
	if len(records) == 0 {
		return PerformanceSummary{}, ErrNoData
	}

	agg := AggregateOf(records)
	s := PerformanceSummary{
		PeriodHours:         period.Hours(),
		TotalQueries:        agg.TotalRequests,
		AvgCompressionRatio: agg.AvgCompressionRatio,
		AvgEfficiencyScore:  agg.AvgEfficiencyScore,
		TotalTokensSaved:    agg.TotalTokensSaved,
		MinEfficiency:       records[0].EfficiencyScore,
		MaxEfficiency:       records[0].EfficiencyScore,
		MinCompression:      records[0].CompressionRatio,
		MaxCompression:      records[0].CompressionRatio,
		GeneratedAt:         now.UTC(),
	}
	for _, r := range records[1:] {
		s.MinEfficiency = min(s.MinEfficiency, r.EfficiencyScore)
		s.MaxEfficiency = max(s.MaxEfficiency, r.EfficiencyScore)
		s.MinCompression = min(s.MinCompression, r.CompressionRatio)
		s.MaxCompression = max(s.MaxCompression, r.CompressionRatio)
	}
	return s, nil
}

// QuerySummary summarizes the records of src over the last period.
func QuerySummary(ctx context.Context, src Source, period time.Duration, now time.Time) (PerformanceSummary, error) {
	records, err := src.Records(ctx, now.Add(-period))
	if err != nil {
		return PerformanceSummary{}, err
	}
	return Summarize(records, period, now)
}
