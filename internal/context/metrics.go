package ctxengine

// ContextStats summarizes one compaction.
type ContextStats struct {
	TokensBefore     int     `json:"tokens_before"`
	TokensAfter      int     `json:"tokens_after"`
	CompressionRatio float64 `json:"compression_ratio"`
	EfficiencyScore  float64 `json:"efficiency_score"`
	BudgetUsed       float64 `json:"budget_used"`
	ChunksOriginal   int     `json:"chunks_original"`
	ChunksKept       int     `json:"chunks_kept"`
}

// MetricsCollector derives ContextStats from a plan and its outcome.
type MetricsCollector struct {
	weights EfficiencyWeights
}

// NewMetricsCollector creates a collector with the given efficiency
// weights. Zero weights mean 0.7 retained / 0.3 utilization.
func NewMetricsCollector(weights EfficiencyWeights) *MetricsCollector {
	if weights == (EfficiencyWeights{}) {
		weights = EfficiencyWeights{Retained: 0.7, Utilization: 0.3}
	}
	return &MetricsCollector{weights: weights}
}

// Collect computes the statistics of one compaction.
//
// The efficiency score blends the share of fragment relevance that survived
// with how much of the budget the result uses:
//
//	efficiency = Retained*retained + Utilization*min(budget_used, 1)
//
// where retained is the kept share of non-negative fragment scores. A
// truncated fragment contributes its score scaled by the share of its
// tokens that survived. With no fragments, or only zero scores, retained
// is 1. The result is clamped to [0, 1].
func (m *MetricsCollector) Collect(plan *CompactionPlan, out Outcome) ContextStats {
	stats := ContextStats{
		TokensBefore:   out.TokensBefore,
		TokensAfter:    out.TokensAfter,
		ChunksOriginal: plan.FragmentsOriginal,
	}

	if stats.TokensBefore > 0 {
		stats.CompressionRatio = float64(stats.TokensAfter) / float64(stats.TokensBefore)
	} else {
		stats.CompressionRatio = 1.0
	}
	if plan.MaxContextTokens > 0 {
		stats.BudgetUsed = float64(stats.TokensAfter) / float64(plan.MaxContextTokens)
	}

	original := make(map[int]Segment)
	var scoreTotal float64
	for _, seg := range plan.Segments {
		if seg.Kind != KindFragment {
			continue
		}
		original[seg.Index] = seg
		if seg.Score > 0 {
			scoreTotal += seg.Score
		}
	}

	var scoreKept float64
	for _, seg := range out.Kept {
		if seg.Kind != KindFragment {
			continue
		}
		stats.ChunksKept++
		if seg.Score <= 0 {
			continue
		}
		orig := original[seg.Index]
		share := 1.0
		if orig.Tokens > 0 && seg.Tokens < orig.Tokens {
			share = float64(seg.Tokens) / float64(orig.Tokens)
		}
		scoreKept += seg.Score * share
	}

	retained := 1.0
	if scoreTotal > 0 {
		retained = scoreKept / scoreTotal
	}

	stats.EfficiencyScore = clamp01(m.weights.Retained*retained + m.weights.Utilization*min(stats.BudgetUsed, 1))
	return stats
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
