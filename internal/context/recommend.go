package ctxengine

import "fmt"

// Recommendation codes.
const (
	RecRaiseContextRatio        = "raise_context_ratio"
	RecImproveFragmentFiltering = "improve_fragment_filtering"
	RecRaiseModelWindow         = "raise_model_window"
	RecSummarizeDialog          = "summarize_dialog"
	RecBudgetSaturated          = "budget_saturated"
)

// Recommendation is one tuning suggestion derived from recent statistics.
type Recommendation struct {
	Code      string  `json:"code"`
	Message   string  `json:"message"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// RecommendationThresholds tune the RecommendationEngine rules.
type RecommendationThresholds struct {
	LowEfficiency      float64 `yaml:"low_efficiency" json:"low_efficiency"`
	NearOneCompression float64 `yaml:"near_one_compression" json:"near_one_compression"`
	FrequentOverflow   float64 `yaml:"frequent_overflow" json:"frequent_overflow"`
	HighBudgetUse      float64 `yaml:"high_budget_use" json:"high_budget_use"`
}

// DefaultRecommendationThresholds returns the stock thresholds.
func DefaultRecommendationThresholds() RecommendationThresholds {
	return RecommendationThresholds{
		LowEfficiency:      0.7,
		NearOneCompression: 0.95,
		FrequentOverflow:   0.5,
		HighBudgetUse:      0.95,
	}
}

func (t RecommendationThresholds) withDefaults() RecommendationThresholds {
	d := DefaultRecommendationThresholds()
	if t.LowEfficiency == 0 {
		t.LowEfficiency = d.LowEfficiency
	}
	if t.NearOneCompression == 0 {
		t.NearOneCompression = d.NearOneCompression
	}
	if t.FrequentOverflow == 0 {
		t.FrequentOverflow = d.FrequentOverflow
	}
	if t.HighBudgetUse == 0 {
		t.HighBudgetUse = d.HighBudgetUse
	}
	return t
}

// RecommendationEngine turns a window of ContextStats into suggestions.
type RecommendationEngine struct {
	thresholds RecommendationThresholds
}

// NewRecommendationEngine creates an engine; zero thresholds take defaults.
func NewRecommendationEngine(t RecommendationThresholds) *RecommendationEngine {
	return &RecommendationEngine{thresholds: t.withDefaults()}
}

// Recommend evaluates the rules over window. An empty window yields none.
//
// A request counts as an overflow when compaction removed or shortened
// anything, i.e. tokens_after < tokens_before.
func (e *RecommendationEngine) Recommend(window []ContextStats) []Recommendation {
	if len(window) == 0 {
		return nil
	}

	var efficiency, compression, budgetUsed float64
	overflows := 0
	for _, s := range window {
		efficiency += s.EfficiencyScore
		compression += s.CompressionRatio
		budgetUsed += s.BudgetUsed
		if s.TokensAfter < s.TokensBefore {
			overflows++
		}
	}
	n := float64(len(window))
	efficiency /= n
	compression /= n
	budgetUsed /= n
	overflowRate := float64(overflows) / n

	t := e.thresholds
	var recs []Recommendation

	if efficiency < t.LowEfficiency {
		recs = append(recs,
			Recommendation{
				Code:      RecRaiseContextRatio,
				Message:   fmt.Sprintf("mean efficiency %.2f is below %.2f: consider raising max_context_ratio", efficiency, t.LowEfficiency),
				Metric:    "efficiency_score",
				Value:     efficiency,
				Threshold: t.LowEfficiency,
			},
			Recommendation{
				Code:      RecImproveFragmentFiltering,
				Message:   "improve fragment filtering upstream so fewer low-relevance fragments reach the engine",
				Metric:    "efficiency_score",
				Value:     efficiency,
				Threshold: t.LowEfficiency,
			},
		)
	}

	if compression >= t.NearOneCompression && overflowRate >= t.FrequentOverflow {
		recs = append(recs,
			Recommendation{
				Code: RecRaiseModelWindow,
				Message: fmt.Sprintf("%.0f%% of requests overflow while compression stays at %.2f: consider a model with a larger window",
					overflowRate*100, compression),
				Metric:    "overflow_rate",
				Value:     overflowRate,
				Threshold: t.FrequentOverflow,
			},
			Recommendation{
				Code:      RecSummarizeDialog,
				Message:   "summarize long dialog history before compaction",
				Metric:    "compression_ratio",
				Value:     compression,
				Threshold: t.NearOneCompression,
			},
		)
	}

	if budgetUsed > t.HighBudgetUse {
		recs = append(recs, Recommendation{
			Code:      RecBudgetSaturated,
			Message:   fmt.Sprintf("mean budget use %.2f exceeds %.2f: the context ceiling is saturated", budgetUsed, t.HighBudgetUse),
			Metric:    "budget_used",
			Value:     budgetUsed,
			Threshold: t.HighBudgetUse,
		})
	}

	return recs
}
