package stats

import "fmt"

// AlertThresholds bound the per-request health checks.
type AlertThresholds struct {
	HighCompression float64 `yaml:"high_compression" json:"high_compression"`
	LowEfficiency   float64 `yaml:"low_efficiency" json:"low_efficiency"`
	HighBudgetUse   float64 `yaml:"high_budget_use" json:"high_budget_use"`
}

// DefaultAlertThresholds returns the stock thresholds.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{HighCompression: 0.9, LowEfficiency: 0.6, HighBudgetUse: 0.95}
}

// WithDefaults fills zero thresholds.
func (t AlertThresholds) WithDefaults() AlertThresholds {
	d := DefaultAlertThresholds()
	if t.HighCompression == 0 {
		t.HighCompression = d.HighCompression
	}
	if t.LowEfficiency == 0 {
		t.LowEfficiency = d.LowEfficiency
	}
	if t.HighBudgetUse == 0 {
		t.HighBudgetUse = d.HighBudgetUse
	}
	return t
}

// Alert is one threshold breach of a single request.
type Alert struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}

// CheckAlerts returns the breaches of r against t.
func CheckAlerts(r Record, t AlertThresholds) []Alert {
	t = t.WithDefaults()
	var alerts []Alert
	if r.CompressionRatio > t.HighCompression {
		alerts = append(alerts, Alert{
			Metric:    "compression_ratio",
			Value:     r.CompressionRatio,
			Threshold: t.HighCompression,
			Message:   fmt.Sprintf("high compression ratio %.3f: little content was removed", r.CompressionRatio),
		})
	}
	if r.EfficiencyScore < t.LowEfficiency {
		alerts = append(alerts, Alert{
			Metric:    "efficiency_score",
			Value:     r.EfficiencyScore,
			Threshold: t.LowEfficiency,
			Message:   fmt.Sprintf("low efficiency score %.3f", r.EfficiencyScore),
		})
	}
	if r.BudgetUsed > t.HighBudgetUse {
		alerts = append(alerts, Alert{
			Metric:    "budget_used",
			Value:     r.BudgetUsed,
			Threshold: t.HighBudgetUse,
			Message:   fmt.Sprintf("budget nearly exhausted at %.1f%%", r.BudgetUsed*100),
		})
	}
	return alerts
}
