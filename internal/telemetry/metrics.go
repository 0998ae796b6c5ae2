// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing
// for the compaction service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
	"github.com/flemzord/ctxbudget/internal/stats"
)

const namespace = "ctxbudget"

// Compaction outcomes used as the "outcome" label.
const (
	OutcomeOK       = "ok"
	OutcomeExceeded = "budget_exceeded"
	OutcomeInvalid  = "invalid_request"
	OutcomeError    = "error"
)

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	tokensSaved   prometheus.Counter
	overflows     prometheus.Counter
	compression   prometheus.Histogram
	efficiency    prometheus.Histogram
	budgetUsed    prometheus.Histogram
	duration      prometheus.Histogram
	alerts        *prometheus.CounterVec
	sinkFailures  prometheus.Counter
	emaEfficiency prometheus.Gauge
	emaRatio      prometheus.Gauge
}

// NewMetrics registers the collectors on a fresh registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	ratioBuckets := prometheus.LinearBuckets(0.1, 0.1, 10)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Compaction requests by outcome.",
		}, []string{"outcome"}),
		tokensSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_saved_total",
			Help:      "Tokens removed by compaction.",
		}),
		overflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overflows_total",
			Help:      "Requests that needed eviction or truncation.",
		}),
		compression: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compression_ratio",
			Help:      "tokens_after / tokens_before per request.",
			Buckets:   ratioBuckets,
		}),
		efficiency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "efficiency_score",
			Help:      "Efficiency score per request.",
			Buckets:   ratioBuckets,
		}),
		budgetUsed: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "budget_used_ratio",
			Help:      "tokens_after / max_context_tokens per request.",
			Buckets:   ratioBuckets,
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compaction_duration_seconds",
			Help:      "Time spent assembling a context.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Per-request threshold alerts by metric.",
		}, []string{"metric"}),
		sinkFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_write_failures_total",
			Help:      "Stats log writes that failed after retries.",
		}),
		emaEfficiency: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "efficiency_score_ema",
			Help:      "Exponential moving average of the efficiency score.",
		}),
		emaRatio: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compression_ratio_ema",
			Help:      "Exponential moving average of the compression ratio.",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCompaction records a successful compaction.
func (m *Metrics) ObserveCompaction(s ctxengine.ContextStats, took time.Duration) {
	m.requests.WithLabelValues(OutcomeOK).Inc()
	if saved := s.TokensBefore - s.TokensAfter; saved > 0 {
		m.tokensSaved.Add(float64(saved))
		m.overflows.Inc()
	}
	m.compression.Observe(s.CompressionRatio)
	m.efficiency.Observe(s.EfficiencyScore)
	m.budgetUsed.Observe(s.BudgetUsed)
	m.duration.Observe(took.Seconds())
}

// ObserveFailure records a compaction that returned an error.
func (m *Metrics) ObserveFailure(outcome string) {
	m.requests.WithLabelValues(outcome).Inc()
}

// ObserveAlerts counts threshold alerts.
func (m *Metrics) ObserveAlerts(alerts []stats.Alert) {
	for _, a := range alerts {
		m.alerts.WithLabelValues(a.Metric).Inc()
	}
}

// SinkFailure counts a stats write that exhausted its retries.
func (m *Metrics) SinkFailure() { m.sinkFailures.Inc() }

// SetRealTime publishes the running averages.
func (m *Metrics) SetRealTime(rt stats.RealTimeMetrics) {
	m.emaEfficiency.Set(rt.AvgEfficiencyScore)
	m.emaRatio.Set(rt.AvgCompressionRatio)
}
