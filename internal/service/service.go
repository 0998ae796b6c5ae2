// Package service ties the context engine to the stats pipeline: every
// compaction is traced, measured, checked against alert thresholds,
// persisted, and fanned out to live subscribers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
	"github.com/flemzord/ctxbudget/internal/stats"
	"github.com/flemzord/ctxbudget/internal/telemetry"
)

// DefaultWindow is the aggregation window used when none is given.
const DefaultWindow = 24 * time.Hour

// ErrStatsDisabled is returned by queries when no stats store is configured.
var ErrStatsDisabled = errors.New("service: stats persistence is disabled")

// Index is a queryable store of records, such as the SQLite index.
type Index interface {
	stats.Source
	Insert(ctx context.Context, r stats.Record) error
	Aggregate(ctx context.Context, since time.Time) (stats.Aggregate, error)
	ModelStats(ctx context.Context, since time.Time) (map[string]stats.Aggregate, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Options configures a Service. Only Context is required.
type Options struct {
	Context ctxengine.ContextConfig

	// Estimators resolves model profiles to estimators. Nil builds a
	// registry that loads tiktoken encodings on demand.
	Estimators *ctxengine.EstimatorRegistry

	Sink    *stats.Sink
	Index   Index
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer

	Redactor        stats.Redactor
	Alerts          stats.AlertThresholds
	Recommendations ctxengine.RecommendationThresholds

	// StatusPath is where WriteStatus puts the report. Empty means
	// status_report.json next to the stats log.
	StatusPath string

	Logger *slog.Logger

	// Now and NewID are test seams.
	Now   func() time.Time
	NewID func() string
}

// Service compacts requests and records their statistics. It is safe for
// concurrent use.
type Service struct {
	assembler  atomic.Pointer[ctxengine.ContextAssembler]
	estimators *ctxengine.EstimatorRegistry

	sink        *stats.Sink
	index       Index
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
	redactor    stats.Redactor
	alerts      stats.AlertThresholds
	recommender *ctxengine.RecommendationEngine
	realtime    *stats.RealTime
	statusPath  string
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	mu      sync.Mutex
	subs    map[int]chan stats.Record
	nextSub int
	closed  bool
}

// New validates the engine configuration and builds a Service.
func New(opts Options) (*Service, error) {
	if err := opts.Context.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "service")

	s := &Service{
		estimators:  opts.Estimators,
		sink:        opts.Sink,
		index:       opts.Index,
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		redactor:    opts.Redactor,
		alerts:      opts.Alerts.WithDefaults(),
		recommender: ctxengine.NewRecommendationEngine(opts.Recommendations),
		realtime:    stats.NewRealTime(stats.DefaultEMAAlpha),
		statusPath:  opts.StatusPath,
		logger:      logger,
		now:         opts.Now,
		newID:       opts.NewID,
		subs:        make(map[int]chan stats.Record),
	}
	if s.estimators == nil {
		s.estimators = ctxengine.NewEstimatorRegistry(logger)
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewMetrics()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer(telemetry.DefaultServiceName)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.statusPath == "" && s.sink != nil {
		s.statusPath = filepath.Join(s.sink.Dir(), stats.StatusFileName)
	}

	s.assembler.Store(s.build(opts.Context))
	return s, nil
}

func (s *Service) build(cfg ctxengine.ContextConfig) *ctxengine.ContextAssembler {
	return ctxengine.NewContextAssembler(s.estimators.For(cfg.Budget.Model), cfg, s.logger)
}

// Reload swaps in a new engine configuration. In-flight compactions finish
// with the configuration they started with.
func (s *Service) Reload(cfg ctxengine.ContextConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a := s.build(cfg)
	s.assembler.Store(a)
	s.logger.Info("context configuration reloaded",
		"model", a.Config().Budget.Model,
		"max_context_tokens", a.MaxContextTokens(),
	)
	return nil
}

// Config returns the effective engine configuration.
func (s *Service) Config() ctxengine.ContextConfig { return s.assembler.Load().Config() }

// MaxContextTokens returns the current token ceiling.
func (s *Service) MaxContextTokens() int { return s.assembler.Load().MaxContextTokens() }

// Degraded reports whether token counts come from the fallback heuristic.
func (s *Service) Degraded() bool { return s.assembler.Load().Degraded() }

// Metrics returns the Prometheus collectors.
func (s *Service) Metrics() *telemetry.Metrics { return s.metrics }

type requestIDKey struct{}

// WithRequestID attaches a caller-chosen request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func (s *Service) requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return s.newID()
}

// Compact assembles req and records its statistics. Only engine errors are
// returned; persistence problems are logged and counted.
func (s *Service) Compact(ctx context.Context, req ctxengine.ContextRequest) (ctxengine.CompactedContext, error) {
	ctx, span := s.tracer.Start(ctx, "ctxbudget.compact")
	defer span.End()

	a := s.assembler.Load()
	model := a.Config().Budget.Model
	span.SetAttributes(
		attribute.String("ctxbudget.model", model),
		attribute.Int("ctxbudget.max_context_tokens", a.MaxContextTokens()),
		attribute.Int("ctxbudget.dialog_turns", len(req.DialogHistory)),
		attribute.Int("ctxbudget.fragments", len(req.RetrievedFragments)),
	)

	start := time.Now()
	out, err := a.Assemble(req)
	took := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveFailure(outcomeOf(err))
		if errors.Is(err, ctxengine.ErrBudgetExceeded) {
			s.logger.Warn("mandatory content exceeds budget", "error", err)
		}
		return ctxengine.CompactedContext{}, err
	}

	span.SetAttributes(
		attribute.Int("ctxbudget.tokens_before", out.Stats.TokensBefore),
		attribute.Int("ctxbudget.tokens_after", out.Stats.TokensAfter),
		attribute.Float64("ctxbudget.efficiency_score", out.Stats.EfficiencyScore),
		attribute.Bool("ctxbudget.degraded", out.Degraded),
	)

	rec := stats.NewRecord(s.now(), s.requestID(ctx), model, req.Query, out, s.redactor)
	s.observe(ctx, rec, took)
	return out, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ctxengine.ErrBudgetExceeded):
		return telemetry.OutcomeExceeded
	case errors.Is(err, ctxengine.ErrInvalidRequest):
		return telemetry.OutcomeInvalid
	default:
		return telemetry.OutcomeError
	}
}

func (s *Service) observe(ctx context.Context, rec stats.Record, took time.Duration) {
	s.realtime.Observe(rec)
	s.metrics.ObserveCompaction(rec.ContextStats, took)
	s.metrics.SetRealTime(s.realtime.Snapshot())

	alerts := stats.CheckAlerts(rec, s.alerts)
	s.metrics.ObserveAlerts(alerts)
	for _, al := range alerts {
		s.logger.Warn("context alert",
			"request_id", rec.RequestID,
			"metric", al.Metric,
			"value", al.Value,
			"threshold", al.Threshold,
		)
	}

	if s.sink != nil {
		if err := s.sink.Submit(ctx, rec); err != nil {
			s.logger.Warn("stats record not persisted", "request_id", rec.RequestID, "error", err)
		}
	}
	if s.index != nil {
		if err := s.index.Insert(ctx, rec); err != nil {
			s.logger.Warn("stats record not indexed", "request_id", rec.RequestID, "error", err)
		}
	}

	s.publish(rec)
}

func (s *Service) source() (stats.Source, error) {
	switch {
	case s.index != nil:
		return s.index, nil
	case s.sink != nil:
		return s.sink, nil
	default:
		return nil, ErrStatsDisabled
	}
}

// Records returns the records of the last window.
func (s *Service) Records(ctx context.Context, window time.Duration) ([]stats.Record, error) {
	src, err := s.source()
	if err != nil {
		return nil, err
	}
	return src.Records(ctx, s.now().Add(-window))
}

// Aggregate returns the dashboard view of the last window.
func (s *Service) Aggregate(ctx context.Context, window time.Duration) (stats.Aggregate, error) {
	if s.index != nil {
		return s.index.Aggregate(ctx, s.now().Add(-window))
	}
	src, err := s.source()
	if err != nil {
		return stats.Aggregate{}, err
	}
	return stats.Query(ctx, src, window, s.now())
}

// ModelStats returns the dashboard view of the last window per model.
func (s *Service) ModelStats(ctx context.Context, window time.Duration) (map[string]stats.Aggregate, error) {
	since := s.now().Add(-window)
	if s.index != nil {
		return s.index.ModelStats(ctx, since)
	}
	src, err := s.source()
	if err != nil {
		return nil, err
	}
	records, err := src.Records(ctx, since)
	if err != nil {
		return nil, err
	}
	return stats.AggregateByModel(records), nil
}

// Summary returns the performance summary of the last period.
func (s *Service) Summary(ctx context.Context, period time.Duration) (stats.PerformanceSummary, error) {
	src, err := s.source()
	if err != nil {
		return stats.PerformanceSummary{}, err
	}
	return stats.QuerySummary(ctx, src, period, s.now())
}

// RealTime returns the running averages since start.
func (s *Service) RealTime() stats.RealTimeMetrics { return s.realtime.Snapshot() }

// Recommendations evaluates the records of the last window.
func (s *Service) Recommendations(ctx context.Context, window time.Duration) ([]ctxengine.Recommendation, error) {
	records, err := s.Records(ctx, window)
	if err != nil {
		return nil, err
	}
	return s.recommender.Recommend(stats.StatsOf(records)), nil
}

// Status builds the current health report.
func (s *Service) Status(ctx context.Context) (stats.StatusReport, error) {
	recs, err := s.Recommendations(ctx, DefaultWindow)
	if err != nil && !errors.Is(err, ErrStatsDisabled) {
		return stats.StatusReport{}, err
	}
	return stats.BuildStatus(s.realtime.Snapshot(), recs, s.now()), nil
}

// WriteStatus writes the status report when at least one request was
// seen. It reports whether a file was written.
func (s *Service) WriteStatus(ctx context.Context) (bool, error) {
	if s.statusPath == "" || s.realtime.Snapshot().TotalQueries == 0 {
		return false, nil
	}
	report, err := s.Status(ctx)
	if err != nil {
		return false, err
	}
	if err := stats.WriteStatus(s.statusPath, report); err != nil {
		return false, err
	}
	s.logger.Info("status report written", "path", s.statusPath, "status", report.Status)
	return true, nil
}

// CleanupResult reports what a cleanup removed.
type CleanupResult struct {
	Files         []string `json:"files"`
	IndexRows     int64    `json:"index_rows"`
	RetentionDays float64  `json:"retention_days"`
}

// Cleanup removes rotated segments, exports, and index rows older than
// retention.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	res := CleanupResult{RetentionDays: retention.Hours() / 24}
	now := s.now()

	var errs []error
	if s.sink != nil {
		files, err := stats.Cleanup(s.sink.Dir(), filepath.Base(s.sink.Path()), retention, now)
		if err != nil {
			errs = append(errs, err)
		}
		res.Files = files
	}
	if s.index != nil {
		n, err := s.index.Prune(ctx, now.Add(-retention))
		if err != nil {
			errs = append(errs, err)
		}
		res.IndexRows = n
	}
	if len(res.Files) > 0 || res.IndexRows > 0 {
		s.logger.Info("stats cleanup", "files", len(res.Files), "index_rows", res.IndexRows)
	}
	return res, errors.Join(errs...)
}

// Subscribe returns a channel receiving every new record and a function
// that cancels the subscription. Slow subscribers miss records rather
// than stall compaction.
func (s *Service) Subscribe(buffer int) (<-chan stats.Record, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan stats.Record, buffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Service) publish(rec stats.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Stop closes every subscription.
func (s *Service) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	return nil
}

// Health lists the reasons the service is degraded. Empty means healthy.
func (s *Service) Health() []string {
	var problems []string
	if s.Degraded() {
		problems = append(problems, fmt.Sprintf("token estimation for %q uses the fallback heuristic", s.Config().Budget.Model))
	}
	if s.sink != nil && s.sink.Pending() > 0 {
		problems = append(problems, fmt.Sprintf("%d stats records not yet written", s.sink.Pending()))
	}
	return problems
}
