package service_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
	"github.com/flemzord/ctxbudget/internal/service"
	"github.com/flemzord/ctxbudget/internal/stats"
	"github.com/flemzord/ctxbudget/internal/telemetry"
	"github.com/flemzord/ctxbudget/modules/stats/sqlite"
)

// byteEstimator counts one token per byte.
type byteEstimator struct{}

func (byteEstimator) Estimate(text string) int { return len(text) }

func heuristicRegistry() *ctxengine.EstimatorRegistry {
	return ctxengine.NewEstimatorRegistry(nil, ctxengine.WithEncodingLoader(
		func(string) (ctxengine.TokenEstimator, error) { return byteEstimator{}, nil },
	))
}

func contextConfig(window int) ctxengine.ContextConfig {
	return ctxengine.ContextConfig{
		Budget: ctxengine.BudgetConfig{Model: "gpt-4", ModelWindowSize: window, MaxContextRatio: 1},
	}
}

func request(fragments int) ctxengine.ContextRequest {
	req := ctxengine.ContextRequest{
		TaskInstruction: strings.Repeat("t", 30),
		Query:           "what about token sk-abcdefghijklmnopqrstuvwxyz123456?",
	}
	for i := range fragments {
		req.RetrievedFragments = append(req.RetrievedFragments,
			ctxengine.NewFragment(fmt.Sprintf("f%d", i+1), strings.Repeat("x", 100), float64(i+1)/10))
	}
	return req
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type redactor struct{}

func (redactor) Redact(s string) string {
	return strings.ReplaceAll(s, "sk-abcdefghijklmnopqrstuvwxyz123456", "[REDACTED]")
}

func newService(t *testing.T, window int, mutate func(*service.Options)) (*service.Service, *stats.Sink, *clock) {
	t.Helper()

	sink, err := stats.Open(stats.SinkConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("stats.Open: %v", err)
	}
	t.Cleanup(func() { _ = sink.Stop(context.Background()) })

	clk := &clock{now: time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)}
	n := 0
	opts := service.Options{
		Context:    contextConfig(window),
		Estimators: heuristicRegistry(),
		Sink:       sink,
		Redactor:   redactor{},
		Logger:     slog.New(slog.DiscardHandler),
		Now:        clk.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("req-%d", n)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := service.New(opts)
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc, sink, clk
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := service.New(service.Options{Context: ctxengine.ContextConfig{
		Budget: ctxengine.BudgetConfig{ModelWindowSize: 1000, MaxContextRatio: 1.5},
	}})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestCompact_RecordsStats(t *testing.T) {
	t.Parallel()

	svc, sink, _ := newService(t, 10000, nil)

	out, err := svc.Compact(context.Background(), request(2))
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if out.Stats.ChunksKept != 2 || out.Digest == "" {
		t.Errorf("result = %+v", out.Stats)
	}

	snap := sink.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("sink has %d records, want 1", len(snap))
	}
	rec := snap[0]
	if rec.RequestID != "req-1" || rec.Model != "gpt-4" {
		t.Errorf("record = %+v", rec)
	}
	if strings.Contains(rec.QueryPreview, "sk-") || !strings.Contains(rec.QueryPreview, "[REDACTED]") {
		t.Errorf("QueryPreview not redacted: %q", rec.QueryPreview)
	}
	if rt := svc.RealTime(); rt.TotalQueries != 1 {
		t.Errorf("RealTime = %+v", rt)
	}
}

func TestCompact_RequestIDFromContext(t *testing.T) {
	t.Parallel()

	svc, sink, _ := newService(t, 10000, nil)
	ctx := service.WithRequestID(context.Background(), "caller-id")
	if _, err := svc.Compact(ctx, request(0)); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if got := sink.Snapshot()[0].RequestID; got != "caller-id" {
		t.Errorf("RequestID = %q, want caller-id", got)
	}
}

func TestCompact_Errors(t *testing.T) {
	t.Parallel()

	svc, sink, _ := newService(t, 50, nil)

	_, err := svc.Compact(context.Background(), request(1))
	var exceeded *ctxengine.BudgetExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("error = %v, want *BudgetExceededError", err)
	}

	_, err = svc.Compact(context.Background(), ctxengine.ContextRequest{Query: "q"})
	if !errors.Is(err, ctxengine.ErrInvalidRequest) {
		t.Errorf("error = %v, want ErrInvalidRequest", err)
	}

	if len(sink.Snapshot()) != 0 {
		t.Error("failed compactions must not be recorded")
	}
}

func TestCompact_Traced(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	svc, _, _ := newService(t, 10000, func(o *service.Options) { o.Tracer = tp.Tracer("test") })

	if _, err := svc.Compact(context.Background(), request(1)); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != "ctxbudget.compact" {
		t.Fatalf("spans = %v", spans)
	}
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "ctxbudget.tokens_after" {
			found = true
		}
	}
	if !found {
		t.Error("span missing ctxbudget.tokens_after")
	}
}

func TestAggregateAndRecommendations(t *testing.T) {
	t.Parallel()

	// 30 task + 53 query + 3*100 fragments: only the best fragment fits in
	// 200, so efficiency is 0.7*0.5 + 0.3*0.915.
	svc, _, clk := newService(t, 200, nil)
	ctx := context.Background()

	for range 3 {
		if _, err := svc.Compact(ctx, request(3)); err != nil {
			t.Fatalf("Compact: %v", err)
		}
		clk.Advance(time.Minute)
	}

	agg, err := svc.Aggregate(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.TotalRequests != 3 || agg.TotalTokensSaved <= 0 {
		t.Errorf("Aggregate = %+v", agg)
	}

	recs, err := svc.Recommendations(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Recommendations: %v", err)
	}
	codes := map[string]bool{}
	for _, r := range recs {
		codes[r.Code] = true
	}
	if !codes[ctxengine.RecRaiseContextRatio] {
		t.Errorf("efficiency is below 0.7; got %v", recs)
	}

	summary, err := svc.Summary(ctx, time.Hour)
	if err != nil || summary.TotalQueries != 3 {
		t.Errorf("Summary = %+v, %v", summary, err)
	}
}

func TestAggregate_UsesIndex(t *testing.T) {
	t.Parallel()

	idx, err := sqlite.Open(context.Background(), sqlite.Config{Path: filepath.Join(t.TempDir(), "stats.db")})
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	svc, _, _ := newService(t, 10000, func(o *service.Options) { o.Index = idx })
	for range 2 {
		if _, err := svc.Compact(context.Background(), request(1)); err != nil {
			t.Fatalf("Compact: %v", err)
		}
	}

	agg, err := svc.Aggregate(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.TotalRequests != 2 {
		t.Errorf("index aggregate = %+v, want 2 requests", agg)
	}

	models, err := svc.ModelStats(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("ModelStats: %v", err)
	}
	if len(models) != 1 || models["gpt-4"].TotalRequests != 2 {
		t.Errorf("index model stats = %+v, want gpt-4 with 2 requests", models)
	}
}

func TestModelStats_FromSink(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t, 10000, nil)
	for range 3 {
		if _, err := svc.Compact(context.Background(), request(1)); err != nil {
			t.Fatalf("Compact: %v", err)
		}
	}

	models, err := svc.ModelStats(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("ModelStats: %v", err)
	}
	if len(models) != 1 || models["gpt-4"].TotalRequests != 3 {
		t.Errorf("model stats = %+v, want gpt-4 with 3 requests", models)
	}
}

func TestStatsDisabled(t *testing.T) {
	t.Parallel()

	svc, err := service.New(service.Options{Context: contextConfig(10000), Estimators: heuristicRegistry()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := svc.Compact(context.Background(), request(1)); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if _, err := svc.Aggregate(context.Background(), time.Hour); !errors.Is(err, service.ErrStatsDisabled) {
		t.Errorf("Aggregate error = %v, want ErrStatsDisabled", err)
	}
	report, err := svc.Status(context.Background())
	if err != nil || report.RealTime.TotalQueries != 1 {
		t.Errorf("Status = %+v, %v", report, err)
	}
}

func TestWriteStatus(t *testing.T) {
	t.Parallel()

	svc, sink, _ := newService(t, 10000, nil)
	ctx := context.Background()

	wrote, err := svc.WriteStatus(ctx)
	if err != nil || wrote {
		t.Fatalf("WriteStatus before any query = %v, %v; want false, nil", wrote, err)
	}

	if _, err := svc.Compact(ctx, request(1)); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	wrote, err = svc.WriteStatus(ctx)
	if err != nil || !wrote {
		t.Fatalf("WriteStatus = %v, %v", wrote, err)
	}

	report, err := stats.ReadStatus(filepath.Join(sink.Dir(), stats.StatusFileName))
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if report.RealTime.TotalQueries != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	svc, sink, clk := newService(t, 10000, nil)
	old := filepath.Join(sink.Dir(), stats.DefaultFileName+".3")
	if err := os.WriteFile(old, []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	stale := clk.Now().Add(-60 * 24 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Cleanup(context.Background(), stats.DefaultRetention)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(res.Files) != 1 || res.RetentionDays != 30 {
		t.Errorf("Cleanup = %+v", res)
	}
}

func TestReload(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t, 10000, nil)
	if svc.MaxContextTokens() != 10000 {
		t.Fatalf("MaxContextTokens = %d", svc.MaxContextTokens())
	}

	if err := svc.Reload(contextConfig(500)); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if svc.MaxContextTokens() != 500 {
		t.Errorf("MaxContextTokens after reload = %d, want 500", svc.MaxContextTokens())
	}

	bad := contextConfig(500)
	bad.EvictionOrder = "random"
	if err := svc.Reload(bad); err == nil {
		t.Error("expected invalid reload to fail")
	}
	if svc.MaxContextTokens() != 500 {
		t.Error("failed reload must keep the previous configuration")
	}
}

func TestSubscribe(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t, 10000, nil)
	ch, cancel := svc.Subscribe(4)

	if _, err := svc.Compact(context.Background(), request(1)); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	select {
	case rec := <-ch:
		if rec.RequestID != "req-1" {
			t.Errorf("published record = %+v", rec)
		}
	case <-time.After(time.Second):
		t.Fatal("no record published")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel must be closed after cancel")
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t, 10000, nil)
	if problems := svc.Health(); len(problems) != 0 {
		t.Errorf("Health = %v, want none", problems)
	}

	degraded, err := service.New(service.Options{
		Context: ctxengine.ContextConfig{
			Budget: ctxengine.BudgetConfig{Model: "no-such-model", ModelWindowSize: 1000},
		},
		Estimators: ctxengine.NewEstimatorRegistry(nil),
		Metrics:    telemetry.NewMetrics(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if problems := degraded.Health(); len(problems) != 1 {
		t.Errorf("Health = %v, want the heuristic warning", problems)
	}
}
