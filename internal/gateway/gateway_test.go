package gateway

import (
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
	"github.com/flemzord/ctxbudget/internal/security"
	"github.com/flemzord/ctxbudget/internal/stats"
)

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, Config{}, Options{Version: "v1.2.3"}, true)

		rr := env.do(t, http.MethodGet, "/health", nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rr.Code)
		}
		resp := decode[HealthResponse](t, rr)
		if resp.Status != "ok" || resp.Version != "v1.2.3" || resp.MaxContextTokens != 1000 {
			t.Errorf("health = %+v", resp)
		}
	})

	t.Run("degraded", func(t *testing.T) {
		t.Parallel()
		env := newTestEnvModel(t, Config{}, Options{}, true, "no-such-model")

		rr := env.do(t, http.MethodGet, "/health", nil, nil)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", rr.Code)
		}
		if resp := decode[HealthResponse](t, rr); resp.Status != "degraded" || len(resp.Problems) == 0 {
			t.Errorf("health = %+v", resp)
		}
	})
}

func TestCompact(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, Options{}, true)

	rr := env.do(t, http.MethodPost, "/v1/compact", compactBody(10), map[string]string{"X-Request-Id": "abc-123"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	out := decode[ctxengine.CompactedContext](t, rr)
	// Headers and fragment labels count too: 1213 tokens rendered, so two
	// fragments go.
	if out.Stats.TokensAfter > 1000 || out.Stats.ChunksOriginal != 10 || out.Stats.ChunksKept != 8 {
		t.Errorf("stats = %+v", out.Stats)
	}
	if len(out.Dropped) != 2 || out.Dropped[0] != "f1" || out.Dropped[1] != "f2" {
		t.Errorf("dropped = %v, want [f1 f2]", out.Dropped)
	}
	if !strings.Contains(out.Text, "## Query") {
		t.Errorf("context missing query section: %q", out.Text)
	}

	snap := env.sink.Snapshot()
	if len(snap) != 1 || snap[0].RequestID != "abc-123" {
		t.Errorf("recorded = %+v", snap)
	}
}

func TestCompact_Errors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{MaxBodyBytes: 4096}, Options{}, true)

	huge := compactBody(0)
	huge.Query = strings.Repeat("q", 1100)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"task_instruction":`, http.StatusBadRequest},
		{"missing query", ctxengine.ContextRequest{TaskInstruction: "do it"}, http.StatusBadRequest},
		{"mandatory too large", huge, http.StatusUnprocessableEntity},
		{"body too large", `{"query":"` + strings.Repeat("x", 5000) + `"}`, http.StatusRequestEntityTooLarge},
		{"nesting too deep", `{"query":"q","retrieved_fragments":[{"id":"a","metadata":` + strings.Repeat(`{"k":`, 40) + `1` + strings.Repeat(`}`, 40) + `}]}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rr := env.do(t, http.MethodPost, "/v1/compact", tt.body, nil)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.want, rr.Body)
			}
		})
	}

	t.Run("bad request id", func(t *testing.T) {
		t.Parallel()
		rr := env.do(t, http.MethodPost, "/v1/compact", compactBody(1), map[string]string{"X-Request-Id": "has space"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("exceeded body names segments", func(t *testing.T) {
		t.Parallel()
		rr := env.do(t, http.MethodPost, "/v1/compact", huge, nil)
		resp := decode[budgetExceededJSON](t, rr)
		if resp.OverflowTokens != 150 || len(resp.Segments) != 2 {
			t.Errorf("422 body = %+v", resp)
		}
	})
}

func TestCompact_RateLimited(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, Options{}, false)

	cfg := Config{}
	cfg.RateLimit.CompactPerMin = 1
	limited := newTestEnv(t, cfg, Options{}, false)

	if rr := limited.do(t, http.MethodPost, "/v1/compact", compactBody(1), nil); rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rr.Code)
	}
	if rr := limited.do(t, http.MethodPost, "/v1/compact", compactBody(1), nil); rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/v1/compact", compactBody(1), nil); rr.Code != http.StatusOK {
		t.Errorf("default limit status = %d", rr.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, Options{}, true)
	for range 3 {
		if rr := env.do(t, http.MethodPost, "/v1/compact", compactBody(10), nil); rr.Code != http.StatusOK {
			t.Fatalf("compact status = %d", rr.Code)
		}
	}

	rr := env.do(t, http.MethodGet, "/v1/stats/aggregate?window=1h", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("aggregate status = %d", rr.Code)
	}
	if agg := decode[stats.Aggregate](t, rr); agg.TotalRequests != 3 || agg.TotalTokensSaved != 300 {
		t.Errorf("aggregate = %+v", agg)
	}

	rr = env.do(t, http.MethodGet, "/v1/stats/summary", nil, nil)
	if s := decode[stats.PerformanceSummary](t, rr); s.TotalQueries != 3 || s.PeriodHours != 24 {
		t.Errorf("summary = %+v", s)
	}

	rr = env.do(t, http.MethodGet, "/v1/stats/realtime", nil, nil)
	if rt := decode[stats.RealTimeMetrics](t, rr); rt.TotalQueries != 3 {
		t.Errorf("realtime = %+v", rt)
	}

	rr = env.do(t, http.MethodGet, "/v1/recommendations?window=2h", nil, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("recommendations status = %d", rr.Code)
	}
	_ = decode[[]ctxengine.Recommendation](t, rr)

	rr = env.do(t, http.MethodGet, "/status", nil, nil)
	if report := decode[stats.StatusReport](t, rr); report.RealTime.TotalQueries != 3 {
		t.Errorf("status = %+v", report)
	}

	rr = env.do(t, http.MethodGet, "/v1/stats/export?format=csv&period=1h", nil, nil)
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "context_metrics_1h_") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	rows, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil || len(rows) != 4 {
		t.Errorf("csv rows = %d, err %v", len(rows), err)
	}
}

func TestStatsEndpoints_BadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, Options{}, true)
	tests := []struct {
		path string
		want int
	}{
		{"/v1/stats/aggregate?window=yesterday", http.StatusBadRequest},
		{"/v1/stats/aggregate?window=-1h", http.StatusBadRequest},
		{"/v1/stats/export?format=xml", http.StatusBadRequest},
		{"/v1/stats/summary", http.StatusNotFound},
	}
	for _, tt := range tests {
		if rr := env.do(t, http.MethodGet, tt.path, nil, nil); rr.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, rr.Code, tt.want)
		}
	}

	disabled := newTestEnv(t, Config{}, Options{}, false)
	if rr := disabled.do(t, http.MethodGet, "/v1/stats/aggregate", nil, nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("aggregate without stats = %d, want 503", rr.Code)
	}
}

func TestAuthenticatedRoutes(t *testing.T) {
	t.Parallel()

	cfg := Config{Auth: AuthConfig{BearerToken: "tok"}}
	env := newTestEnv(t, cfg, Options{}, true)

	if rr := env.do(t, http.MethodGet, "/health", nil, nil); rr.Code != http.StatusOK {
		t.Errorf("/health must stay public, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/metrics", nil, nil); rr.Code != http.StatusOK {
		t.Errorf("/metrics must stay public, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/v1/compact", compactBody(1), nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated compact = %d, want 401", rr.Code)
	}
	auth := map[string]string{"Authorization": "Bearer tok"}
	if rr := env.do(t, http.MethodPost, "/v1/compact", compactBody(1), auth); rr.Code != http.StatusOK {
		t.Errorf("authenticated compact = %d, want 200", rr.Code)
	}
}

func TestConfigEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("not mounted without auth", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t, Config{}, Options{ConfigView: func() (any, error) { return map[string]string{}, nil }}, false)
		if rr := env.do(t, http.MethodGet, "/v1/config", nil, nil); rr.Code != http.StatusNotFound {
			t.Errorf("GET /v1/config = %d, want 404", rr.Code)
		}
	})

	t.Run("redacted view and reload", func(t *testing.T) {
		t.Parallel()

		reloads := 0
		opts := Options{
			ConfigView: func() (any, error) {
				return map[string]any{
					"gateway": map[string]any{"auth": map[string]any{"bearer_token": "tok"}},
					"context": map[string]any{"budget": map[string]any{"model": "gpt-4"}},
				}, nil
			},
			Reload: func(context.Context) error {
				reloads++
				if reloads > 1 {
					return errors.New("config: invalid")
				}
				return nil
			},
		}
		env := newTestEnv(t, Config{Auth: AuthConfig{BearerToken: "tok"}}, opts, false)
		auth := map[string]string{"Authorization": "Bearer tok"}

		rr := env.do(t, http.MethodGet, "/v1/config", nil, auth)
		body := rr.Body.String()
		if strings.Contains(body, `"tok"`) || !strings.Contains(body, "gpt-4") {
			t.Errorf("config view = %s", body)
		}

		if rr := env.do(t, http.MethodPost, "/v1/config/reload", nil, auth); rr.Code != http.StatusOK {
			t.Errorf("reload = %d, want 200", rr.Code)
		}
		if rr := env.do(t, http.MethodPost, "/v1/config/reload", nil, auth); rr.Code != http.StatusBadRequest {
			t.Errorf("failing reload = %d, want 400", rr.Code)
		}
	})
}

func TestStatsStream(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{}, Options{}, false)
	srv := httptest.NewServer(env.h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/stats/stream", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	got := make(chan []byte, 1)
	go func() {
		_, data, err := conn.Read(ctx)
		if err == nil {
			got <- data
		}
	}()

	// The server subscribes after the handshake; keep compacting until the
	// first record arrives.
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case data := <-got:
			if !strings.Contains(string(data), `"tokens_before"`) {
				t.Errorf("stream message = %s", data)
			}
			return
		case <-ticker.C:
			req := compactBody(1)
			if _, err := env.svc.Compact(ctx, req); err != nil {
				t.Fatalf("Compact: %v", err)
			}
		case <-ctx.Done():
			t.Fatal("no stream message received")
		}
	}
}

func TestAudit(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []security.AuditEvent
	)
	audit := security.NewAuditLogger(security.AuditLoggerConfig{
		OnEvent: func(e security.AuditEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	})
	opts := Options{
		Audit:      audit,
		ConfigView: func() (any, error) { return map[string]any{}, nil },
		Reload:     func(context.Context) error { return errors.New("config: broken") },
	}
	cfg := Config{
		Auth:      AuthConfig{BearerToken: "tok"},
		RateLimit: security.RateLimitConfig{CompactPerMin: 1},
	}
	env := newTestEnv(t, cfg, opts, false)
	auth := map[string]string{"Authorization": "Bearer tok", "X-Request-Id": "req-9"}

	env.do(t, http.MethodGet, "/v1/config", nil, map[string]string{"Authorization": "Bearer nope"})
	env.do(t, http.MethodGet, "/v1/config", nil, auth)
	env.do(t, http.MethodPost, "/v1/config/reload", nil, auth)
	env.do(t, http.MethodPost, "/v1/compact", compactBody(1), auth)
	env.do(t, http.MethodPost, "/v1/compact", compactBody(1), auth)

	mu.Lock()
	defer mu.Unlock()
	want := []struct {
		typ     security.EventType
		outcome string
	}{
		{security.EventAuthFailure, "rejected"},
		{security.EventConfigView, "ok"},
		{security.EventConfigReload, "failed"},
		{security.EventRateLimit, "rejected"},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events (%+v), want %d", len(events), events, len(want))
	}
	for i, w := range want {
		if events[i].Type != w.typ || events[i].Outcome != w.outcome {
			t.Errorf("event[%d] = %s/%s, want %s/%s", i, events[i].Type, events[i].Outcome, w.typ, w.outcome)
		}
	}
	if events[1].RequestID != "req-9" || events[1].Path != "/v1/config" {
		t.Errorf("config view event = %+v", events[1])
	}
}

func TestAuditLogFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.jsonl")
	cfg := Config{Bind: "127.0.0.1:0", Auth: AuthConfig{BearerToken: "tok"}, AuditLog: path}
	env := newTestEnv(t, cfg, Options{}, false)
	if err := env.gw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The router built by Start carries the opened audit log.
	rr := httptest.NewRecorder()
	env.gw.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("GET /status without auth = %d, want 401", rr.Code)
	}

	if err := env.gw.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if !strings.Contains(string(data), `"type":"auth_failure"`) {
		t.Errorf("audit log = %s", data)
	}
}
