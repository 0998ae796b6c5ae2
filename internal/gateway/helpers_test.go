package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
	"github.com/flemzord/ctxbudget/internal/service"
	"github.com/flemzord/ctxbudget/internal/stats"
)

// byteEstimator counts one token per byte.
type byteEstimator struct{}

func (byteEstimator) Estimate(text string) int { return len(text) }

func testContextConfig(model string, window int) ctxengine.ContextConfig {
	return ctxengine.ContextConfig{
		Budget: ctxengine.BudgetConfig{Model: model, ModelWindowSize: window, MaxContextRatio: 1},
	}
}

type testEnv struct {
	gw   *Gateway
	svc  *service.Service
	sink *stats.Sink
	h    http.Handler
}

func newTestEnv(t *testing.T, cfg Config, opts Options, withSink bool) *testEnv {
	t.Helper()
	return newTestEnvModel(t, cfg, opts, withSink, "gpt-4")
}

func newTestEnvModel(t *testing.T, cfg Config, opts Options, withSink bool, model string) *testEnv {
	t.Helper()

	var sink *stats.Sink
	if withSink {
		var err error
		sink, err = stats.Open(stats.SinkConfig{Dir: t.TempDir()})
		if err != nil {
			t.Fatalf("stats.Open: %v", err)
		}
		t.Cleanup(func() { _ = sink.Stop(context.Background()) })
	}

	reg := ctxengine.NewEstimatorRegistry(nil, ctxengine.WithEncodingLoader(
		func(string) (ctxengine.TokenEstimator, error) { return byteEstimator{}, nil },
	))
	svc, err := service.New(service.Options{
		Context:    testContextConfig(model, 1000),
		Estimators: reg,
		Sink:       sink,
	})
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	gw, err := New(cfg, svc, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{gw: gw, svc: svc, sink: sink, h: gw.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

// compactBody builds a request with n fragments of 100 bytes each.
func compactBody(n int) ctxengine.ContextRequest {
	req := ctxengine.ContextRequest{
		TaskInstruction: strings.Repeat("t", 50),
		Query:           strings.Repeat("q", 50),
	}
	for i := range n {
		req.RetrievedFragments = append(req.RetrievedFragments,
			ctxengine.NewFragment(fmt.Sprintf("f%d", i+1), strings.Repeat("x", 100), float64(i+1)/10))
	}
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}
