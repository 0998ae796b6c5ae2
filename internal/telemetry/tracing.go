package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceName is reported as service.name when none is configured.
const DefaultServiceName = "ctxbudget"

// TracingConfig configures OTLP/HTTP span export. An empty Endpoint
// disables tracing.
type TracingConfig struct {
	// Endpoint is host:port or a full http(s) URL of the OTLP collector.
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	// SampleRate is the fraction of traces kept. Zero means 1.
	SampleRate float64       `yaml:"sample_rate"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Enabled reports whether spans are exported.
func (c TracingConfig) Enabled() bool { return c.Endpoint != "" }

// Validate checks the sampling rate.
func (c TracingConfig) Validate() error {
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("telemetry: sample_rate must be in [0, 1], got %g", c.SampleRate)
	}
	return nil
}

// Tracing owns the tracer provider.
type Tracing struct {
	provider *sdktrace.TracerProvider // nil when disabled
	tracer   trace.Tracer
}

// NewTracing builds a tracer. With tracing disabled the tracer is a no-op
// and Stop does nothing.
func NewTracing(ctx context.Context, cfg TracingConfig, version string) (*Tracing, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	if !cfg.Enabled() {
		return &Tracing{tracer: noop.NewTracerProvider().Tracer(name)}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exp, err := otlptracehttp.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating OTLP exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	return NewTracingWithProvider(tp, name), nil
}

// NewTracingWithProvider wraps an existing provider; Stop shuts it down.
func NewTracingWithProvider(tp *sdktrace.TracerProvider, name string) *Tracing {
	return &Tracing{provider: tp, tracer: tp.Tracer(name)}
}

func exporterOptions(cfg TracingConfig) []otlptracehttp.Option {
	var opts []otlptracehttp.Option
	if strings.HasPrefix(cfg.Endpoint, "http://") || strings.HasPrefix(cfg.Endpoint, "https://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(cfg.Timeout))
	}
	return opts
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate == 0 || rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Tracer returns the tracer spans are started from.
func (t *Tracing) Tracer() trace.Tracer { return t.tracer }

// Enabled reports whether spans leave the process.
func (t *Tracing) Enabled() bool { return t.provider != nil }

// Stop flushes pending spans and shuts the provider down.
func (t *Tracing) Stop(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutting down tracer: %w", err)
	}
	return nil
}
