// Package tracing is a thin wrapper around OpenTelemetry so kernel components can open
// spans around work execution and collection passes without importing the SDK directly.
// Without a Provider on the context spans go to the global OpenTelemetry provider,
// which is a no-op unless the process installs one.
package tracing

import (
	"context"
	"errors"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/joshuapare/rtkern"

// Provider is one kernel instance's tracer. Spans started from a context carrying a
// Provider go to its exporter only, so several instances can trace side by side.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewProvider builds a provider exporting to w with the stdout exporter (os.Stdout
// when nil).
func NewProvider(serviceName, serviceVersion, bootID string, w io.Writer) (*Provider, error) {
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	return NewProviderWithExporter(serviceName, serviceVersion, bootID, exporter)
}

// NewProviderWithExporter builds a provider with exporter behind a synchronous span
// processor.
func NewProviderWithExporter(serviceName, serviceVersion, bootID string, exporter sdktrace.SpanExporter) (*Provider, error) {
	if exporter == nil {
		return nil, errors.New("tracing: nil exporter")
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
			attribute.String("rtkern.boot_id", bootID),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	return &Provider{tp: tp, tracer: tp.Tracer(instrumentation)}, nil
}

// Shutdown flushes and stops the provider. Spans started afterwards are dropped.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

type providerKey struct{}

// WithProvider returns ctx with spans routed to p.
func WithProvider(ctx context.Context, p *Provider) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, providerKey{}, p)
}

// ProviderFrom returns the provider carried by ctx, if any.
func ProviderFrom(ctx context.Context) (*Provider, bool) {
	p, ok := ctx.Value(providerKey{}).(*Provider)
	return p, ok
}

func tracerFor(ctx context.Context) trace.Tracer {
	if p, ok := ProviderFrom(ctx); ok {
		return p.tracer
	}
	return otel.Tracer(instrumentation)
}

// Span wraps trace.Span so callers do not import the upstream package.
type Span struct {
	span trace.Span
}

// WithAttributes attaches all provided attributes to the span.
func (s *Span) WithAttributes(attrs map[string]string) *Span {
	if s == nil || len(attrs) == 0 {
		return s
	}
	otelAttrs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		otelAttrs = append(otelAttrs, attribute.String(k, v))
	}
	s.span.SetAttributes(otelAttrs...)
	return s
}

// WithInt attaches a single integer attribute.
func (s *Span) WithInt(key string, v int) *Span {
	if s == nil {
		return s
	}
	s.span.SetAttributes(attribute.Int(key, v))
	return s
}

// SetStatus records an error status on the span. If err is nil an OK status is recorded instead.
func (s *Span) SetStatus(err error) {
	if s == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
}

// StartSpan starts a new internal span named name on ctx's provider, falling back
// to the global OpenTelemetry provider.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	ctx, span := tracerFor(ctx).Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, &Span{span: span}
}

// EndSpan finalises the span and records status depending on the provided error.
func EndSpan(sp *Span, err error) {
	if sp == nil {
		return
	}
	sp.SetStatus(err)
	sp.span.End()
}
