// Package tracing wires OpenTelemetry's SDK to a Jaeger collector endpoint
// and exposes a package-level StartSpan so call sites don't have to thread
// a *trace.Tracer through every function signature.
package tracing

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/knirvcorp/relaymesh/go/internal/synchronizer"

var tracerHolder atomic.Value // trace.Tracer

func init() {
	tracerHolder.Store(otel.Tracer(instrumentationName))
}

// InitTracer builds a TracerProvider exporting spans to a Jaeger collector
// at endpoint and installs it as the global provider. The provider is
// returned even if the collector is unreachable: Jaeger export failures
// surface asynchronously on span export, not at construction time, so a
// bad endpoint never prevents StartSpan from working.
func InitTracer(serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	tracerHolder.Store(tp.Tracer(instrumentationName))
	return tp, nil
}

// StartSpan starts a span named name under ctx's current trace, using
// whichever tracer was last installed by InitTracer, or the global
// OpenTelemetry no-op tracer if InitTracer was never called.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := tracerHolder.Load().(trace.Tracer)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
