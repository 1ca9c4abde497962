package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// InitTracer initializes OpenTelemetry tracing with an OTLP/HTTP exporter,
// the transport a process without its own gRPC server (this module has
// none) can reach a collector over without pulling in a gRPC client
// stack. Returns a shutdown function that must be called on process exit.
// An empty collectorEndpoint is rejected with an error.
func InitTracer(serviceName, collectorEndpoint string) (func(context.Context) error, error) {
	if collectorEndpoint == "" {
		return nil, fmt.Errorf("collector endpoint must not be empty")
	}
	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(collectorEndpoint),
		otlptracehttp.WithInsecure(), // use TLS in production
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer wraps an OpenTelemetry tracer so Device can start a span per
// Open/Command call without importing otel directly. It satisfies
// device's structural tracer interface.
type Tracer struct {
	name string
}

// NewTracer returns a Tracer that starts spans under name (typically the
// package's own name, e.g. "qmicore/device").
func NewTracer(name string) *Tracer {
	return &Tracer{name: name}
}

// StartSpan starts a span named spanName and returns the derived context
// plus a function that ends the span, recording err on it if non-nil.
func (t *Tracer) StartSpan(ctx context.Context, spanName string) (context.Context, func(err error)) {
	ctx, span := otel.Tracer(t.name).Start(ctx, spanName)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
