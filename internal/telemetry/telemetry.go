// Package telemetry provides the tracing half of MetricsAndAudit: one span
// per public cache operation, exported to Jaeger over OpenTelemetry. The
// traced components are fixed — the log-structured cache, the attention
// store, and the quantization codec — and spans are named
// "<component>.<operation>" so a trace of a decode session reads as the
// sequence of core operations it triggered.
package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "kvcached"
	serviceVersion = "0.1.0"
)

// Component names one traced subsystem. Tracers are scoped as
// "kvcached/<component>".
type Component string

const (
	ComponentLogCache  Component = "logcache"
	ComponentAttention Component = "attention"
	ComponentQuant     Component = "quant"
)

var tracerProvider *tracesdk.TracerProvider

// Init initializes OpenTelemetry tracing with a Jaeger exporter.
// sampleRatio in (0, 1) enables parent-based head sampling at that ratio;
// any other value keeps every span. Decode-heavy serving emits one span per
// generation call, so production deployments typically sample while the
// demo harness and tests keep everything.
func Init(jaegerEndpoint string, sampleRatio float64) error {
	if jaegerEndpoint == "" {
		jaegerEndpoint = "http://jaeger:14268/api/traces"
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)))
	if err != nil {
		return fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := tracesdk.AlwaysSample()
	if sampleRatio > 0 && sampleRatio < 1 {
		sampler = tracesdk.ParentBased(tracesdk.TraceIDRatioBased(sampleRatio))
	}

	tracerProvider = tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(sampler),
	)
	otel.SetTracerProvider(tracerProvider)

	log.Printf("tracing initialized: %s (sample ratio %v)", jaegerEndpoint, sampleRatio)
	return nil
}

// Shutdown gracefully shuts down the tracer provider.
func Shutdown(ctx context.Context) error {
	if tracerProvider != nil {
		return tracerProvider.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the tracer scoped to component.
func Tracer(c Component) trace.Tracer {
	return otel.Tracer(fmt.Sprintf("%s/%s", serviceName, c))
}

// StartOp opens the span for one public cache operation and returns the
// updated context plus a completion func. The completion func records a
// non-nil error on the span and marks its status before ending it, so
// every call site follows the same two-line discipline:
//
//	ctx, done := telemetry.StartOp(ctx, telemetry.ComponentAttention, "prefill")
//	defer func() { done(err) }()
func StartOp(ctx context.Context, c Component, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := Tracer(c).Start(ctx, fmt.Sprintf("%s.%s", c, op))
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
