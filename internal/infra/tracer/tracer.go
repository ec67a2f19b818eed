// Package tracer wires OpenTelemetry and names the spans emitted along the
// invocation and relay paths.
package tracer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"morsel/internal/infra/config"
)

const tracerName = "morsel"

// Span attribute keys.
const (
	AttrMethod       = "rpc.method"
	AttrConnectionID = "conn.id"
	AttrCallID       = "rpc.call_id"
	AttrTargetKind   = "backplane.target_kind"
	AttrTarget       = "backplane.target"
)

// Setup installs the global TracerProvider described by cfg and returns its
// shutdown func. Disabled tracing or the noop exporter installs a noop provider.
func Setup(ctx context.Context, cfg config.TracerConfig) (func(context.Context) error, error) {
	if !cfg.Enabled || cfg.Exporter == "" || cfg.Exporter == "noop" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if cfg.Exporter != "stdout" {
		return nil, fmt.Errorf("unsupported exporter: %s", cfg.Exporter)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout exporter: %w", err)
	}

	service := cfg.ServiceName
	if service == "" {
		service = tracerName
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", service))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func start(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartInvocation starts the server span for one dispatched hub method.
func StartInvocation(ctx context.Context, method, connID, callID string) (context.Context, trace.Span) {
	return start(ctx, "hub.invoke", trace.SpanKindServer,
		attribute.String(AttrMethod, method),
		attribute.String(AttrConnectionID, connID),
		attribute.String(AttrCallID, callID),
	)
}

// StartCall starts the client span for an outgoing invocation.
func StartCall(ctx context.Context, method, connID string) (context.Context, trace.Span) {
	return start(ctx, "hub.call", trace.SpanKindClient,
		attribute.String(AttrMethod, method),
		attribute.String(AttrConnectionID, connID),
	)
}

// StartPublish starts the producer span for a relay published to the substrate.
func StartPublish(ctx context.Context, targetKind, target string) (context.Context, trace.Span) {
	return start(ctx, "backplane.publish", trace.SpanKindProducer,
		attribute.String(AttrTargetKind, targetKind),
		attribute.String(AttrTarget, target),
	)
}

// Finish sets the span status from err and ends it.
func Finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
