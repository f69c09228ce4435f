// Package tracing wires up optional OpenTelemetry/Jaeger tracing for
// both Mística binaries, a no-op unless a Jaeger endpoint is
// configured, plus the Mística-specific span helpers the router and
// client use to mark session handshakes and route lifetimes.
package tracing

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope both Mística binaries share;
// span names below are always prefixed with it for readability in a
// Jaeger UI populated by client and server processes side by side.
const tracerName = "mistica"

// InitTracing initializes OpenTelemetry tracing with a Jaeger exporter.
// Config via env:
//
//	OTEL_EXPORTER_JAEGER_ENDPOINT (e.g. http://localhost:14268/api/traces)
//
// The service name comes from serviceName; OTEL_SERVICE_NAME is not read.
func InitTracing(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if endpoint == "" {
		// no-op
		return func(ctx context.Context) error { return nil }, nil
	}
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithMaxExportBatchSize(512), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// SessionAttributes builds the span attributes every session-scoped
// span carries: the wire session_id (0 during the handshake, before one
// has been minted) and the overlay/wrapper pair that session is bound
// to. Kept as a shared helper so the router and the client tag spans
// identically for the same session.
func SessionAttributes(sessionID uint8, overlayName, wrapperName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("mistica.session_id", int(sessionID)),
		attribute.String("mistica.overlay", overlayName),
		attribute.String("mistica.wrapper", wrapperName),
	}
}

// StartSessionSpan starts a span under the mistica instrumentation
// scope, tagged with attrs (typically SessionAttributes). Returns a
// no-op span when no tracer provider has been installed by InitTracing,
// so call sites never need to branch on whether tracing is enabled.
func StartSessionSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}
