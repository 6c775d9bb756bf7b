// Package tracing owns the process-wide OpenTelemetry provider. Spans leave
// the process only when OTEL_EXPORTER_OTLP_ENDPOINT is set; without it every
// tracer is a no-op and Start/End cost next to nothing.
package tracing

import (
	"context"
	"net/url"
	"os"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	serviceName   = "opcode"
	sessionIDAttr = attribute.Key("opcode.session_id")
)

var (
	setup    sync.Once
	provider trace.TracerProvider = noop.NewTracerProvider()
	exporter *sdktrace.TracerProvider
)

func install() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}
	host, secure := parseEndpoint(endpoint)
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
	if !secure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	ctx := context.Background()
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	exporter = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
	)
	provider = exporter
	otel.SetTracerProvider(exporter)
}

// parseEndpoint returns host[:port] and whether the collector speaks TLS.
// A bare host:port is treated as plain HTTP.
func parseEndpoint(endpoint string) (string, bool) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint, false
	}
	return u.Host, u.Scheme == "https"
}

// sampleRatio reads OTEL_TRACES_SAMPLER_ARG, defaulting to sampling everything.
func sampleRatio() float64 {
	ratio, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 1
	}
	return ratio
}

func Tracer(name string) trace.Tracer {
	setup.Do(install)
	return provider.Tracer(name)
}

// Enabled reports whether spans are being exported.
func Enabled() bool {
	setup.Do(install)
	return exporter != nil
}

// Start opens a span on the named tracer tagged with the session id.
func Start(ctx context.Context, tracer, name, sessionID string) (context.Context, trace.Span) {
	return Tracer(tracer).Start(ctx, name, trace.WithAttributes(sessionIDAttr.String(sessionID)))
}

// End marks the span failed when err is non-nil, then ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Shutdown flushes buffered spans.
func Shutdown(ctx context.Context) error {
	if exporter == nil {
		return nil
	}
	return exporter.Shutdown(ctx)
}
