// Package tracing provides shared OTel tracer initialization for the
// pipeline's store and dispatch layers.
//
// Real tracing requires an OTLP endpoint, either from configuration or the
// OTEL_EXPORTER_OTLP_ENDPOINT environment variable. Without one a no-op
// tracer is used (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultServiceName = "substrate"

var (
	mu             sync.Mutex
	initialized    bool
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Configure installs an OTLP exporter for the given endpoint. Call once at
// startup before the first Tracer use; later calls are no-ops. An empty
// service name falls back to "substrate".
func Configure(ctx context.Context, endpoint, service string) {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return
	}
	initialized = true
	if endpoint == "" {
		return
	}
	if service == "" {
		service = defaultServiceName
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(service)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. Falls back to the env endpoint when
// Configure was never called; no-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	if !initialized {
		mu.Unlock()
		Configure(context.Background(), os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), defaultServiceName)
		mu.Lock()
	}
	tp := tracerProvider
	mu.Unlock()
	return tp.Tracer(name)
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}
