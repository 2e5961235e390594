// Package tracing configures OpenTelemetry export for the medical events
// services. All three binaries report under the medevents namespace so the
// store, relay and submission spans of one resource line up in the backend.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "medevents"

// Config holds tracing configuration for one binary.
type Config struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	SampleRate   float64
}

// DefaultConfig reads the shared tracing environment: OTLP_ENDPOINT,
// ENVIRONMENT and TRACE_SAMPLE_RATE, with local-development fallbacks.
func DefaultConfig(serviceName string) Config {
	cfg := Config{
		ServiceName:  serviceName,
		Environment:  "development",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   1.0,
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		cfg.Environment = env
	}
	if ep := os.Getenv("OTLP_ENDPOINT"); ep != "" {
		cfg.OTLPEndpoint = ep
	}
	if rate := os.Getenv("TRACE_SAMPLE_RATE"); rate != "" {
		if parsed, err := strconv.ParseFloat(rate, 64); err == nil {
			cfg.SampleRate = parsed
		}
	}
	return cfg
}

// Provider wraps the trace provider for shutdown.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init sets the global tracer provider exporting over OTLP gRPC.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNamespace(namespace),
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp}, nil
}

// Tracer returns a namespaced tracer for the given component.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(namespace + "/" + component)
}

// Shutdown flushes pending spans and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		return p.tp.Shutdown(ctx)
	}
	return nil
}
