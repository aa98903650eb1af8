// Package telemetry configures OpenTelemetry tracing, exported to Google Cloud
// Trace when a project is configured.
package telemetry

import (
	"context"
	"fmt"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects whether and where spans are exported.
type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	// ProjectID enables the Cloud Trace exporter; spans are sampled but
	// dropped when it is empty.
	ProjectID   string
	SampleRatio float64
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// InitTracing installs a global tracer provider. When tracing is disabled the
// global no-op provider is left in place.
func InitTracing(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "linkguard"
	}
	if cfg.SampleRatio <= 0 || cfg.SampleRatio > 1 {
		cfg.SampleRatio = 1
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	if cfg.ProjectID != "" {
		exporter, err := texporter.New(texporter.WithProjectID(cfg.ProjectID))
		if err != nil {
			return nil, fmt.Errorf("create google trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	return tp.Shutdown, nil
}
