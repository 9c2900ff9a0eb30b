package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

/*
Spans flow App -> OpenTelemetry SDK -> Jaeger exporter -> collector.

Every inbound websocket frame and every commit opens a span (see
middleware.StartSpan), so the sampler below sees keystroke-rate traffic.
Production deployments should lower the ratio.
*/

// InitJaeger installs a global tracer provider exporting to Jaeger.
// Returns a cleanup function that should be called on shutdown
func InitJaeger(serviceName, jaegerEndpoint string, sampleRatio float64, logger *zap.Logger) (func(context.Context) error, error) {
	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(jaegerEndpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)

	otel.SetTracerProvider(tp)

	logger.Info("Jaeger tracing initialized",
		zap.String("endpoint", jaegerEndpoint),
		zap.Float64("sampleRatio", sampleRatio),
	)

	return tp.Shutdown, nil
}
