package cli

import (
	"context"
	"fmt"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/petal-labs/petalvoice/config"
)

// setupTelemetry installs global providers. Spans are exported over OTLP/HTTP
// when an endpoint is configured; otherwise the global no-op tracer stays.
func setupTelemetry(ctx context.Context, cfg config.TelemetryConfig, version string) (func(context.Context) error, error) {
	res := resource.NewSchemaless(
		semconv.ServiceName("petalvoice"),
		semconv.ServiceVersion(version),
	)

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otelapi.SetMeterProvider(meterProvider)

	if cfg.OTLPEndpoint == "" {
		return meterProvider.Shutdown, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otelapi.SetTracerProvider(tracerProvider)

	return func(ctx context.Context) error {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			return err
		}
		return meterProvider.Shutdown(ctx)
	}, nil
}
