// Package otel sets up the OpenTelemetry metrics pipeline. Export goes to an
// OTLP gRPC collector; when no endpoint is configured the returned provider
// is nil and callers skip instrumentation.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// SetupMetrics initializes a MeterProvider exporting to the given OTLP gRPC
// endpoint and installs it as the global provider. The shutdown function
// flushes pending metrics; it must be called on exit.
func SetupMetrics(ctx context.Context, serviceName, endpoint string) (*sdkmetric.MeterProvider, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if endpoint == "" {
		return nil, noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithHost(),
	)
	if err != nil {
		return nil, noop, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, noop, fmt.Errorf("create otlp exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(provider)

	return provider, provider.Shutdown, nil
}
