package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SetupOTel installs SDK-backed global tracer and meter providers for the
// Core's spans and instruments. Exporter choice is left to the embedding
// application via the option slices; with none given, spans and metrics are
// collected but go nowhere, which keeps local development silent without a
// collector. The returned shutdown flushes both providers.
func SetupOTel(serviceName string, traceOpts []sdktrace.TracerProviderOption, metricOpts []sdkmetric.Option) func(context.Context) error {
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)

	tp := sdktrace.NewTracerProvider(append(traceOpts, sdktrace.WithResource(res))...)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(append(metricOpts, sdkmetric.WithResource(res))...)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
}
