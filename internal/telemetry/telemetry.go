// Package telemetry configures OpenTelemetry tracing and metrics for the
// decision engine. Spans and metrics export to stdout; the engine is
// host-resident and has no collector to speak to.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// metricExportInterval is how often the periodic reader exports.
const metricExportInterval = 30 * time.Second

// Provider bundles the configured tracer and meter with their shutdown.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// EvalDuration records rule evaluation latency in milliseconds.
	EvalDuration metric.Float64Histogram

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Init configures global OpenTelemetry providers with stdout exporters and
// returns a Provider. Callers must Shutdown on exit to flush spans.
func Init(ctx context.Context, serviceName string) (*Provider, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless())
	if err != nil {
		return nil, err
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(metricExportInterval))),
	)
	otel.SetMeterProvider(mp)

	tracer := tp.Tracer(serviceName)
	meter := mp.Meter(serviceName)

	evalDuration, err := meter.Float64Histogram(
		"privarion.evaluation.duration",
		metric.WithDescription("Rule evaluation duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, err
	}

	return &Provider{
		Tracer:       tracer,
		Meter:        meter,
		EvalDuration: evalDuration,
		tp:           tp,
		mp:           mp,
	}, nil
}

// Noop returns a provider that records nothing, for when telemetry is
// disabled in config and in tests.
func Noop() *Provider {
	tracer := noop.NewTracerProvider().Tracer("privarion")
	mp := sdkmetric.NewMeterProvider()
	meter := mp.Meter("privarion")
	evalDuration, _ := meter.Float64Histogram("privarion.evaluation.duration")
	return &Provider{
		Tracer:       tracer,
		Meter:        meter,
		EvalDuration: evalDuration,
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
