// SPDX-License-Identifier: Apache-2.0
// Package telemetry wires slog and the OpenTelemetry SDK to the custos
// config sections and exposes the operational instruments the observer
// and updater record against.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jllopis/custos/pkg/config"
	"github.com/jllopis/custos/pkg/errors"
)

// Exporter names accepted in the telemetry config section.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ShutdownFunc flushes and stops the telemetry providers.
type ShutdownFunc func(context.Context) error

// Init builds the tracer and meter providers from the telemetry config
// section and installs them as the OTel globals. An empty exporter name
// selects stdout.
func Init(serviceName, version string, cfg config.TelemetryConfig) (ShutdownFunc, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "building telemetry resource", err)
	}

	spanExporter, metricExporter, err := newExporters(cfg)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(spanExporter, trace.WithBatchTimeout(time.Second)),
		trace.WithResource(res),
	)
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(time.Minute))),
		metric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		terr := tp.Shutdown(ctx)
		merr := mp.Shutdown(ctx)
		if terr != nil {
			return terr
		}
		return merr
	}, nil
}

// newExporters builds the span and metric exporters named by the config
// section.
func newExporters(cfg config.TelemetryConfig) (trace.SpanExporter, metric.Exporter, error) {
	switch cfg.Exporter {
	case "", ExporterStdout:
		spans, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, errors.New(errors.CodeInternal, "creating stdout trace exporter", err)
		}
		measures, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, errors.New(errors.CodeInternal, "creating stdout metric exporter", err)
		}
		return spans, measures, nil
	case ExporterOTLP:
		if cfg.OTLPEndpoint == "" {
			return nil, nil, errors.New(errors.CodeInvalidInput, "telemetry.otlp_endpoint is required for the otlp exporter", nil)
		}
		traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
			metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		}
		spans, err := otlptracegrpc.New(context.Background(), traceOpts...)
		if err != nil {
			return nil, nil, errors.New(errors.CodeInternal, "creating otlp trace exporter", err)
		}
		measures, err := otlpmetricgrpc.New(context.Background(), metricOpts...)
		if err != nil {
			return nil, nil, errors.New(errors.CodeInternal, "creating otlp metric exporter", err)
		}
		return spans, measures, nil
	default:
		return nil, nil, errors.New(errors.CodeInvalidInput, "unknown telemetry exporter: "+cfg.Exporter, nil)
	}
}
