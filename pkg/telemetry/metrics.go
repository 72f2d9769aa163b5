// SPDX-License-Identifier: Apache-2.0
// Package telemetry provides observability for the Custos operations core.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OpsMetrics tracks observer ticks, anomalies, healing actions, and update
// durations for production monitoring.
type OpsMetrics struct {
	// tickCounter tracks observer heartbeat ticks
	tickCounter metric.Int64Counter

	// anomalyCounter tracks detected anomalies by severity
	anomalyCounter metric.Int64Counter

	// healingCounter tracks healing action dispatches by tag and result
	healingCounter metric.Int64Counter

	// updateDuration tracks apply/rollback durations in seconds
	updateDuration metric.Float64Histogram

	// healthStatusGauge tracks overall health (0=critical, 1=degraded, 2=healthy)
	healthStatusGauge metric.Int64Gauge
}

// NewOpsMetrics creates a new operations metrics tracker with OTEL meters.
func NewOpsMetrics(ctx context.Context) (*OpsMetrics, error) {
	meter := otel.Meter("custos/ops")

	tickCounter, err := meter.Int64Counter(
		"custos.observer.ticks",
		metric.WithDescription("Observer heartbeat ticks processed"),
	)
	if err != nil {
		return nil, err
	}

	anomalyCounter, err := meter.Int64Counter(
		"custos.analyzer.anomalies",
		metric.WithDescription("Anomalies detected by severity"),
	)
	if err != nil {
		return nil, err
	}

	healingCounter, err := meter.Int64Counter(
		"custos.healer.actions",
		metric.WithDescription("Healing action dispatches by tag and result"),
	)
	if err != nil {
		return nil, err
	}

	updateDuration, err := meter.Float64Histogram(
		"custos.updater.duration",
		metric.WithDescription("Update apply/rollback duration in seconds"),
	)
	if err != nil {
		return nil, err
	}

	healthStatusGauge, err := meter.Int64Gauge(
		"custos.health.status",
		metric.WithDescription("Overall health status (0=critical, 1=degraded, 2=healthy)"),
	)
	if err != nil {
		return nil, err
	}

	return &OpsMetrics{
		tickCounter:       tickCounter,
		anomalyCounter:    anomalyCounter,
		healingCounter:    healingCounter,
		updateDuration:    updateDuration,
		healthStatusGauge: healthStatusGauge,
	}, nil
}

// RecordTick increments the observer tick counter.
func (om *OpsMetrics) RecordTick(ctx context.Context) {
	if om == nil {
		return
	}
	om.tickCounter.Add(ctx, 1)
}

// RecordAnomaly increments the anomaly counter for the given severity and metric path.
func (om *OpsMetrics) RecordAnomaly(ctx context.Context, severity, metricPath string) {
	if om == nil {
		return
	}
	om.anomalyCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("severity", severity),
			attribute.String("metric.path", metricPath),
		),
	)
}

// RecordHealingAction increments the healing counter for the given tag and result.
func (om *OpsMetrics) RecordHealingAction(ctx context.Context, tag string, success bool) {
	if om == nil {
		return
	}
	result := "failed"
	if success {
		result = "success"
	}
	om.healingCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", tag),
			attribute.String("result", result),
		),
	)
}

// RecordUpdateDuration records the duration of an apply or rollback in seconds.
func (om *OpsMetrics) RecordUpdateDuration(ctx context.Context, operation, status string, seconds float64) {
	if om == nil {
		return
	}
	om.updateDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

// RecordHealthStatus records the overall health status (0=critical, 1=degraded, 2=healthy).
func (om *OpsMetrics) RecordHealthStatus(ctx context.Context, status int64) {
	if om == nil {
		return
	}
	om.healthStatusGauge.Record(ctx, status)
}
