// Package telemetry provides OpenTelemetry instrumentation for the sync engine.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stembrain/trailer/sync"

	// NotifyMetricsMeterName is the name used for the notification metrics meter
	NotifyMetricsMeterName = "github.com/stembrain/trailer/notify"
)

// Cycle results recorded on the cycle counter
const (
	ResultSuccess     = "success"
	ResultFailure     = "failure"
	ResultDeferred    = "deferred"
	ResultAuthFailed  = "auth_failed"
	ResultCancelled   = "cancelled"
	ResultBackingOff  = "backing_off"
	ResultDroppedBusy = "dropped_busy"
)

// SyncMetrics holds the OpenTelemetry instruments for sync cycles
type SyncMetrics struct {
	cycleDuration metric.Float64Histogram
	cycles        metric.Int64Counter
	inFlight      metric.Int64UpDownCounter
	anomalies     metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	cycleDuration, err := meter.Float64Histogram(
		"trailer_sync_cycle_duration_seconds",
		metric.WithDescription("Duration of project fetch and reconcile cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	cycles, err := meter.Int64Counter(
		"trailer_sync_cycles_total",
		metric.WithDescription("Number of project cycles by result"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	inFlight, err := meter.Int64UpDownCounter(
		"trailer_sync_fetches_in_flight",
		metric.WithDescription("Number of fetches currently in flight"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, err
	}

	anomalies, err := meter.Int64Counter(
		"trailer_reconcile_anomalies_total",
		metric.WithDescription("Number of fetched records skipped as anomalous"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		cycleDuration: cycleDuration,
		cycles:        cycles,
		inFlight:      inFlight,
		anomalies:     anomalies,
	}, nil
}

// RecordCycle records the outcome and duration of one project cycle
func (m *SyncMetrics) RecordCycle(ctx context.Context, projectID, result string, duration time.Duration) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("project", projectID),
		attribute.String("result", result),
	)
	m.cycles.Add(ctx, 1, attrs)
	if duration > 0 {
		m.cycleDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// AddInFlight adjusts the in-flight fetch gauge by delta
func (m *SyncMetrics) AddInFlight(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.inFlight.Add(ctx, delta)
}

// RecordAnomalies records skipped records for a project
func (m *SyncMetrics) RecordAnomalies(ctx context.Context, projectID string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.anomalies.Add(ctx, int64(count), metric.WithAttributes(attribute.String("project", projectID)))
}

// NotifyMetrics holds the OpenTelemetry instruments for notification delivery
type NotifyMetrics struct {
	delivered  metric.Int64Counter
	failed     metric.Int64Counter
	suppressed metric.Int64Counter
}

// NewNotifyMetrics creates a new NotifyMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewNotifyMetrics(provider metric.MeterProvider) (*NotifyMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(NotifyMetricsMeterName)

	delivered, err := meter.Int64Counter(
		"trailer_notifications_delivered_total",
		metric.WithDescription("Number of notifications delivered to sinks"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	failed, err := meter.Int64Counter(
		"trailer_notifications_failed_total",
		metric.WithDescription("Number of notification deliveries that failed"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	suppressed, err := meter.Int64Counter(
		"trailer_notifications_suppressed_total",
		metric.WithDescription("Number of notifications suppressed for hidden projects"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, err
	}

	return &NotifyMetrics{
		delivered:  delivered,
		failed:     failed,
		suppressed: suppressed,
	}, nil
}

// RecordDelivered records a successful delivery
func (m *NotifyMetrics) RecordDelivered(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFailed records a failed delivery
func (m *NotifyMetrics) RecordFailed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSuppressed records notifications withheld for a hidden project
func (m *NotifyMetrics) RecordSuppressed(ctx context.Context, projectID string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.suppressed.Add(ctx, int64(count), metric.WithAttributes(attribute.String("project", projectID)))
}
