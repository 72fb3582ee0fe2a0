// Package metrics holds the auditor's OpenTelemetry instruments.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope name.
const MeterName = "auditor"

// Metrics holds all auditor instruments.
type Metrics struct {
	MutationsApplied  metric.Int64Counter
	MutationsSkipped  metric.Int64Counter
	Anomalies         metric.Int64Counter
	BlobFailures      metric.Int64Counter
	ScopesSkipped     metric.Int64Counter
	ReconcileDuration metric.Float64Histogram
}

// New creates all instruments from the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MutationsApplied, err = meter.Int64Counter("auditor.mutations.applied",
		metric.WithDescription("Mutations that changed the audit store"),
	)
	if err != nil {
		return nil, err
	}

	m.MutationsSkipped, err = meter.Int64Counter("auditor.mutations.skipped",
		metric.WithDescription("Mutations that were already reflected in the audit store"),
	)
	if err != nil {
		return nil, err
	}

	m.Anomalies, err = meter.Int64Counter("auditor.anomalies",
		metric.WithDescription("Data anomalies such as recreated deleted channels"),
	)
	if err != nil {
		return nil, err
	}

	m.BlobFailures, err = meter.Int64Counter("auditor.blob.failures",
		metric.WithDescription("Attachment payloads that could not be archived"),
	)
	if err != nil {
		return nil, err
	}

	m.ScopesSkipped, err = meter.Int64Counter("auditor.reconcile.scopes_skipped",
		metric.WithDescription("Scopes skipped by a reconciliation pass"),
	)
	if err != nil {
		return nil, err
	}

	m.ReconcileDuration, err = meter.Float64Histogram("auditor.reconcile.duration",
		metric.WithDescription("Per-scope reconciliation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) RecordMutation(ctx context.Context, kind, op string, applied bool) {
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("op", op))
	if applied {
		m.MutationsApplied.Add(ctx, 1, attrs)
		return
	}
	m.MutationsSkipped.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordAnomaly(ctx context.Context, kind string) {
	m.Anomalies.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordBlobFailure(ctx context.Context) {
	m.BlobFailures.Add(ctx, 1)
}

func (m *Metrics) RecordScopeSkipped(ctx context.Context, reason string) {
	m.ScopesSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordReconcile(ctx context.Context, d time.Duration, outcome string) {
	m.ReconcileDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}
