package scribeq

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation name for metrics.
const MeterName = "github.com/scribeq/scribeq"

// metrics holds the dispatch-core metric instruments. Instruments fall back
// to their bare form if creation with options fails; a metrics problem must
// never take the dispatcher down.
type metrics struct {
	assignments metric.Int64Counter
	requeues    metric.Int64Counter
	evictions   metric.Int64Counter
	events      metric.Int64Counter
	heartbeats  metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.GetMeterProvider().Meter(MeterName)
	m := &metrics{}
	var err error

	m.assignments, err = meter.Int64Counter(
		"scribeq.dispatch.assignments",
		metric.WithDescription("Jobs successfully claimed for a runner"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.assignments, _ = meter.Int64Counter("scribeq.dispatch.assignments")
	}

	m.requeues, err = meter.Int64Counter(
		"scribeq.dispatch.requeues",
		metric.WithDescription("Jobs returned to the queue after runner loss or fetch timeout"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.requeues, _ = meter.Int64Counter("scribeq.dispatch.requeues")
	}

	m.evictions, err = meter.Int64Counter(
		"scribeq.liveness.evictions",
		metric.WithDescription("Runner liveness records evicted by the sweep"),
		metric.WithUnit("{runner}"),
	)
	if err != nil {
		m.evictions, _ = meter.Int64Counter("scribeq.liveness.evictions")
	}

	m.events, err = meter.Int64Counter(
		"scribeq.events.published",
		metric.WithDescription("Job change events published to the coordination store"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		m.events, _ = meter.Int64Counter("scribeq.events.published")
	}

	m.heartbeats, err = meter.Int64Counter(
		"scribeq.runner.heartbeats",
		metric.WithDescription("Runner heartbeats processed"),
		metric.WithUnit("{heartbeat}"),
	)
	if err != nil {
		m.heartbeats, _ = meter.Int64Counter("scribeq.runner.heartbeats")
	}

	return m
}

func (m *metrics) recordHeartbeat(ctx context.Context, outcome HeartbeatOutcome) {
	m.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (m *metrics) recordRequeue(ctx context.Context, reason string) {
	m.requeues.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) recordEvent(ctx context.Context, kind EventKind) {
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}
