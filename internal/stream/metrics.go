package stream

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/internal/infra/telemetry"
)

type muxMetrics struct {
	messages      metric.Int64Counter
	subscriptions metric.Int64UpDownCounter
}

func newMuxMetrics(meter metric.Meter) *muxMetrics {
	if meter == nil {
		meter = otel.Meter("venuelink/stream")
	}
	m := &muxMetrics{}
	m.messages, _ = meter.Int64Counter(telemetry.MetricStreamMessages,
		metric.WithDescription("Inbound stream messages dispatched"),
		metric.WithUnit("{message}"))
	m.subscriptions, _ = meter.Int64UpDownCounter(telemetry.MetricSubscriptions,
		metric.WithDescription("Active upstream stream subscriptions"),
		metric.WithUnit("{subscription}"))
	return m
}

func (m *muxMetrics) message(ctx context.Context, exchange, streamType string) {
	if m == nil || m.messages == nil {
		return
	}
	m.messages.Add(telemetry.EnsureContext(ctx), 1, metric.WithAttributes(telemetry.StreamAttributes(exchange, streamType)...))
}

func (m *muxMetrics) subscriptionDelta(ctx context.Context, exchange, streamType string, delta int64) {
	if m == nil || m.subscriptions == nil {
		return
	}
	m.subscriptions.Add(telemetry.EnsureContext(ctx), delta, metric.WithAttributes(telemetry.StreamAttributes(exchange, streamType)...))
}
