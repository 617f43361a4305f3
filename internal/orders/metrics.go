package orders

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/infra/telemetry"
)

type trackerMetrics struct {
	events   metric.Int64Counter
	releases metric.Int64Counter
}

func newTrackerMetrics(meter metric.Meter) *trackerMetrics {
	if meter == nil {
		meter = otel.Meter("venuelink/orders")
	}
	m := &trackerMetrics{}
	m.events, _ = meter.Int64Counter(telemetry.MetricOrderEvents,
		metric.WithDescription("Order lifecycle events emitted"),
		metric.WithUnit("{event}"))
	m.releases, _ = meter.Int64Counter(telemetry.MetricOrderReleases,
		metric.WithDescription("Reservation release attempts"),
		metric.WithUnit("{release}"))
	return m
}

func (m *trackerMetrics) event(ctx context.Context, exchange string, kind schema.OrderEventType) {
	if m == nil || m.events == nil {
		return
	}
	attrs := append(telemetry.ExchangeAttributes(exchange), telemetry.AttrOrderEvent.String(string(kind)))
	m.events.Add(telemetry.EnsureContext(ctx), 1, metric.WithAttributes(attrs...))
}

func (m *trackerMetrics) release(ctx context.Context, exchange, result string) {
	if m == nil || m.releases == nil {
		return
	}
	attrs := append(telemetry.ExchangeAttributes(exchange), telemetry.AttrResult.String(result))
	m.releases.Add(telemetry.EnsureContext(ctx), 1, metric.WithAttributes(attrs...))
}
