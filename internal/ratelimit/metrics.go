package ratelimit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/internal/infra/telemetry"
)

type trackerMetrics struct {
	queueWait metric.Float64Histogram
	retries   metric.Int64Counter
	used      metric.Int64ObservableGauge
}

func newTrackerMetrics(meter metric.Meter, t *Tracker) *trackerMetrics {
	if meter == nil {
		meter = otel.Meter("venuelink/ratelimit")
	}
	m := &trackerMetrics{}
	m.queueWait, _ = meter.Float64Histogram(telemetry.MetricQueueWait,
		metric.WithDescription("Time a request spent queued before dispatch"),
		metric.WithUnit("ms"))
	m.retries, _ = meter.Int64Counter(telemetry.MetricRetries,
		metric.WithDescription("Retries issued by the request queue"),
		metric.WithUnit("{retry}"))
	m.used, _ = meter.Int64ObservableGauge(telemetry.MetricUsedWeight,
		metric.WithDescription("Request weight consumed in the current window"),
		metric.WithUnit("{weight}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			t.mu.Lock()
			ls := make([]*limiter, 0, len(t.limiters))
			for _, l := range t.limiters {
				ls = append(ls, l)
			}
			t.mu.Unlock()
			for _, l := range ls {
				l.mu.Lock()
				used := l.budget.UsedWeight
				l.mu.Unlock()
				observer.Observe(int64(used), metric.WithAttributes(telemetry.ExchangeAttributes(l.exchange)...))
			}
			return nil
		}))
	return m
}

func (m *trackerMetrics) recordQueueWait(ctx context.Context, exchange string, wait time.Duration) {
	if m == nil || m.queueWait == nil {
		return
	}
	if wait < 0 {
		wait = 0
	}
	m.queueWait.Record(telemetry.EnsureContext(ctx), float64(wait.Milliseconds()),
		metric.WithAttributes(telemetry.ExchangeAttributes(exchange)...))
}

func (m *trackerMetrics) recordRetry(ctx context.Context, exchange, reason string) {
	if m == nil || m.retries == nil {
		return
	}
	attrs := append(telemetry.ExchangeAttributes(exchange), telemetry.AttrReason.String(reason))
	m.retries.Add(telemetry.EnsureContext(ctx), 1, metric.WithAttributes(attrs...))
}
