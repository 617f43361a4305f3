package connection

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/internal/infra/telemetry"
)

type monitorMetrics struct {
	probes  metric.Int64Counter
	latency metric.Float64Histogram
}

func newMonitorMetrics(meter metric.Meter) *monitorMetrics {
	if meter == nil {
		meter = otel.Meter("venuelink/connection")
	}
	m := &monitorMetrics{}
	m.probes, _ = meter.Int64Counter(telemetry.MetricProbes,
		metric.WithDescription("Health probes executed"),
		metric.WithUnit("{probe}"))
	m.latency, _ = meter.Float64Histogram(telemetry.MetricProbeLatency,
		metric.WithDescription("Latency of successful health probes"),
		metric.WithUnit("ms"))
	return m
}

func (m *monitorMetrics) recordProbe(ctx context.Context, exchange string, err error, latency time.Duration) {
	if m == nil {
		return
	}
	ctx = telemetry.EnsureContext(ctx)
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	if m.probes != nil {
		m.probes.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(exchange, "probe", result)...))
	}
	if err == nil && m.latency != nil {
		m.latency.Record(ctx, float64(latency.Milliseconds()), metric.WithAttributes(telemetry.ExchangeAttributes(exchange)...))
	}
}
