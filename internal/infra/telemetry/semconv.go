package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by venuelink instruments.
const (
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrExchange identifies the venue the signal belongs to.
	AttrExchange = attribute.Key("exchange")
	// AttrSymbol captures the canonical instrument symbol (e.g. BTC/USDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrStreamType labels multiplexed stream categories (ticker, kline, user_data, ...).
	AttrStreamType = attribute.Key("stream.type")
	// AttrOperation differentiates REST operations.
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason provides the error class behind a retry or failure.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels connection status transitions.
	AttrConnectionState = attribute.Key("connection.state")
	// AttrOrderEvent records the lifecycle event type emitted by the order tracker.
	AttrOrderEvent = attribute.Key("order.event")
)

// Instrument names.
const (
	MetricUsedWeight     = "venuelink.ratelimit.used_weight"
	MetricQueueWait      = "venuelink.ratelimit.queue_wait"
	MetricRetries        = "venuelink.ratelimit.retries"
	MetricProbes         = "venuelink.connection.probes"
	MetricProbeLatency   = "venuelink.connection.latency"
	MetricStreamMessages = "venuelink.stream.messages"
	MetricSubscriptions  = "venuelink.stream.subscriptions"
	MetricRotations      = "venuelink.session.rotations"
	MetricOrderEvents    = "venuelink.orders.events"
	MetricOrderReleases  = "venuelink.orders.releases"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// ExchangeAttributes returns the base attribute set for per-exchange metrics.
func ExchangeAttributes(exchange string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrExchange.String(exchange),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(exchange, operation, result string) []attribute.KeyValue {
	return append(ExchangeAttributes(exchange),
		AttrOperation.String(operation),
		AttrResult.String(result),
	)
}

// StreamAttributes returns attributes for multiplexed stream metrics.
func StreamAttributes(exchange, streamType string) []attribute.KeyValue {
	return append(ExchangeAttributes(exchange), AttrStreamType.String(streamType))
}

// EnsureContext substitutes context.Background for a nil context.
func EnsureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
