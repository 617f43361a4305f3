// Package orders keeps the authoritative local view of a venue account's orders.
//
// Updates arrive from the private stream and from REST reconciliation; both paths
// funnel through the same merge so lifecycle events and reservation releases are
// produced exactly once per transition.
package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/infra/bus"
	"github.com/coachpo/venuelink/internal/infra/logging"
	"github.com/coachpo/venuelink/internal/ledger"
	"github.com/coachpo/venuelink/internal/stream"
)

// RawOrder is an order report in venue vocabulary, as decoded from a stream
// message or a REST snapshot.
type RawOrder struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            string
	Type            string
	Status          string
	Price           decimal.Decimal
	StopPrice       decimal.Decimal
	Quantity        decimal.Decimal
	Executed        decimal.Decimal
	Cost            decimal.Decimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReportDecoder extracts order reports from private-stream payloads. ok is false
// for messages that carry no order update (balance pushes, key expiry notices).
type ReportDecoder interface {
	DecodeOrderReport(data []byte) (report RawOrder, ok bool, err error)
}

// Releaser frees reserved balance.
type Releaser interface {
	ReleaseReservedBalance(ctx context.Context, r ledger.Reservation) (bool, error)
}

// Options configures a Tracker.
type Options struct {
	ExchangeID string
	APIKeyID   string
	Decoder    ReportDecoder
	Source     Source
	Ledger     Releaser
	Logger     logrus.FieldLogger
	Clock      func() time.Time
	Meter      metric.Meter
	// ReleaseTimeout bounds each ledger call. Zero means 10s.
	ReleaseTimeout time.Duration
}

// Tracker caches orders keyed by exchange order id.
//
// Event handlers run synchronously and must not call TrackOrder, UpdateOrder,
// HandleMessage or Reconcile.
type Tracker struct {
	exchange       string
	apiKeyID       string
	decoder        ReportDecoder
	source         Source
	ledger         Releaser
	logger         logrus.FieldLogger
	clock          func() time.Time
	releaseTimeout time.Duration
	metrics        *trackerMetrics

	events *bus.Topic[schema.OrderEvent]

	// apply serialises merge, publish and release so events for an order
	// leave in the order their updates arrived.
	apply    sync.Mutex
	mu       sync.RWMutex
	orders   map[string]*schema.Order
	byClient map[string]string
}

// NewTracker constructs an order tracker.
func NewTracker(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ReleaseTimeout <= 0 {
		opts.ReleaseTimeout = 10 * time.Second
	}
	return &Tracker{
		exchange:       opts.ExchangeID,
		apiKeyID:       opts.APIKeyID,
		decoder:        opts.Decoder,
		source:         opts.Source,
		ledger:         opts.Ledger,
		logger:         logging.Component(opts.Logger, "orders", opts.ExchangeID),
		clock:          opts.Clock,
		releaseTimeout: opts.ReleaseTimeout,
		metrics:        newTrackerMetrics(opts.Meter),
		events:         bus.NewTopic[schema.OrderEvent](),
		orders:         make(map[string]*schema.Order),
		byClient:       make(map[string]string),
	}
}

// Events publishes every lifecycle event.
func (t *Tracker) Events() *bus.Topic[schema.OrderEvent] { return t.events }

// TrackOrder inserts an order and emits a created event. Tracking an id that is
// already cached merges it as an update instead.
func (t *Tracker) TrackOrder(order schema.Order) {
	t.apply.Lock()
	defer t.apply.Unlock()
	t.track(context.Background(), order)
}

func (t *Tracker) track(ctx context.Context, order schema.Order) bool {
	if order.ID == "" {
		t.logger.Warn("ignoring order without exchange id")
		return false
	}
	t.mu.RLock()
	_, exists := t.orders[order.ID]
	t.mu.RUnlock()
	if exists {
		return t.update(ctx, order.ID, patchFromOrder(order))
	}

	if order.ExchangeID == "" {
		order.ExchangeID = t.exchange
	}
	if order.Status == "" {
		order.Status = schema.StatusNew
	}
	if order.LastUpdated.IsZero() {
		order.LastUpdated = t.clock()
	}
	if order.Timestamp.IsZero() {
		order.Timestamp = order.LastUpdated
	}
	order.Remaining = order.Unfilled()
	stored := order.Clone()

	t.mu.Lock()
	t.orders[stored.ID] = &stored
	if stored.ClientOrderID != "" {
		t.byClient[stored.ClientOrderID] = stored.ID
	}
	t.mu.Unlock()

	t.emit(ctx, schema.OrderEvent{Type: schema.OrderEventCreated, Order: stored.Clone()})
	return true
}

// UpdateOrder merges patch into the cached order. It returns false when the id is
// unknown, the order is terminal, or the status change is not a legal transition.
func (t *Tracker) UpdateOrder(id string, patch schema.OrderPatch) bool {
	t.apply.Lock()
	defer t.apply.Unlock()
	return t.update(context.Background(), id, patch)
}

func (t *Tracker) update(ctx context.Context, id string, patch schema.OrderPatch) bool {
	t.mu.Lock()
	current, ok := t.orders[id]
	if !ok {
		t.mu.Unlock()
		t.logger.WithField("order", id).Warn("update for unknown order")
		return false
	}
	prev := current.Status
	if prev.Terminal() {
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{"order": id, "status": prev}).Debug("ignoring update for terminal order")
		return false
	}
	next := prev
	if patch.Status != nil {
		next = *patch.Status
	}
	if !prev.CanTransition(next) {
		t.mu.Unlock()
		t.logger.WithFields(logrus.Fields{"order": id, "from": prev, "to": next}).Warn("ignoring out-of-order status")
		return false
	}

	merged := current.Clone()
	merged.Status = next
	if patch.Price != nil {
		merged.Price = *patch.Price
	}
	if patch.StopPrice != nil {
		stop := *patch.StopPrice
		merged.StopPrice = &stop
	}
	if patch.Quantity != nil {
		merged.Quantity = *patch.Quantity
	}
	if patch.Executed != nil {
		merged.Executed = *patch.Executed
	}
	if patch.Cost != nil {
		merged.Cost = *patch.Cost
	}
	merged.LastUpdated = patch.LastUpdated
	if merged.LastUpdated.IsZero() {
		merged.LastUpdated = t.clock()
	}
	merged.Remaining = merged.Unfilled()
	*current = merged
	t.mu.Unlock()

	t.emit(ctx, schema.OrderEvent{
		Type:           schema.EventTypeForTransition(prev, next),
		Order:          merged.Clone(),
		PreviousStatus: prev,
	})
	if prev != next && next.Releases() {
		t.release(ctx, merged)
	}
	return true
}

func (t *Tracker) emit(ctx context.Context, event schema.OrderEvent) {
	t.metrics.event(ctx, t.exchange, event.Type)
	t.events.Publish(event)
}

func (t *Tracker) release(ctx context.Context, order schema.Order) {
	remainder := order.Unfilled()
	if remainder.Sign() <= 0 || t.ledger == nil {
		return
	}
	reservation := ledger.Reservation{
		ExchangeID: order.ExchangeID,
		APIKeyID:   t.apiKeyID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Type:       order.Type,
		Quantity:   remainder,
	}
	if order.Type != schema.OrderTypeMarket && order.Price.Sign() > 0 {
		price := order.Price
		reservation.Price = &price
	}
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.releaseTimeout)
	defer cancel()
	released, err := t.ledger.ReleaseReservedBalance(callCtx, reservation)
	entry := t.logger.WithFields(logrus.Fields{
		"order":     order.ID,
		"status":    order.Status,
		"remainder": remainder.String(),
	})
	switch {
	case err != nil:
		entry.WithError(err).Error("release reserved balance failed")
		t.metrics.release(ctx, t.exchange, "error")
	case !released:
		entry.Warn("ledger held no reservation for order")
		t.metrics.release(ctx, t.exchange, "none")
	default:
		entry.Info("reserved balance released")
		t.metrics.release(ctx, t.exchange, "released")
	}
}

// HandleMessage applies a private-stream message. Messages without an order
// report are ignored.
func (t *Tracker) HandleMessage(msg stream.Message) {
	if t.decoder == nil {
		return
	}
	report, ok, err := t.decoder.DecodeOrderReport(msg.Data)
	if err != nil {
		t.logger.WithError(err).Warn("decode order report")
		return
	}
	if !ok {
		return
	}
	t.HandleReport(report)
}

// HandleReport applies one venue order report.
func (t *Tracker) HandleReport(report RawOrder) {
	order, ok := t.canonical(report)
	if !ok {
		return
	}
	t.apply.Lock()
	defer t.apply.Unlock()
	t.upsert(context.Background(), order)
}

// upsert inserts unseen orders and merges known ones; it reports the outcome for
// reconciliation accounting.
func (t *Tracker) upsert(ctx context.Context, order schema.Order) outcome {
	id := t.resolve(order)
	if id == "" {
		if t.track(ctx, order) {
			return outcomeInserted
		}
		return outcomeSkipped
	}
	if t.update(ctx, id, patchFromOrder(order)) {
		return outcomeUpdated
	}
	return outcomeSkipped
}

func (t *Tracker) resolve(order schema.Order) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.orders[order.ID]; ok {
		return order.ID
	}
	if order.ClientOrderID != "" {
		if id, ok := t.byClient[order.ClientOrderID]; ok {
			return id
		}
	}
	return ""
}

func (t *Tracker) canonical(report RawOrder) (schema.Order, bool) {
	entry := t.logger.WithField("order", report.ExchangeOrderID)
	status, ok := schema.ParseOrderStatus(report.Status)
	if !ok {
		entry.WithField("status", report.Status).Warn("unknown order status")
		return schema.Order{}, false
	}
	side, ok := schema.ParseOrderSide(report.Side)
	if !ok {
		entry.WithField("side", report.Side).Warn("unknown order side")
		return schema.Order{}, false
	}
	orderType, ok := schema.ParseOrderType(report.Type)
	if !ok {
		entry.WithField("type", report.Type).Warn("unsupported order type")
		return schema.Order{}, false
	}
	order := schema.Order{
		ID:            report.ExchangeOrderID,
		ClientOrderID: report.ClientOrderID,
		ExchangeID:    t.exchange,
		Symbol:        schema.NormalizeSymbol(report.Symbol),
		Side:          side,
		Type:          orderType,
		Status:        status,
		Price:         report.Price,
		Quantity:      report.Quantity,
		Executed:      report.Executed,
		Cost:          report.Cost,
		Timestamp:     report.CreatedAt,
		LastUpdated:   report.UpdatedAt,
	}
	if report.StopPrice.Sign() > 0 {
		stop := report.StopPrice
		order.StopPrice = &stop
	}
	return order, true
}

func patchFromOrder(o schema.Order) schema.OrderPatch {
	status, price, quantity, executed, cost := o.Status, o.Price, o.Quantity, o.Executed, o.Cost
	patch := schema.OrderPatch{
		Status:      &status,
		Price:       &price,
		Quantity:    &quantity,
		Executed:    &executed,
		Cost:        &cost,
		LastUpdated: o.LastUpdated,
	}
	if o.StopPrice != nil {
		stop := *o.StopPrice
		patch.StopPrice = &stop
	}
	return patch
}

// GetOrder returns the cached order with the given exchange id.
func (t *Tracker) GetOrder(id string) (schema.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[id]
	if !ok {
		return schema.Order{}, false
	}
	return o.Clone(), true
}

// GetOrderByClientID resolves an order through the client id index.
func (t *Tracker) GetOrderByClientID(clientID string) (schema.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byClient[clientID]
	if !ok {
		return schema.Order{}, false
	}
	o, ok := t.orders[id]
	if !ok {
		return schema.Order{}, false
	}
	return o.Clone(), true
}

// GetOrders returns cached orders, optionally filtered by symbol and status,
// oldest first.
func (t *Tracker) GetOrders(symbol string, statuses ...schema.OrderStatus) []schema.Order {
	if symbol != "" {
		symbol = schema.NormalizeSymbol(symbol)
	}
	t.mu.RLock()
	out := make([]schema.Order, 0, len(t.orders))
	for _, o := range t.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, o.Status) {
			continue
		}
		out = append(out, o.Clone())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// GetOpenOrders returns orders in new or partially_filled.
func (t *Tracker) GetOpenOrders(symbol string) []schema.Order {
	return t.GetOrders(symbol, schema.StatusNew, schema.StatusPartiallyFilled)
}

func hasStatus(statuses []schema.OrderStatus, s schema.OrderStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Len returns the number of cached orders.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

// Clear drops every cached order and the client id index.
func (t *Tracker) Clear() {
	t.apply.Lock()
	defer t.apply.Unlock()
	t.mu.Lock()
	t.orders = make(map[string]*schema.Order)
	t.byClient = make(map[string]string)
	t.mu.Unlock()
}
