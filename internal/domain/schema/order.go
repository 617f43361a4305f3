// Package schema defines canonical order and market data models shared by every component.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide enumerates order direction.
type OrderSide string

const (
	// SideBuy designates buy orders.
	SideBuy OrderSide = "buy"
	// SideSell designates sell orders.
	SideSell OrderSide = "sell"
)

// OrderType enumerates supported order kinds.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopLimit  OrderType = "stop_limit"
	OrderTypeStopMarket OrderType = "stop_market"
)

// OrderStatus enumerates canonical order lifecycle states.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Terminal reports whether no further transitions are valid for the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// Open reports whether the order is still working on the venue.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// Releases reports whether landing on the status frees the unfilled part of a reservation.
func (s OrderStatus) Releases() bool {
	return s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// Repeating the current status is legal so fill progress can be merged.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case StatusNew:
		return next != StatusNew
	case StatusPartiallyFilled:
		return next == StatusFilled || next == StatusCanceled || next == StatusExpired
	default:
		return false
	}
}

// Order is the canonical order model kept by the order tracker.
type Order struct {
	ID            string           `json:"id"`
	ClientOrderID string           `json:"clientOrderId,omitempty"`
	ExchangeID    string           `json:"exchangeId"`
	Symbol        string           `json:"symbol"`
	Side          OrderSide        `json:"side"`
	Type          OrderType        `json:"type"`
	Status        OrderStatus      `json:"status"`
	Price         decimal.Decimal  `json:"price"`
	StopPrice     *decimal.Decimal `json:"stopPrice,omitempty"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Executed      decimal.Decimal  `json:"executed"`
	Remaining     decimal.Decimal  `json:"remaining"`
	Cost          decimal.Decimal  `json:"cost"`
	Timestamp     time.Time        `json:"timestamp"`
	LastUpdated   time.Time        `json:"lastUpdated"`
}

// Unfilled returns quantity minus executed, floored at zero.
func (o Order) Unfilled() decimal.Decimal {
	rem := o.Quantity.Sub(o.Executed)
	if rem.Sign() < 0 {
		return decimal.Zero
	}
	return rem
}

// Clone returns a copy that shares no pointers with o.
func (o Order) Clone() Order {
	out := o
	if o.StopPrice != nil {
		stop := *o.StopPrice
		out.StopPrice = &stop
	}
	return out
}

// OrderPatch carries the fields of an order update. Nil fields are left untouched.
type OrderPatch struct {
	Status      *OrderStatus
	Price       *decimal.Decimal
	StopPrice   *decimal.Decimal
	Quantity    *decimal.Decimal
	Executed    *decimal.Decimal
	Cost        *decimal.Decimal
	LastUpdated time.Time
}

// OrderEventType classifies order lifecycle facts.
type OrderEventType string

const (
	OrderEventCreated         OrderEventType = "created"
	OrderEventUpdated         OrderEventType = "updated"
	OrderEventFilled          OrderEventType = "filled"
	OrderEventPartiallyFilled OrderEventType = "partially_filled"
	OrderEventCanceled        OrderEventType = "canceled"
	OrderEventRejected        OrderEventType = "rejected"
	OrderEventExpired         OrderEventType = "expired"
)

// EventTypeForTransition maps a status change to the event it produces.
func EventTypeForTransition(prev, next OrderStatus) OrderEventType {
	if prev == next {
		return OrderEventUpdated
	}
	switch next {
	case StatusFilled:
		return OrderEventFilled
	case StatusPartiallyFilled:
		return OrderEventPartiallyFilled
	case StatusCanceled:
		return OrderEventCanceled
	case StatusRejected:
		return OrderEventRejected
	case StatusExpired:
		return OrderEventExpired
	default:
		return OrderEventUpdated
	}
}

// OrderEvent is an immutable record of a single order transition.
type OrderEvent struct {
	Type           OrderEventType `json:"type"`
	Order          Order          `json:"order"`
	PreviousStatus OrderStatus    `json:"previousStatus,omitempty"`
}

// ParseOrderSide normalises a venue side string.
func ParseOrderSide(raw string) (OrderSide, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY":
		return SideBuy, true
	case "SELL":
		return SideSell, true
	default:
		return "", false
	}
}

// ParseOrderType normalises venue order type vocabulary.
func ParseOrderType(raw string) (OrderType, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "MARKET":
		return OrderTypeMarket, true
	case "LIMIT", "LIMIT_MAKER":
		return OrderTypeLimit, true
	case "STOP_LOSS_LIMIT", "TAKE_PROFIT_LIMIT", "STOP_LIMIT", "STOP":
		return OrderTypeStopLimit, true
	case "STOP_LOSS", "TAKE_PROFIT", "STOP_MARKET", "TAKE_PROFIT_MARKET":
		return OrderTypeStopMarket, true
	default:
		return "", false
	}
}

// ParseOrderStatus maps venue status strings 1:1 onto the canonical enum.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NEW":
		return StatusNew, true
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled, true
	case "FILLED":
		return StatusFilled, true
	case "CANCELED", "CANCELLED":
		return StatusCanceled, true
	case "REJECTED":
		return StatusRejected, true
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired, true
	default:
		return "", false
	}
}
