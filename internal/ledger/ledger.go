// Package ledger defines the balance-reservation contract consumed by the order
// tracker and ships an in-memory implementation.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/infra/logging"
)

// Reservation identifies a balance hold placed for an order.
type Reservation struct {
	ExchangeID string
	APIKeyID   string
	Symbol     string
	Side       schema.OrderSide
	Type       schema.OrderType
	Quantity   decimal.Decimal
	// Price is nil for market orders.
	Price *decimal.Decimal
}

// Ledger reserves and releases balances.
type Ledger interface {
	ReserveBalanceForOrder(ctx context.Context, r Reservation) (bool, error)
	ReleaseReservedBalance(ctx context.Context, r Reservation) (bool, error)
}

type holdKey struct {
	exchange string
	apiKey   string
	asset    string
}

// Memory keeps reservations per (exchange, api key, asset). Buys hold quote
// (quantity × price), sells hold base quantity.
type Memory struct {
	mu     sync.Mutex
	held   map[holdKey]decimal.Decimal
	logger logrus.FieldLogger
}

// NewMemory constructs an empty in-memory ledger.
func NewMemory(logger logrus.FieldLogger) *Memory {
	return &Memory{held: make(map[holdKey]decimal.Decimal), logger: logging.Component(logger, "ledger", "")}
}

func (m *Memory) hold(r Reservation) (holdKey, decimal.Decimal, error) {
	base, quote := schema.SplitSymbol(r.Symbol)
	key := holdKey{exchange: r.ExchangeID, apiKey: r.APIKeyID}
	switch r.Side {
	case schema.SideSell:
		key.asset = base
		return key, r.Quantity, nil
	case schema.SideBuy:
		if r.Price == nil || r.Price.Sign() <= 0 {
			return key, decimal.Zero, fmt.Errorf("buy reservation for %s needs a price", r.Symbol)
		}
		key.asset = quote
		return key, r.Quantity.Mul(*r.Price), nil
	default:
		return key, decimal.Zero, fmt.Errorf("unknown side %q", r.Side)
	}
}

// ReserveBalanceForOrder adds a hold.
func (m *Memory) ReserveBalanceForOrder(_ context.Context, r Reservation) (bool, error) {
	key, amount, err := m.hold(r)
	if err != nil {
		return false, err
	}
	if amount.Sign() <= 0 {
		return false, nil
	}
	m.mu.Lock()
	m.held[key] = m.held[key].Add(amount)
	m.mu.Unlock()
	return true, nil
}

// ReleaseReservedBalance removes up to the hold's amount. It returns false when nothing was held.
func (m *Memory) ReleaseReservedBalance(_ context.Context, r Reservation) (bool, error) {
	key, amount, err := m.hold(r)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.held[key]
	if !ok || current.Sign() <= 0 {
		return false, nil
	}
	next := current.Sub(amount)
	if next.Sign() <= 0 {
		delete(m.held, key)
	} else {
		m.held[key] = next
	}
	m.logger.WithFields(logrus.Fields{
		"exchange": r.ExchangeID,
		"asset":    key.asset,
		"released": amount.String(),
	}).Debug("reservation released")
	return true, nil
}

// Held returns the amount currently held for an asset.
func (m *Memory) Held(exchangeID, apiKeyID, asset string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[holdKey{exchange: exchangeID, apiKey: apiKeyID, asset: asset}]
}
