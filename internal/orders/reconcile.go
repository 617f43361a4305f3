package orders

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/domain/schema"
)

// Source fetches authoritative order snapshots over REST.
type Source interface {
	// OpenOrders lists working orders; an empty symbol lists every symbol.
	OpenOrders(ctx context.Context, apiKeyID, symbol string) ([]RawOrder, error)
	// OrderHistory lists recent orders for one symbol, including closed ones.
	OrderHistory(ctx context.Context, apiKeyID, symbol string) ([]RawOrder, error)
}

// ReconcileReport counts what a reconciliation pass did to the cache.
type ReconcileReport struct {
	Inserted int
	Updated  int
	Skipped  int
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeInserted
	outcomeUpdated
)

// Reconcile pulls open orders (and, when symbol is set, order history) for the
// account behind apiKeyID and merges them into the cache. An empty apiKeyID uses
// the tracker's account. The REST view wins over non-terminal cached entries.
// Cached terminal orders are left untouched. Any fetch failure aborts the pass
// before the cache is modified.
func (t *Tracker) Reconcile(ctx context.Context, apiKeyID, symbol string) (ReconcileReport, error) {
	var report ReconcileReport
	if t.source == nil {
		return report, errs.New(t.exchange, errs.CodeReconciliation, errs.WithMessage("no order source configured"))
	}
	if apiKeyID == "" {
		apiKeyID = t.apiKeyID
	}
	venueSymbol := ""
	if symbol != "" {
		venueSymbol = schema.CompactSymbol(schema.NormalizeSymbol(symbol))
	}
	entry := t.logger.WithField("symbol", symbol)

	open, err := t.source.OpenOrders(ctx, apiKeyID, venueSymbol)
	if err != nil {
		entry.WithError(err).Warn("reconcile: fetch open orders failed")
		return report, errs.New(t.exchange, errs.CodeReconciliation, errs.WithMessage("fetch open orders"), errs.WithCause(err))
	}
	snapshot := open
	if venueSymbol != "" {
		history, err := t.source.OrderHistory(ctx, apiKeyID, venueSymbol)
		if err != nil {
			entry.WithError(err).Warn("reconcile: fetch order history failed")
			return report, errs.New(t.exchange, errs.CodeReconciliation, errs.WithMessage("fetch order history"), errs.WithCause(err))
		}
		snapshot = append(snapshot, history...)
	}

	t.apply.Lock()
	defer t.apply.Unlock()
	for _, raw := range snapshot {
		order, ok := t.canonical(raw)
		if !ok {
			report.Skipped++
			continue
		}
		switch t.upsert(ctx, order) {
		case outcomeInserted:
			report.Inserted++
		case outcomeUpdated:
			report.Updated++
		default:
			report.Skipped++
		}
	}
	entry.WithFields(logrus.Fields{
		"inserted": report.Inserted,
		"updated":  report.Updated,
		"skipped":  report.Skipped,
	}).Info("orders reconciled")
	return report, nil
}
