package orders

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/ledger"
	"github.com/coachpo/venuelink/internal/stream"
)

type reportJSON struct {
	Event    string `json:"e"`
	Symbol   string `json:"s"`
	ClientID string `json:"c"`
	Side     string `json:"S"`
	Type     string `json:"o"`
	Quantity string `json:"q"`
	Price    string `json:"p"`
	Status   string `json:"X"`
	OrderID  int64  `json:"i"`
	Executed string `json:"z"`
	Cost     string `json:"Z"`
	Time     int64  `json:"T"`
}

type jsonDecoder struct{}

func (jsonDecoder) DecodeOrderReport(data []byte) (RawOrder, bool, error) {
	var r reportJSON
	if err := json.Unmarshal(data, &r); err != nil {
		return RawOrder{}, false, err
	}
	if r.Event != "executionReport" {
		return RawOrder{}, false, nil
	}
	ts := time.UnixMilli(r.Time)
	return RawOrder{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:   r.ClientID,
		Symbol:          r.Symbol,
		Side:            r.Side,
		Type:            r.Type,
		Status:          r.Status,
		Price:           decimal.RequireFromString(r.Price),
		Quantity:        decimal.RequireFromString(r.Quantity),
		Executed:        decimal.RequireFromString(r.Executed),
		Cost:            decimal.RequireFromString(r.Cost),
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}, true, nil
}

type recordingLedger struct {
	mu       sync.Mutex
	releases []ledger.Reservation
	err      error
}

func (l *recordingLedger) ReleaseReservedBalance(_ context.Context, r ledger.Reservation) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases = append(l.releases, r)
	return l.err == nil, l.err
}

type fakeSource struct {
	open    []RawOrder
	history []RawOrder
	err     error
	calls   []string
}

func (f *fakeSource) OpenOrders(_ context.Context, apiKeyID, symbol string) ([]RawOrder, error) {
	f.calls = append(f.calls, "open:"+apiKeyID+":"+symbol)
	return f.open, f.err
}

func (f *fakeSource) OrderHistory(_ context.Context, apiKeyID, symbol string) ([]RawOrder, error) {
	f.calls = append(f.calls, "history:"+apiKeyID+":"+symbol)
	return f.history, f.err
}

func newTestTracker(l Releaser, src Source) (*Tracker, *[]schema.OrderEvent) {
	tr := NewTracker(Options{ExchangeID: "binance", APIKeyID: "main", Decoder: jsonDecoder{}, Source: src, Ledger: l})
	events := &[]schema.OrderEvent{}
	tr.Events().Subscribe(func(e schema.OrderEvent) { *events = append(*events, e) })
	return tr, events
}

func msg(payload string) stream.Message {
	return stream.Message{Type: stream.TypeUserData, Data: []byte(payload)}
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func limitOrder(id string) schema.Order {
	return schema.Order{
		ID: id, ClientOrderID: "c-" + id, Symbol: "BTC/USDT",
		Side: schema.SideBuy, Type: schema.OrderTypeLimit, Status: schema.StatusNew,
		Price: d("100"), Quantity: d("2"),
		Timestamp: time.UnixMilli(1_700_000_000_000),
	}
}

func TestStreamReportCreatesThenFillsWithoutRelease(t *testing.T) {
	l := &recordingLedger{}
	tr, events := newTestTracker(l, nil)

	tr.HandleMessage(msg(`{"e":"executionReport","s":"BTCUSDT","c":"web-1","S":"BUY","o":"LIMIT","q":"1.5","p":"30000","X":"NEW","i":42,"z":"0","Z":"0","T":1700000000000}`))
	require.Len(t, *events, 1)
	require.Equal(t, schema.OrderEventCreated, (*events)[0].Type)

	order, ok := tr.GetOrderByClientID("web-1")
	require.True(t, ok)
	require.Equal(t, "42", order.ID)
	require.Equal(t, "BTC/USDT", order.Symbol)
	require.Equal(t, "1.5", order.Remaining.String())

	tr.HandleMessage(msg(`{"e":"executionReport","s":"BTCUSDT","c":"web-1","S":"BUY","o":"LIMIT","q":"1.5","p":"30000","X":"FILLED","i":42,"z":"1.5","Z":"45000","T":1700000001000}`))
	require.Len(t, *events, 2)
	filled := (*events)[1]
	require.Equal(t, schema.OrderEventFilled, filled.Type)
	require.Equal(t, schema.StatusNew, filled.PreviousStatus)
	require.True(t, filled.Order.Executed.Add(filled.Order.Remaining).Equal(filled.Order.Quantity))
	require.Empty(t, l.releases)
	require.Equal(t, 1, tr.Len())
}

func TestNonOrderMessagesIgnored(t *testing.T) {
	tr, events := newTestTracker(nil, nil)
	tr.HandleMessage(msg(`{"e":"outboundAccountPosition"}`))
	tr.HandleMessage(msg(`not json`))
	tr.HandleMessage(msg(`{"e":"executionReport","s":"BTCUSDT","S":"BUY","o":"OCO_THING","q":"1","p":"1","X":"NEW","i":1,"z":"0","Z":"0","T":1}`))
	require.Empty(t, *events)
	require.Zero(t, tr.Len())
}

func TestCancelReleasesRemainderExactlyOnce(t *testing.T) {
	l := &recordingLedger{}
	tr, events := newTestTracker(l, nil)
	tr.TrackOrder(limitOrder("7"))

	partial, executed := schema.StatusPartiallyFilled, d("0.5")
	require.True(t, tr.UpdateOrder("7", schema.OrderPatch{Status: &partial, Executed: &executed}))

	canceled := schema.StatusCanceled
	require.True(t, tr.UpdateOrder("7", schema.OrderPatch{Status: &canceled}))
	require.False(t, tr.UpdateOrder("7", schema.OrderPatch{Status: &canceled}))

	expired := schema.StatusExpired
	require.False(t, tr.UpdateOrder("7", schema.OrderPatch{Status: &expired}))

	require.Len(t, l.releases, 1)
	r := l.releases[0]
	require.Equal(t, "1.5", r.Quantity.String())
	require.Equal(t, "main", r.APIKeyID)
	require.Equal(t, "BTC/USDT", r.Symbol)
	require.NotNil(t, r.Price)
	require.Equal(t, "100", r.Price.String())

	types := make([]schema.OrderEventType, 0, len(*events))
	for _, e := range *events {
		types = append(types, e.Type)
	}
	require.Equal(t, []schema.OrderEventType{schema.OrderEventCreated, schema.OrderEventPartiallyFilled, schema.OrderEventCanceled}, types)

	order, _ := tr.GetOrder("7")
	require.Equal(t, schema.StatusCanceled, order.Status)
}

func TestTerminalOrdersAreImmutable(t *testing.T) {
	tr, events := newTestTracker(nil, nil)
	o := limitOrder("9")
	o.Status = schema.StatusRejected
	tr.TrackOrder(o)

	status, qty := schema.StatusNew, d("5")
	require.False(t, tr.UpdateOrder("9", schema.OrderPatch{Status: &status, Quantity: &qty}))
	got, _ := tr.GetOrder("9")
	require.Equal(t, schema.StatusRejected, got.Status)
	require.Equal(t, "2", got.Quantity.String())
	require.Len(t, *events, 1)
}

func TestIllegalTransitionRejected(t *testing.T) {
	tr, _ := newTestTracker(nil, nil)
	tr.TrackOrder(limitOrder("3"))
	partial := schema.StatusPartiallyFilled
	require.True(t, tr.UpdateOrder("3", schema.OrderPatch{Status: &partial}))
	back := schema.StatusNew
	require.False(t, tr.UpdateOrder("3", schema.OrderPatch{Status: &back}))
	rejected := schema.StatusRejected
	require.False(t, tr.UpdateOrder("3", schema.OrderPatch{Status: &rejected}))
	got, _ := tr.GetOrder("3")
	require.Equal(t, schema.StatusPartiallyFilled, got.Status)
}

func TestUnknownOrderUpdateIsDropped(t *testing.T) {
	tr, events := newTestTracker(nil, nil)
	status := schema.StatusFilled
	require.False(t, tr.UpdateOrder("missing", schema.OrderPatch{Status: &status}))
	require.Empty(t, *events)
}

func TestReleaseFailureIsLoggedNotRetried(t *testing.T) {
	l := &recordingLedger{err: errors.New("ledger down")}
	tr, _ := newTestTracker(l, nil)
	tr.TrackOrder(limitOrder("5"))
	expired := schema.StatusExpired
	require.True(t, tr.UpdateOrder("5", schema.OrderPatch{Status: &expired}))
	require.Len(t, l.releases, 1)
	got, _ := tr.GetOrder("5")
	require.Equal(t, schema.StatusExpired, got.Status)
}

func TestFilters(t *testing.T) {
	tr, _ := newTestTracker(nil, nil)
	a := limitOrder("1")
	b := limitOrder("2")
	b.Symbol = "ETH/USDT"
	b.Timestamp = a.Timestamp.Add(time.Second)
	c := limitOrder("3")
	c.Status = schema.StatusFilled
	c.Executed = c.Quantity
	c.Timestamp = a.Timestamp.Add(2 * time.Second)
	tr.TrackOrder(a)
	tr.TrackOrder(b)
	tr.TrackOrder(c)

	require.Len(t, tr.GetOrders(""), 3)
	require.Len(t, tr.GetOrders("BTCUSDT"), 2)
	require.Len(t, tr.GetOrders("", schema.StatusFilled), 1)

	open := tr.GetOpenOrders("")
	require.Len(t, open, 2)
	require.Equal(t, "1", open[0].ID)
	require.Equal(t, "2", open[1].ID)
	require.Len(t, tr.GetOpenOrders("BTC/USDT"), 1)

	tr.Clear()
	require.Zero(t, tr.Len())
	_, ok := tr.GetOrderByClientID("c-1")
	require.False(t, ok)
}

func TestReconcileOverwritesStaleEntryWithoutDuplicating(t *testing.T) {
	cachedAt := time.UnixMilli(1_700_000_000_000)
	src := &fakeSource{open: []RawOrder{{
		ExchangeOrderID: "11", ClientOrderID: "c-11", Symbol: "BTCUSDT",
		Side: "BUY", Type: "LIMIT", Status: "PARTIALLY_FILLED",
		Price: d("100"), Quantity: d("2"), Executed: d("0.75"), Cost: d("75"),
		CreatedAt: cachedAt, UpdatedAt: cachedAt.Add(time.Minute),
	}, {
		ExchangeOrderID: "12", Symbol: "BTCUSDT",
		Side: "SELL", Type: "LIMIT", Status: "NEW",
		Price: d("110"), Quantity: d("1"), Executed: d("0"), Cost: d("0"),
		CreatedAt: cachedAt, UpdatedAt: cachedAt,
	}}}
	tr, events := newTestTracker(nil, src)
	o := limitOrder("11")
	o.ClientOrderID = "c-11"
	o.LastUpdated = cachedAt
	tr.TrackOrder(o)

	report, err := tr.Reconcile(context.Background(), "", "BTC/USDT")
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Inserted: 1, Updated: 1}, report)
	require.Equal(t, []string{"open:main:BTCUSDT", "history:main:BTCUSDT"}, src.calls)
	require.Equal(t, 2, tr.Len())

	got, _ := tr.GetOrder("11")
	require.Equal(t, schema.StatusPartiallyFilled, got.Status)
	require.Equal(t, "0.75", got.Executed.String())
	require.Equal(t, "1.25", got.Remaining.String())
	require.Equal(t, cachedAt.Add(time.Minute), got.LastUpdated)
	require.Len(t, *events, 3)
}

func TestReconcileSkipsTerminalEntries(t *testing.T) {
	src := &fakeSource{history: []RawOrder{{
		ExchangeOrderID: "21", Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Status: "CANCELED",
		Price: d("100"), Quantity: d("2"),
	}}}
	tr, _ := newTestTracker(nil, src)
	o := limitOrder("21")
	o.Status = schema.StatusFilled
	o.Executed = o.Quantity
	tr.TrackOrder(o)

	report, err := tr.Reconcile(context.Background(), "alt", "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Skipped: 1}, report)
	require.Equal(t, "open:alt:BTCUSDT", src.calls[0])
	got, _ := tr.GetOrder("21")
	require.Equal(t, schema.StatusFilled, got.Status)
}

func TestReconcileFailureLeavesCache(t *testing.T) {
	src := &fakeSource{err: errors.New("503")}
	tr, _ := newTestTracker(nil, src)
	tr.TrackOrder(limitOrder("1"))

	_, err := tr.Reconcile(context.Background(), "", "")
	require.True(t, errs.Is(err, errs.CodeReconciliation))
	require.Equal(t, []string{"open:main:"}, src.calls)
	require.Equal(t, 1, tr.Len())

	_, err = NewTracker(Options{}).Reconcile(context.Background(), "", "")
	require.True(t, errs.Is(err, errs.CodeReconciliation))
}

func TestReconcileTransitionReleasesBalance(t *testing.T) {
	l := &recordingLedger{}
	src := &fakeSource{history: []RawOrder{{
		ExchangeOrderID: "31", Symbol: "BTCUSDT", Side: "BUY", Type: "LIMIT", Status: "CANCELED",
		Price: d("100"), Quantity: d("2"), Executed: d("0"),
	}}}
	tr, _ := newTestTracker(l, src)
	tr.TrackOrder(limitOrder("31"))

	_, err := tr.Reconcile(context.Background(), "", "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, l.releases, 1)
	require.Equal(t, "2", l.releases[0].Quantity.String())
}
