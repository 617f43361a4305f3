package marketdata

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/stream"
	"github.com/coachpo/venuelink/internal/stream/streamtest"
)

type jsonDecoder struct{}

func (jsonDecoder) DecodeTicker(data []byte) (schema.Ticker, error) {
	var v schema.Ticker
	return v, json.Unmarshal(data, &v)
}

func (jsonDecoder) DecodeOrderBook(data []byte) (schema.OrderBook, error) {
	var v schema.OrderBook
	return v, json.Unmarshal(data, &v)
}

func (jsonDecoder) DecodeTrade(data []byte) (schema.Trade, error) {
	var v schema.Trade
	return v, json.Unmarshal(data, &v)
}

func (jsonDecoder) DecodeKline(data []byte) (schema.Kline, error) {
	var v schema.Kline
	return v, json.Unmarshal(data, &v)
}

func testNamer(streamType string, params stream.Params) (string, error) {
	name := strings.ToLower(params["symbol"]) + "@" + streamType
	switch streamType {
	case stream.TypeKline:
		name += "_" + params["interval"]
	case stream.TypeOrderBook:
		name += params["depth"]
	}
	return name, nil
}

func newTestCache(t *testing.T) (*Cache, *stream.Multiplexer, *streamtest.Transport) {
	t.Helper()
	transport := streamtest.New()
	mux, err := stream.NewMultiplexer(stream.Options{ExchangeID: "binance", Transport: transport, Namer: testNamer})
	require.NoError(t, err)
	return New("binance", mux, jsonDecoder{}, nil), mux, transport
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestTickerCachedAndPublished(t *testing.T) {
	cache, mux, _ := newTestCache(t)
	var events []schema.TickerEvent
	unsubscribe := cache.Tickers().Subscribe(func(e schema.TickerEvent) { events = append(events, e) })
	defer unsubscribe()

	require.NoError(t, cache.SubscribeTicker(context.Background(), "BTCUSDT"))
	mux.Dispatch("btcusdt@ticker", mustJSON(t, schema.Ticker{LastPrice: decimal.RequireFromString("64000.5")}))

	ticker, ok := cache.Ticker("BTC/USDT")
	require.True(t, ok)
	require.Equal(t, "BTC/USDT", ticker.Symbol)
	require.True(t, ticker.LastPrice.Equal(decimal.RequireFromString("64000.5")))
	require.Len(t, events, 1)
	require.Equal(t, schema.MarketEventTicker, events[0].Type)
	require.Equal(t, "BTC/USDT", events[0].Symbol)
}

func TestTradesNewestFirstAndCapped(t *testing.T) {
	cache, mux, _ := newTestCache(t)
	require.NoError(t, cache.SubscribeTrades(context.Background(), "ETHUSDT"))

	for i := 0; i < MaxTrades+25; i++ {
		mux.Dispatch("ethusdt@trade", mustJSON(t, schema.Trade{ID: fmt.Sprint(i), Timestamp: epoch.Add(time.Duration(i) * time.Second)}))
	}
	trades := cache.RecentTrades("ETH/USDT", 0)
	require.Len(t, trades, MaxTrades)
	require.Equal(t, fmt.Sprint(MaxTrades+24), trades[0].ID)
	require.Equal(t, "25", trades[len(trades)-1].ID)
	require.Len(t, cache.RecentTrades("ETH/USDT", 3), 3)
}

func TestKlinesUpsertSortAndCap(t *testing.T) {
	cache, mux, _ := newTestCache(t)
	require.NoError(t, cache.SubscribeKlines(context.Background(), "BTCUSDT", "1m"))

	rng := rand.New(rand.NewSource(7))
	order := rng.Perm(MaxKlines + 40)
	for _, n := range order {
		bar := schema.Kline{OpenTime: epoch.Add(time.Duration(n) * time.Minute), Close: decimal.NewFromInt(int64(n))}
		mux.Dispatch("btcusdt@kline_1m", mustJSON(t, bar))

		bars := cache.RecentKlines("BTC/USDT", "1m", 0)
		require.LessOrEqual(t, len(bars), MaxKlines)
		for i := 1; i < len(bars); i++ {
			require.True(t, bars[i-1].OpenTime.After(bars[i].OpenTime))
		}
	}

	latest := epoch.Add(time.Duration(MaxKlines+39) * time.Minute)
	mux.Dispatch("btcusdt@kline_1m", mustJSON(t, schema.Kline{OpenTime: latest, Close: decimal.NewFromInt(-1), Closed: true}))
	bars := cache.RecentKlines("BTC/USDT", "1m", 0)
	require.Len(t, bars, MaxKlines)
	require.True(t, bars[0].OpenTime.Equal(latest))
	require.True(t, bars[0].Close.Equal(decimal.NewFromInt(-1)))
	require.Equal(t, "1m", bars[0].Interval)
}

func TestOrderBookDepthAndCopies(t *testing.T) {
	cache, mux, transport := newTestCache(t)
	require.NoError(t, cache.SubscribeOrderBook(context.Background(), "BTCUSDT", 7))
	require.True(t, transport.Active("btcusdt@depth20"))

	book := schema.OrderBook{Bids: []schema.PriceLevel{{Price: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(2)}}}
	mux.Dispatch("btcusdt@depth20", mustJSON(t, book))

	got, ok := cache.OrderBook("BTCUSDT")
	require.True(t, ok)
	got.Bids[0].Price = decimal.NewFromInt(99)
	again, _ := cache.OrderBook("BTCUSDT")
	require.True(t, again.Bids[0].Price.Equal(decimal.NewFromInt(1)))
}

func TestOrderBookDepthMismatchIsRejected(t *testing.T) {
	cache, _, transport := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, cache.SubscribeOrderBook(ctx, "BTCUSDT", 20))
	require.NoError(t, cache.SubscribeOrderBook(ctx, "BTCUSDT", 20))
	require.Error(t, cache.SubscribeOrderBook(ctx, "BTCUSDT", 5))
	require.False(t, transport.Active("btcusdt@depth5"))
	require.True(t, transport.Active("btcusdt@depth20"))

	cache.UnsubscribeSymbol(ctx, "BTCUSDT")
	require.NoError(t, cache.SubscribeOrderBook(ctx, "BTCUSDT", 5))
	require.True(t, transport.Active("btcusdt@depth5"))
	require.False(t, transport.Active("btcusdt@depth20"))
}

func TestUnsubscribeSymbolTearsDownAndPurges(t *testing.T) {
	cache, mux, transport := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, cache.SubscribeTicker(ctx, "BTCUSDT"))
	require.NoError(t, cache.SubscribeTrades(ctx, "BTCUSDT"))
	require.NoError(t, cache.SubscribeKlines(ctx, "BTCUSDT", "1m"))
	require.NoError(t, cache.SubscribeTicker(ctx, "ETHUSDT"))
	mux.Dispatch("btcusdt@ticker", mustJSON(t, schema.Ticker{}))

	cache.UnsubscribeSymbol(ctx, "BTC/USDT")
	require.Empty(t, transport.ActiveMatching("btcusdt"))
	require.True(t, transport.Active("ethusdt@ticker"))
	_, ok := cache.Ticker("BTCUSDT")
	require.False(t, ok)
	require.Equal(t, []string{"ETH/USDT"}, cache.Symbols())

	mux.Dispatch("btcusdt@ticker", mustJSON(t, schema.Ticker{}))
	require.Equal(t, []string{"ETH/USDT"}, cache.Symbols())

	cache.UnsubscribeAll(ctx)
	require.Empty(t, cache.Symbols())
	require.Zero(t, mux.Len())
}

func TestRepeatSubscribeDoesNotDoubleApply(t *testing.T) {
	cache, mux, transport := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, cache.SubscribeTrades(ctx, "BTCUSDT"))
	require.NoError(t, cache.SubscribeTrades(ctx, "BTC/USDT"))
	require.Equal(t, 1, transport.SubscribeCount("btcusdt@trade"))

	mux.Dispatch("btcusdt@trade", mustJSON(t, schema.Trade{ID: "1"}))
	require.Len(t, cache.RecentTrades("BTCUSDT", 0), 1)
}

func TestUndecodablePayloadIsDropped(t *testing.T) {
	cache, mux, _ := newTestCache(t)
	require.NoError(t, cache.SubscribeTicker(context.Background(), "BTCUSDT"))
	mux.Dispatch("btcusdt@ticker", []byte(`{not json`))
	_, ok := cache.Ticker("BTCUSDT")
	require.False(t, ok)
}
