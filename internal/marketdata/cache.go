// Package marketdata maintains rolling per-symbol caches of public market data fed by
// multiplexed streams and republishes every mutation on typed topics.
package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/infra/bus"
	"github.com/coachpo/venuelink/internal/infra/logging"
	"github.com/coachpo/venuelink/internal/stream"
)

const (
	// MaxTrades bounds the per-symbol trade list.
	MaxTrades = 100
	// MaxKlines bounds each (symbol, interval) bar list.
	MaxKlines = 500
	// DefaultDepth is used when an unsupported partial book depth is requested.
	DefaultDepth = 20
)

// Streams is the subset of the multiplexer the cache needs.
type Streams interface {
	Subscribe(ctx context.Context, streamType string, params stream.Params, handler stream.Handler) (string, error)
	Unsubscribe(ctx context.Context, id string) bool
}

// Decoder turns venue payloads into canonical market data.
type Decoder interface {
	DecodeTicker(data []byte) (schema.Ticker, error)
	DecodeOrderBook(data []byte) (schema.OrderBook, error)
	DecodeTrade(data []byte) (schema.Trade, error)
	DecodeKline(data []byte) (schema.Kline, error)
}

type symbolCache struct {
	ticker *schema.Ticker
	book   *schema.OrderBook
	trades []schema.Trade
	klines map[string][]schema.Kline
	// subs maps a stream label (ticker, depth:20, trade, kline:1m) to its subscription id.
	subs map[string]string
}

// Cache is the market data cache for one exchange.
type Cache struct {
	streams Streams
	decoder Decoder
	logger  logrus.FieldLogger

	mu      sync.RWMutex
	symbols map[string]*symbolCache

	tickers *bus.Topic[schema.TickerEvent]
	books   *bus.Topic[schema.OrderBookEvent]
	trades  *bus.Topic[schema.TradeEvent]
	klines  *bus.Topic[schema.KlineEvent]
}

// New constructs a cache over streams.
func New(exchangeID string, streams Streams, decoder Decoder, logger logrus.FieldLogger) *Cache {
	return &Cache{
		streams: streams,
		decoder: decoder,
		logger:  logging.Component(logger, "marketdata", exchangeID),
		symbols: make(map[string]*symbolCache),
		tickers: bus.NewTopic[schema.TickerEvent](),
		books:   bus.NewTopic[schema.OrderBookEvent](),
		trades:  bus.NewTopic[schema.TradeEvent](),
		klines:  bus.NewTopic[schema.KlineEvent](),
	}
}

// Tickers is the ticker update topic.
func (c *Cache) Tickers() *bus.Topic[schema.TickerEvent] { return c.tickers }

// OrderBooks is the order book update topic.
func (c *Cache) OrderBooks() *bus.Topic[schema.OrderBookEvent] { return c.books }

// Trades is the trade topic.
func (c *Cache) Trades() *bus.Topic[schema.TradeEvent] { return c.trades }

// Klines is the kline upsert topic.
func (c *Cache) Klines() *bus.Topic[schema.KlineEvent] { return c.klines }

// SubscribeTicker starts caching the ticker stream for symbol.
func (c *Cache) SubscribeTicker(ctx context.Context, symbol string) error {
	symbol = schema.NormalizeSymbol(symbol)
	return c.subscribe(ctx, symbol, stream.TypeTicker, stream.TypeTicker, params(symbol, nil), func(msg stream.Message) {
		ticker, err := c.decoder.DecodeTicker(msg.Data)
		if err != nil {
			c.dropped(symbol, stream.TypeTicker, err)
			return
		}
		ticker.Symbol = symbol
		c.mu.Lock()
		sc, ok := c.symbols[symbol]
		if !ok {
			c.mu.Unlock()
			return
		}
		sc.ticker = &ticker
		c.mu.Unlock()
		c.tickers.Publish(schema.TickerEvent{Type: schema.MarketEventTicker, Symbol: symbol, Data: ticker})
	})
}

// SubscribeOrderBook starts caching a partial book of depth 5, 10 or 20.
func (c *Cache) SubscribeOrderBook(ctx context.Context, symbol string, depth int) error {
	symbol = schema.NormalizeSymbol(symbol)
	switch depth {
	case 5, 10, 20:
	default:
		depth = DefaultDepth
	}
	p := params(symbol, map[string]string{"depth": strconv.Itoa(depth)})
	label := stream.TypeOrderBook + ":" + strconv.Itoa(depth)
	return c.subscribe(ctx, symbol, label, stream.TypeOrderBook, p, func(msg stream.Message) {
		book, err := c.decoder.DecodeOrderBook(msg.Data)
		if err != nil {
			c.dropped(symbol, stream.TypeOrderBook, err)
			return
		}
		book.Symbol = symbol
		if book.Timestamp.IsZero() {
			book.Timestamp = msg.ReceivedAt
		}
		c.mu.Lock()
		sc, ok := c.symbols[symbol]
		if !ok {
			c.mu.Unlock()
			return
		}
		stored := book.Clone()
		sc.book = &stored
		c.mu.Unlock()
		c.books.Publish(schema.OrderBookEvent{Type: schema.MarketEventOrderBook, Symbol: symbol, Data: book})
	})
}

// SubscribeTrades starts caching the trade stream for symbol.
func (c *Cache) SubscribeTrades(ctx context.Context, symbol string) error {
	symbol = schema.NormalizeSymbol(symbol)
	return c.subscribe(ctx, symbol, stream.TypeTrade, stream.TypeTrade, params(symbol, nil), func(msg stream.Message) {
		trade, err := c.decoder.DecodeTrade(msg.Data)
		if err != nil {
			c.dropped(symbol, stream.TypeTrade, err)
			return
		}
		trade.Symbol = symbol
		c.mu.Lock()
		sc, ok := c.symbols[symbol]
		if !ok {
			c.mu.Unlock()
			return
		}
		sc.trades = prependTrade(sc.trades, trade)
		c.mu.Unlock()
		c.trades.Publish(schema.TradeEvent{Type: schema.MarketEventTrade, Symbol: symbol, Data: trade})
	})
}

// SubscribeKlines starts caching bars of the given interval for symbol.
func (c *Cache) SubscribeKlines(ctx context.Context, symbol, interval string) error {
	symbol = schema.NormalizeSymbol(symbol)
	if interval == "" {
		return fmt.Errorf("kline interval required")
	}
	label := stream.TypeKline + ":" + interval
	p := params(symbol, map[string]string{"interval": interval})
	return c.subscribe(ctx, symbol, label, stream.TypeKline, p, func(msg stream.Message) {
		bar, err := c.decoder.DecodeKline(msg.Data)
		if err != nil {
			c.dropped(symbol, stream.TypeKline, err)
			return
		}
		bar.Symbol = symbol
		bar.Interval = interval
		c.mu.Lock()
		sc, ok := c.symbols[symbol]
		if !ok {
			c.mu.Unlock()
			return
		}
		sc.klines[interval] = upsertKline(sc.klines[interval], bar)
		c.mu.Unlock()
		c.klines.Publish(schema.KlineEvent{Type: schema.MarketEventKline, Symbol: symbol, Data: bar})
	})
}

func (c *Cache) subscribe(ctx context.Context, symbol, label, streamType string, p stream.Params, handler stream.Handler) error {
	c.mu.Lock()
	sc := c.entry(symbol)
	if _, ok := sc.subs[label]; ok {
		c.mu.Unlock()
		return nil
	}
	if streamType == stream.TypeOrderBook {
		// One book per symbol: a second depth would interleave snapshots.
		for other := range sc.subs {
			if strings.HasPrefix(other, stream.TypeOrderBook+":") {
				c.mu.Unlock()
				return fmt.Errorf("subscribe %s %s: order book already subscribed as %s", label, symbol, other)
			}
		}
	}
	// Reserve the label so a concurrent caller does not attach a second handler.
	sc.subs[label] = ""
	c.mu.Unlock()

	id, err := c.streams.Subscribe(ctx, streamType, p, handler)
	c.mu.Lock()
	current, live := c.symbols[symbol]
	live = live && current == sc
	switch {
	case err != nil:
		if live {
			delete(sc.subs, label)
		}
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s %s: %w", label, symbol, err)
	case !live:
		// The symbol was torn down while subscribing.
		c.mu.Unlock()
		c.streams.Unsubscribe(ctx, id)
		return nil
	default:
		sc.subs[label] = id
		c.mu.Unlock()
		return nil
	}
}

// entry returns the cache for symbol, creating it. Callers hold c.mu.
func (c *Cache) entry(symbol string) *symbolCache {
	sc, ok := c.symbols[symbol]
	if !ok {
		sc = &symbolCache{klines: make(map[string][]schema.Kline), subs: make(map[string]string)}
		c.symbols[symbol] = sc
	}
	return sc
}

func (c *Cache) dropped(symbol, streamType string, err error) {
	c.logger.WithFields(logrus.Fields{"symbol": symbol, "stream": streamType}).WithError(err).Warn("undecodable market data dropped")
}

// Ticker returns the latest ticker for symbol.
func (c *Cache) Ticker(symbol string) (schema.Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.symbols[schema.NormalizeSymbol(symbol)]
	if !ok || sc.ticker == nil {
		return schema.Ticker{}, false
	}
	return *sc.ticker, true
}

// OrderBook returns a copy of the latest book for symbol.
func (c *Cache) OrderBook(symbol string) (schema.OrderBook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.symbols[schema.NormalizeSymbol(symbol)]
	if !ok || sc.book == nil {
		return schema.OrderBook{}, false
	}
	return sc.book.Clone(), true
}

// RecentTrades returns up to limit trades, newest first. A non-positive limit returns all.
func (c *Cache) RecentTrades(symbol string, limit int) []schema.Trade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.symbols[schema.NormalizeSymbol(symbol)]
	if !ok {
		return nil
	}
	return head(sc.trades, limit)
}

// RecentKlines returns up to limit bars for interval, newest first.
func (c *Cache) RecentKlines(symbol, interval string, limit int) []schema.Kline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.symbols[schema.NormalizeSymbol(symbol)]
	if !ok {
		return nil
	}
	return head(sc.klines[interval], limit)
}

// Symbols returns every symbol with cached state or active streams, sorted.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.symbols))
	for symbol := range c.symbols {
		out = append(out, symbol)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// UnsubscribeSymbol tears down every stream for symbol and purges its caches.
func (c *Cache) UnsubscribeSymbol(ctx context.Context, symbol string) {
	symbol = schema.NormalizeSymbol(symbol)
	c.mu.Lock()
	sc, ok := c.symbols[symbol]
	delete(c.symbols, symbol)
	c.mu.Unlock()
	if !ok {
		return
	}
	for _, id := range sc.subs {
		if id != "" {
			c.streams.Unsubscribe(ctx, id)
		}
	}
}

// UnsubscribeAll tears down every active symbol.
func (c *Cache) UnsubscribeAll(ctx context.Context) {
	for _, symbol := range c.Symbols() {
		c.UnsubscribeSymbol(ctx, symbol)
	}
}

func params(symbol string, extra map[string]string) stream.Params {
	p := stream.Params{"symbol": schema.CompactSymbol(symbol)}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func prependTrade(trades []schema.Trade, trade schema.Trade) []schema.Trade {
	out := make([]schema.Trade, 0, min(len(trades)+1, MaxTrades))
	out = append(out, trade)
	for _, t := range trades {
		if len(out) == MaxTrades {
			break
		}
		out = append(out, t)
	}
	return out
}

// upsertKline replaces the bar with the same open time or inserts it, then restores
// newest-first order and the length bound.
func upsertKline(bars []schema.Kline, bar schema.Kline) []schema.Kline {
	replaced := false
	for i := range bars {
		if bars[i].OpenTime.Equal(bar.OpenTime) {
			bars[i] = bar
			replaced = true
			break
		}
	}
	if !replaced {
		bars = append(bars, bar)
	}
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].OpenTime.After(bars[j].OpenTime)
	})
	if len(bars) > MaxKlines {
		bars = bars[:MaxKlines]
	}
	return bars
}

func head[T any](items []T, limit int) []T {
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	return append([]T(nil), items[:limit]...)
}
