package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketEventType identifies the market data category carried by an event.
type MarketEventType string

const (
	MarketEventTicker    MarketEventType = "ticker"
	MarketEventOrderBook MarketEventType = "orderbook"
	MarketEventTrade     MarketEventType = "trade"
	MarketEventKline     MarketEventType = "kline"
)

// Ticker is the rolling 24h summary for a symbol.
type Ticker struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	BidPrice    decimal.Decimal `json:"bidPrice"`
	BidQty      decimal.Decimal `json:"bidQty"`
	AskPrice    decimal.Decimal `json:"askPrice"`
	AskQty      decimal.Decimal `json:"askQty"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
	Change      decimal.Decimal `json:"change"`
	ChangePct   decimal.Decimal `json:"changePct"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PriceLevel is a single aggregated book level.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is a partial book snapshot.
type OrderBook struct {
	Symbol       string       `json:"symbol"`
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Clone returns a deep copy of the book.
func (b OrderBook) Clone() OrderBook {
	out := b
	out.Bids = append([]PriceLevel(nil), b.Bids...)
	out.Asks = append([]PriceLevel(nil), b.Asks...)
	return out
}

// Trade is a single public execution.
type Trade struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Side         OrderSide       `json:"side"`
	IsBuyerMaker bool            `json:"isBuyerMaker"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Kline is a single candlestick bar keyed by its open time.
type Kline struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	OpenTime  time.Time       `json:"openTime"`
	CloseTime time.Time       `json:"closeTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Trades    int64           `json:"trades"`
	Closed    bool            `json:"closed"`
}

// MarketEvent carries a typed payload for one cache mutation.
type MarketEvent[T any] struct {
	Type   MarketEventType `json:"type"`
	Symbol string          `json:"symbol"`
	Data   T               `json:"data"`
}

// TickerEvent announces a ticker cache update.
type TickerEvent = MarketEvent[Ticker]

// OrderBookEvent announces an order book cache update.
type OrderBookEvent = MarketEvent[OrderBook]

// TradeEvent announces a new trade.
type TradeEvent = MarketEvent[Trade]

// KlineEvent announces an inserted or updated bar.
type KlineEvent = MarketEvent[Kline]
