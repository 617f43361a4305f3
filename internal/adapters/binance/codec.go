// Package binance adapts the Binance REST and websocket APIs to the venue-neutral
// connectivity core.
package binance

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/orders"
	"github.com/coachpo/venuelink/internal/stream"
)

// wsEnvelope is the combined-stream frame: {"stream": "...", "data": {...}}.
type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Payload structs declare every documented key. The decoder folds case when a key
// has no exact field, so an undeclared "C" would land on "c".
type ticker24hr struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	Change       string `json:"p"`
	ChangePct    string `json:"P"`
	WeightedAvg  string `json:"w"`
	FirstPrice   string `json:"x"`
	LastPrice    string `json:"c"`
	LastQty      string `json:"Q"`
	BidPrice     string `json:"b"`
	BidQty       string `json:"B"`
	AskPrice     string `json:"a"`
	AskQty       string `json:"A"`
	OpenPrice    string `json:"o"`
	High         string `json:"h"`
	Low          string `json:"l"`
	Volume       string `json:"v"`
	QuoteVolume  string `json:"q"`
	OpenTime     int64  `json:"O"`
	CloseTime    int64  `json:"C"`
	FirstTradeID int64  `json:"F"`
	LastTradeID  int64  `json:"L"`
	TradeCount   int64  `json:"n"`
}

type partialDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type tradeEvent struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
	Ignore       bool   `json:"M"`
}

type klineEvent struct {
	EventType string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	Kline     klineKV `json:"k"`
}

type klineKV struct {
	OpenTime         int64  `json:"t"`
	CloseTime        int64  `json:"T"`
	Symbol           string `json:"s"`
	Interval         string `json:"i"`
	FirstTradeID     int64  `json:"f"`
	LastTradeID      int64  `json:"L"`
	Open             string `json:"o"`
	Close            string `json:"c"`
	High             string `json:"h"`
	Low              string `json:"l"`
	Volume           string `json:"v"`
	Trades           int64  `json:"n"`
	Closed           bool   `json:"x"`
	QuoteVolume      string `json:"q"`
	TakerBuyVolume   string `json:"V"`
	TakerBuyQuoteVol string `json:"Q"`
	Ignore           string `json:"B"`
}

type executionReportEvent struct {
	EventType          string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	ClientOrderID      string `json:"c"`
	Side               string `json:"S"`
	OrderType          string `json:"o"`
	TimeInForce        string `json:"f"`
	OriginalQuantity   string `json:"q"`
	Price              string `json:"p"`
	StopPrice          string `json:"P"`
	IcebergQuantity    string `json:"F"`
	OrderListID        int64  `json:"g"`
	ExecutionType      string `json:"x"`
	OrderStatus        string `json:"X"`
	RejectReason       string `json:"r"`
	OrderID            int64  `json:"i"`
	LastExecutedQty    string `json:"l"`
	CumulativeQuantity string `json:"z"`
	LastExecutedPrice  string `json:"L"`
	Commission         string `json:"n"`
	CommissionAsset    string `json:"N"`
	TransactionTime    int64  `json:"T"`
	TradeID            int64  `json:"t"`
	PreventedMatchID   int64  `json:"v"`
	ExecutionID        int64  `json:"I"`
	OnBook             bool   `json:"w"`
	Maker              bool   `json:"m"`
	Ignore             bool   `json:"M"`
	CreationTime       int64  `json:"O"`
	CumulativeQuoteQty string `json:"Z"`
	LastQuoteQty       string `json:"Y"`
	QuoteOrderQty      string `json:"Q"`
	WorkingTime        int64  `json:"W"`
	SelfTradePrevent   string `json:"V"`
	// OriginalClientID carries the canceled order's client id on cancel reports.
	OriginalClientID string `json:"C"`
}

type eventProbe struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// Codec decodes Binance stream payloads.
type Codec struct{}

// DecodeTicker decodes a 24hr ticker push.
func (Codec) DecodeTicker(data []byte) (schema.Ticker, error) {
	var payload ticker24hr
	if err := json.Unmarshal(data, &payload); err != nil {
		return schema.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	if payload.Symbol == "" {
		return schema.Ticker{}, fmt.Errorf("missing symbol in ticker")
	}
	return schema.Ticker{
		Symbol:      schema.NormalizeSymbol(payload.Symbol),
		LastPrice:   parseDecimal(payload.LastPrice),
		BidPrice:    parseDecimal(payload.BidPrice),
		BidQty:      parseDecimal(payload.BidQty),
		AskPrice:    parseDecimal(payload.AskPrice),
		AskQty:      parseDecimal(payload.AskQty),
		High:        parseDecimal(payload.High),
		Low:         parseDecimal(payload.Low),
		Volume:      parseDecimal(payload.Volume),
		QuoteVolume: parseDecimal(payload.QuoteVolume),
		Change:      parseDecimal(payload.Change),
		ChangePct:   parseDecimal(payload.ChangePct),
		Timestamp:   millis(payload.EventTime),
	}, nil
}

// DecodeOrderBook decodes a partial depth push. The payload carries no symbol.
func (Codec) DecodeOrderBook(data []byte) (schema.OrderBook, error) {
	var payload partialDepth
	if err := json.Unmarshal(data, &payload); err != nil {
		return schema.OrderBook{}, fmt.Errorf("decode depth: %w", err)
	}
	bids, err := toPriceLevels(payload.Bids)
	if err != nil {
		return schema.OrderBook{}, err
	}
	asks, err := toPriceLevels(payload.Asks)
	if err != nil {
		return schema.OrderBook{}, err
	}
	return schema.OrderBook{LastUpdateID: payload.LastUpdateID, Bids: bids, Asks: asks}, nil
}

// DecodeTrade decodes a raw trade push.
func (Codec) DecodeTrade(data []byte) (schema.Trade, error) {
	var payload tradeEvent
	if err := json.Unmarshal(data, &payload); err != nil {
		return schema.Trade{}, fmt.Errorf("decode trade: %w", err)
	}
	side := schema.SideBuy
	if payload.IsBuyerMaker {
		side = schema.SideSell
	}
	return schema.Trade{
		ID:           strconv.FormatInt(payload.TradeID, 10),
		Symbol:       schema.NormalizeSymbol(payload.Symbol),
		Price:        parseDecimal(payload.Price),
		Quantity:     parseDecimal(payload.Quantity),
		Side:         side,
		IsBuyerMaker: payload.IsBuyerMaker,
		Timestamp:    millis(payload.TradeTime),
	}, nil
}

// DecodeKline decodes a kline push.
func (Codec) DecodeKline(data []byte) (schema.Kline, error) {
	var payload klineEvent
	if err := json.Unmarshal(data, &payload); err != nil {
		return schema.Kline{}, fmt.Errorf("decode kline: %w", err)
	}
	k := payload.Kline
	if k.OpenTime == 0 {
		return schema.Kline{}, fmt.Errorf("kline without open time")
	}
	return schema.Kline{
		Symbol:    schema.NormalizeSymbol(payload.Symbol),
		Interval:  k.Interval,
		OpenTime:  millis(k.OpenTime),
		CloseTime: millis(k.CloseTime),
		Open:      parseDecimal(k.Open),
		High:      parseDecimal(k.High),
		Low:       parseDecimal(k.Low),
		Close:     parseDecimal(k.Close),
		Volume:    parseDecimal(k.Volume),
		Trades:    k.Trades,
		Closed:    k.Closed,
	}, nil
}

// DecodeOrderReport extracts executionReport pushes from the user data stream.
func (Codec) DecodeOrderReport(data []byte) (orders.RawOrder, bool, error) {
	var probe eventProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return orders.RawOrder{}, false, fmt.Errorf("decode user data event: %w", err)
	}
	if probe.EventType != "executionReport" {
		return orders.RawOrder{}, false, nil
	}
	var event executionReportEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return orders.RawOrder{}, false, fmt.Errorf("decode execution report: %w", err)
	}
	updated := event.TransactionTime
	if updated == 0 {
		updated = event.EventTime
	}
	created := event.CreationTime
	if created == 0 {
		created = updated
	}
	clientID := strings.TrimSpace(event.ClientOrderID)
	if orig := strings.TrimSpace(event.OriginalClientID); orig != "" {
		clientID = orig
	}
	price := parseDecimal(event.Price)
	if price.IsZero() {
		price = parseDecimal(event.LastExecutedPrice)
	}
	return orders.RawOrder{
		ExchangeOrderID: strconv.FormatInt(event.OrderID, 10),
		ClientOrderID:   clientID,
		Symbol:          event.Symbol,
		Side:            event.Side,
		Type:            event.OrderType,
		Status:          event.OrderStatus,
		Price:           price,
		StopPrice:       parseDecimal(event.StopPrice),
		Quantity:        parseDecimal(event.OriginalQuantity),
		Executed:        parseDecimal(event.CumulativeQuantity),
		Cost:            parseDecimal(event.CumulativeQuoteQty),
		CreatedAt:       millis(created),
		UpdatedAt:       millis(updated),
	}, true, nil
}

// StreamName maps a stream type and params to a Binance stream name.
func StreamName(streamType string, params stream.Params) (string, error) {
	if streamType == stream.TypeUserData {
		key := strings.TrimSpace(params["listenKey"])
		if key == "" {
			return "", fmt.Errorf("binance: user data stream requires listenKey")
		}
		return key, nil
	}
	symbol := strings.ToLower(schema.CompactSymbol(strings.TrimSpace(params["symbol"])))
	if symbol == "" {
		return "", fmt.Errorf("binance: %s stream requires symbol", streamType)
	}
	switch streamType {
	case stream.TypeTicker:
		return symbol + "@ticker", nil
	case stream.TypeOrderBook:
		depth := strings.TrimSpace(params["depth"])
		if depth == "" {
			depth = "20"
		}
		return symbol + "@depth" + depth, nil
	case stream.TypeTrade:
		return symbol + "@trade", nil
	case stream.TypeKline:
		interval := strings.TrimSpace(params["interval"])
		if interval == "" {
			return "", fmt.Errorf("binance: kline stream requires interval")
		}
		return symbol + "@kline_" + interval, nil
	default:
		return "", fmt.Errorf("binance: unsupported stream type %q", streamType)
	}
}

func toPriceLevels(levels [][]string) ([]schema.PriceLevel, error) {
	out := make([]schema.PriceLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			return nil, fmt.Errorf("malformed price level %v", level)
		}
		price, err := decimal.NewFromString(level[0])
		if err != nil {
			return nil, fmt.Errorf("price level price: %w", err)
		}
		qty, err := decimal.NewFromString(level[1])
		if err != nil {
			return nil, fmt.Errorf("price level quantity: %w", err)
		}
		out = append(out, schema.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}

func parseDecimal(value string) decimal.Decimal {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
