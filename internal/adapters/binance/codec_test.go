package binance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/stream"
)

func TestStreamName(t *testing.T) {
	cases := []struct {
		typ    string
		params stream.Params
		want   string
	}{
		{stream.TypeTicker, stream.Params{"symbol": "BTCUSDT"}, "btcusdt@ticker"},
		{stream.TypeOrderBook, stream.Params{"symbol": "ETH/BTC", "depth": "10"}, "ethbtc@depth10"},
		{stream.TypeOrderBook, stream.Params{"symbol": "ETHBTC"}, "ethbtc@depth20"},
		{stream.TypeTrade, stream.Params{"symbol": "bnb-usdt"}, "bnbusdt@trade"},
		{stream.TypeKline, stream.Params{"symbol": "BTCUSDT", "interval": "1h"}, "btcusdt@kline_1h"},
		{stream.TypeUserData, stream.Params{"listenKey": "pqia91ma19a5s61"}, "pqia91ma19a5s61"},
	}
	for _, tc := range cases {
		got, err := StreamName(tc.typ, tc.params)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := StreamName(stream.TypeKline, stream.Params{"symbol": "BTCUSDT"})
	require.Error(t, err)
	_, err = StreamName(stream.TypeUserData, nil)
	require.Error(t, err)
	_, err = StreamName("bookTicker", stream.Params{"symbol": "BTCUSDT"})
	require.Error(t, err)
}

func TestDecodeMarketData(t *testing.T) {
	var c Codec

	ticker, err := c.DecodeTicker([]byte(`{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","p":"-12.5","P":"-0.04","c":"30000.10","b":"30000.00","B":"1.2","a":"30000.20","A":"0.8","h":"31000","l":"29000","v":"1234.5","q":"37000000"}`))
	require.NoError(t, err)
	require.Equal(t, "BTC/USDT", ticker.Symbol)
	require.Equal(t, "30000.1", ticker.LastPrice.String())
	require.Equal(t, "-12.5", ticker.Change.String())
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), ticker.Timestamp)

	book, err := c.DecodeOrderBook([]byte(`{"lastUpdateId":160,"bids":[["0.0024","10"]],"asks":[["0.0026","100"],["0.0027","5"]]}`))
	require.NoError(t, err)
	require.Equal(t, int64(160), book.LastUpdateID)
	require.Len(t, book.Bids, 1)
	require.Len(t, book.Asks, 2)
	require.Equal(t, "0.0026", book.Asks[0].Price.String())

	_, err = c.DecodeOrderBook([]byte(`{"bids":[["x"]]}`))
	require.Error(t, err)

	trade, err := c.DecodeTrade([]byte(`{"e":"trade","E":1,"s":"BNBBTC","t":12345,"p":"0.001","q":"100","T":1700000000500,"m":true}`))
	require.NoError(t, err)
	require.Equal(t, "12345", trade.ID)
	require.Equal(t, schema.SideSell, trade.Side)
	require.True(t, trade.IsBuyerMaker)

	bar, err := c.DecodeKline([]byte(`{"e":"kline","E":1,"s":"BNBBTC","k":{"t":1700000000000,"T":1700000059999,"i":"1m","o":"1","c":"2","h":"3","l":"0.5","v":"10","n":7,"x":true}}`))
	require.NoError(t, err)
	require.Equal(t, "1m", bar.Interval)
	require.Equal(t, int64(7), bar.Trades)
	require.True(t, bar.Closed)
	require.Equal(t, "3", bar.High.String())

	_, err = c.DecodeKline([]byte(`{"e":"kline","k":{}}`))
	require.Error(t, err)
}

func TestDecodeOrderReport(t *testing.T) {
	var c Codec
	report, ok, err := c.DecodeOrderReport([]byte(`{"e":"executionReport","E":1700000000100,"s":"ETHUSDT","c":"cancel-req","C":"web-7","S":"SELL","o":"STOP_LOSS_LIMIT","f":"GTC","q":"2.00000000","p":"1800.00","P":"1790.00","x":"CANCELED","X":"CANCELED","i":4293153,"l":"0","z":"0.5","L":"0","r":"NONE","T":1700000000099,"Z":"900","O":1699999990000}`))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "4293153", report.ExchangeOrderID)
	require.Equal(t, "web-7", report.ClientOrderID)
	require.Equal(t, "CANCELED", report.Status)
	require.Equal(t, "1790", report.StopPrice.String())
	require.Equal(t, "0.5", report.Executed.String())
	require.Equal(t, time.UnixMilli(1699999990000).UTC(), report.CreatedAt)
	require.Equal(t, time.UnixMilli(1700000000099).UTC(), report.UpdatedAt)

	_, ok, err = c.DecodeOrderReport([]byte(`{"e":"outboundAccountPosition","E":1}`))
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = c.DecodeOrderReport([]byte(`[`))
	require.Error(t, err)
}

func TestDecodeFullVenuePayloads(t *testing.T) {
	var c Codec

	report, ok, err := c.DecodeOrderReport([]byte(`{
		"e":"executionReport","E":1499405658658,"s":"ETHBTC","c":"mUvoqJxFIILMdfAW5iGSOW",
		"S":"BUY","o":"LIMIT","f":"GTC","q":"1.00000000","p":"0.10264410","P":"0.00000000",
		"F":"0.00000000","g":-1,"C":"","x":"TRADE","X":"PARTIALLY_FILLED","r":"NONE",
		"i":4293153,"l":"0.40000000","z":"0.40000000","L":"0.10264410","n":"0.00001000",
		"N":"BNB","T":1499405658657,"t":42,"v":3,"I":8641984,"w":true,"m":false,"M":false,
		"O":1499405658600,"Z":"0.04105764","Y":"0.04105764","Q":"0.00000000",
		"W":1499405658600,"V":"NONE"}`))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "4293153", report.ExchangeOrderID)
	require.Equal(t, "mUvoqJxFIILMdfAW5iGSOW", report.ClientOrderID)
	require.Equal(t, "PARTIALLY_FILLED", report.Status)
	require.Equal(t, "0.1026441", report.Price.String())
	require.Equal(t, "0.4", report.Executed.String())
	require.Equal(t, "0.04105764", report.Cost.String())
	require.Equal(t, time.UnixMilli(1499405658600).UTC(), report.CreatedAt)
	require.Equal(t, time.UnixMilli(1499405658657).UTC(), report.UpdatedAt)

	noTrade, ok, err := c.DecodeOrderReport([]byte(`{"e":"executionReport","E":1499405658658,"s":"ETHBTC","c":"x1","S":"SELL","o":"LIMIT","q":"1","p":"0.1","x":"NEW","X":"NEW","i":7,"z":"0","T":1499405658657,"t":-1,"I":1,"O":1499405658657}`))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.UnixMilli(1499405658657).UTC(), noTrade.UpdatedAt)

	ticker, err := c.DecodeTicker([]byte(`{"e":"24hrTicker","E":1672515782136,"s":"BNBBTC","p":"0.0015","P":"250.00","w":"0.0018","x":"0.0009","c":"0.0025","Q":"10","b":"0.0024","B":"10","a":"0.0026","A":"100","o":"0.0010","h":"0.0025","l":"0.0010","v":"10000","q":"18","O":0,"C":86400000,"F":0,"L":18150,"n":18151}`))
	require.NoError(t, err)
	require.Equal(t, "0.0025", ticker.LastPrice.String())
	require.Equal(t, "0.001", ticker.Low.String())
	require.Equal(t, "18", ticker.QuoteVolume.String())

	trade, err := c.DecodeTrade([]byte(`{"e":"trade","E":1672515782136,"s":"BNBBTC","t":12345,"p":"0.001","q":"100","T":1672515782136,"m":true,"M":false}`))
	require.NoError(t, err)
	require.True(t, trade.IsBuyerMaker)

	bar, err := c.DecodeKline([]byte(`{"e":"kline","E":1672515782136,"s":"BNBBTC","k":{"t":1672515780000,"T":1672515839999,"s":"BNBBTC","i":"1m","f":100,"L":200,"o":"0.0010","c":"0.0020","h":"0.0025","l":"0.0015","v":"1000","n":100,"x":false,"q":"1.0000","V":"500","Q":"0.500","B":"123456"}}`))
	require.NoError(t, err)
	require.Equal(t, "0.0015", bar.Low.String())
	require.Equal(t, "1000", bar.Volume.String())
	require.Equal(t, int64(100), bar.Trades)
}
