package schema

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSplitSymbol(t *testing.T) {
	cases := []struct {
		in, base, quote string
	}{
		{"BTCUSDT", "BTC", "USDT"},
		{"ethbtc", "ETH", "BTC"},
		{"SOLFDUSD", "SOL", "FDUSD"},
		{"BTCUSD", "BTC", "USD"},
		{"BTC/USDT", "BTC", "USDT"},
		{"ETH-EUR", "ETH", "EUR"},
		{"ABCXYZ", "ABC", "XYZ"},
		{"XYZ", "XYZ", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		base, quote := SplitSymbol(tc.in)
		require.Equal(t, tc.base, base, tc.in)
		require.Equal(t, tc.quote, quote, tc.in)
	}
	require.Equal(t, "BTC/USDT", NormalizeSymbol("btcusdt"))
	require.Equal(t, "BTCUSDT", CompactSymbol("BTC/USDT"))
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusNew.CanTransition(StatusPartiallyFilled))
	require.True(t, StatusPartiallyFilled.CanTransition(StatusFilled))
	require.True(t, StatusNew.CanTransition(StatusCanceled))
	require.True(t, StatusNew.CanTransition(StatusRejected))
	require.True(t, StatusNew.CanTransition(StatusExpired))
	require.True(t, StatusPartiallyFilled.CanTransition(StatusPartiallyFilled))
	require.False(t, StatusPartiallyFilled.CanTransition(StatusNew))
	for _, terminal := range []OrderStatus{StatusFilled, StatusCanceled, StatusRejected, StatusExpired} {
		require.True(t, terminal.Terminal())
		require.False(t, terminal.CanTransition(StatusNew))
		require.False(t, terminal.CanTransition(terminal))
	}
}

func TestEventTypeForTransition(t *testing.T) {
	require.Equal(t, OrderEventFilled, EventTypeForTransition(StatusNew, StatusFilled))
	require.Equal(t, OrderEventPartiallyFilled, EventTypeForTransition(StatusNew, StatusPartiallyFilled))
	require.Equal(t, OrderEventUpdated, EventTypeForTransition(StatusPartiallyFilled, StatusPartiallyFilled))
	require.Equal(t, OrderEventExpired, EventTypeForTransition(StatusNew, StatusExpired))
}

func TestParseVocabulary(t *testing.T) {
	status, ok := ParseOrderStatus("partially_filled")
	require.True(t, ok)
	require.Equal(t, StatusPartiallyFilled, status)
	_, ok = ParseOrderStatus("PENDING_CANCEL")
	require.False(t, ok)

	typ, ok := ParseOrderType("STOP_LOSS_LIMIT")
	require.True(t, ok)
	require.Equal(t, OrderTypeStopLimit, typ)

	side, ok := ParseOrderSide("sell")
	require.True(t, ok)
	require.Equal(t, SideSell, side)
}

func TestUnfilledFloorsAtZero(t *testing.T) {
	o := Order{Quantity: decimal.RequireFromString("1"), Executed: decimal.RequireFromString("1.5")}
	require.True(t, o.Unfilled().IsZero())
	o.Executed = decimal.RequireFromString("0.25")
	require.Equal(t, "0.75", o.Unfilled().String())
}
