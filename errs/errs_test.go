package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestErrorStringIncludesFields(t *testing.T) {
	err := New("binance", CodeRateLimited,
		WithHTTP(429),
		WithMessage("too many requests"),
		WithRetryAfter(3*time.Second),
		WithVenueField("endpoint", "/api/v3/order"))

	msg := err.Error()
	require.Contains(t, msg, "exchange=binance")
	require.Contains(t, msg, "code=rate_limited")
	require.Contains(t, msg, "http=429")
	require.Contains(t, msg, "retry_after=3s")
	require.Contains(t, msg, `endpoint="/api/v3/order"`)
}

func TestClassificationSeesThroughWrapping(t *testing.T) {
	base := New("binance", CodeRateLimited, WithRetryAfter(2*time.Second))
	wrapped := fmt.Errorf("open orders: %w", base)

	wait, ok := IsRateLimited(wrapped)
	require.True(t, ok)
	require.Equal(t, 2*time.Second, wait)
	require.False(t, IsTransient(wrapped))

	network := fmt.Errorf("ping: %w", New("binance", CodeNetwork, WithCause(errors.New("reset"))))
	require.True(t, IsTransient(network))
	require.Equal(t, CodeNetwork, CodeOf(network))
	require.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("binance", CodeNetwork, WithCause(cause))
	require.ErrorIs(t, err, cause)
}
