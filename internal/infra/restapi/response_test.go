package restapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/errs"
)

func TestClassifyRateLimited(t *testing.T) {
	resp := &Response{
		Exchange: "binance",
		Status:   http.StatusTooManyRequests,
		Header:   http.Header{"Retry-After": []string{"7"}},
		Body:     []byte(`{"code":-1003,"msg":"Too many requests"}`),
	}
	err := resp.Classify()
	wait, ok := errs.IsRateLimited(err)
	require.True(t, ok)
	require.Equal(t, 7*time.Second, wait)

	banned := &Response{Status: StatusIPBanned, Header: http.Header{}}
	_, ok = errs.IsRateLimited(banned.Classify())
	require.True(t, ok)
}

func TestClassifyServerAndClientErrors(t *testing.T) {
	require.NoError(t, (&Response{Status: 200}).Classify())
	require.True(t, errs.IsTransient((&Response{Status: 503}).Classify()))

	err := (&Response{Status: 400, Body: []byte(`{"code":-2013,"msg":"Order does not exist."}`)}).Classify()
	require.Equal(t, errs.CodeExchange, errs.CodeOf(err))
	require.Contains(t, err.Error(), "-2013")

	require.Equal(t, errs.CodeAuth, errs.CodeOf((&Response{Status: 401}).Classify()))
}

func TestHeaderAccessors(t *testing.T) {
	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1M", "412")
	h.Set("X-MBX-ORDER-COUNT-10S", "3")
	h.Set("X-MBX-ORDER-COUNT-1D", "55")
	resp := &Response{Status: 200, Header: h}

	used, ok := resp.UsedWeight()
	require.True(t, ok)
	require.Equal(t, 412, used)

	count, ok := resp.OrderCount()
	require.True(t, ok)
	require.Equal(t, 55, count)

	_, ok = resp.RetryAfter(time.Now())
	require.False(t, ok)
}

func TestParseRetryAfterDate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	wait, ok := ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now)
	require.True(t, ok)
	require.Equal(t, 90*time.Second, wait)

	_, ok = ParseRetryAfter("soon", now)
	require.False(t, ok)
}

func TestDoCapturesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "9")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v3/ping", nil)
	require.NoError(t, err)
	resp, err := Do(context.Background(), srv.Client(), "binance", req)
	require.NoError(t, err)
	require.True(t, resp.OK())
	used, _ := resp.UsedWeight()
	require.Equal(t, 9, used)
	require.Equal(t, "binance", resp.Exchange)
}

func TestDoTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	_, err = Do(context.Background(), http.DefaultClient, "binance", req)
	require.Error(t, err)
	require.True(t, errs.IsTransient(err))
}
