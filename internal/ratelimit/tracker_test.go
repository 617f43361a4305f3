package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/infra/restapi"
)

type virtualClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newVirtualClock() *virtualClock {
	return &virtualClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *virtualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (c *virtualClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func newTestTracker(clock *virtualClock, limits Limits) *Tracker {
	return NewTracker(Options{Limits: limits, Clock: clock.Now, Sleep: clock.Sleep})
}

func weightResponse(status int, used int, retryAfter string) *restapi.Response {
	h := http.Header{}
	if used >= 0 {
		h.Set(restapi.HeaderUsedWeight, strconv.Itoa(used))
	}
	if retryAfter != "" {
		h.Set(restapi.HeaderRetryAfter, retryAfter)
	}
	return &restapi.Response{Status: status, Header: h}
}

func TestRequestBeyondWindowBudgetWaitsForReset(t *testing.T) {
	clock := newVirtualClock()
	tracker := newTestTracker(clock, Limits{WeightLimit: 1200})
	ctx := context.Background()
	reset := tracker.Budget("binance").ResetTime

	for i := 0; i < 1200; i++ {
		n, err := Enqueue(ctx, tracker, "binance", 1, func(context.Context) (int, error) {
			return i, nil
		})
		require.NoError(t, err)
		require.Equal(t, i, n)
	}
	require.Empty(t, clock.Sleeps())
	require.False(t, tracker.CanSend("binance", 1))

	var ranAt time.Time
	_, err := Enqueue(ctx, tracker, "binance", 1, func(context.Context) (struct{}, error) {
		ranAt = clock.Now()
		return struct{}{}, nil
	})
	require.NoError(t, err)
	require.True(t, ranAt.After(reset))
	require.Len(t, clock.Sleeps(), 1)
	require.Equal(t, 1, tracker.Budget("binance").UsedWeight)
}

func TestRetryAfterBlocksUntilReset(t *testing.T) {
	clock := newVirtualClock()
	tracker := newTestTracker(clock, Limits{})

	tracker.RecordResponse("binance", weightResponse(http.StatusTooManyRequests, 1250, "5"))
	budget := tracker.Budget("binance")
	require.True(t, budget.IsRateLimited)
	require.Equal(t, 5*time.Second, budget.RetryAfter)
	require.Equal(t, clock.Now().Add(5*time.Second), budget.ResetTime)
	require.False(t, tracker.CanSend("binance", 1))

	clock.Advance(5 * time.Second)
	require.False(t, tracker.CanSend("binance", 1))
	clock.Advance(time.Millisecond)
	require.True(t, tracker.CanSend("binance", 1))
	require.Zero(t, tracker.Budget("binance").UsedWeight)
}

func TestRateLimitedWithoutHeaderUsesDefaultWait(t *testing.T) {
	clock := newVirtualClock()
	tracker := newTestTracker(clock, Limits{DefaultRetryAfter: 2 * time.Second})

	tracker.RecordResponse("binance", weightResponse(restapi.StatusIPBanned, -1, ""))
	require.Equal(t, 2*time.Second, tracker.Budget("binance").RetryAfter)
}

func TestSuccessfulResponseClearsFlag(t *testing.T) {
	clock := newVirtualClock()
	tracker := newTestTracker(clock, Limits{})

	tracker.RecordResponse("binance", weightResponse(http.StatusOK, 1300, ""))
	require.True(t, tracker.Budget("binance").IsRateLimited)

	tracker.RecordResponse("binance", weightResponse(http.StatusOK, 40, ""))
	budget := tracker.Budget("binance")
	require.False(t, budget.IsRateLimited)
	require.Equal(t, 40, budget.UsedWeight)
	require.True(t, tracker.CanSend("binance", 1))
}

func TestUsedWeightNeverExceedsLimitWhenNotLimited(t *testing.T) {
	clock := newVirtualClock()
	tracker := newTestTracker(clock, Limits{WeightLimit: 100})
	statuses := []int{200, 200, 429, 200, 418, 200, 500, 200}
	for i := 0; i < 200; i++ {
		status := statuses[i%len(statuses)]
		retry := ""
		if status == 429 && i%3 == 0 {
			retry = "1"
		}
		tracker.RecordResponse("binance", weightResponse(status, (i*37)%160, retry))
		clock.Advance(time.Duration(i%7) * 100 * time.Millisecond)

		b := tracker.Budget("binance")
		if !b.IsRateLimited {
			require.LessOrEqual(t, b.UsedWeight, b.WeightLimit, "step %d", i)
		}
	}
}

func TestRateLimitErrorRetriesAfterVenueWait(t *testing.T) {
	clock := newVirtualClock()
	tracker := newTestTracker(clock, Limits{})
	attempts := 0

	out, err := Enqueue(context.Background(), tracker, "binance", 2, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errs.New("binance", errs.CodeRateLimited, errs.WithRetryAfter(2*time.Second))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 3, attempts)
	require.Equal(t, []time.Duration{2*time.Second + time.Millisecond, 2*time.Second + time.Millisecond}, clock.Sleeps())
}

func TestTransientErrorBacksOffThenSurfaces(t *testing.T) {
	clock := newVirtualClock()
	tracker := newTestTracker(clock, Limits{BaseDelay: 500 * time.Millisecond, MaxRetries: 3})
	attempts := 0
	last := errs.New("binance", errs.CodeNetwork, errs.WithMessage("attempt"))

	_, err := Enqueue(context.Background(), tracker, "binance", 1, func(context.Context) (int, error) {
		attempts++
		return 0, last
	})
	require.ErrorIs(t, err, last)
	require.Equal(t, 4, attempts)
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, clock.Sleeps())
	require.Equal(t, 4, tracker.Budget("binance").UsedWeight)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	clock := newVirtualClock()
	tracker := newTestTracker(clock, Limits{})
	attempts := 0
	_, err := Enqueue(context.Background(), tracker, "binance", 1, func(context.Context) (int, error) {
		attempts++
		return 0, errs.New("binance", errs.CodeExchange, errs.WithHTTP(400))
	})
	require.Equal(t, errs.CodeExchange, errs.CodeOf(err))
	require.Equal(t, 1, attempts)
}

func TestQueueIsFIFOPerExchange(t *testing.T) {
	tracker := NewTracker(Options{})
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = tracker.Submit(ctx, "binance", 1, func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	queued := func() int {
		l := tracker.limiter("binance")
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.queue)
	}
	for i := 1; i <= 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tracker.Submit(ctx, "binance", 1, func(context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		require.Eventually(t, func() bool { return queued() == i }, time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()
	require.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestOversizedWeightIsRejected(t *testing.T) {
	tracker := NewTracker(Options{Limits: Limits{WeightLimit: 10}})
	_, err := tracker.Submit(context.Background(), "binance", 11, func(context.Context) (any, error) {
		return nil, nil
	})
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestCanceledCallerDoesNotRun(t *testing.T) {
	clock := newVirtualClock()
	tracker := newTestTracker(clock, Limits{WeightLimit: 10})
	tracker.RecordResponse("binance", weightResponse(http.StatusOK, 10, ""))
	require.False(t, tracker.CanSend("binance", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	_, err := tracker.Submit(ctx, "binance", 1, func(context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	require.True(t, errors.Is(err, context.Canceled))
	require.Eventually(t, func() bool {
		l := tracker.limiter("binance")
		l.mu.Lock()
		defer l.mu.Unlock()
		return !l.draining
	}, time.Second, time.Millisecond)
	require.False(t, ran)
}

func TestExchangesHaveIndependentBudgets(t *testing.T) {
	clock := newVirtualClock()
	tracker := newTestTracker(clock, Limits{})
	tracker.Configure("kraken", Limits{WeightLimit: 15})
	tracker.RecordResponse("binance", weightResponse(http.StatusTooManyRequests, 1200, "30"))

	require.False(t, tracker.CanSend("binance", 1))
	require.True(t, tracker.CanSend("kraken", 15))
	require.False(t, tracker.CanSend("kraken", 16))
}
