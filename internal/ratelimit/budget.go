// Package ratelimit tracks per-exchange request-weight budgets and serialises REST
// calls behind a FIFO queue that waits out the budget before dispatching.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/internal/infra/logging"
	"github.com/coachpo/venuelink/internal/infra/restapi"
)

// Limits describes an exchange's request budget and retry policy.
type Limits struct {
	WeightLimit       int
	OrderLimit        int
	Window            time.Duration
	DefaultRetryAfter time.Duration
	BaseDelay         time.Duration
	MaxRetries        int
}

// DefaultLimits mirrors the Binance spot REST budget.
func DefaultLimits() Limits {
	return Limits{
		WeightLimit:       1200,
		OrderLimit:        100,
		Window:            time.Minute,
		DefaultRetryAfter: time.Second,
		BaseDelay:         500 * time.Millisecond,
		MaxRetries:        3,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.WeightLimit <= 0 {
		l.WeightLimit = def.WeightLimit
	}
	if l.OrderLimit <= 0 {
		l.OrderLimit = def.OrderLimit
	}
	if l.Window <= 0 {
		l.Window = def.Window
	}
	if l.DefaultRetryAfter <= 0 {
		l.DefaultRetryAfter = def.DefaultRetryAfter
	}
	if l.BaseDelay <= 0 {
		l.BaseDelay = def.BaseDelay
	}
	if l.MaxRetries < 0 {
		l.MaxRetries = 0
	}
	return l
}

// RateBudget is a snapshot of one exchange's budget.
type RateBudget struct {
	UsedWeight    int
	WeightLimit   int
	OrderCount    int
	OrderLimit    int
	ResetTime     time.Time
	IsRateLimited bool
	RetryAfter    time.Duration
}

// Options configures a Tracker.
type Options struct {
	Limits Limits
	Logger logrus.FieldLogger
	Clock  func() time.Time
	// Sleep blocks for d or until ctx ends. Tests substitute a virtual clock.
	Sleep func(ctx context.Context, d time.Duration) error
	Meter metric.Meter
}

// Tracker owns one budget and one request queue per exchange id.
type Tracker struct {
	mu       sync.Mutex
	limiters map[string]*limiter

	defaults Limits
	logger   logrus.FieldLogger
	clock    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	metrics  *trackerMetrics
}

type limiter struct {
	exchange string
	limits   Limits

	mu       sync.Mutex
	budget   RateBudget
	queue    []*job
	draining bool
}

// NewTracker constructs a tracker registry.
func NewTracker(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	t := &Tracker{
		limiters: make(map[string]*limiter),
		defaults: opts.Limits.withDefaults(),
		logger:   logging.Component(opts.Logger, "ratelimit", ""),
		clock:    opts.Clock,
		sleep:    opts.Sleep,
	}
	t.metrics = newTrackerMetrics(opts.Meter, t)
	return t
}

// Configure sets the limits for exchangeID, creating its state when absent.
// The current usage is kept.
func (t *Tracker) Configure(exchangeID string, limits Limits) {
	l := t.limiter(exchangeID)
	limits = limits.withDefaults()
	l.mu.Lock()
	l.limits = limits
	l.budget.WeightLimit = limits.WeightLimit
	l.budget.OrderLimit = limits.OrderLimit
	l.mu.Unlock()
}

func (t *Tracker) limiter(exchangeID string) *limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.limiters[exchangeID]; ok {
		return l
	}
	l := &limiter{
		exchange: exchangeID,
		limits:   t.defaults,
		budget: RateBudget{
			WeightLimit: t.defaults.WeightLimit,
			OrderLimit:  t.defaults.OrderLimit,
			ResetTime:   t.clock().Add(t.defaults.Window),
		},
	}
	t.limiters[exchangeID] = l
	return l
}

// Budget returns the current budget for exchangeID after applying any due rollover.
func (t *Tracker) Budget(exchangeID string) RateBudget {
	l := t.limiter(exchangeID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover(t.clock())
	return l.budget
}

// CanSend reports whether a request of the given weight fits the current window.
func (t *Tracker) CanSend(exchangeID string, weight int) bool {
	l := t.limiter(exchangeID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover(t.clock())
	return l.canSend(weight)
}

// RecordResponse applies the venue's authoritative view of the budget.
func (t *Tracker) RecordResponse(exchangeID string, resp *restapi.Response) {
	if resp == nil {
		return
	}
	l := t.limiter(exchangeID)
	now := t.clock()

	l.mu.Lock()
	l.rollover(now)
	if used, ok := resp.UsedWeight(); ok {
		l.budget.UsedWeight = used
	}
	if count, ok := resp.OrderCount(); ok {
		l.budget.OrderCount = count
	}
	wait, hasRetry := resp.RetryAfter(now)
	if !hasRetry && resp.RateLimited() {
		wait, hasRetry = l.limits.DefaultRetryAfter, true
	}
	switch {
	case hasRetry:
		l.markLimited(now, wait)
	case l.budget.UsedWeight > l.budget.WeightLimit:
		l.budget.IsRateLimited = true
	case resp.OK():
		l.budget.IsRateLimited = false
		l.budget.RetryAfter = 0
	}
	budget := l.budget
	l.mu.Unlock()

	if budget.IsRateLimited {
		t.logger.WithFields(logrus.Fields{
			"exchange":    exchangeID,
			"used_weight": budget.UsedWeight,
			"reset_time":  budget.ResetTime,
			"retry_after": budget.RetryAfter,
		}).Warn("rate limited by venue")
	}
}

// rollover starts a fresh window once resetTime has passed. Callers hold l.mu.
func (l *limiter) rollover(now time.Time) {
	if !now.After(l.budget.ResetTime) {
		return
	}
	l.budget.UsedWeight = 0
	l.budget.OrderCount = 0
	l.budget.IsRateLimited = false
	l.budget.RetryAfter = 0
	l.budget.ResetTime = now.Add(l.limits.Window)
}

func (l *limiter) canSend(weight int) bool {
	return !l.budget.IsRateLimited && l.budget.UsedWeight+weight <= l.budget.WeightLimit
}

// markLimited applies a venue retry-after. The reset time follows the venue even when it moves backward.
func (l *limiter) markLimited(now time.Time, wait time.Duration) {
	if wait < 0 {
		wait = 0
	}
	l.budget.IsRateLimited = true
	l.budget.RetryAfter = wait
	l.budget.ResetTime = now.Add(wait)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
