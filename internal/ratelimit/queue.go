package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/coachpo/venuelink/errs"
)

// Task is a unit of rate-limited work.
type Task func(ctx context.Context) (any, error)

type result struct {
	value any
	err   error
}

type job struct {
	ctx      context.Context
	weight   int
	task     Task
	enqueued time.Time
	done     chan result
}

// Enqueue runs task behind exchangeID's queue and returns its typed result.
func Enqueue[T any](ctx context.Context, t *Tracker, exchangeID string, weight int, task func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := t.Submit(ctx, exchangeID, weight, func(ctx context.Context) (any, error) {
		return task(ctx)
	})
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, nil
	}
	return out, nil
}

// Submit queues task for exchangeID. Jobs run one at a time in submission order;
// each attempt waits until the budget admits weight, then charges it before running.
func (t *Tracker) Submit(ctx context.Context, exchangeID string, weight int, task Task) (any, error) {
	if task == nil {
		return nil, errs.New(exchangeID, errs.CodeInvalid, errs.WithMessage("nil task"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l := t.limiter(exchangeID)
	l.mu.Lock()
	limit := l.budget.WeightLimit
	l.mu.Unlock()
	if weight < 0 || weight > limit {
		return nil, errs.New(exchangeID, errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("weight %d outside budget %d", weight, limit)))
	}

	j := &job{ctx: ctx, weight: weight, task: task, enqueued: t.clock(), done: make(chan result, 1)}
	l.mu.Lock()
	l.queue = append(l.queue, j)
	if !l.draining {
		l.draining = true
		go t.drain(l)
	}
	l.mu.Unlock()

	select {
	case res := <-j.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Tracker) drain(l *limiter) {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		j := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		if err := j.ctx.Err(); err != nil {
			j.done <- result{err: err}
			continue
		}
		value, err := t.execute(l, j)
		j.done <- result{value: value, err: err}
	}
}

// execute applies the retry policy: rate-limit errors wait out the venue's retry-after
// and retry without a ceiling, transient errors back off exponentially up to MaxRetries.
func (t *Tracker) execute(l *limiter, j *job) (any, error) {
	l.mu.Lock()
	limits := l.limits
	l.mu.Unlock()

	delays := newRetryBackOff(limits.BaseDelay)
	transient := 0
	first := true
	for {
		if err := t.acquire(j.ctx, l, j.weight); err != nil {
			return nil, err
		}
		if first {
			t.metrics.recordQueueWait(j.ctx, l.exchange, t.clock().Sub(j.enqueued))
			first = false
		}
		value, err := j.task(j.ctx)
		if err == nil {
			return value, nil
		}
		if j.ctx.Err() != nil {
			return nil, err
		}
		if wait, limited := errs.IsRateLimited(err); limited {
			if wait <= 0 {
				wait = limits.DefaultRetryAfter
			}
			l.mu.Lock()
			l.markLimited(t.clock(), wait)
			l.mu.Unlock()
			t.metrics.recordRetry(j.ctx, l.exchange, string(errs.CodeRateLimited))
			t.logger.WithFields(logrus.Fields{"exchange": l.exchange, "retry_after": wait}).
				Debug("rate limited, waiting before retry")
			continue
		}
		if !errs.IsTransient(err) || transient >= limits.MaxRetries {
			return nil, err
		}
		delay := delays.NextBackOff()
		transient++
		t.metrics.recordRetry(j.ctx, l.exchange, string(errs.CodeNetwork))
		t.logger.WithFields(logrus.Fields{
			"exchange": l.exchange,
			"attempt":  transient,
			"delay":    delay,
		}).WithError(err).Debug("transient failure, backing off")
		if err := t.sleep(j.ctx, delay); err != nil {
			return nil, err
		}
	}
}

// acquire blocks on timed waits until weight fits, then charges it optimistically.
func (t *Tracker) acquire(ctx context.Context, l *limiter, weight int) error {
	for {
		l.mu.Lock()
		now := t.clock()
		l.rollover(now)
		if l.canSend(weight) {
			l.budget.UsedWeight += weight
			l.mu.Unlock()
			return nil
		}
		wait := l.budget.ResetTime.Sub(now) + time.Millisecond
		l.mu.Unlock()
		if wait <= 0 {
			wait = time.Millisecond
		}
		t.logger.WithFields(logrus.Fields{"exchange": l.exchange, "weight": weight, "wait": wait}).
			Debug("budget exhausted, waiting for reset")
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// newRetryBackOff yields base, 2*base, 4*base, ... with no jitter.
func newRetryBackOff(base time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Hour,
	}
	b.Reset()
	return b
}
