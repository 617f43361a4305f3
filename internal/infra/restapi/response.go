// Package restapi models venue REST responses as a typed result so rate-limit and
// failure handling never inspect raw header maps ad hoc.
package restapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/venuelink/errs"
)

const (
	// HeaderUsedWeight reports the request weight consumed in the current minute.
	HeaderUsedWeight = "X-MBX-USED-WEIGHT-1M"
	// HeaderOrderCountPrefix prefixes the per-interval order count headers.
	HeaderOrderCountPrefix = "X-MBX-ORDER-COUNT-"
	// HeaderRetryAfter carries the wait in seconds after a 429 or 418.
	HeaderRetryAfter = "Retry-After"

	// StatusIPBanned is returned once an IP keeps sending after a 429.
	StatusIPBanned = 418

	maxBodyBytes = 4 << 20
	errBodyBytes = 4 << 10
)

// Response is the discriminated result of one REST exchange call.
type Response struct {
	Exchange string
	Status   int
	Header   http.Header
	Body     []byte
	Latency  time.Duration
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// RateLimited reports whether the venue rejected the call for weight reasons.
func (r *Response) RateLimited() bool {
	return r != nil && (r.Status == http.StatusTooManyRequests || r.Status == StatusIPBanned)
}

// UsedWeight returns the used-weight header value when present.
func (r *Response) UsedWeight() (int, bool) {
	if r == nil {
		return 0, false
	}
	return headerInt(r.Header, HeaderUsedWeight)
}

// OrderCount returns the highest order-count value across the reported intervals.
func (r *Response) OrderCount() (int, bool) {
	if r == nil {
		return 0, false
	}
	best, found := 0, false
	for key := range r.Header {
		if !strings.HasPrefix(strings.ToUpper(key), HeaderOrderCountPrefix) {
			continue
		}
		if v, ok := headerInt(r.Header, key); ok {
			found = true
			if v > best {
				best = v
			}
		}
	}
	return best, found
}

// RetryAfter parses the Retry-After header as seconds or an HTTP date.
func (r *Response) RetryAfter(now time.Time) (time.Duration, bool) {
	if r == nil {
		return 0, false
	}
	return ParseRetryAfter(r.Header.Get(HeaderRetryAfter), now)
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if r == nil {
		return fmt.Errorf("decode: nil response")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Classify converts a non-2xx response into an errs.E envelope. It returns nil for 2xx.
func (r *Response) Classify() error {
	if r == nil {
		return errs.New("", errs.CodeNetwork, errs.WithMessage("empty response"))
	}
	if r.OK() {
		return nil
	}
	opts := []errs.Option{errs.WithHTTP(r.Status)}
	var venue venueError
	if len(r.Body) > 0 && json.Unmarshal(r.Body, &venue) == nil && (venue.Code != 0 || venue.Msg != "") {
		opts = append(opts, errs.WithRawCode(strconv.Itoa(venue.Code)), errs.WithRawMessage(venue.Msg))
	} else if len(r.Body) > 0 {
		body := r.Body
		if len(body) > errBodyBytes {
			body = body[:errBodyBytes]
		}
		opts = append(opts, errs.WithRawMessage(strings.TrimSpace(string(body))))
	}
	switch {
	case r.RateLimited():
		if wait, ok := r.RetryAfter(time.Now()); ok {
			opts = append(opts, errs.WithRetryAfter(wait))
		}
		return errs.New(r.Exchange, errs.CodeRateLimited, append(opts, errs.WithMessage("request weight exceeded"))...)
	case r.Status >= 500:
		return errs.New(r.Exchange, errs.CodeNetwork, append(opts, errs.WithMessage("venue unavailable"))...)
	case r.Status == http.StatusUnauthorized || r.Status == http.StatusForbidden:
		return errs.New(r.Exchange, errs.CodeAuth, opts...)
	default:
		return errs.New(r.Exchange, errs.CodeExchange, opts...)
	}
}

// Do executes req and captures the response as a Response. Transport failures are
// returned as network errors; HTTP failures are left to Classify.
func Do(ctx context.Context, client *http.Client, exchange string, req *http.Request) (*Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	started := time.Now()
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.New(exchange, errs.CodeNetwork, errs.WithMessage(req.Method+" "+req.URL.Path), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errs.New(exchange, errs.CodeNetwork, errs.WithMessage("read body"), errs.WithCause(err))
	}
	return &Response{
		Exchange: exchange,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		Latency:  time.Since(started),
	}, nil
}

// ParseRetryAfter accepts delta-seconds or an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(value); err == nil {
		wait := at.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}
	return 0, false
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
