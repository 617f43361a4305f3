// Package errs provides the structured error envelope shared by every venuelink component.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category.
type Code string

const (
	// CodeRateLimited indicates that the venue rejected the request for exceeding its weight budget.
	CodeRateLimited Code = "rate_limited"
	// CodeNetwork indicates a transient transport or server-side failure.
	CodeNetwork Code = "network"
	// CodeSessionExpired indicates that a private-stream session token could not be kept alive.
	CodeSessionExpired Code = "session_expired"
	// CodeReconciliation indicates a failed REST snapshot fetch during order reconciliation.
	CodeReconciliation Code = "reconciliation"
	// CodeUnknownOrder indicates an update for an order id with no cache entry.
	CodeUnknownOrder Code = "unknown_order"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates a non-retryable exchange-side rejection.
	CodeExchange Code = "exchange_error"
	// CodeUnavailable indicates the component is not running.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the connector.
type E struct {
	Exchange      string
	Code          Code
	HTTP          int
	RawCode       string
	RawMsg        string
	Message       string
	RetryAfter    time.Duration
	VenueMetadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange: strings.TrimSpace(exchange),
		Code:     code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithRetryAfter records the venue-provided wait before the request may be retried.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d < 0 {
			d = 0
		}
		e.RetryAfter = d
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithVenueField appends a single venue metadata key/value pair.
func WithVenueField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.VenueMetadata == nil {
			e.VenueMetadata = make(map[string]string, 1)
		}
		e.VenueMetadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	exchange := e.Exchange
	if exchange == "" {
		exchange = "unknown"
	}
	code := string(e.Code)
	if code == "" {
		code = "unknown"
	}
	parts := []string{"exchange=" + exchange, "code=" + code}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.VenueMetadata) > 0 {
		keys := make([]string, 0, len(e.VenueMetadata))
		for k := range e.VenueMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.VenueMetadata[k]))
		}
		parts = append(parts, "venue="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope in the chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries an envelope with the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRateLimited reports whether err signals a venue rate limit and returns the advertised wait.
func IsRateLimited(err error) (time.Duration, bool) {
	var e *E
	if errors.As(err, &e) && e.Code == CodeRateLimited {
		return e.RetryAfter, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	return Is(err, CodeNetwork)
}
