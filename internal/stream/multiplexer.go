// Package stream multiplexes logical subscriptions over one upstream streaming
// connection per exchange, deduplicating by stream type and parameters.
package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/infra/logging"
)

// Params are the stream parameters, e.g. {"symbol": "BTCUSDT", "interval": "1m"}.
type Params map[string]string

// Key is the canonical (type, sorted params) identity of a stream.
type Key string

// CanonicalKey builds the dedup key for a stream type and its parameters.
func CanonicalKey(streamType string, params Params) Key {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(streamType)))
	for _, name := range names {
		b.WriteByte('|')
		b.WriteString(strings.ToLower(strings.TrimSpace(name)))
		b.WriteByte('=')
		b.WriteString(strings.TrimSpace(params[name]))
	}
	return Key(b.String())
}

// Message is one inbound payload routed to a stream key.
type Message struct {
	Key        Key
	Type       string
	Params     Params
	Stream     string
	Data       []byte
	ReceivedAt time.Time
}

// Handler consumes messages for one key.
type Handler func(Message)

// Transport is the upstream socket. Stream names are venue-specific.
type Transport interface {
	Subscribe(ctx context.Context, streams []string) error
	Unsubscribe(ctx context.Context, streams []string) error
}

// Namer maps a stream type and params to the venue's upstream stream name.
type Namer func(streamType string, params Params) (string, error)

// Options configures a Multiplexer.
type Options struct {
	ExchangeID string
	Transport  Transport
	Namer      Namer
	Logger     logrus.FieldLogger
	Clock      func() time.Time
	Meter      metric.Meter
}

type entry struct {
	id       string
	key      Key
	typ      string
	params   Params
	stream   string
	handlers []Handler
	last     *Message
	// aliases are other keys the namer maps to the same upstream stream.
	aliases []Key
}

// Multiplexer owns the subscription map for one exchange's streaming connection.
// The map is the single source of truth for which upstream streams are open.
type Multiplexer struct {
	exchange  string
	transport Transport
	namer     Namer
	logger    logrus.FieldLogger
	clock     func() time.Time
	metrics   *muxMetrics

	mu       sync.RWMutex
	byKey    map[Key]*entry
	byID     map[string]*entry
	byStream map[string]*entry
}

// NewMultiplexer constructs a multiplexer over transport.
func NewMultiplexer(opts Options) (*Multiplexer, error) {
	if opts.Transport == nil {
		return nil, errs.New(opts.ExchangeID, errs.CodeInvalid, errs.WithMessage("stream transport required"))
	}
	if opts.Namer == nil {
		return nil, errs.New(opts.ExchangeID, errs.CodeInvalid, errs.WithMessage("stream namer required"))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Multiplexer{
		exchange:  opts.ExchangeID,
		transport: opts.Transport,
		namer:     opts.Namer,
		logger:    logging.Component(opts.Logger, "stream", opts.ExchangeID),
		clock:     opts.Clock,
		metrics:   newMuxMetrics(opts.Meter),
		byKey:     make(map[Key]*entry),
		byID:      make(map[string]*entry),
		byStream:  make(map[string]*entry),
	}, nil
}

// Subscribe registers handler for (streamType, params). A key that is identical, or
// that names the same upstream stream, reuses the existing stream and its id.
func (m *Multiplexer) Subscribe(ctx context.Context, streamType string, params Params, handler Handler) (string, error) {
	key := CanonicalKey(streamType, params)

	m.mu.Lock()
	if existing, ok := m.byKey[key]; ok {
		id := existing.attach(handler)
		m.mu.Unlock()
		return id, nil
	}
	name, err := m.namer(streamType, params)
	if err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("stream name for %s: %w", key, err)
	}
	if existing, ok := m.byStream[name]; ok {
		existing.aliases = append(existing.aliases, key)
		m.byKey[key] = existing
		id := existing.attach(handler)
		m.mu.Unlock()
		return id, nil
	}
	e := &entry{
		id:     uuid.NewString(),
		key:    key,
		typ:    streamType,
		params: cloneParams(params),
		stream: name,
	}
	if handler != nil {
		e.handlers = append(e.handlers, handler)
	}
	m.byKey[key] = e
	m.byID[e.id] = e
	m.byStream[name] = e
	m.mu.Unlock()

	if err := m.transport.Subscribe(ctx, []string{name}); err != nil {
		m.mu.Lock()
		m.remove(e)
		m.mu.Unlock()
		return "", fmt.Errorf("subscribe %s: %w", name, err)
	}
	m.metrics.subscriptionDelta(ctx, m.exchange, streamType, 1)
	m.logger.WithFields(logrus.Fields{"stream": name, "subscription": e.id}).Debug("stream subscribed")
	return e.id, nil
}

// Unsubscribe tears down the upstream stream behind id and drops every handler for
// its key. It reports whether id was active.
func (m *Multiplexer) Unsubscribe(ctx context.Context, id string) bool {
	m.mu.Lock()
	e, ok := m.byID[id]
	if ok {
		m.remove(e)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.metrics.subscriptionDelta(ctx, m.exchange, e.typ, -1)
	if err := m.transport.Unsubscribe(ctx, []string{e.stream}); err != nil {
		m.logger.WithError(err).WithField("stream", e.stream).Warn("upstream unsubscribe failed")
	}
	return true
}

func (e *entry) attach(handler Handler) string {
	if handler != nil {
		e.handlers = append(e.handlers, handler)
	}
	return e.id
}

// remove drops e from every index. Callers hold m.mu.
func (m *Multiplexer) remove(e *entry) {
	delete(m.byKey, e.key)
	for _, alias := range e.aliases {
		delete(m.byKey, alias)
	}
	delete(m.byID, e.id)
	if current, ok := m.byStream[e.stream]; ok && current == e {
		delete(m.byStream, e.stream)
	}
}

// Dispatch routes an inbound payload for the named upstream stream. The message is
// cached as the key's last value before handlers run. Unknown streams are dropped.
func (m *Multiplexer) Dispatch(streamName string, data []byte) {
	m.mu.Lock()
	e, ok := m.byStream[streamName]
	if !ok {
		m.mu.Unlock()
		m.logger.WithField("stream", streamName).Debug("message for inactive stream dropped")
		return
	}
	msg := Message{
		Key:        e.key,
		Type:       e.typ,
		Params:     e.params,
		Stream:     streamName,
		Data:       append([]byte(nil), data...),
		ReceivedAt: m.clock(),
	}
	e.last = &msg
	handlers := append([]Handler(nil), e.handlers...)
	typ := e.typ
	m.mu.Unlock()

	m.metrics.message(context.Background(), m.exchange, typ)
	for _, h := range handlers {
		h(msg)
	}
}

// Last returns the most recent message for (streamType, params).
func (m *Multiplexer) Last(streamType string, params Params) (Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byKey[CanonicalKey(streamType, params)]
	if !ok || e.last == nil {
		return Message{}, false
	}
	return *e.last, true
}

// Has reports whether id is an active subscription.
func (m *Multiplexer) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byID[id]
	return ok
}

// Lookup returns the subscription id for (streamType, params).
func (m *Multiplexer) Lookup(streamType string, params Params) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byKey[CanonicalKey(streamType, params)]
	if !ok {
		return "", false
	}
	return e.id, true
}

// Streams returns the active upstream stream names, sorted.
func (m *Multiplexer) Streams() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.byStream))
	for name := range m.byStream {
		out = append(out, name)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of active subscriptions.
func (m *Multiplexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Close unsubscribes every active stream. Upstream failures are reported, not returned.
func (m *Multiplexer) Close(ctx context.Context) errs.CloseReport {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.byID))
	for _, e := range m.byID {
		entries = append(entries, e)
	}
	m.byKey = make(map[Key]*entry)
	m.byID = make(map[string]*entry)
	m.byStream = make(map[string]*entry)
	m.mu.Unlock()

	var report errs.CloseReport
	if len(entries) == 0 {
		return report
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.stream)
		m.metrics.subscriptionDelta(ctx, m.exchange, e.typ, -1)
	}
	sort.Strings(names)
	if err := m.transport.Unsubscribe(ctx, names); err != nil {
		report.Add(fmt.Errorf("unsubscribe %d streams: %w", len(names), err))
	}
	return report
}

func cloneParams(p Params) Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Stream types shared by the market data cache, the session manager and venue namers.
const (
	TypeTicker    = "ticker"
	TypeOrderBook = "depth"
	TypeTrade     = "trade"
	TypeKline     = "kline"
	TypeUserData  = "user_data"
)
