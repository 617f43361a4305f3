package binance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/connection"
	"github.com/coachpo/venuelink/internal/infra/logging"
)

const (
	// Binance limits control messages (SUBSCRIBE/UNSUBSCRIBE, PING/PONG) to 5 per second per connection.
	binanceControlMessageInterval = 250 * time.Millisecond
	binanceMaxStreamsPerRequest   = 100
	pingInterval                  = 3 * time.Minute
	writeTimeout                  = 5 * time.Second
	readyTimeout                  = 10 * time.Second
)

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type subscribeResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *wsError         `json:"error,omitempty"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Dispatcher receives every stream frame. The multiplexer's Dispatch satisfies it.
type Dispatcher func(streamName string, data []byte)

// StatusReporter receives connection transitions.
type StatusReporter func(status connection.Status, err error)

// StreamOptions configures a StreamTransport.
type StreamOptions struct {
	Options  Options
	Dispatch Dispatcher
	Report   StatusReporter
	Logger   logrus.FieldLogger
	// ReconnectMax caps the reconnect backoff. Zero means one minute.
	ReconnectMax time.Duration
}

// StreamTransport keeps one combined-stream websocket open, replays the live
// subscription set after every reconnect and paces control frames.
type StreamTransport struct {
	url          string
	exchange     string
	dispatch     Dispatcher
	report       StatusReporter
	logger       logrus.FieldLogger
	reconnectMax time.Duration

	conn     *websocket.Conn
	connMu   sync.RWMutex
	msgIDGen atomic.Uint64

	subscriptions map[string]struct{}
	subsMu        sync.Mutex

	control *rate.Limiter
	// controlMu keeps batches of one request contiguous on the wire.
	controlMu sync.Mutex

	cancel    context.CancelFunc
	loops     conc.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
	started   atomic.Bool
}

// NewStreamTransport constructs a transport. Call Start to connect.
func NewStreamTransport(cfg StreamOptions) *StreamTransport {
	opts := cfg.Options
	opts.normalize()
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	return &StreamTransport{
		url:           opts.WebsocketURL,
		exchange:      opts.ExchangeID,
		dispatch:      cfg.Dispatch,
		report:        cfg.Report,
		logger:        logging.Component(cfg.Logger, "binance.ws", opts.ExchangeID),
		reconnectMax:  cfg.ReconnectMax,
		subscriptions: make(map[string]struct{}),
		control:       rate.NewLimiter(rate.Every(binanceControlMessageInterval), 1),
		ready:         make(chan struct{}),
	}
}

// SetDispatcher installs the frame sink. It must be called before Start.
func (st *StreamTransport) SetDispatcher(d Dispatcher) { st.dispatch = d }

// Start connects in the background and waits for the first connection.
func (st *StreamTransport) Start(ctx context.Context) error {
	if !st.started.CompareAndSwap(false, true) {
		return nil
	}
	st.ready = make(chan struct{})
	st.readyOnce = sync.Once{}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st.cancel = cancel
	st.loops.Go(func() { st.connect(loopCtx) })

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()
	select {
	case <-st.ready:
		return nil
	case <-timer.C:
		return errs.New(st.exchange, errs.CodeNetwork, errs.WithMessage("timeout waiting for websocket connection"))
	case <-ctx.Done():
		return fmt.Errorf("stream transport start: %w", ctx.Err())
	}
}

// Close stops reconnecting and closes the socket. A failed close handshake is
// reported as a warning.
func (st *StreamTransport) Close(context.Context) errs.CloseReport {
	var report errs.CloseReport
	if st.cancel != nil {
		st.cancel()
	}
	st.connMu.Lock()
	conn := st.conn
	st.conn = nil
	st.connMu.Unlock()
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "shutdown"); err != nil {
			st.logger.WithError(err).Debug("websocket close handshake")
			report.Add(fmt.Errorf("close websocket: %w", err))
		}
	}
	st.loops.Wait()
	st.started.Store(false)
	st.emit(connection.StatusDisconnected, nil)
	return report
}

// Subscribe adds streams to the live set. Streams are sent now when connected and
// replayed on every reconnect.
func (st *StreamTransport) Subscribe(ctx context.Context, streams []string) error {
	st.subsMu.Lock()
	fresh := make([]string, 0, len(streams))
	for _, name := range streams {
		if _, exists := st.subscriptions[name]; !exists {
			fresh = append(fresh, name)
			st.subscriptions[name] = struct{}{}
		}
	}
	st.subsMu.Unlock()
	if len(fresh) == 0 {
		return nil
	}
	err := st.sendBatchedControlRequests(ctx, "SUBSCRIBE", fresh)
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

// Unsubscribe removes streams from the live set.
func (st *StreamTransport) Unsubscribe(ctx context.Context, streams []string) error {
	st.subsMu.Lock()
	existing := make([]string, 0, len(streams))
	for _, name := range streams {
		if _, exists := st.subscriptions[name]; exists {
			existing = append(existing, name)
			delete(st.subscriptions, name)
		}
	}
	st.subsMu.Unlock()
	if len(existing) == 0 {
		return nil
	}
	err := st.sendBatchedControlRequests(ctx, "UNSUBSCRIBE", existing)
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

// Subscriptions returns the live stream set, sorted.
func (st *StreamTransport) Subscriptions() []string {
	st.subsMu.Lock()
	defer st.subsMu.Unlock()
	out := make([]string, 0, len(st.subscriptions))
	for name := range st.subscriptions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

var errNotConnected = errors.New("websocket not connected")

// connect maintains the connection with exponential backoff between attempts.
func (st *StreamTransport) connect(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = st.reconnectMax

	for {
		if ctx.Err() != nil {
			return
		}
		st.emit(connection.StatusConnecting, nil)
		conn, _, err := websocket.Dial(ctx, st.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			st.emit(connection.StatusError, fmt.Errorf("dial %s: %w", st.url, err))
			if !sleepCtx(ctx, policy.NextBackOff()) {
				return
			}
			continue
		}
		conn.SetReadLimit(1 << 22)

		st.connMu.Lock()
		st.conn = conn
		st.connMu.Unlock()
		policy.Reset()
		st.emit(connection.StatusConnected, nil)
		st.readyOnce.Do(func() { close(st.ready) })

		if err := st.subscribeAll(ctx); err != nil {
			st.logger.WithError(err).Warn("resubscribe after reconnect")
		}

		connCtx, stopPing := context.WithCancel(ctx)
		var pinger conc.WaitGroup
		pinger.Go(func() { st.pingLoop(connCtx, conn) })
		err = st.readLoop(ctx, conn)
		stopPing()
		pinger.Wait()

		st.connMu.Lock()
		if st.conn == conn {
			st.conn = nil
		}
		st.connMu.Unlock()

		if ctx.Err() != nil {
			return
		}
		st.emit(connection.StatusError, fmt.Errorf("read loop: %w", err))
		if !sleepCtx(ctx, policy.NextBackOff()) {
			return
		}
	}
}

func (st *StreamTransport) subscribeAll(ctx context.Context) error {
	streams := st.Subscriptions()
	if len(streams) == 0 {
		return nil
	}
	return st.sendBatchedControlRequests(ctx, "SUBSCRIBE", streams)
}

func (st *StreamTransport) sendBatchedControlRequests(ctx context.Context, method string, streams []string) error {
	st.controlMu.Lock()
	defer st.controlMu.Unlock()

	st.connMu.RLock()
	conn := st.conn
	st.connMu.RUnlock()
	if conn == nil {
		return errNotConnected
	}

	for _, chunk := range chunkStreams(streams, binanceMaxStreamsPerRequest) {
		if err := st.control.Wait(ctx); err != nil {
			return fmt.Errorf("pacing %s request: %w", method, err)
		}
		data, err := json.Marshal(subscribeRequest{Method: method, Params: chunk, ID: st.msgIDGen.Add(1)})
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", method, err)
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return errs.New(st.exchange, errs.CodeNetwork, errs.WithMessage("write "+method), errs.WithCause(err))
		}
	}
	return nil
}

func chunkStreams(streams []string, size int) [][]string {
	if len(streams) == 0 {
		return nil
	}
	if size <= 0 || len(streams) <= size {
		return [][]string{append([]string(nil), streams...)}
	}
	chunks := make([][]string, 0, (len(streams)+size-1)/size)
	for start := 0; start < len(streams); start += size {
		end := min(start+size, len(streams))
		chunks = append(chunks, append([]string(nil), streams[start:end]...))
	}
	return chunks
}

// readLoop routes combined-stream frames and drops control acknowledgements.
func (st *StreamTransport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		var resp subscribeResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				st.logger.WithFields(logrus.Fields{"id": resp.ID, "code": resp.Error.Code}).Warn("control request rejected: " + resp.Error.Msg)
			}
			continue
		}
		var envelope wsEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Stream == "" {
			st.logger.WithError(err).Debug("dropping frame without stream envelope")
			continue
		}
		if st.dispatch != nil {
			st.dispatch(envelope.Stream, envelope.Data)
		}
	}
}

func (st *StreamTransport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				st.logger.WithError(err).Warn("websocket ping failed")
			}
		}
	}
}

func (st *StreamTransport) emit(status connection.Status, err error) {
	if st.report != nil {
		st.report(status, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
