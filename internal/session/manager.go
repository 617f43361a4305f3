// Package session manages the private-stream session token: creation, keep-alive,
// rotation on keep-alive failure, and teardown.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/infra/bus"
	"github.com/coachpo/venuelink/internal/infra/logging"
	"github.com/coachpo/venuelink/internal/infra/telemetry"
	"github.com/coachpo/venuelink/internal/stream"
)

// DefaultKeepAlive is well under the venue's 60 minute token expiry.
const DefaultKeepAlive = 30 * time.Minute

// KeyService issues and maintains session tokens over authenticated REST.
type KeyService interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}

// Streams is the subset of the multiplexer the session needs.
type Streams interface {
	Subscribe(ctx context.Context, streamType string, params stream.Params, handler stream.Handler) (string, error)
	Unsubscribe(ctx context.Context, id string) bool
}

// Token is the current session token.
type Token struct {
	Value      string
	CreatedAt  time.Time
	LastPingAt time.Time
}

// Options configures a Manager.
type Options struct {
	ExchangeID string
	Keys       KeyService
	Streams    Streams
	KeepAlive  time.Duration
	Logger     logrus.FieldLogger
	Clock      func() time.Time
	Meter      metric.Meter
}

// Manager owns one private-stream session.
type Manager struct {
	exchange  string
	keys      KeyService
	streams   Streams
	interval  time.Duration
	logger    logrus.FieldLogger
	clock     func() time.Time
	rotations metric.Int64Counter

	messages *bus.Topic[stream.Message]

	// op serialises start, keep-alive and close so a rotation never races teardown.
	op      sync.Mutex
	mu      sync.RWMutex
	token   *Token
	subID   string
	running bool
	cancel  context.CancelFunc
	loop    conc.WaitGroup
}

// NewManager constructs a session manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Keys == nil || opts.Streams == nil {
		return nil, errs.New(opts.ExchangeID, errs.CodeInvalid, errs.WithMessage("session requires key service and streams"))
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter("venuelink/session")
	}
	rotations, _ := meter.Int64Counter(telemetry.MetricRotations,
		metric.WithDescription("Session token rotations after keep-alive failure"),
		metric.WithUnit("{rotation}"))
	return &Manager{
		exchange:  opts.ExchangeID,
		keys:      opts.Keys,
		streams:   opts.Streams,
		interval:  opts.KeepAlive,
		logger:    logging.Component(opts.Logger, "session", opts.ExchangeID),
		clock:     opts.Clock,
		rotations: rotations,
		messages:  bus.NewTopic[stream.Message](),
	}, nil
}

// Messages carries every raw private-stream message unmodified.
func (m *Manager) Messages() *bus.Topic[stream.Message] { return m.messages }

// Token returns the current session token.
func (m *Manager) Token() (Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return Token{}, false
	}
	return *m.token, true
}

// SubscriptionID returns the multiplexer id of the private stream, or "".
func (m *Manager) SubscriptionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subID
}

// Start obtains a token, subscribes the private stream and arms the keep-alive timer.
// Calling Start on a running manager is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	if m.isRunning() {
		return nil
	}
	key, err := m.keys.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("create session token: %w", err)
	}
	subID, err := m.subscribe(ctx, key)
	if err != nil {
		if cerr := m.keys.CloseListenKey(ctx, key); cerr != nil {
			m.logger.WithError(cerr).Warn("discard session token after failed subscribe")
		}
		return err
	}
	now := m.clock()
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.token = &Token{Value: key, CreatedAt: now, LastPingAt: now}
	m.subID = subID
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	m.loop.Go(func() { m.keepAliveLoop(loopCtx) })
	m.logger.Info("session started")
	return nil
}

func (m *Manager) isRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) subscribe(ctx context.Context, key string) (string, error) {
	id, err := m.streams.Subscribe(ctx, stream.TypeUserData, stream.Params{"listenKey": key}, func(msg stream.Message) {
		m.messages.Publish(msg)
	})
	if err != nil {
		return "", fmt.Errorf("subscribe private stream: %w", err)
	}
	return id, nil
}

func (m *Manager) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.KeepAlive(ctx); err != nil {
				m.logger.WithError(err).Warn("session keep-alive cycle failed")
			}
		}
	}
}

// KeepAlive runs one keep-alive cycle. A failed ping triggers a full rotation:
// a new token is created, the old stream is torn down and the new one subscribed.
func (m *Manager) KeepAlive(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.RLock()
	running, token, subID := m.running, m.token, m.subID
	m.mu.RUnlock()
	if !running || token == nil {
		return errs.New(m.exchange, errs.CodeUnavailable, errs.WithMessage("session not running"))
	}

	pingErr := m.keys.KeepAliveListenKey(ctx, token.Value)
	if pingErr == nil {
		m.mu.Lock()
		if m.token != nil {
			m.token.LastPingAt = m.clock()
		}
		m.mu.Unlock()
		if subID == "" {
			return m.resubscribe(ctx, token.Value)
		}
		return nil
	}

	m.logger.WithError(pingErr).Warn("session keep-alive failed, rotating token")
	return m.rotate(ctx, subID, pingErr)
}

func (m *Manager) rotate(ctx context.Context, oldSub string, cause error) error {
	key, err := m.keys.CreateListenKey(ctx)
	if err != nil {
		return errs.New(m.exchange, errs.CodeSessionExpired,
			errs.WithMessage("rotate session token"), errs.WithCause(fmt.Errorf("%w; ping: %v", err, cause)))
	}
	if oldSub != "" {
		m.streams.Unsubscribe(ctx, oldSub)
	}
	now := m.clock()
	m.mu.Lock()
	m.token = &Token{Value: key, CreatedAt: now, LastPingAt: now}
	m.subID = ""
	m.mu.Unlock()

	if m.rotations != nil {
		m.rotations.Add(telemetry.EnsureContext(ctx), 1, metric.WithAttributes(telemetry.ExchangeAttributes(m.exchange)...))
	}
	return m.resubscribe(ctx, key)
}

func (m *Manager) resubscribe(ctx context.Context, key string) error {
	id, err := m.subscribe(ctx, key)
	if err != nil {
		return errs.New(m.exchange, errs.CodeSessionExpired, errs.WithMessage("resubscribe private stream"), errs.WithCause(err))
	}
	m.mu.Lock()
	m.subID = id
	m.mu.Unlock()
	m.logger.WithField("subscription", id).Info("private stream subscribed")
	return nil
}

// Close cancels the keep-alive timer, unsubscribes the stream and deletes the token.
// Network failures are reported as warnings; the session is always torn down.
func (m *Manager) Close(ctx context.Context) errs.CloseReport {
	var report errs.CloseReport

	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.loop.Wait()

	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	token, subID := m.token, m.subID
	m.token = nil
	m.subID = ""
	m.running = false
	m.mu.Unlock()

	if subID != "" {
		m.streams.Unsubscribe(ctx, subID)
	}
	if token != nil {
		if err := m.keys.CloseListenKey(ctx, token.Value); err != nil {
			m.logger.WithError(err).Warn("delete session token failed")
			report.Add(fmt.Errorf("delete session token: %w", err))
		}
	}
	return report
}
