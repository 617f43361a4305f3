// Package connection tracks per-exchange connection health driven by periodic probes.
package connection

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/internal/infra/logging"
)

// Status enumerates connection states.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// State is the observable connection record for one exchange.
type State struct {
	Status      Status
	ExchangeID  string
	LastChecked time.Time
	// Latency is only meaningful when HasLatency is set.
	Latency    time.Duration
	HasLatency bool
	Err        error
	Message    string
	Attempts   int
}

// ProbeResult is what a successful health probe reports.
type ProbeResult struct {
	Latency time.Duration
	Message string
}

// Probe checks venue reachability.
type Probe func(ctx context.Context) (ProbeResult, error)

// Listener receives every state change.
type Listener func(State)

// Options configures a Registry.
type Options struct {
	Logger logrus.FieldLogger
	Clock  func() time.Time
	Meter  metric.Meter
}

// Registry owns one monitor per exchange id. Monitors are created lazily and only reset.
type Registry struct {
	mu       sync.Mutex
	monitors map[string]*monitor

	logger  logrus.FieldLogger
	clock   func() time.Time
	metrics *monitorMetrics
	loops   conc.WaitGroup
}

type monitor struct {
	mu        sync.Mutex
	state     State
	gen       uint64
	cancel    context.CancelFunc
	listeners map[uint64]Listener
	nextID    uint64
}

// NewRegistry constructs a monitor registry.
func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		monitors: make(map[string]*monitor),
		logger:   logging.Component(opts.Logger, "connection", ""),
		clock:    opts.Clock,
		metrics:  newMonitorMetrics(opts.Meter),
	}
}

func (r *Registry) monitor(exchangeID string) *monitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.monitors[exchangeID]; ok {
		return m
	}
	m := &monitor{
		state:     State{Status: StatusDisconnected, ExchangeID: exchangeID},
		listeners: make(map[uint64]Listener),
	}
	r.monitors[exchangeID] = m
	return m
}

// State returns the current state for exchangeID.
func (r *Registry) State(exchangeID string) State {
	m := r.monitor(exchangeID)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the status name for exchangeID.
func (r *Registry) Status(exchangeID string) string {
	return string(r.State(exchangeID).Status)
}

// Subscribe registers fn and immediately delivers the current state to it.
func (r *Registry) Subscribe(exchangeID string, fn Listener) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	m := r.monitor(exchangeID)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	current := m.state
	m.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// StartChecking replaces any running probe loop for exchangeID. The probe runs
// immediately and then every interval until StopChecking.
func (r *Registry) StartChecking(ctx context.Context, exchangeID string, probe Probe, interval time.Duration) {
	if probe == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m := r.monitor(exchangeID)
	loopCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	m.cancel = cancel
	m.state.Attempts = 0
	m.state.Status = StatusConnecting
	m.state.Err = nil
	m.state.Message = ""
	state, listeners := m.state, m.snapshotListeners()
	m.mu.Unlock()
	notify(listeners, state)

	r.loops.Go(func() {
		r.checkLoop(loopCtx, exchangeID, m, gen, probe, interval)
	})
}

// StopChecking cancels the probe loop. The status is left as-is.
func (r *Registry) StopChecking(exchangeID string) {
	m := r.monitor(exchangeID)
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
	m.mu.Unlock()
}

// Report pushes an externally observed transition, e.g. from a stream transport.
func (r *Registry) Report(exchangeID string, status Status, err error) {
	m := r.monitor(exchangeID)
	m.mu.Lock()
	m.state.Status = status
	m.state.LastChecked = r.clock()
	m.state.Err = err
	if err != nil {
		m.state.Message = err.Error()
	} else {
		m.state.Message = ""
	}
	state, listeners := m.state, m.snapshotListeners()
	m.mu.Unlock()
	notify(listeners, state)
}

// Reset stops checking and returns the monitor to Disconnected. Subscribers are kept.
func (r *Registry) Reset(exchangeID string) {
	r.StopChecking(exchangeID)
	m := r.monitor(exchangeID)
	m.mu.Lock()
	m.state = State{Status: StatusDisconnected, ExchangeID: exchangeID}
	state, listeners := m.state, m.snapshotListeners()
	m.mu.Unlock()
	notify(listeners, state)
}

// Close stops every probe loop and waits for them to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.monitors))
	for id := range r.monitors {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.StopChecking(id)
	}
	r.loops.Wait()
}

func (r *Registry) checkLoop(ctx context.Context, exchangeID string, m *monitor, gen uint64, probe Probe, interval time.Duration) {
	r.runProbe(ctx, exchangeID, m, gen, probe)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runProbe(ctx, exchangeID, m, gen, probe)
		}
	}
}

func (r *Registry) runProbe(ctx context.Context, exchangeID string, m *monitor, gen uint64, probe Probe) {
	started := r.clock()
	res, err := safeProbe(ctx, probe)
	if res.Latency <= 0 && err == nil {
		res.Latency = r.clock().Sub(started)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.state.LastChecked = r.clock()
	if err != nil {
		m.state.Attempts++
		m.state.Status = StatusError
		m.state.Err = err
		m.state.Message = fmt.Sprintf("health check failed (attempt %d): %v", m.state.Attempts, err)
	} else {
		m.state.Attempts = 0
		m.state.Status = StatusConnected
		m.state.Err = nil
		m.state.Latency = res.Latency
		m.state.HasLatency = true
		m.state.Message = res.Message
	}
	state, listeners := m.state, m.snapshotListeners()
	m.mu.Unlock()

	r.metrics.recordProbe(ctx, exchangeID, err, res.Latency)
	if err != nil {
		r.logger.WithFields(logrus.Fields{"exchange": exchangeID, "attempt": state.Attempts}).
			WithError(err).Error("health probe failed")
	}
	notify(listeners, state)
}

func safeProbe(ctx context.Context, probe Probe) (res ProbeResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("probe panic: %v", rec)
		}
	}()
	return probe(ctx)
}

// snapshotListeners returns live listeners in subscription order. Callers hold the lock.
func (m *monitor) snapshotListeners() []Listener {
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Listener, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.listeners[id])
	}
	return out
}

func notify(listeners []Listener, state State) {
	for _, fn := range listeners {
		fn(state)
	}
}
