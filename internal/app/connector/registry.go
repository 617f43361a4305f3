package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/connection"
	"github.com/coachpo/venuelink/internal/infra/config"
	"github.com/coachpo/venuelink/internal/ratelimit"
)

// Registry holds one connector per exchange id. Connectors share the rate limit
// tracker and the connection monitor registry.
type Registry struct {
	deps Deps

	mu         sync.RWMutex
	connectors map[string]*Connector
}

// NewRegistry constructs the registry and the shared trackers missing from deps.
func NewRegistry(deps Deps) *Registry {
	if deps.Limits == nil {
		deps.Limits = ratelimit.NewTracker(ratelimit.Options{Logger: deps.Logger, Clock: deps.Clock, Meter: deps.Meter})
	}
	if deps.Monitors == nil {
		deps.Monitors = connection.NewRegistry(connection.Options{Logger: deps.Logger, Clock: deps.Clock, Meter: deps.Meter})
	}
	return &Registry{deps: deps, connectors: make(map[string]*Connector)}
}

// Limits returns the shared rate limit tracker.
func (r *Registry) Limits() *ratelimit.Tracker { return r.deps.Limits }

// Monitors returns the shared connection monitor registry.
func (r *Registry) Monitors() *connection.Registry { return r.deps.Monitors }

// Add builds a connector for cfg.Exchange.ID. An id may be registered once.
func (r *Registry) Add(cfg config.AppConfig) (*Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := cfg.Exchange.ID
	if _, exists := r.connectors[id]; exists {
		return nil, errs.New(id, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("connector %q already registered", id)))
	}
	c, err := New(cfg, r.deps)
	if err != nil {
		return nil, err
	}
	r.connectors[id] = c
	return c, nil
}

// Get returns the connector for exchangeID.
func (r *Registry) Get(exchangeID string) (*Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[exchangeID]
	return c, ok
}

// IDs returns the registered exchange ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.connectors))
	for id := range r.connectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start starts every connector in id order and stops at the first failure.
func (r *Registry) Start(ctx context.Context) error {
	for _, id := range r.IDs() {
		c, _ := r.Get(id)
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", id, err)
		}
	}
	return nil
}

// Close closes every connector and then the monitor registry.
func (r *Registry) Close(ctx context.Context) errs.CloseReport {
	var report errs.CloseReport
	for _, id := range r.IDs() {
		c, _ := r.Get(id)
		report.Merge(c.Close(ctx))
	}
	r.deps.Monitors.Close()
	return report
}
