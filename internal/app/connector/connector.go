// Package connector assembles the per-exchange connectivity stack: rate limits,
// health, stream multiplexing, market data, the private session and order tracking.
package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/adapters/binance"
	"github.com/coachpo/venuelink/internal/connection"
	"github.com/coachpo/venuelink/internal/credentials"
	"github.com/coachpo/venuelink/internal/infra/config"
	"github.com/coachpo/venuelink/internal/infra/logging"
	"github.com/coachpo/venuelink/internal/ledger"
	"github.com/coachpo/venuelink/internal/marketdata"
	"github.com/coachpo/venuelink/internal/orders"
	"github.com/coachpo/venuelink/internal/ratelimit"
	"github.com/coachpo/venuelink/internal/session"
	"github.com/coachpo/venuelink/internal/stream"
)

// StreamMonitorSuffix names the monitor that tracks the websocket transport,
// separate from the REST probe monitor keyed by the bare exchange id.
const StreamMonitorSuffix = ":stream"

// Deps are the process-wide collaborators shared by every connector.
type Deps struct {
	Logger      logrus.FieldLogger
	Meter       metric.Meter
	HTTPClient  *http.Client
	Credentials credentials.Store
	Ledger      ledger.Ledger
	Limits      *ratelimit.Tracker
	Monitors    *connection.Registry
	Clock       func() time.Time
}

// Connector is the connectivity stack for one exchange id.
type Connector struct {
	exchange string
	cfg      config.AppConfig
	logger   logrus.FieldLogger

	Limits     *ratelimit.Tracker
	Monitors   *connection.Registry
	REST       *binance.RESTClient
	Transport  *binance.StreamTransport
	Streams    *stream.Multiplexer
	MarketData *marketdata.Cache
	Orders     *orders.Tracker
	// Session is nil when the session is disabled or no API key is configured.
	Session *session.Manager

	mu            sync.Mutex
	started       bool
	detachReports func()
}

// New wires a connector from cfg. Nothing touches the network until Start.
func New(cfg config.AppConfig, deps Deps) (*Connector, error) {
	exchange := cfg.Exchange.ID
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Limits == nil {
		deps.Limits = ratelimit.NewTracker(ratelimit.Options{Logger: deps.Logger, Clock: deps.Clock, Meter: deps.Meter})
	}
	if deps.Monitors == nil {
		deps.Monitors = connection.NewRegistry(connection.Options{Logger: deps.Logger, Clock: deps.Clock, Meter: deps.Meter})
	}
	if deps.Credentials == nil {
		deps.Credentials = credentials.FromEnv(exchange, cfg.Credentials.DefaultKeyID)
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.NewMemory(deps.Logger)
	}
	deps.Limits.Configure(exchange, limitsFromConfig(cfg.RateLimit))

	venue := binance.Options{
		ExchangeID:   exchange,
		Market:       cfg.Exchange.Market,
		APIBaseURL:   cfg.Exchange.RESTBaseURL,
		WebsocketURL: cfg.Exchange.WebsocketURL,
		HTTPTimeout:  cfg.Exchange.HTTPTimeout,
		RecvWindow:   cfg.Exchange.RecvWindow,
	}
	rest, err := binance.NewRESTClient(binance.RESTOptions{
		Options:     venue,
		HTTPClient:  deps.HTTPClient,
		Limits:      deps.Limits,
		Credentials: deps.Credentials,
		Logger:      deps.Logger,
		Clock:       deps.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("binance rest client: %w", err)
	}

	monitors := deps.Monitors
	streamMonitor := exchange + StreamMonitorSuffix
	transport := binance.NewStreamTransport(binance.StreamOptions{
		Options: venue,
		Report: func(status connection.Status, err error) {
			monitors.Report(streamMonitor, status, err)
		},
		Logger: deps.Logger,
	})
	mux, err := stream.NewMultiplexer(stream.Options{
		ExchangeID: exchange,
		Transport:  transport,
		Namer:      binance.StreamName,
		Logger:     deps.Logger,
		Clock:      deps.Clock,
		Meter:      deps.Meter,
	})
	if err != nil {
		return nil, err
	}
	transport.SetDispatcher(mux.Dispatch)

	var codec binance.Codec
	c := &Connector{
		exchange:   exchange,
		cfg:        cfg,
		logger:     logging.Component(deps.Logger, "connector", exchange),
		Limits:     deps.Limits,
		Monitors:   monitors,
		REST:       rest,
		Transport:  transport,
		Streams:    mux,
		MarketData: marketdata.New(exchange, mux, codec, deps.Logger),
	}

	apiKeyID, keyErr := deps.Credentials.GetDefaultAPIKeyID(exchange)
	c.Orders = orders.NewTracker(orders.Options{
		ExchangeID: exchange,
		APIKeyID:   apiKeyID,
		Decoder:    codec,
		Source:     rest,
		Ledger:     deps.Ledger,
		Logger:     deps.Logger,
		Clock:      deps.Clock,
		Meter:      deps.Meter,
	})

	switch {
	case !cfg.Session.Enabled:
	case keyErr != nil:
		c.logger.WithError(keyErr).Info("no api key configured, private session disabled")
	default:
		mgr, err := session.NewManager(session.Options{
			ExchangeID: exchange,
			Keys:       rest,
			Streams:    mux,
			KeepAlive:  cfg.Session.KeepAlive,
			Logger:     deps.Logger,
			Clock:      deps.Clock,
			Meter:      deps.Meter,
		})
		if err != nil {
			return nil, err
		}
		c.Session = mgr
		c.detachReports = mgr.Messages().Subscribe(c.Orders.HandleMessage)
	}
	return c, nil
}

// ExchangeID returns the exchange id the connector serves.
func (c *Connector) ExchangeID() string { return c.exchange }

// Start runs health checks, connects the stream transport, subscribes the
// configured market data, then opens the private session and reconciles orders.
// Reconciliation failures are logged; the stream keeps the cache current.
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	// Probe loops outlive Start's context and end in Close.
	c.Monitors.StartChecking(context.WithoutCancel(ctx), c.exchange, c.REST.Probe, c.cfg.Health.Interval)
	if err := c.Transport.Start(ctx); err != nil {
		c.rollback(ctx)
		return fmt.Errorf("start stream transport: %w", err)
	}
	if err := c.subscribeMarketData(ctx); err != nil {
		c.rollback(ctx)
		return err
	}

	if c.Session != nil {
		if err := c.Session.Start(ctx); err != nil {
			c.rollback(ctx)
			return fmt.Errorf("start session: %w", err)
		}
		c.reconcile(ctx)
	}
	c.started = true
	c.logger.WithFields(logrus.Fields{
		"symbols": len(c.cfg.MarketData.Symbols),
		"streams": c.Streams.Len(),
		"session": c.Session != nil,
	}).Info("connector started")
	return nil
}

// rollback undoes a partial Start so a failed connector holds no streams, sockets or probe loops.
func (c *Connector) rollback(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	var report errs.CloseReport
	c.MarketData.UnsubscribeAll(ctx)
	report.Merge(c.Streams.Close(ctx))
	report.Merge(c.Transport.Close(ctx))
	c.Monitors.StopChecking(c.exchange)
	for _, warning := range report.Warnings {
		c.logger.WithError(warning).Warn("start rollback")
	}
}

func (c *Connector) subscribeMarketData(ctx context.Context) error {
	md := c.cfg.MarketData
	for _, symbol := range md.Symbols {
		if md.Tickers {
			if err := c.MarketData.SubscribeTicker(ctx, symbol); err != nil {
				return fmt.Errorf("subscribe ticker %s: %w", symbol, err)
			}
		}
		if err := c.MarketData.SubscribeOrderBook(ctx, symbol, md.Depth); err != nil {
			return fmt.Errorf("subscribe order book %s: %w", symbol, err)
		}
		if md.Trades {
			if err := c.MarketData.SubscribeTrades(ctx, symbol); err != nil {
				return fmt.Errorf("subscribe trades %s: %w", symbol, err)
			}
		}
		for _, interval := range md.KlineIntervals {
			if err := c.MarketData.SubscribeKlines(ctx, symbol, interval); err != nil {
				return fmt.Errorf("subscribe klines %s %s: %w", symbol, interval, err)
			}
		}
	}
	return nil
}

// reconcile snapshots open orders for every configured symbol, or the whole
// account when none are configured.
func (c *Connector) reconcile(ctx context.Context) {
	symbols := c.cfg.MarketData.Symbols
	if len(symbols) == 0 {
		symbols = []string{""}
	}
	for _, symbol := range symbols {
		report, err := c.Orders.Reconcile(ctx, "", symbol)
		entry := c.logger.WithField("symbol", symbol)
		if err != nil {
			entry.WithError(err).Warn("order reconciliation failed")
			continue
		}
		entry.WithFields(logrus.Fields{
			"inserted": report.Inserted,
			"updated":  report.Updated,
			"skipped":  report.Skipped,
		}).Debug("orders reconciled")
	}
}

// Close tears every component down in reverse start order and aggregates their warnings.
func (c *Connector) Close(ctx context.Context) errs.CloseReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	var report errs.CloseReport
	if c.Session != nil {
		report.Merge(c.Session.Close(ctx))
	}
	if c.detachReports != nil {
		c.detachReports()
		c.detachReports = nil
	}
	c.MarketData.UnsubscribeAll(ctx)
	report.Merge(c.Streams.Close(ctx))
	report.Merge(c.Transport.Close(ctx))
	c.Monitors.StopChecking(c.exchange)
	c.started = false
	return report
}

func limitsFromConfig(cfg config.RateLimitConfig) ratelimit.Limits {
	return ratelimit.Limits{
		WeightLimit:       cfg.WeightLimit,
		OrderLimit:        cfg.OrderLimit,
		Window:            cfg.Window,
		DefaultRetryAfter: cfg.DefaultRetryAfter,
		BaseDelay:         cfg.BaseDelay,
		MaxRetries:        cfg.MaxRetries,
	}
}
