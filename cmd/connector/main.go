// Command connector runs the exchange connectivity stack for one venue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/venuelink/internal/app/connector"
	"github.com/coachpo/venuelink/internal/connection"
	"github.com/coachpo/venuelink/internal/domain/schema"
	"github.com/coachpo/venuelink/internal/infra/config"
	"github.com/coachpo/venuelink/internal/infra/logging"
	httpserver "github.com/coachpo/venuelink/internal/infra/server/http"
	"github.com/coachpo/venuelink/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	startTimeout             = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	connectorShutdownTimeout = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:  appCfg.Logging.Level,
		Format: appCfg.Logging.Format,
		File:   appCfg.Logging.File,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults")
	}
	logger.WithFields(logrus.Fields{
		"env":      appCfg.Environment,
		"exchange": appCfg.Exchange.ID,
		"market":   appCfg.Exchange.Market,
		"symbols":  len(appCfg.MarketData.Symbols),
	}).Info("configuration initialised")

	provider, err := telemetry.NewProvider(ctx, telemetryConfig(appCfg))
	if err != nil {
		logger.WithError(err).Fatal("initialize telemetry")
	}

	registry := connector.NewRegistry(connector.Deps{
		Logger: logger,
		Meter:  provider.Meter("venuelink"),
	})
	conn, err := registry.Add(appCfg)
	if err != nil {
		logger.WithError(err).Fatal("build connector")
	}
	observe(logger, registry, conn)

	startCtx, startCancel := context.WithTimeout(ctx, startTimeout)
	err = registry.Start(startCtx)
	startCancel()
	if err != nil {
		logger.WithError(err).Error("start connector")
		shutdown(logger, nil, nil, registry, provider)
		os.Exit(1)
	}

	var lifecycle conc.WaitGroup
	apiServer := startAPIServer(&lifecycle, logger, appCfg.APIServer, registry)

	logger.Info("connector started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownStart := time.Now()
	shutdown(logger, apiServer, &lifecycle, registry, provider)
	logger.WithField("elapsed", time.Since(shutdownStart).String()).Info("shutdown completed")
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("VENUELINK_CONFIG"); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}

func telemetryConfig(cfg config.AppConfig) telemetry.Config {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Telemetry.EnableMetrics
	return telemetryCfg
}

// observe logs connection transitions and order lifecycle events.
func observe(logger logrus.FieldLogger, registry *connector.Registry, conn *connector.Connector) {
	id := conn.ExchangeID()
	for _, monitorID := range []string{id, id + connector.StreamMonitorSuffix} {
		registry.Monitors().Subscribe(monitorID, func(state connection.State) {
			entry := logger.WithFields(logrus.Fields{"monitor": monitorID, "status": state.Status})
			if state.Err != nil {
				entry.WithError(state.Err).Warn("connection state changed")
				return
			}
			entry.Info("connection state changed")
		})
	}
	conn.Orders.Events().Subscribe(func(event schema.OrderEvent) {
		logger.WithFields(logrus.Fields{
			"event":  event.Type,
			"order":  event.Order.ID,
			"symbol": event.Order.Symbol,
			"status": event.Order.Status,
		}).Info("order event")
	})
}

// startAPIServer serves the inspection API when an address is configured.
func startAPIServer(lifecycle *conc.WaitGroup, logger logrus.FieldLogger, cfg config.APIServerConfig, registry *connector.Registry) *http.Server {
	if cfg.Addr == "" {
		return nil
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(registry),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("inspection api server")
		}
	})
	logger.WithField("addr", cfg.Addr).Info("inspection api listening")
	return server
}

func shutdown(logger logrus.FieldLogger, server *http.Server, lifecycle *conc.WaitGroup, registry *connector.Registry, provider *telemetry.Provider) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		entry := logger.WithField("step", name)
		if err := fn(stepCtx); err != nil {
			entry.WithError(err).Warn("shutdown step failed")
			return
		}
		entry.Info("shutdown step completed")
	}
	if server != nil {
		step("stopping inspection api", apiServerShutdownTimeout, server.Shutdown)
	}
	if lifecycle != nil {
		lifecycle.Wait()
	}
	step("closing connectors", connectorShutdownTimeout, func(stepCtx context.Context) error {
		return registry.Close(stepCtx).Err()
	})
	step("shutting down telemetry", telemetryShutdownTimeout, provider.Shutdown)
}
