// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvVarEnvironment  = "VENUELINK_ENV"
	EnvVarExchangeID   = "VENUELINK_EXCHANGE"
	EnvVarAPIBaseURL   = "VENUELINK_API_BASE_URL"
	EnvVarWebsocketURL = "VENUELINK_WEBSOCKET_URL"
	EnvVarAPIKeyID     = "VENUELINK_API_KEY_ID"
	EnvVarSymbols      = "VENUELINK_SYMBOLS"
	EnvVarOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvVarLogLevel     = "LOG_LEVEL"
)

// ExchangeConfig selects the venue and its endpoints.
type ExchangeConfig struct {
	ID string `yaml:"id"`
	// Market is one of spot, futures or coin.
	Market       string        `yaml:"market"`
	RESTBaseURL  string        `yaml:"restBaseURL"`
	WebsocketURL string        `yaml:"websocketURL"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`
	RecvWindow   time.Duration `yaml:"recvWindow"`
}

// RateLimitConfig is the request budget and retry policy for the exchange.
type RateLimitConfig struct {
	WeightLimit       int           `yaml:"weightLimit"`
	OrderLimit        int           `yaml:"orderLimit"`
	Window            time.Duration `yaml:"window"`
	DefaultRetryAfter time.Duration `yaml:"defaultRetryAfter"`
	BaseDelay         time.Duration `yaml:"baseDelay"`
	MaxRetries        int           `yaml:"maxRetries"`
}

// HealthConfig controls REST reachability probes.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// SessionConfig controls the private-stream session.
type SessionConfig struct {
	Enabled   bool          `yaml:"enabled"`
	KeepAlive time.Duration `yaml:"keepAlive"`
}

// MarketDataConfig lists the public streams cached at startup.
type MarketDataConfig struct {
	Symbols        []string `yaml:"symbols"`
	KlineIntervals []string `yaml:"klineIntervals"`
	Depth          int      `yaml:"depth"`
	Tickers        bool     `yaml:"tickers"`
	Trades         bool     `yaml:"trades"`
}

// CredentialsConfig names the default API key. Key material is read from the environment only.
type CredentialsConfig struct {
	DefaultKeyID string `yaml:"defaultKeyID"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// APIServerConfig configures the read-only inspection API. An empty Addr disables it.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// AppConfig is the unified connector configuration sourced from YAML.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	RateLimit   RateLimitConfig   `yaml:"rateLimit"`
	Health      HealthConfig      `yaml:"health"`
	Session     SessionConfig     `yaml:"session"`
	MarketData  MarketDataConfig  `yaml:"marketData"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Logging     LoggingConfig     `yaml:"logging"`
	APIServer   APIServerConfig   `yaml:"apiServer"`
}

// Default returns the configuration used when no file is supplied.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Session:     SessionConfig{Enabled: true},
		MarketData:  MarketDataConfig{Tickers: true},
	}
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{Session: SessionConfig{Enabled: true}}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to Default when path is empty or missing.
// The boolean reports whether a file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if strings.TrimSpace(configPath) == "" {
		cfg, err := finish(Default())
		return cfg, false, err
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = finish(Default())
		return cfg, false, err
	}
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func finish(cfg AppConfig) (AppConfig, error) {
	if err := loadDotEnv(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return AppConfig{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// loadDotEnv merges a .env file from the working directory. Existing variables win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func (c *AppConfig) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvVarEnvironment)); v != "" {
		c.Environment = Environment(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvVarExchangeID)); v != "" {
		c.Exchange.ID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvVarAPIBaseURL)); v != "" {
		c.Exchange.RESTBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvVarWebsocketURL)); v != "" {
		c.Exchange.WebsocketURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvVarAPIKeyID)); v != "" {
		c.Credentials.DefaultKeyID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvVarSymbols)); v != "" {
		c.MarketData.Symbols = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(os.Getenv(EnvVarOTLPEndpoint)); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvVarLogLevel)); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_METRICS_ENABLED")); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OTEL_METRICS_ENABLED: %w", err)
		}
		c.Telemetry.EnableMetrics = enabled
	}
	return nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Exchange.ID = normalizeExchangeIdentifier(c.Exchange.ID)
	if c.Exchange.ID == "" {
		c.Exchange.ID = "binance"
	}
	c.Exchange.Market = strings.ToLower(strings.TrimSpace(c.Exchange.Market))
	if c.Exchange.Market == "" {
		c.Exchange.Market = "spot"
	}
	c.Exchange.RESTBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RESTBaseURL), "/")
	c.Exchange.WebsocketURL = strings.TrimSpace(c.Exchange.WebsocketURL)
	if c.Exchange.HTTPTimeout <= 0 {
		c.Exchange.HTTPTimeout = 10 * time.Second
	}
	if c.Exchange.RecvWindow <= 0 {
		c.Exchange.RecvWindow = 5 * time.Second
	}

	rl := &c.RateLimit
	if rl.WeightLimit == 0 {
		rl.WeightLimit = 1200
	}
	if rl.OrderLimit == 0 {
		rl.OrderLimit = 100
	}
	if rl.Window == 0 {
		rl.Window = time.Minute
	}
	if rl.DefaultRetryAfter == 0 {
		rl.DefaultRetryAfter = time.Second
	}
	if rl.BaseDelay == 0 {
		rl.BaseDelay = 500 * time.Millisecond
	}
	if rl.MaxRetries == 0 {
		rl.MaxRetries = 3
	}

	if c.Health.Interval == 0 {
		c.Health.Interval = 30 * time.Second
	}
	if c.Session.KeepAlive == 0 {
		c.Session.KeepAlive = 30 * time.Minute
	}

	c.MarketData.Symbols = normalizeList(c.MarketData.Symbols, strings.ToUpper)
	c.MarketData.KlineIntervals = normalizeList(c.MarketData.KlineIntervals, func(s string) string { return s })
	if c.MarketData.Depth == 0 {
		c.MarketData.Depth = 20
	}

	c.Credentials.DefaultKeyID = strings.TrimSpace(c.Credentials.DefaultKeyID)
	if c.Credentials.DefaultKeyID == "" {
		c.Credentials.DefaultKeyID = c.Exchange.ID + "-default"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "venuelink"
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.File = strings.TrimSpace(c.Logging.File)
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Exchange.Market {
	case "spot", "futures", "coin":
	default:
		return fmt.Errorf("exchange.market must be one of spot, futures, coin")
	}

	rl := c.RateLimit
	if rl.WeightLimit <= 0 {
		return fmt.Errorf("rateLimit.weightLimit must be >0")
	}
	if rl.OrderLimit <= 0 {
		return fmt.Errorf("rateLimit.orderLimit must be >0")
	}
	if rl.Window <= 0 {
		return fmt.Errorf("rateLimit.window must be >0")
	}
	if rl.DefaultRetryAfter <= 0 {
		return fmt.Errorf("rateLimit.defaultRetryAfter must be >0")
	}
	if rl.BaseDelay <= 0 {
		return fmt.Errorf("rateLimit.baseDelay must be >0")
	}
	if rl.MaxRetries < 0 {
		return fmt.Errorf("rateLimit.maxRetries must be >=0")
	}

	if c.Health.Interval <= 0 {
		return fmt.Errorf("health.interval must be >0")
	}
	if c.Session.KeepAlive <= 0 {
		return fmt.Errorf("session.keepAlive must be >0")
	}
	if c.Session.KeepAlive >= time.Hour {
		return fmt.Errorf("session.keepAlive must be < 60m")
	}

	switch c.MarketData.Depth {
	case 5, 10, 20:
	default:
		return fmt.Errorf("marketData.depth must be one of 5, 10, 20")
	}

	if c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry.otlpEndpoint required when metrics are enabled")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
