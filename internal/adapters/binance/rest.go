package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coachpo/venuelink/errs"
	"github.com/coachpo/venuelink/internal/connection"
	"github.com/coachpo/venuelink/internal/credentials"
	"github.com/coachpo/venuelink/internal/infra/logging"
	"github.com/coachpo/venuelink/internal/infra/restapi"
	"github.com/coachpo/venuelink/internal/orders"
	"github.com/coachpo/venuelink/internal/ratelimit"
)

// Request weights for the endpoints this client calls.
const (
	weightPing             = 1
	weightListenKey        = 2
	weightOpenOrdersSymbol = 6
	weightOpenOrdersAll    = 80
	weightAllOrders        = 20
)

const headerAPIKey = "X-MBX-APIKEY"

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

type restOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	CumQuote            string `json:"cumQuote"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	StopPrice           string `json:"stopPrice"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
}

// RESTClient issues Binance REST calls through the shared rate limit queue.
type RESTClient struct {
	opts   Options
	http   *http.Client
	limits *ratelimit.Tracker
	creds  credentials.Store
	logger logrus.FieldLogger
	clock  func() time.Time
}

// RESTOptions wires a RESTClient.
type RESTOptions struct {
	Options     Options
	HTTPClient  *http.Client
	Limits      *ratelimit.Tracker
	Credentials credentials.Store
	Logger      logrus.FieldLogger
	Clock       func() time.Time
}

// NewRESTClient constructs a REST client.
func NewRESTClient(cfg RESTOptions) (*RESTClient, error) {
	opts := cfg.Options
	opts.normalize()
	if cfg.Limits == nil {
		return nil, errs.New(opts.ExchangeID, errs.CodeInvalid, errs.WithMessage("rate limit tracker required"))
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: opts.HTTPTimeout}
	}
	if cfg.Credentials == nil {
		cfg.Credentials = credentials.NewStatic()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &RESTClient{
		opts:   opts,
		http:   cfg.HTTPClient,
		limits: cfg.Limits,
		creds:  cfg.Credentials,
		logger: logging.Component(cfg.Logger, "binance.rest", opts.ExchangeID),
		clock:  cfg.Clock,
	}, nil
}

// ExchangeID returns the configured exchange identifier.
func (c *RESTClient) ExchangeID() string { return c.opts.ExchangeID }

// call runs one HTTP exchange inside the rate limit queue. Every response, good
// or bad, feeds the tracker before it is classified.
func (c *RESTClient) call(ctx context.Context, weight int, build func() (*http.Request, error)) (*restapi.Response, error) {
	return ratelimit.Enqueue(ctx, c.limits, c.opts.ExchangeID, weight, func(ctx context.Context) (*restapi.Response, error) {
		req, err := build()
		if err != nil {
			return nil, errs.New(c.opts.ExchangeID, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
		}
		resp, err := restapi.Do(ctx, c.http, c.opts.ExchangeID, req)
		if err != nil {
			return nil, err
		}
		c.limits.RecordResponse(c.opts.ExchangeID, resp)
		if !resp.OK() {
			return nil, resp.Classify()
		}
		return resp, nil
	})
}

func (c *RESTClient) defaultKey() (credentials.APIKey, error) {
	id, err := c.creds.GetDefaultAPIKeyID(c.opts.ExchangeID)
	if err != nil {
		return credentials.APIKey{}, err
	}
	return c.creds.GetAPIKey(id)
}

func (c *RESTClient) keyFor(apiKeyID string) (credentials.APIKey, error) {
	if strings.TrimSpace(apiKeyID) == "" {
		return c.defaultKey()
	}
	return c.creds.GetAPIKey(apiKeyID)
}

// Probe pings the REST API; it is the connection monitor's health check.
func (c *RESTClient) Probe(ctx context.Context) (connection.ProbeResult, error) {
	resp, err := c.call(ctx, weightPing, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, c.opts.endpoint(c.opts.apiPaths.ping), nil)
	})
	if err != nil {
		return connection.ProbeResult{}, err
	}
	return connection.ProbeResult{Latency: resp.Latency, Message: "ping ok"}, nil
}

func (c *RESTClient) listenKeyWeight() int {
	if c.opts.isFutures() {
		return 1
	}
	return weightListenKey
}

// CreateListenKey issues a new user data stream token.
func (c *RESTClient) CreateListenKey(ctx context.Context) (string, error) {
	key, err := c.defaultKey()
	if err != nil {
		return "", fmt.Errorf("binance: listen key credentials: %w", err)
	}
	resp, err := c.call(ctx, c.listenKeyWeight(), func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.opts.endpoint(c.opts.apiPaths.listenKey), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(headerAPIKey, key.Key)
		return req, nil
	})
	if err != nil {
		return "", err
	}
	var payload listenKeyResponse
	if err := resp.Decode(&payload); err != nil {
		return "", errs.New(c.opts.ExchangeID, errs.CodeExchange, errs.WithMessage("decode listen key"), errs.WithCause(err))
	}
	if strings.TrimSpace(payload.ListenKey) == "" {
		return "", errs.New(c.opts.ExchangeID, errs.CodeExchange, errs.WithMessage("empty listen key"))
	}
	return payload.ListenKey, nil
}

// KeepAliveListenKey extends the token's validity.
func (c *RESTClient) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	return c.listenKeyCall(ctx, http.MethodPut, listenKey)
}

// CloseListenKey deletes the token.
func (c *RESTClient) CloseListenKey(ctx context.Context, listenKey string) error {
	return c.listenKeyCall(ctx, http.MethodDelete, listenKey)
}

func (c *RESTClient) listenKeyCall(ctx context.Context, method, listenKey string) error {
	listenKey = strings.TrimSpace(listenKey)
	if listenKey == "" {
		return errs.New(c.opts.ExchangeID, errs.CodeInvalid, errs.WithMessage("empty listen key"))
	}
	key, err := c.defaultKey()
	if err != nil {
		return fmt.Errorf("binance: listen key credentials: %w", err)
	}
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err = c.call(ctx, c.listenKeyWeight(), func() (*http.Request, error) {
		req, err := http.NewRequest(method, c.opts.endpoint(c.opts.apiPaths.listenKey)+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(headerAPIKey, key.Key)
		return req, nil
	})
	return err
}

// OpenOrders lists working orders; an empty symbol lists every symbol at a higher weight.
func (c *RESTClient) OpenOrders(ctx context.Context, apiKeyID, symbol string) ([]orders.RawOrder, error) {
	params := url.Values{}
	weight := weightOpenOrdersAll
	if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
		params.Set("symbol", symbol)
		weight = weightOpenOrdersSymbol
	}
	return c.fetchOrders(ctx, apiKeyID, c.opts.apiPaths.openOrder, weight, params)
}

// OrderHistory lists recent orders for symbol, open and closed.
func (c *RESTClient) OrderHistory(ctx context.Context, apiKeyID, symbol string) ([]orders.RawOrder, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errs.New(c.opts.ExchangeID, errs.CodeInvalid, errs.WithMessage("order history requires a symbol"))
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	return c.fetchOrders(ctx, apiKeyID, c.opts.apiPaths.allOrders, weightAllOrders, params)
}

func (c *RESTClient) fetchOrders(ctx context.Context, apiKeyID, path string, weight int, params url.Values) ([]orders.RawOrder, error) {
	key, err := c.keyFor(apiKeyID)
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, weight, func() (*http.Request, error) {
		return c.signedRequest(http.MethodGet, path, params, key)
	})
	if err != nil {
		return nil, err
	}
	var payload []restOrder
	if err := resp.Decode(&payload); err != nil {
		return nil, errs.New(c.opts.ExchangeID, errs.CodeExchange, errs.WithMessage("decode orders"), errs.WithCause(err))
	}
	out := make([]orders.RawOrder, 0, len(payload))
	for _, o := range payload {
		raw, err := o.raw()
		if err != nil {
			c.logger.WithError(err).WithField("order", o.OrderID).Warn("skipping malformed order")
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// signedRequest stamps timestamp and recvWindow and appends the HMAC signature.
// It runs inside the queued task so retries are signed afresh.
func (c *RESTClient) signedRequest(method, path string, params url.Values, key credentials.APIKey) (*http.Request, error) {
	if key.Secret == "" {
		return nil, errors.New("binance: missing api secret for signed request")
	}
	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("recvWindow", strconv.FormatInt(c.opts.RecvWindow.Milliseconds(), 10))
	query.Set("timestamp", strconv.FormatInt(c.clock().UTC().UnixMilli(), 10))
	payload := query.Encode()
	payload += "&signature=" + signPayload(payload, key.Secret)
	req, err := http.NewRequest(method, c.opts.endpoint(path)+"?"+payload, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(headerAPIKey, key.Key)
	return req, nil
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (o restOrder) raw() (orders.RawOrder, error) {
	if o.OrderID == 0 {
		return orders.RawOrder{}, errors.New("missing order id")
	}
	cost := o.CummulativeQuoteQty
	if cost == "" {
		cost = o.CumQuote
	}
	updated := o.UpdateTime
	if updated == 0 {
		updated = o.Time
	}
	return orders.RawOrder{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Type:            o.Type,
		Status:          o.Status,
		Price:           parseDecimal(o.Price),
		StopPrice:       parseDecimal(o.StopPrice),
		Quantity:        parseDecimal(o.OrigQty),
		Executed:        parseDecimal(o.ExecutedQty),
		Cost:            parseDecimal(cost),
		CreatedAt:       millis(o.Time),
		UpdatedAt:       millis(updated),
	}, nil
}
