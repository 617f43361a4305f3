package binance

import (
	"strings"
	"time"
)

const (
	defaultAPIBaseURLSpot        = "https://api.binance.com"
	defaultAPIBaseURLFuturesUSDM = "https://fapi.binance.com"
	defaultAPIBaseURLFuturesCoin = "https://dapi.binance.com"
	defaultWebsocketSpot         = "wss://stream.binance.com:9443/stream"
	defaultWebsocketUSDM         = "wss://fstream.binance.com/stream"
	defaultWebsocketCoin         = "wss://dstream.binance.com/stream"
	defaultExchangeID            = "binance"
	defaultHTTPTimeout           = 10 * time.Second
	defaultRecvWindow            = 5 * time.Second
)

type marketKind int

const (
	marketSpot marketKind = iota
	marketFuturesUSDM
	marketFuturesCoinM
)

type apiPathConfig struct {
	ping      string
	listenKey string
	openOrder string
	allOrders string
}

type marketProfile struct {
	apiBase  string
	wsBase   string
	apiPaths apiPathConfig
}

var marketProfiles = map[marketKind]marketProfile{
	marketSpot: {
		apiBase: defaultAPIBaseURLSpot,
		wsBase:  defaultWebsocketSpot,
		apiPaths: apiPathConfig{
			ping:      "/api/v3/ping",
			listenKey: "/api/v3/userDataStream",
			openOrder: "/api/v3/openOrders",
			allOrders: "/api/v3/allOrders",
		},
	},
	marketFuturesUSDM: {
		apiBase: defaultAPIBaseURLFuturesUSDM,
		wsBase:  defaultWebsocketUSDM,
		apiPaths: apiPathConfig{
			ping:      "/fapi/v1/ping",
			listenKey: "/fapi/v1/listenKey",
			openOrder: "/fapi/v1/openOrders",
			allOrders: "/fapi/v1/allOrders",
		},
	},
	marketFuturesCoinM: {
		apiBase: defaultAPIBaseURLFuturesCoin,
		wsBase:  defaultWebsocketCoin,
		apiPaths: apiPathConfig{
			ping:      "/dapi/v1/ping",
			listenKey: "/dapi/v1/listenKey",
			openOrder: "/dapi/v1/openOrders",
			allOrders: "/dapi/v1/allOrders",
		},
	},
}

// Options configure the Binance adapter.
type Options struct {
	ExchangeID string
	// Market selects spot, futures or coin-margined endpoints ("spot", "futures", "coin").
	Market       string
	APIBaseURL   string
	WebsocketURL string
	HTTPTimeout  time.Duration
	RecvWindow   time.Duration

	market   marketKind
	apiPaths apiPathConfig
}

func detectMarket(venue string) marketKind {
	normalized := strings.ToLower(strings.TrimSpace(venue))
	switch {
	case strings.Contains(normalized, "coin"):
		return marketFuturesCoinM
	case strings.Contains(normalized, "future"), normalized == "usdm":
		return marketFuturesUSDM
	default:
		return marketSpot
	}
}

func (o *Options) normalize() {
	o.ExchangeID = strings.TrimSpace(o.ExchangeID)
	if o.ExchangeID == "" {
		o.ExchangeID = defaultExchangeID
	}
	o.market = detectMarket(o.Market)
	profile := marketProfiles[o.market]
	o.apiPaths = profile.apiPaths
	o.APIBaseURL = strings.TrimRight(strings.TrimSpace(o.APIBaseURL), "/")
	if o.APIBaseURL == "" {
		o.APIBaseURL = profile.apiBase
	}
	o.WebsocketURL = strings.TrimSpace(o.WebsocketURL)
	if o.WebsocketURL == "" {
		o.WebsocketURL = profile.wsBase
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = defaultHTTPTimeout
	}
	if o.RecvWindow <= 0 {
		o.RecvWindow = defaultRecvWindow
	}
}

func (o Options) endpoint(path string) string {
	return o.APIBaseURL + path
}

func (o Options) isFutures() bool {
	return o.market != marketSpot
}
