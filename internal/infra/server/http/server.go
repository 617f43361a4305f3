// Package httpserver exposes a read-only HTTP view of connector state: connection
// health, rate limit budgets, cached market data and tracked orders.
package httpserver

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/venuelink/internal/app/connector"
	"github.com/coachpo/venuelink/internal/connection"
	"github.com/coachpo/venuelink/internal/domain/schema"
)

const (
	healthPath     = "/health"
	exchangesPath  = "/exchanges"
	exchangePrefix = exchangesPath + "/{exchange}"

	defaultTradeLimit = 50
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	connectors *connector.Registry
}

type stateView struct {
	Status      connection.Status `json:"status"`
	LastChecked *time.Time        `json:"lastChecked,omitempty"`
	LatencyMS   *float64          `json:"latencyMs,omitempty"`
	Attempts    int               `json:"attempts"`
	Message     string            `json:"message,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type budgetView struct {
	UsedWeight    int       `json:"usedWeight"`
	WeightLimit   int       `json:"weightLimit"`
	OrderCount    int       `json:"orderCount"`
	OrderLimit    int       `json:"orderLimit"`
	ResetTime     time.Time `json:"resetTime"`
	IsRateLimited bool      `json:"isRateLimited"`
	RetryAfterMS  int64     `json:"retryAfterMs,omitempty"`
}

// NewHandler creates the inspection handler for every connector in registry.
func NewHandler(registry *connector.Registry) http.Handler {
	server := &httpServer{connectors: registry}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(exchangesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listExchanges,
	}))
	mux.Handle(exchangePrefix+"/ratelimit", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRateLimit,
	}))
	mux.Handle(exchangePrefix+"/streams", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listStreams,
	}))
	mux.Handle(exchangePrefix+"/ticker/{symbol}", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTicker,
	}))
	mux.Handle(exchangePrefix+"/orderbook/{symbol}", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getOrderBook,
	}))
	mux.Handle(exchangePrefix+"/trades/{symbol}", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getTrades,
	}))
	mux.Handle(exchangePrefix+"/orders", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listOrders,
	}))
	mux.Handle(exchangePrefix+"/orders/{order}", server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getOrder,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// getHealth reports 200 when every monitor is connected and 503 otherwise.
func (s *httpServer) getHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := true
	exchanges := make(map[string]map[string]stateView)
	for _, id := range s.connectors.IDs() {
		rest := s.connectors.Monitors().State(id)
		ws := s.connectors.Monitors().State(id + connector.StreamMonitorSuffix)
		healthy = healthy && rest.Status == connection.StatusConnected && ws.Status == connection.StatusConnected
		exchanges[id] = map[string]stateView{"rest": toStateView(rest), "stream": toStateView(ws)}
	}
	status := http.StatusOK
	label := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": label, "exchanges": exchanges})
}

func (s *httpServer) listExchanges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"exchanges": s.connectors.IDs()})
}

func (s *httpServer) getRateLimit(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	b := c.Limits.Budget(c.ExchangeID())
	writeJSON(w, http.StatusOK, budgetView{
		UsedWeight:    b.UsedWeight,
		WeightLimit:   b.WeightLimit,
		OrderCount:    b.OrderCount,
		OrderLimit:    b.OrderLimit,
		ResetTime:     b.ResetTime,
		IsRateLimited: b.IsRateLimited,
		RetryAfterMS:  b.RetryAfter.Milliseconds(),
	})
}

func (s *httpServer) listStreams(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"streams":       c.Streams.Streams(),
		"subscriptions": c.Streams.Len(),
		"symbols":       c.MarketData.Symbols(),
	})
}

func (s *httpServer) getTicker(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ticker, found := c.MarketData.Ticker(r.PathValue("symbol"))
	if !found {
		writeError(w, http.StatusNotFound, "no ticker cached for symbol")
		return
	}
	writeJSON(w, http.StatusOK, ticker)
}

func (s *httpServer) getOrderBook(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	book, found := c.MarketData.OrderBook(r.PathValue("symbol"))
	if !found {
		writeError(w, http.StatusNotFound, "no order book cached for symbol")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *httpServer) getTrades(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	limit := defaultTradeLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	trades := c.MarketData.RecentTrades(r.PathValue("symbol"), limit)
	if trades == nil {
		trades = []schema.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

// listOrders filters by ?symbol= and ?status= (repeatable); ?open=true selects working orders.
func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	symbol := strings.TrimSpace(query.Get("symbol"))
	var result []schema.Order
	if open, _ := strconv.ParseBool(query.Get("open")); open {
		result = c.Orders.GetOpenOrders(symbol)
	} else {
		statuses := make([]schema.OrderStatus, 0, len(query["status"]))
		for _, raw := range query["status"] {
			statuses = append(statuses, schema.OrderStatus(strings.ToLower(strings.TrimSpace(raw))))
		}
		result = c.Orders.GetOrders(symbol, statuses...)
	}
	if result == nil {
		result = []schema.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": result})
}

// getOrder resolves by exchange order id, falling back to the client order id.
func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookup(w, r)
	if !ok {
		return
	}
	id := r.PathValue("order")
	order, found := c.Orders.GetOrder(id)
	if !found {
		order, found = c.Orders.GetOrderByClientID(id)
	}
	if !found {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *httpServer) lookup(w http.ResponseWriter, r *http.Request) (*connector.Connector, bool) {
	c, ok := s.connectors.Get(r.PathValue("exchange"))
	if !ok {
		writeError(w, http.StatusNotFound, "exchange not found")
		return nil, false
	}
	return c, true
}

func toStateView(state connection.State) stateView {
	view := stateView{Status: state.Status, Attempts: state.Attempts, Message: state.Message}
	if !state.LastChecked.IsZero() {
		checked := state.LastChecked
		view.LastChecked = &checked
	}
	if state.HasLatency {
		ms := float64(state.Latency.Microseconds()) / 1000
		view.LatencyMS = &ms
	}
	if state.Err != nil {
		view.Error = state.Err.Error()
	}
	return view
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
