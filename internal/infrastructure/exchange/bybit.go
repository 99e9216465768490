package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_risk_gate/internal/domain"
	"go.uber.org/zap"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	defaultCategory = "linear"
	recvWindow      = 5000
	quoteTTL        = time.Second
	instrumentsTTL  = 10 * time.Minute
)

var ErrSymbolNotFound = errors.New("symbol not found")

// BybitAdapter is both the market data source and the execution sink for
// Bybit V5 linear contracts. Top of book comes from the orderbook.1 stream
// when it is connected and fresh, from the tickers endpoint otherwise.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	category  string
	client    *http.Client
	logger    *zap.Logger
	timeNow   func() time.Time
	retry     RetryConfig

	wsConn        *websocket.Conn
	quotes        map[string]domain.MarketSnapshot
	instruments   map[string]domain.Instrument
	instrumentsAt time.Time
	mu            sync.Mutex
}

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL string, logger *zap.Logger) *BybitAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		wsURL:     wsURL,
		category:  defaultCategory,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.Named("bybit"),
		timeNow:   time.Now,
		retry:     DefaultRetryConfig(),
		quotes:    make(map[string]domain.MarketSnapshot),
	}
}

// --- REST API ---

func (b *BybitAdapter) sign(params string, timestamp int64) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// APIError is a non-zero retCode returned by the venue.
type APIError struct {
	Path    string
	RetCode int
	RetMsg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit %s: %d %s", e.Path, e.RetCode, e.RetMsg)
}

// HTTPError is a 4xx/5xx response without a venue envelope.
type HTTPError struct {
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("bybit %s: http %d: %s", e.Path, e.Status, e.Body)
}

// RetryConfig bounds the retries of read-only requests. Orders are never
// retried here.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
}

func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 || httpErr.Status == http.StatusTooManyRequests
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		// 10006: rate limit, 10016: server error
		return apiErr.RetCode == 10006 || apiErr.RetCode == 10016
	}
	return false
}

func (b *BybitAdapter) get(ctx context.Context, path string, query url.Values) (envelope, error) {
	delay := b.retry.InitialDelay
	for attempt := 0; ; attempt++ {
		env, err := b.sendRequest(ctx, http.MethodGet, path, query, nil)
		if err == nil || attempt >= b.retry.MaxRetries || !retryable(err) {
			return env, err
		}
		b.logger.Debug("Retrying request", zap.String("path", path), zap.Int("attempt", attempt+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return envelope{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.retry.MaxDelay {
			delay = b.retry.MaxDelay
		}
	}
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, query url.Values, payload map[string]any) (envelope, error) {
	timestamp := b.timeNow().UnixMilli()

	var body []byte
	var paramsStr string
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return envelope{}, err
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	}
	target := b.baseURL + path
	if len(query) > 0 {
		paramsStr = query.Encode()
		target += "?" + paramsStr
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return envelope{}, err
	}

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return envelope{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, err
	}
	if resp.StatusCode >= 400 {
		return envelope{}, &HTTPError{Path: path, Status: resp.StatusCode, Body: string(respBody)}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return envelope{}, fmt.Errorf("bybit %s: decode: %w", path, err)
	}
	if env.RetCode != 0 {
		return env, &APIError{Path: path, RetCode: env.RetCode, RetMsg: env.RetMsg}
	}
	return env, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Observe returns the streamed quote while it is fresh and falls back to the
// tickers endpoint.
func (b *BybitAdapter) Observe(ctx context.Context, symbol string) (domain.MarketSnapshot, error) {
	b.mu.Lock()
	q, ok := b.quotes[symbol]
	b.mu.Unlock()
	if ok && b.timeNow().Sub(q.Timestamp) <= quoteTTL {
		return q, nil
	}
	return b.Ticker(ctx, symbol)
}

func (b *BybitAdapter) Ticker(ctx context.Context, symbol string) (domain.MarketSnapshot, error) {
	query := url.Values{"category": {b.category}, "symbol": {symbol}}
	env, err := b.get(ctx, "/v5/market/tickers", query)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return domain.MarketSnapshot{}, err
	}
	if len(result.List) == 0 {
		return domain.MarketSnapshot{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}

	raw := result.List[0]
	ts := b.timeNow()
	if env.Time > 0 {
		ts = time.UnixMilli(env.Time)
	}
	return domain.MarketSnapshot{
		Symbol:    symbol,
		Price:     parseDecimal(raw.LastPrice),
		Bid:       parseDecimal(raw.Bid1Price),
		Ask:       parseDecimal(raw.Ask1Price),
		Timestamp: ts.UTC(),
	}, nil
}

func orderSide(side domain.Side) string {
	if side == domain.SideShort {
		return "Sell"
	}
	return "Buy"
}

// Execute places a market order with the plan's protective stop and optional
// take profit. The plan ID is sent as orderLinkId so a retried plan cannot
// open a second position.
func (b *BybitAdapter) Execute(ctx context.Context, plan domain.ExecutionPlan) (domain.OrderResult, error) {
	payload := map[string]any{
		"category":    b.category,
		"symbol":      plan.Symbol,
		"side":        orderSide(plan.Side),
		"orderType":   "Market",
		"qty":         plan.Size.String(),
		"stopLoss":    plan.Stop.String(),
		"orderLinkId": plan.ID,
	}
	if plan.Target != nil {
		payload["takeProfit"] = plan.Target.String()
	}

	b.logger.Info("Placing order",
		zap.String("plan_id", plan.ID),
		zap.String("symbol", plan.Symbol),
		zap.String("side", orderSide(plan.Side)),
		zap.String("qty", plan.Size.String()),
		zap.String("stop_loss", plan.Stop.String()))

	result := domain.OrderResult{PlanID: plan.ID, At: b.timeNow().UTC()}
	env, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", nil, payload)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		result.Status = domain.OrderRejected
		result.Message = apiErr.RetMsg
		b.logger.Warn("Order rejected", zap.String("plan_id", plan.ID), zap.Int("ret_code", apiErr.RetCode), zap.String("ret_msg", apiErr.RetMsg))
		return result, nil
	}
	if err != nil {
		return result, err
	}

	var created struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(env.Result, &created); err != nil {
		return result, err
	}
	result.OrderID = created.OrderID
	result.Status = domain.OrderAccepted
	b.logger.Info("Order accepted", zap.String("plan_id", plan.ID), zap.String("order_id", created.OrderID))
	return result, nil
}

func (b *BybitAdapter) Healthy(ctx context.Context) error {
	_, err := b.get(ctx, "/v5/market/time", nil)
	return err
}

// SupportsSymbol consults the instrument list, refreshed every ten minutes.
func (b *BybitAdapter) SupportsSymbol(ctx context.Context, symbol string) (bool, error) {
	b.mu.Lock()
	fresh := b.instruments != nil && b.timeNow().Sub(b.instrumentsAt) < instrumentsTTL
	inst, ok := b.instruments[symbol]
	b.mu.Unlock()
	if fresh {
		return ok && inst.Tradable(), nil
	}

	list, err := b.GetInstruments(ctx)
	if err != nil {
		return false, err
	}
	byName := make(map[string]domain.Instrument, len(list))
	for _, i := range list {
		byName[i.Symbol] = i
	}

	b.mu.Lock()
	b.instruments = byName
	b.instrumentsAt = b.timeNow()
	b.mu.Unlock()

	inst, ok = byName[symbol]
	return ok && inst.Tradable(), nil
}

func (b *BybitAdapter) GetInstruments(ctx context.Context) ([]domain.Instrument, error) {
	query := url.Values{"category": {b.category}, "limit": {"1000"}}
	env, err := b.get(ctx, "/v5/market/instruments-info", query)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			BaseCoin  string `json:"baseCoin"`
			QuoteCoin string `json:"quoteCoin"`
			Status    string `json:"status"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, err
	}

	instruments := make([]domain.Instrument, 0, len(result.List))
	for _, item := range result.List {
		instruments = append(instruments, domain.Instrument{
			Symbol:    item.Symbol,
			BaseCoin:  item.BaseCoin,
			QuoteCoin: item.QuoteCoin,
			Status:    item.Status,
		})
	}
	return instruments, nil
}

// AvailableBalance reads the unified account's available balance.
func (b *BybitAdapter) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	query := url.Values{"accountType": {"UNIFIED"}}
	env, err := b.get(ctx, "/v5/account/wallet-balance", query)
	if err != nil {
		return decimal.Zero, err
	}

	var result struct {
		List []struct {
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, errors.New("bybit wallet-balance: empty account list")
	}
	return parseDecimal(result.List[0].TotalAvailableBalance), nil
}

// --- WebSocket ---

// ConnectWS dials the public stream and subscribes to top of book for the
// symbols. The read loop runs until ctx is done or the connection drops.
func (b *BybitAdapter) ConnectWS(ctx context.Context, symbols []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wsConn != nil {
		return b.subscribe(symbols)
	}

	c, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return err
	}
	b.wsConn = c

	go b.readLoop(ctx, c)

	return b.subscribe(symbols)
}

func (b *BybitAdapter) subscribe(symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	args := make([]string, len(symbols))
	for i, s := range symbols {
		args[i] = "orderbook.1." + s
	}
	return b.wsConn.WriteJSON(map[string]any{
		"op":   "subscribe",
		"args": args,
	})
}

type orderbookEvent struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Ts    int64  `json:"ts"`
	Data  struct {
		S string     `json:"s"`
		B [][]string `json:"b"`
		A [][]string `json:"a"`
	} `json:"data"`
}

func (b *BybitAdapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	defer func() {
		conn.Close()
		b.mu.Lock()
		if b.wsConn == conn {
			b.wsConn = nil
		}
		b.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn("WS read error", zap.Error(err))
			}
			return
		}

		var event orderbookEvent
		if err := json.Unmarshal(message, &event); err != nil {
			b.logger.Debug("WS unmarshal error", zap.Error(err))
			continue
		}
		if !strings.HasPrefix(event.Topic, "orderbook.1.") {
			continue
		}
		b.applyOrderbook(strings.TrimPrefix(event.Topic, "orderbook.1."), event)
	}
}

// applyOrderbook folds a level-1 snapshot or delta into the quote cache. A
// delta carries only the side that changed; a level with size 0 is a
// removal and leaves the cached price alone.
func (b *BybitAdapter) applyOrderbook(symbol string, event orderbookEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.quotes[symbol]
	q.Symbol = symbol
	if bid, ok := bestLevel(event.Data.B); ok {
		q.Bid = bid
	}
	if ask, ok := bestLevel(event.Data.A); ok {
		q.Ask = ask
	}
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		b.quotes[symbol] = q
		return
	}
	q.Price = q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	q.Timestamp = b.timeNow().UTC()
	if event.Ts > 0 {
		q.Timestamp = time.UnixMilli(event.Ts).UTC()
	}
	b.quotes[symbol] = q
}

// bestLevel returns the price of the first [price, size] level that still
// has size.
func bestLevel(levels [][]string) (decimal.Decimal, bool) {
	for _, lvl := range levels {
		if len(lvl) < 2 {
			continue
		}
		if parseDecimal(lvl[1]).IsPositive() {
			return parseDecimal(lvl[0]), true
		}
	}
	return decimal.Zero, false
}

func (b *BybitAdapter) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wsConn == nil {
		return nil
	}
	err := b.wsConn.Close()
	b.wsConn = nil
	return err
}
