package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_risk_gate/internal/domain"
)

type fakeBybit struct {
	lastOrder  map[string]any
	rejectNext bool
	instCalls  atomic.Int32
	timeFails  atomic.Int32
	mu         sync.Mutex
}

func (f *fakeBybit) order() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOrder
}

func (f *fakeBybit) handler(t *testing.T) http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, retCode int, msg string, result any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"retCode": retCode,
			"retMsg":  msg,
			"result":  result,
			"time":    time.Now().UnixMilli(),
		})
	}

	mux.HandleFunc("/v5/market/tickers", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			write(w, 0, "OK", map[string]any{"list": []any{}})
			return
		}
		write(w, 0, "OK", map[string]any{"list": []any{map[string]string{
			"symbol": "BTCUSDT", "lastPrice": "100.00", "bid1Price": "99.95", "ask1Price": "100.05",
		}}})
	})
	mux.HandleFunc("/v5/order/create", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-BAPI-SIGN"))
		assert.Equal(t, "key", r.Header.Get("X-BAPI-API-KEY"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.lastOrder = body
		reject := f.rejectNext
		f.mu.Unlock()
		if reject {
			write(w, 110007, "ab not enough for new order", map[string]any{})
			return
		}
		write(w, 0, "OK", map[string]string{"orderId": "ord-123", "orderLinkId": body["orderLinkId"].(string)})
	})
	mux.HandleFunc("/v5/market/time", func(w http.ResponseWriter, r *http.Request) {
		if f.timeFails.Add(-1) >= 0 {
			http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
			return
		}
		write(w, 0, "OK", map[string]string{"timeSecond": "1"})
	})
	mux.HandleFunc("/v5/market/instruments-info", func(w http.ResponseWriter, r *http.Request) {
		f.instCalls.Add(1)
		write(w, 0, "OK", map[string]any{"list": []map[string]string{
			{"symbol": "BTCUSDT", "baseCoin": "BTC", "quoteCoin": "USDT", "status": "Trading"},
			{"symbol": "OLDUSDT", "baseCoin": "OLD", "quoteCoin": "USDT", "status": "Closed"},
		}})
	})
	mux.HandleFunc("/v5/account/wallet-balance", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "UNIFIED", r.URL.Query().Get("accountType"))
		write(w, 0, "OK", map[string]any{"list": []map[string]string{{"totalAvailableBalance": "12345.6789"}}})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub struct {
			Op   string   `json:"op"`
			Args []string `json:"args"`
		}
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		for _, topic := range sub.Args {
			conn.WriteJSON(map[string]any{
				"topic": topic,
				"type":  "snapshot",
				"ts":    time.Now().UnixMilli(),
				"data": map[string]any{
					"s": strings.TrimPrefix(topic, "orderbook.1."),
					"b": [][]string{{"101.00", "3"}},
					"a": [][]string{{"101.10", "2"}},
				},
			})
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return mux
}

func newTestAdapter(t *testing.T) (*BybitAdapter, *fakeBybit) {
	t.Helper()
	fake := &fakeBybit{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return NewBybitAdapter("key", "secret", srv.URL, wsURL, nil), fake
}

func testPlan(t *testing.T, side domain.Side, withTarget bool) domain.ExecutionPlan {
	t.Helper()
	entry, err := domain.ParsePricePoint("100")
	require.NoError(t, err)
	stop, err := domain.ParsePricePoint("95")
	require.NoError(t, err)
	size, err := domain.NewPositionSize(decimal.RequireFromString("40"))
	require.NoError(t, err)
	plan := domain.ExecutionPlan{
		ID:       "pln-1",
		Symbol:   "BTCUSDT",
		Side:     side,
		Size:     size,
		Entry:    entry,
		Stop:     stop,
		Decision: domain.DecisionApproved,
	}
	if withTarget {
		target, err := domain.ParsePricePoint("110")
		require.NoError(t, err)
		plan.Target = &target
	}
	return plan
}

func TestBybitAdapter_ObserveFromTicker(t *testing.T) {
	b, _ := newTestAdapter(t)

	snap, err := b.Observe(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.True(t, snap.Bid.Equal(decimal.RequireFromString("99.95")))
	assert.True(t, snap.Ask.Equal(decimal.RequireFromString("100.05")))
	assert.True(t, snap.Price.Equal(decimal.RequireFromString("100")))
	assert.WithinDuration(t, time.Now(), snap.Timestamp, 5*time.Second)

	_, err = b.Observe(context.Background(), "NOPEUSDT")
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestBybitAdapter_ObservePrefersStream(t *testing.T) {
	b, _ := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, b.ConnectWS(ctx, []string{"BTCUSDT"}))
	t.Cleanup(func() { b.Close() })

	assert.Eventually(t, func() bool {
		snap, err := b.Observe(context.Background(), "BTCUSDT")
		return err == nil && snap.Bid.Equal(decimal.RequireFromString("101"))
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := b.Observe(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, snap.Price.Equal(decimal.RequireFromString("101.05")))
}

func TestBybitAdapter_ApplyOrderbookDelta(t *testing.T) {
	b := NewBybitAdapter("", "", "http://unused", "", nil)
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	b.timeNow = func() time.Time { return now }

	var ev orderbookEvent
	ev.Data.B = [][]string{{"10", "1"}}
	b.applyOrderbook("ETHUSDT", ev)
	assert.True(t, b.quotes["ETHUSDT"].Timestamp.IsZero(), "one-sided book has no usable quote")

	ev = orderbookEvent{}
	ev.Data.A = [][]string{{"10.2", "1"}}
	b.applyOrderbook("ETHUSDT", ev)
	q := b.quotes["ETHUSDT"]
	assert.True(t, q.Bid.Equal(decimal.NewFromInt(10)))
	assert.True(t, q.Ask.Equal(decimal.RequireFromString("10.2")))
	assert.True(t, q.Price.Equal(decimal.RequireFromString("10.1")))
	assert.Equal(t, now, q.Timestamp)
}

func TestBybitAdapter_ApplyOrderbookSkipsRemovedLevels(t *testing.T) {
	tests := []struct {
		name    string
		bids    [][]string
		asks    [][]string
		wantBid string
		wantAsk string
	}{
		{name: "bid removed", bids: [][]string{{"9.9", "0"}}, wantBid: "10", wantAsk: "10.2"},
		{name: "ask removed", asks: [][]string{{"10.5", "0"}}, wantBid: "10", wantAsk: "10.2"},
		{name: "removal then new level", bids: [][]string{{"10", "0"}, {"9.8", "3"}}, wantBid: "9.8", wantAsk: "10.2"},
		{name: "malformed level", asks: [][]string{{"11"}}, wantBid: "10", wantAsk: "10.2"},
		{name: "new best ask", asks: [][]string{{"10.1", "2"}}, wantBid: "10", wantAsk: "10.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBybitAdapter("", "", "http://unused", "", nil)
			var snap orderbookEvent
			snap.Data.B = [][]string{{"10", "1"}}
			snap.Data.A = [][]string{{"10.2", "1"}}
			b.applyOrderbook("ETHUSDT", snap)

			var delta orderbookEvent
			delta.Data.B = tt.bids
			delta.Data.A = tt.asks
			b.applyOrderbook("ETHUSDT", delta)

			q := b.quotes["ETHUSDT"]
			assert.True(t, q.Bid.Equal(decimal.RequireFromString(tt.wantBid)), q.Bid.String())
			assert.True(t, q.Ask.Equal(decimal.RequireFromString(tt.wantAsk)), q.Ask.String())
			assert.True(t, q.Price.IsPositive())
		})
	}
}

func TestBybitAdapter_Execute(t *testing.T) {
	b, fake := newTestAdapter(t)

	res, err := b.Execute(context.Background(), testPlan(t, domain.SideShort, true))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderAccepted, res.Status)
	assert.Equal(t, "ord-123", res.OrderID)
	assert.Equal(t, "pln-1", res.PlanID)

	assert.Equal(t, "Sell", fake.order()["side"])
	assert.Equal(t, "Market", fake.order()["orderType"])
	assert.Equal(t, "40", fake.order()["qty"])
	assert.Equal(t, "95", fake.order()["stopLoss"])
	assert.Equal(t, "110", fake.order()["takeProfit"])
	assert.Equal(t, "pln-1", fake.order()["orderLinkId"])

	_, err = b.Execute(context.Background(), testPlan(t, domain.SideLong, false))
	require.NoError(t, err)
	assert.Equal(t, "Buy", fake.order()["side"])
	assert.NotContains(t, fake.order(), "takeProfit")
}

func TestBybitAdapter_ExecuteRejected(t *testing.T) {
	b, fake := newTestAdapter(t)
	fake.mu.Lock()
	fake.rejectNext = true
	fake.mu.Unlock()

	res, err := b.Execute(context.Background(), testPlan(t, domain.SideLong, false))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderRejected, res.Status)
	assert.False(t, res.Success())
	assert.Contains(t, res.Message, "not enough")
}

func TestBybitAdapter_AccountChecks(t *testing.T) {
	b, fake := newTestAdapter(t)
	ctx := context.Background()

	assert.NoError(t, b.Healthy(ctx))

	ok, err := b.SupportsSymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.SupportsSymbol(ctx, "OLDUSDT")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.SupportsSymbol(ctx, "NOPEUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(1), fake.instCalls.Load(), "instrument list is cached")

	bal, err := b.AvailableBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("12345.6789")))
}

func TestBybitAdapter_Sign(t *testing.T) {
	b := NewBybitAdapter("key", "secret", "", "", nil)
	sig := b.sign("category=linear", 1700000000000)
	assert.Len(t, sig, 64)
	assert.Equal(t, sig, b.sign("category=linear", 1700000000000))
	assert.NotEqual(t, sig, b.sign("category=spot", 1700000000000))
}

func TestBybitAdapter_RetriesReads(t *testing.T) {
	b, fake := newTestAdapter(t)
	b.retry = RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	fake.timeFails.Store(2)
	assert.NoError(t, b.Healthy(context.Background()))

	fake.timeFails.Store(3)
	err := b.Healthy(context.Background())
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.Status)
}
