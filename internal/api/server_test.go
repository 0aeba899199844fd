package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/api"
	"github.com/courtside/market-engine/internal/engine"
	"github.com/courtside/market-engine/internal/flash"
	"github.com/courtside/market-engine/internal/gameclock"
	"github.com/courtside/market-engine/internal/ledger"
	"github.com/courtside/market-engine/internal/model"
	"github.com/courtside/market-engine/internal/orders"
	"github.com/courtside/market-engine/internal/store"
	"github.com/courtside/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type halfRand struct{}

func (halfRand) Float64() float64 { return 0.5 }
func (halfRand) Intn(int) int     { return 0 }

// newTestServer wires the full stack over an in-memory store with one
// player priced at 100.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	ms.ReplacePlayers(ctx, []model.Player{
		{ID: "curry", Name: "Stephen Curry", Team: "GSW", CurrentPrice: d(100), Volatility: 0.2, IsPlaying: true},
	})
	l := ledger.New(ms, ledger.Config{}, nil)
	if err := l.Load(ctx); err != nil {
		t.Fatalf("ledger load: %v", err)
	}
	trades := trade.NewService(ms, l, nil, nil, trade.Config{StartingBalance: d(1000), LiveTrades: 1}, nil,
		trade.WithMarketImpact(false))
	book := orders.NewBook(ms, l, trades, nil, orders.Config{MaxPending: 2}, nil)
	game := gameclock.New(gameclock.Game{ID: "g1", HomeTeam: "GSW", AwayTeam: "BOS", StartTime: time.Now().Add(-time.Minute)})
	eng, err := engine.New(engine.Deps{
		Ledger: l,
		Trades: trades,
		Orders: book,
		Flash:  flash.NewRegistry(nil, nil),
		Game:   game,
	}, engine.Config{PriceInterval: time.Hour, ScoreInterval: time.Hour, EventInterval: time.Hour, SentimentInterval: time.Hour, FlashSweepInterval: time.Hour},
		nil, engine.WithRand(halfRand{}))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(eng.Stop)

	srv := api.NewServer(ctx, l, trades, book, eng, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var e map[string]string
		json.NewDecoder(resp.Body).Decode(&e)
		t.Fatalf("%s %s: status %d, want %d (error: %s)",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, e["error"])
	}
}

func trade1(userID, side, acct string, shares int64) api.TradeRequest {
	return api.TradeRequest{UserID: userID, PlayerID: "curry", Shares: shares, Type: side, AccountType: acct}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp := do(t, ts, http.MethodGet, "/health", nil)
	expectStatus(t, resp, http.StatusOK)
}

func TestPlayers(t *testing.T) {
	ts := newTestServer(t)

	var players []model.Player
	resp := do(t, ts, http.MethodGet, "/api/v1/players", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &players)
	if len(players) != 1 || players[0].ID != "curry" || !players[0].CurrentPrice.Equal(d(100)) {
		t.Errorf("players = %+v", players)
	}

	expectStatus(t, do(t, ts, http.MethodGet, "/api/v1/players/curry", nil), http.StatusOK)
	expectStatus(t, do(t, ts, http.MethodGet, "/api/v1/players/nobody", nil), http.StatusNotFound)
}

func TestTradeFlow(t *testing.T) {
	ts := newTestServer(t)

	expectStatus(t, do(t, ts, http.MethodPost, "/api/v1/portfolios", map[string]string{"user_id": "u1"}), http.StatusCreated)
	expectStatus(t, do(t, ts, http.MethodPost, "/api/v1/portfolios", map[string]string{"user_id": "u1"}), http.StatusBadRequest)

	var tr model.Trade
	resp := do(t, ts, http.MethodPost, "/api/v1/trades", trade1("u1", "buy", "season", 5))
	expectStatus(t, resp, http.StatusCreated)
	decode(t, resp, &tr)
	if tr.Status != model.TradeStatusExecuted || !tr.TotalAmount.Equal(d(500)) {
		t.Errorf("trade = %+v", tr)
	}

	var p model.Portfolio
	resp = do(t, ts, http.MethodGet, "/api/v1/portfolios/u1", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &p)
	if !p.AvailableBalance.Equal(d(500)) || p.Season["curry"].Shares != 5 {
		t.Errorf("portfolio = %+v", p)
	}

	var history []model.Trade
	resp = do(t, ts, http.MethodGet, "/api/v1/trades/u1", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &history)
	if len(history) != 1 || history[0].ID != tr.ID {
		t.Errorf("history = %+v", history)
	}
}

func TestTradeErrors(t *testing.T) {
	ts := newTestServer(t)
	do(t, ts, http.MethodPost, "/api/v1/portfolios", map[string]string{"user_id": "u1"})

	tests := []struct {
		name string
		req  api.TradeRequest
		want int
	}{
		{"insufficient funds", trade1("u1", "buy", "season", 11), http.StatusConflict},
		{"insufficient shares", trade1("u1", "sell", "season", 1), http.StatusConflict},
		{"bad side", trade1("u1", "hold", "season", 1), http.StatusBadRequest},
		{"zero shares", trade1("u1", "buy", "season", 0), http.StatusBadRequest},
		{"unknown user", trade1("ghost", "buy", "season", 1), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, do(t, ts, http.MethodPost, "/api/v1/trades", tt.req), tt.want)
		})
	}

	// One live trade allowed.
	expectStatus(t, do(t, ts, http.MethodPost, "/api/v1/trades", trade1("u1", "buy", "live", 1)), http.StatusCreated)
	expectStatus(t, do(t, ts, http.MethodPost, "/api/v1/trades", trade1("u1", "buy", "live", 1)), http.StatusConflict)
	expectStatus(t, do(t, ts, http.MethodPost, "/api/v1/portfolios/u1/reset-live", nil), http.StatusOK)
	expectStatus(t, do(t, ts, http.MethodPost, "/api/v1/trades", trade1("u1", "buy", "live", 1)), http.StatusCreated)
}

func TestInvalidBody(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/trades", bytes.NewBufferString("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestOrderFlow(t *testing.T) {
	ts := newTestServer(t)
	do(t, ts, http.MethodPost, "/api/v1/portfolios", map[string]string{"user_id": "u1"})

	order := api.OrderRequest{UserID: "u1", PlayerID: "curry", Shares: 1, Type: "buy", LimitPrice: d(95), AccountType: "season"}
	var o model.LimitOrder
	resp := do(t, ts, http.MethodPost, "/api/v1/orders", order)
	expectStatus(t, resp, http.StatusCreated)
	decode(t, resp, &o)
	if o.Status != model.OrderPending {
		t.Errorf("status = %s", o.Status)
	}

	expectStatus(t, do(t, ts, http.MethodPost, "/api/v1/orders", order), http.StatusCreated)
	expectStatus(t, do(t, ts, http.MethodPost, "/api/v1/orders", order), http.StatusConflict)

	bad := order
	bad.LimitPrice = decimal.Zero
	expectStatus(t, do(t, ts, http.MethodPost, "/api/v1/orders", bad), http.StatusBadRequest)

	var list []model.LimitOrder
	resp = do(t, ts, http.MethodGet, "/api/v1/orders/u1", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &list)
	if len(list) != 2 {
		t.Fatalf("listed %d orders, want 2", len(list))
	}

	expectStatus(t, do(t, ts, http.MethodDelete, "/api/v1/orders/u1/"+o.ID, nil), http.StatusOK)
	expectStatus(t, do(t, ts, http.MethodDelete, "/api/v1/orders/u1/"+o.ID, nil), http.StatusBadRequest)
	expectStatus(t, do(t, ts, http.MethodDelete, "/api/v1/orders/u2/"+o.ID, nil), http.StatusNotFound)
}

func TestApplyEvent(t *testing.T) {
	ts := newTestServer(t)

	var ev api.EventResponse
	resp := do(t, ts, http.MethodPost, "/api/v1/events", api.EventRequest{PlayerID: "curry", Text: "Stephen Curry makes 28-foot three pointer"})
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &ev)
	if ev.Kind != model.EventThreePointer || !ev.PriceImpact.Equal(d(12)) || !ev.NewPrice.Equal(d(112)) {
		t.Errorf("event response = %+v", ev)
	}

	expectStatus(t, do(t, ts, http.MethodPost, "/api/v1/events", api.EventRequest{PlayerID: "curry"}), http.StatusBadRequest)
	expectStatus(t, do(t, ts, http.MethodPost, "/api/v1/events", api.EventRequest{PlayerID: "nobody", Text: "dunk"}), http.StatusNotFound)
}

func TestGameAndEngine(t *testing.T) {
	ts := newTestServer(t)

	var lg model.LiveGame
	resp := do(t, ts, http.MethodGet, "/api/v1/game", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &lg)
	if lg.GameID != "g1" || lg.Status != model.GameInProgress || lg.Mode != model.GameSynthetic {
		t.Errorf("game = %+v", lg)
	}

	var status map[string]bool
	resp = do(t, ts, http.MethodPost, "/api/v1/engine/start", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &status)
	if !status["running"] {
		t.Error("engine not running after start")
	}

	resp = do(t, ts, http.MethodPost, "/api/v1/engine/stop", nil)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &status)
	if status["running"] {
		t.Error("engine still running after stop")
	}
}

func TestPlayerControls(t *testing.T) {
	ts := newTestServer(t)

	var p model.Player
	resp := do(t, ts, http.MethodPut, "/api/v1/players/curry/pricing-mode", api.PricingModeRequest{Mode: model.PricingExternal})
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &p)
	if p.PricingMode != model.PricingExternal {
		t.Errorf("pricing mode = %s, want external", p.PricingMode)
	}
	expectStatus(t, do(t, ts, http.MethodPut, "/api/v1/players/curry/pricing-mode", api.PricingModeRequest{Mode: "vibes"}), http.StatusBadRequest)
	expectStatus(t, do(t, ts, http.MethodPut, "/api/v1/players/nobody/pricing-mode", api.PricingModeRequest{Mode: model.PricingSynthetic}), http.StatusNotFound)

	resp = do(t, ts, http.MethodPut, "/api/v1/players/curry/playing", api.PlayingRequest{Playing: false})
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &p)
	if p.IsPlaying {
		t.Error("player still on court after playing=false")
	}
}

func TestReplacePlayers(t *testing.T) {
	ts := newTestServer(t)

	roster := []model.Player{
		{ID: "curry", Name: "Stephen Curry", Team: "GSW", CurrentPrice: d(100), Volatility: 0.2},
		{ID: "tatum", Name: "Jayson Tatum", Team: "BOS", CurrentPrice: d(150), Volatility: 0.15},
	}
	var players []model.Player
	resp := do(t, ts, http.MethodPut, "/api/v1/players", roster)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &players)
	if len(players) != 2 || players[1].ID != "tatum" || !players[1].BasePrice.Equal(d(150)) {
		t.Errorf("roster = %+v", players)
	}

	expectStatus(t, do(t, ts, http.MethodPut, "/api/v1/players", []model.Player{}), http.StatusBadRequest)
	expectStatus(t, do(t, ts, http.MethodPut, "/api/v1/players",
		[]model.Player{{ID: "x", CurrentPrice: decimal.Zero}}), http.StatusBadRequest)
}
