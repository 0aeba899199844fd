package orders_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/broadcast"
	"github.com/courtside/market-engine/internal/ledger"
	"github.com/courtside/market-engine/internal/model"
	"github.com/courtside/market-engine/internal/orders"
	"github.com/courtside/market-engine/internal/store"
	"github.com/courtside/market-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)

type testEnv struct {
	book   *orders.Book
	store  *store.MemoryStore
	ledger *ledger.Ledger
	trades *trade.Service
	rec    *broadcast.Recorder
}

func newTestEnv(t *testing.T, cfg orders.Config) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	players := []model.Player{
		{ID: "p", Name: "Jayson Tatum", Team: "BOS", CurrentPrice: d(100), Volatility: 0.2},
	}
	if err := ms.ReplacePlayers(ctx, players); err != nil {
		t.Fatalf("seed: %v", err)
	}
	l := ledger.New(ms, ledger.Config{Floor: d(10)}, nil)
	if err := l.Load(ctx); err != nil {
		t.Fatalf("ledger load: %v", err)
	}
	rec := broadcast.NewRecorder()
	svc := trade.NewService(ms, l, nil, rec, trade.Config{StartingBalance: d(1000), LiveTrades: 5}, nil,
		trade.WithMarketImpact(false))
	if _, err := svc.CreatePortfolio(ctx, "u1"); err != nil {
		t.Fatalf("CreatePortfolio: %v", err)
	}

	book := orders.NewBook(ms, l, svc, rec, cfg, nil)
	book.SetClock(func() time.Time { return t0 })
	return &testEnv{book: book, store: ms, ledger: l, trades: svc, rec: rec}
}

func placeBuy(t *testing.T, env *testEnv, shares int64, limit float64) *model.LimitOrder {
	t.Helper()
	o, err := env.book.Place(context.Background(), orders.PlaceRequest{
		UserID:      "u1",
		PlayerID:    "p",
		Shares:      shares,
		Side:        model.SideBuy,
		LimitPrice:  d(limit),
		AccountType: model.AccountSeason,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	return o
}

func getOrder(t *testing.T, env *testEnv, id string) *model.LimitOrder {
	t.Helper()
	o, err := env.store.GetLimitOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("GetLimitOrder: %v", err)
	}
	return o
}

func TestSweep_BuyTriggersAtCurrentPrice(t *testing.T) {
	env := newTestEnv(t, orders.Config{})
	ctx := context.Background()
	o := placeBuy(t, env, 2, 95)

	// Never executes while the price stays at or above 95.01.
	for _, price := range []float64{100, 97, 95.01} {
		env.ledger.SetPrice(ctx, "p", d(price), 0, "test")
		res, err := env.book.Sweep(ctx, t0.Add(time.Minute))
		if err != nil || res.Executed != 0 {
			t.Fatalf("price %v: res=%+v err=%v", price, res, err)
		}
	}
	if got := getOrder(t, env, o.ID); got.Status != model.OrderPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}

	env.ledger.SetPrice(ctx, "p", d(94), 0, "test")
	res, err := env.book.Sweep(ctx, t0.Add(2*time.Minute))
	if err != nil || res.Executed != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}

	got := getOrder(t, env, o.ID)
	if got.Status != model.OrderExecuted || got.ExecutedPrice == nil || !got.ExecutedPrice.Equal(d(94)) {
		t.Errorf("order after trigger = %+v", got)
	}
	if got.TradeID == "" || got.ClosedAt == nil {
		t.Error("executed order should record trade id and close time")
	}
	p, _ := env.store.GetPortfolio(ctx, "u1")
	if !p.AvailableBalance.Equal(d(812)) || p.Season["p"].Shares != 2 {
		t.Errorf("portfolio after fill: balance %s", p.AvailableBalance)
	}
	if len(env.rec.Named(broadcast.EventLimitOrderExecuted)) != 1 {
		t.Error("expected a limit_order_executed event")
	}

	// Executed orders are not swept again.
	env.ledger.SetPrice(ctx, "p", d(50), 0, "test")
	if res, _ := env.book.Sweep(ctx, t0.Add(3*time.Minute)); res.Executed != 0 {
		t.Errorf("executed order filled twice: %+v", res)
	}
}

func TestSweep_SellTriggersAtOrAboveLimit(t *testing.T) {
	env := newTestEnv(t, orders.Config{})
	ctx := context.Background()
	env.trades.Execute(ctx, trade.Request{UserID: "u1", PlayerID: "p", Shares: 3, Side: model.SideBuy, AccountType: model.AccountLive})

	o, err := env.book.Place(ctx, orders.PlaceRequest{
		UserID: "u1", PlayerID: "p", Shares: 3, Side: model.SideSell,
		LimitPrice: d(110), AccountType: model.AccountLive,
	})
	if err != nil {
		t.Fatalf("Place: %v", err)
	}

	env.ledger.SetPrice(ctx, "p", d(110), 0, "test")
	if res, _ := env.book.Sweep(ctx, t0.Add(time.Minute)); res.Executed != 1 {
		t.Fatalf("sell at limit did not execute: %+v", res)
	}
	if got := getOrder(t, env, o.ID); !got.ExecutedPrice.Equal(d(110)) {
		t.Errorf("executed price = %s", got.ExecutedPrice)
	}
}

func TestSweep_ExpiresAfterTTL(t *testing.T) {
	env := newTestEnv(t, orders.Config{TTL: time.Hour})
	ctx := context.Background()
	o := placeBuy(t, env, 1, 50)

	// Exactly at ExpiresAt the order is still live.
	if res, _ := env.book.Sweep(ctx, o.ExpiresAt); res.Expired != 0 {
		t.Fatalf("expired at the deadline: %+v", res)
	}
	res, err := env.book.Sweep(ctx, o.ExpiresAt.Add(time.Second))
	if err != nil || res.Expired != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if got := getOrder(t, env, o.ID); got.Status != model.OrderCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if len(env.rec.Named(broadcast.EventLimitOrderExpired)) != 1 {
		t.Error("expected a limit_order_expired event")
	}
}

func TestSweep_FailedExecutionStaysPending(t *testing.T) {
	env := newTestEnv(t, orders.Config{})
	ctx := context.Background()
	// 20 shares at 90 needs 1800; the balance is 1000.
	o := placeBuy(t, env, 20, 95)
	env.ledger.SetPrice(ctx, "p", d(90), 0, "test")

	res, err := env.book.Sweep(ctx, t0.Add(time.Minute))
	if err != nil || res.Failed != 1 || res.Executed != 0 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	got := getOrder(t, env, o.ID)
	if got.Status != model.OrderPending || got.LastError == "" {
		t.Fatalf("failed order = %+v, want pending with last error", got)
	}

	// Retried next tick once funds suffice.
	env.ledger.SetPrice(ctx, "p", d(45), 0, "test")
	if res, _ := env.book.Sweep(ctx, t0.Add(2*time.Minute)); res.Executed != 1 {
		t.Fatalf("retry did not execute: %+v", res)
	}
	if got := getOrder(t, env, o.ID); got.LastError != "" || got.Status != model.OrderExecuted {
		t.Errorf("retried order = %+v", got)
	}
}

func TestPlace_Validation(t *testing.T) {
	env := newTestEnv(t, orders.Config{})
	ctx := context.Background()

	cases := []struct {
		name string
		req  orders.PlaceRequest
		want error
	}{
		{"zero shares", orders.PlaceRequest{UserID: "u1", PlayerID: "p", Shares: 0, Side: model.SideBuy, LimitPrice: d(1), AccountType: model.AccountSeason}, model.ErrValidation},
		{"zero limit", orders.PlaceRequest{UserID: "u1", PlayerID: "p", Shares: 1, Side: model.SideBuy, LimitPrice: d(0), AccountType: model.AccountSeason}, model.ErrValidation},
		{"bad side", orders.PlaceRequest{UserID: "u1", PlayerID: "p", Shares: 1, Side: "short", LimitPrice: d(1), AccountType: model.AccountSeason}, model.ErrValidation},
		{"bad account", orders.PlaceRequest{UserID: "u1", PlayerID: "p", Shares: 1, Side: model.SideBuy, LimitPrice: d(1), AccountType: "x"}, model.ErrValidation},
		{"unknown player", orders.PlaceRequest{UserID: "u1", PlayerID: "zz", Shares: 1, Side: model.SideBuy, LimitPrice: d(1), AccountType: model.AccountSeason}, model.ErrNotFound},
		{"unknown user", orders.PlaceRequest{UserID: "nobody", PlayerID: "p", Shares: 1, Side: model.SideBuy, LimitPrice: d(1), AccountType: model.AccountSeason}, model.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := env.book.Place(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestPlace_TooManyPending(t *testing.T) {
	env := newTestEnv(t, orders.Config{MaxPending: 3})
	for i := 0; i < 3; i++ {
		placeBuy(t, env, 1, 50)
	}
	_, err := env.book.Place(context.Background(), orders.PlaceRequest{
		UserID: "u1", PlayerID: "p", Shares: 1, Side: model.SideBuy,
		LimitPrice: d(50), AccountType: model.AccountSeason,
	})
	if !errors.Is(err, model.ErrTooManyPendingOrders) {
		t.Fatalf("expected ErrTooManyPendingOrders, got %v", err)
	}

	// Cancelling one frees a slot.
	list, _ := env.book.List(context.Background(), "u1")
	if _, err := env.book.Cancel(context.Background(), "u1", list[0].ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	placeBuy(t, env, 1, 50)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t, orders.Config{})
	ctx := context.Background()
	o := placeBuy(t, env, 1, 50)

	if _, err := env.book.Cancel(ctx, "someone-else", o.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("cancel by another user: expected ErrNotFound, got %v", err)
	}
	got, err := env.book.Cancel(ctx, "u1", o.ID)
	if err != nil || got.Status != model.OrderCancelled {
		t.Fatalf("Cancel = %+v, %v", got, err)
	}
	if _, err := env.book.Cancel(ctx, "u1", o.ID); !errors.Is(err, model.ErrValidation) {
		t.Errorf("second cancel: expected ErrValidation, got %v", err)
	}
	if _, err := env.book.Cancel(ctx, "u1", "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown order: expected ErrNotFound, got %v", err)
	}
}

func TestSweep_PrunesTerminalOrders(t *testing.T) {
	env := newTestEnv(t, orders.Config{Retention: time.Hour, MaxOrders: 3, MaxPending: 100})
	ctx := context.Background()

	// Two orders closed long ago, three closed recently, one pending.
	for i := 0; i < 5; i++ {
		closed := t0.Add(-2 * time.Hour)
		if i >= 2 {
			closed = t0.Add(-time.Minute)
		}
		env.store.SaveLimitOrder(ctx, &model.LimitOrder{
			ID:        fmt.Sprintf("old-%d", i),
			UserID:    "u1",
			PlayerID:  "p",
			Type:      model.SideBuy,
			Shares:    1,
			Status:    model.OrderCancelled,
			CreatedAt: t0.Add(-3*time.Hour + time.Duration(i)*time.Minute),
			ExpiresAt: t0,
			ClosedAt:  &closed,
		})
	}
	pending := placeBuy(t, env, 1, 50)

	res, err := env.book.Sweep(ctx, t0)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	// 6 stored, cap 3: the two stale ones plus the oldest recent one go.
	if res.Pruned != 3 {
		t.Errorf("pruned = %d, want 3", res.Pruned)
	}
	left, _ := env.book.List(ctx, "u1")
	if len(left) != 3 {
		t.Fatalf("left %d orders, want 3", len(left))
	}
	if left[0].ID != "old-3" || left[1].ID != "old-4" || left[2].ID != pending.ID {
		t.Errorf("unexpected survivors %s %s %s", left[0].ID, left[1].ID, left[2].ID)
	}
}
