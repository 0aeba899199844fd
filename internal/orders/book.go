// Package orders keeps pending limit orders and sweeps them against ledger
// prices on every price tick.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/broadcast"
	"github.com/courtside/market-engine/internal/metrics"
	"github.com/courtside/market-engine/internal/model"
	"github.com/courtside/market-engine/internal/store"
	"github.com/courtside/market-engine/internal/trade"
)

// Defaults applied when Config fields are zero.
const (
	DefaultTTL        = 24 * time.Hour
	DefaultRetention  = 7 * 24 * time.Hour
	DefaultMaxPending = 10
	DefaultMaxOrders  = 1000
)

// Prices reads current prices.
type Prices interface {
	GetPrice(id string) (decimal.Decimal, error)
}

// Executor runs a triggered order as a regular trade. *trade.Service
// satisfies it.
type Executor interface {
	Execute(ctx context.Context, req trade.Request) (*model.Trade, error)
}

// Config holds book limits.
type Config struct {
	TTL        time.Duration
	Retention  time.Duration
	MaxPending int // per user
	MaxOrders  int // stored orders kept after pruning
}

// PlaceRequest is a new limit order.
type PlaceRequest struct {
	UserID      string
	PlayerID    string
	Shares      int64
	Side        model.Side
	LimitPrice  decimal.Decimal
	AccountType model.AccountType
}

// Validate checks field shapes.
func (r PlaceRequest) Validate() error {
	if r.UserID == "" || r.PlayerID == "" {
		return fmt.Errorf("%w: user_id and player_id are required", model.ErrValidation)
	}
	if r.Shares <= 0 {
		return fmt.Errorf("%w: shares must be a positive integer", model.ErrValidation)
	}
	if !r.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: limit price must be positive", model.ErrValidation)
	}
	if _, err := model.ParseSide(string(r.Side)); err != nil {
		return err
	}
	if _, err := model.ParseAccountType(string(r.AccountType)); err != nil {
		return err
	}
	return nil
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Executed int
	Expired  int
	Failed   int
	Pruned   int
}

// Book is the limit-order book. Place, Cancel and Sweep are serialized so a
// sweep never races a cancel on the same order.
type Book struct {
	mu     sync.Mutex
	store  store.Store
	prices Prices
	exec   Executor
	bc     broadcast.Broadcaster
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewBook creates a book. A nil broadcaster discards events.
func NewBook(st store.Store, prices Prices, exec Executor, bc broadcast.Broadcaster, cfg Config, logger *slog.Logger) *Book {
	if bc == nil {
		bc = broadcast.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.MaxOrders <= 0 {
		cfg.MaxOrders = DefaultMaxOrders
	}
	return &Book{
		store:  st,
		prices: prices,
		exec:   exec,
		bc:     bc,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetClock overrides the time source. Tests only.
func (b *Book) SetClock(now func() time.Time) { b.now = now }

// Place records a pending order expiring after the configured TTL.
func (b *Book) Place(ctx context.Context, req PlaceRequest) (*model.LimitOrder, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := b.prices.GetPrice(req.PlayerID); err != nil {
		return nil, err
	}
	if _, err := b.store.GetPortfolio(ctx, req.UserID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pending, err := b.store.ListLimitOrders(ctx, model.OrderPending)
	if err != nil {
		return nil, err
	}
	n := 0
	for _, o := range pending {
		if o.UserID == req.UserID {
			n++
		}
	}
	if n >= b.cfg.MaxPending {
		return nil, fmt.Errorf("%w: user %s has %d", model.ErrTooManyPendingOrders, req.UserID, n)
	}

	now := b.now()
	o := &model.LimitOrder{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		PlayerID:    req.PlayerID,
		Type:        req.Side,
		Shares:      req.Shares,
		LimitPrice:  req.LimitPrice.Round(model.MoneyScale),
		AccountType: req.AccountType,
		Status:      model.OrderPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(b.cfg.TTL),
	}
	if err := b.store.SaveLimitOrder(ctx, o); err != nil {
		return nil, err
	}
	metrics.LimitOrders.WithLabelValues("placed").Inc()
	b.logger.Info("limit order placed",
		"order_id", o.ID,
		"user", o.UserID,
		"player", o.PlayerID,
		"side", o.Type,
		"limit", o.LimitPrice.String(),
	)
	return o, nil
}

// Cancel cancels one of the user's pending orders.
func (b *Book) Cancel(ctx context.Context, userID, orderID string) (*model.LimitOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, err := b.store.GetLimitOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("%w: limit order %s", model.ErrNotFound, orderID)
	}
	if o.Status != model.OrderPending {
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrValidation, orderID, o.Status)
	}
	b.finish(o, model.OrderCancelled, b.now())
	if err := b.store.SaveLimitOrder(ctx, o); err != nil {
		return nil, err
	}
	metrics.LimitOrders.WithLabelValues("cancelled").Inc()
	return o, nil
}

// List returns the user's orders, oldest first.
func (b *Book) List(ctx context.Context, userID string) ([]model.LimitOrder, error) {
	all, err := b.store.ListLimitOrders(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]model.LimitOrder, 0)
	for _, o := range all {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

// Sweep expires stale orders and executes triggered ones at the current
// price. A failed execution leaves the order pending with LastError set;
// it is retried on the next sweep until it expires.
func (b *Book) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var res SweepResult
	pending, err := b.store.ListLimitOrders(ctx, model.OrderPending)
	if err != nil {
		return res, err
	}

	for i := range pending {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		o := &pending[i]

		if o.Expired(now) {
			b.finish(o, model.OrderCancelled, now)
			if b.save(ctx, o) {
				res.Expired++
				metrics.LimitOrders.WithLabelValues("expired").Inc()
				b.bc.Emit(broadcast.RoomTrades, broadcast.EventLimitOrderExpired, orderEvent(o, o.LimitPrice))
			}
			continue
		}

		price, err := b.prices.GetPrice(o.PlayerID)
		if err != nil {
			b.fail(ctx, o, err)
			res.Failed++
			continue
		}
		if !o.Triggered(price) {
			continue
		}

		t, err := b.exec.Execute(ctx, trade.Request{
			UserID:      o.UserID,
			PlayerID:    o.PlayerID,
			Shares:      o.Shares,
			Side:        o.Type,
			AccountType: o.AccountType,
		})
		if err != nil {
			b.fail(ctx, o, err)
			res.Failed++
			continue
		}

		b.finish(o, model.OrderExecuted, now)
		executed := t.Price
		o.ExecutedPrice = &executed
		o.TradeID = t.ID
		o.LastError = ""
		if b.save(ctx, o) {
			res.Executed++
			metrics.LimitOrders.WithLabelValues("executed").Inc()
			b.logger.Info("limit order executed",
				"order_id", o.ID,
				"user", o.UserID,
				"player", o.PlayerID,
				"price", executed.String(),
			)
			b.bc.Emit(broadcast.RoomTrades, broadcast.EventLimitOrderExecuted, orderEvent(o, executed))
		}
	}

	pruned, err := b.prune(ctx, now)
	res.Pruned = pruned
	return res, err
}

// prune deletes terminal orders closed before the retention window, then
// the oldest terminal orders until at most MaxOrders remain. Pending orders
// are never pruned.
func (b *Book) prune(ctx context.Context, now time.Time) (int, error) {
	all, err := b.store.ListLimitOrders(ctx, "")
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-b.cfg.Retention)
	excess := len(all) - b.cfg.MaxOrders

	var ids []string
	for _, o := range all {
		if !o.Status.Terminal() {
			continue
		}
		stale := o.ClosedAt != nil && o.ClosedAt.Before(cutoff)
		if stale || len(ids) < excess {
			ids = append(ids, o.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := b.store.DeleteLimitOrders(ctx, ids); err != nil {
		return 0, err
	}
	b.logger.Debug("limit orders pruned", "count", len(ids))
	return len(ids), nil
}

func (b *Book) finish(o *model.LimitOrder, status model.OrderStatus, at time.Time) {
	o.Status = status
	o.ClosedAt = &at
}

func (b *Book) fail(ctx context.Context, o *model.LimitOrder, err error) {
	o.LastError = err.Error()
	metrics.LimitOrders.WithLabelValues("failed").Inc()
	b.logger.Warn("limit order execution failed, will retry",
		"order_id", o.ID,
		"user", o.UserID,
		"player", o.PlayerID,
		"err", err,
	)
	b.save(ctx, o)
}

func (b *Book) save(ctx context.Context, o *model.LimitOrder) bool {
	if err := b.store.SaveLimitOrder(ctx, o); err != nil {
		b.logger.Error("save limit order failed", "order_id", o.ID, "err", err)
		return false
	}
	return true
}

func orderEvent(o *model.LimitOrder, price decimal.Decimal) broadcast.LimitOrderEvent {
	return broadcast.LimitOrderEvent{
		OrderID:  o.ID,
		UserID:   o.UserID,
		PlayerID: o.PlayerID,
		Type:     string(o.Type),
		Shares:   o.Shares,
		Price:    price,
	}
}
