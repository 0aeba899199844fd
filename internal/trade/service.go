// Package trade executes buy and sell orders against ledger prices and user
// portfolios.
//
// Trades for one user are serialized by a sharded lock keyed on the user ID;
// different users only contend when they hash to the same shard. A trade
// works on a copy of the stored portfolio and commits it with one store
// write, so a rejected trade mutates nothing.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/broadcast"
	"github.com/courtside/market-engine/internal/impact"
	"github.com/courtside/market-engine/internal/ledger"
	"github.com/courtside/market-engine/internal/metrics"
	"github.com/courtside/market-engine/internal/model"
	"github.com/courtside/market-engine/internal/store"
)

const numShards = 64

// Prices is the ledger surface trades need.
type Prices interface {
	Get(id string) (model.Player, error)
	Prices() map[string]decimal.Decimal
	ApplyDelta(ctx context.Context, id string, delta decimal.Decimal, volume int64, source string) (ledger.Update, error)
}

// Flash starts flash multipliers and reports the active factor, 1 when
// none is running.
type Flash interface {
	Trigger(playerID string, multiplier float64, duration time.Duration, description string) model.FlashMultiplier
	Factor(playerID string) float64
}

// Config holds trading parameters.
type Config struct {
	StartingBalance decimal.Decimal
	LiveTrades      int
	TradeLogCap     int
	FlashDuration   time.Duration
}

// Request is one order to execute at the current price.
type Request struct {
	UserID      string
	PlayerID    string
	Shares      int64
	Side        model.Side
	AccountType model.AccountType
}

// Validate checks field shapes only; balance and holdings are checked under
// the user's lock.
func (r Request) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("%w: user_id is required", model.ErrValidation)
	}
	if r.PlayerID == "" {
		return fmt.Errorf("%w: player_id is required", model.ErrValidation)
	}
	if r.Shares <= 0 {
		return fmt.Errorf("%w: shares must be a positive integer", model.ErrValidation)
	}
	if _, err := model.ParseSide(string(r.Side)); err != nil {
		return err
	}
	if _, err := model.ParseAccountType(string(r.AccountType)); err != nil {
		return err
	}
	return nil
}

// Service is the trade execution engine.
type Service struct {
	store   store.Store
	prices  Prices
	calc    *impact.Calculator
	bc      broadcast.Broadcaster
	flash   Flash
	limiter *PositionLimiter
	cfg     Config

	marketImpact bool
	shards       [numShards]sync.Mutex

	rndMu sync.Mutex
	rnd   *rand.Rand

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMarketImpact toggles pushing trade impact back into the ledger.
func WithMarketImpact(enabled bool) Option {
	return func(s *Service) { s.marketImpact = enabled }
}

// WithFlash lets high-impact trades start flash multipliers.
func WithFlash(f Flash) Option {
	return func(s *Service) { s.flash = f }
}

// WithLimiter enables position limits.
func WithLimiter(l *PositionLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithRand sets the random source used for flash draws.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) { s.rnd = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a trade service. A nil broadcaster discards events.
func NewService(st store.Store, prices Prices, calc *impact.Calculator, bc broadcast.Broadcaster, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if calc == nil {
		calc = impact.Default()
	}
	if bc == nil {
		bc = broadcast.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TradeLogCap <= 0 {
		cfg.TradeLogCap = 1000
	}
	if cfg.FlashDuration <= 0 {
		cfg.FlashDuration = 30 * time.Second
	}
	s := &Service{
		store:        st,
		prices:       prices,
		calc:         calc,
		bc:           bc,
		cfg:          cfg,
		marketImpact: true,
		rnd:          rand.New(rand.NewSource(time.Now().UnixNano())),
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) lockUser(userID string) func() {
	h := fnv.New32a()
	h.Write([]byte(userID))
	mu := &s.shards[h.Sum32()%numShards]
	mu.Lock()
	return mu.Unlock
}

// CreatePortfolio onboards a user with the starting balance and live-trade
// allowance.
func (s *Service) CreatePortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", model.ErrValidation)
	}
	unlock := s.lockUser(userID)
	defer unlock()

	p := model.NewPortfolio(userID, s.cfg.StartingBalance, s.cfg.LiveTrades, s.now())
	if err := s.store.CreatePortfolio(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("portfolio created", "user", userID, "balance", p.AvailableBalance.String())
	return p, nil
}

// Portfolio returns the user's portfolio marked to current prices.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	p, err := s.store.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	revalue(p, s.prices.Prices())
	return p, nil
}

// Revalue marks every portfolio to current prices and persists the result.
// It returns the number of portfolios updated.
func (s *Service) Revalue(ctx context.Context) (int, error) {
	users, err := s.store.ListPortfolioUsers(ctx)
	if err != nil {
		return 0, err
	}
	prices := s.prices.Prices()
	n := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if err := s.revalueUser(ctx, userID, prices); err != nil {
			s.logger.Warn("revalue failed", "user", userID, "err", err)
			continue
		}
		n++
	}
	return n, nil
}

func (s *Service) revalueUser(ctx context.Context, userID string, prices map[string]decimal.Decimal) error {
	unlock := s.lockUser(userID)
	defer unlock()

	p, err := s.store.GetPortfolio(ctx, userID)
	if err != nil {
		return err
	}
	revalue(p, prices)
	return s.store.SavePortfolio(ctx, p)
}

// ResetLiveTrades restores the user's live-trade allowance.
func (s *Service) ResetLiveTrades(ctx context.Context, userID string) (*model.Portfolio, error) {
	unlock := s.lockUser(userID)
	defer unlock()

	p, err := s.store.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.TradesRemaining = s.cfg.LiveTrades
	p.LastUpdated = s.now()
	if err := s.store.SavePortfolio(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// History returns a user's trades, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.store.ListTrades(ctx, userID, limit)
}

// RecentTrades returns the newest trades across all users.
func (s *Service) RecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	return s.store.RecentTrades(ctx, limit)
}

// Execute runs one trade at the player's current price. Preconditions are
// checked in order: portfolio and player exist, live allowance, funds or
// shares, position limits. Any failure leaves all state untouched.
func (s *Service) Execute(ctx context.Context, req Request) (*model.Trade, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		metrics.TradeRejections.WithLabelValues("validation").Inc()
		return nil, err
	}

	unlock := s.lockUser(req.UserID)
	defer unlock()

	t, ti, err := s.execute(ctx, req)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(req.Side), string(req.AccountType)).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())

	s.logger.Info("trade executed",
		"trade_id", t.ID,
		"user", t.UserID,
		"player", t.PlayerID,
		"side", t.Type,
		"shares", t.Shares,
		"price", t.Price.String(),
		"account", t.AccountType,
		"impact", ti.PriceImpact.String(),
	)

	if s.marketImpact && ti.BroadcastRequired {
		s.applyImpact(ctx, t, ti)
	}
	return t, nil
}

func (s *Service) execute(ctx context.Context, req Request) (*model.Trade, impact.TradeImpact, error) {
	var ti impact.TradeImpact

	p, err := s.store.GetPortfolio(ctx, req.UserID)
	if err != nil {
		return nil, ti, err
	}
	player, err := s.prices.Get(req.PlayerID)
	if err != nil {
		return nil, ti, err
	}
	if req.AccountType == model.AccountLive && p.TradesRemaining <= 0 {
		return nil, ti, fmt.Errorf("%w: user %s", model.ErrNoTradesRemaining, req.UserID)
	}

	price := player.CurrentPrice
	now := s.now()
	shares := decimal.NewFromInt(req.Shares)
	total := shares.Mul(price).Round(model.MoneyScale)
	bucket := p.Bucket(req.AccountType)

	switch req.Side {
	case model.SideBuy:
		if p.AvailableBalance.LessThan(total) {
			return nil, ti, fmt.Errorf("%w: need %s, have %s", model.ErrInsufficientFunds, total, p.AvailableBalance)
		}
		if err := s.limiter.CheckLimit(player.ID, player.Team, total, s.exposures(p)); err != nil {
			return nil, ti, err
		}

		h, ok := bucket[req.PlayerID]
		if !ok {
			h = &model.Holding{PlayerID: req.PlayerID, PurchaseDate: now}
			bucket[req.PlayerID] = h
		}
		// Shares-weighted running average.
		oldShares := decimal.NewFromInt(h.Shares)
		newShares := h.Shares + req.Shares
		h.AveragePrice = oldShares.Mul(h.AveragePrice).Add(total).
			Div(decimal.NewFromInt(newShares)).Round(model.MoneyScale)
		h.Shares = newShares
		p.AvailableBalance = p.AvailableBalance.Sub(total)

	case model.SideSell:
		h, ok := bucket[req.PlayerID]
		if !ok || h.Shares < req.Shares {
			held := int64(0)
			if ok {
				held = h.Shares
			}
			return nil, ti, fmt.Errorf("%w: hold %d, selling %d", model.ErrInsufficientShares, held, req.Shares)
		}
		h.Shares -= req.Shares
		if h.Shares == 0 {
			delete(bucket, req.PlayerID)
		}
		p.AvailableBalance = p.AvailableBalance.Add(total)
	}

	if req.AccountType == model.AccountLive && p.TradesRemaining > 0 {
		p.TradesRemaining--
	}
	prices := s.prices.Prices()
	prices[req.PlayerID] = price
	revalue(p, prices)
	p.LastUpdated = now

	if s.marketImpact {
		ti = s.calc.CalculateTradeImpact(req.PlayerID, req.Side, req.Shares, price)
	}

	t := &model.Trade{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		PlayerID:    req.PlayerID,
		Type:        req.Side,
		Shares:      req.Shares,
		Price:       price,
		Timestamp:   now,
		AccountType: req.AccountType,
		Status:      model.TradeStatusExecuted,
		TotalAmount: total,
	}
	if s.marketImpact && ti.BroadcastRequired && s.flash != nil {
		s.rndMu.Lock()
		m, ok := impact.FlashMultiplierFor(ti.Level, s.rnd)
		s.rndMu.Unlock()
		if ok {
			t.Multiplier = &m
		}
	}

	if err := s.store.SavePortfolio(ctx, p); err != nil {
		return nil, ti, fmt.Errorf("trade: save portfolio: %w", err)
	}
	if err := s.store.AppendTrade(ctx, t, s.cfg.TradeLogCap); err != nil {
		s.logger.Error("trade: append to log failed", "trade_id", t.ID, "err", err)
	}
	return t, ti, nil
}

// applyImpact pushes a significant trade's price impact into the ledger and
// announces it. An active flash multiplier scales the impact.
func (s *Service) applyImpact(ctx context.Context, t *model.Trade, ti impact.TradeImpact) {
	delta := ti.PriceImpact
	if s.flash != nil {
		if f := s.flash.Factor(t.PlayerID); f != 1 {
			delta = delta.Mul(decimal.NewFromFloat(f)).Round(model.MoneyScale)
		}
	}
	u, err := s.prices.ApplyDelta(ctx, t.PlayerID, delta, t.Shares, "impact")
	if err != nil {
		s.logger.Warn("trade: apply market impact failed", "player", t.PlayerID, "err", err)
		return
	}

	name := t.PlayerID
	if p, err := s.prices.Get(t.PlayerID); err == nil && p.Name != "" {
		name = p.Name
	}
	desc := impact.Describe(name, t.Shares, t.Type, ti.Level)
	feed := broadcast.TradeFeed{
		TradeID:            t.ID,
		UserID:             t.UserID,
		PlayerID:           t.PlayerID,
		Type:               string(t.Type),
		Shares:             t.Shares,
		Price:              t.Price,
		PriceImpact:        u.Delta,
		PriceImpactPercent: u.DeltaPercent,
		NewPrice:           u.NewPrice,
		ImpactLevel:        string(ti.Level),
		Description:        desc,
	}
	s.bc.Emit(broadcast.RoomTrades, broadcast.EventTradeFeed, feed)
	s.bc.Emit(broadcast.RoomMarket, broadcast.EventMarketImpact, feed)

	if t.Multiplier != nil && s.flash != nil {
		s.flash.Trigger(t.PlayerID, *t.Multiplier, s.cfg.FlashDuration, desc)
	}
}

// exposures sums a portfolio's marked value per player across buckets.
func (s *Service) exposures(p *model.Portfolio) map[string]Exposure {
	if s.limiter == nil {
		return nil
	}
	out := make(map[string]Exposure)
	add := func(bucket map[string]*model.Holding) {
		for id, h := range bucket {
			e := out[id]
			if e.Team == "" {
				if pl, err := s.prices.Get(id); err == nil {
					e.Team = pl.Team
				}
			}
			e.Value = e.Value.Add(h.TotalValue)
			out[id] = e
		}
	}
	add(p.Season)
	add(p.Live)
	return out
}

// revalue marks every holding to prices and recomputes the portfolio total.
// Holdings for players missing from prices keep their last mark.
func revalue(p *model.Portfolio, prices map[string]decimal.Decimal) {
	for _, bucket := range []map[string]*model.Holding{p.Season, p.Live} {
		for id, h := range bucket {
			price, ok := prices[id]
			if !ok {
				price = h.CurrentPrice
			}
			h.Recompute(price)
		}
	}
	p.Recompute()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return "not_found"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, model.ErrNoTradesRemaining):
		return "no_trades_remaining"
	case errors.Is(err, ErrPlayerLimitExceeded), errors.Is(err, ErrTeamLimitExceeded):
		return "position_limit"
	default:
		return "error"
	}
}
