// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places kept on every stored amount.
const MoneyScale int32 = 2

// Side is the direction of a trade or limit order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide validates a wire value.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBuy, SideSell:
		return Side(s), nil
	}
	return "", fmt.Errorf("%w: side must be buy or sell, got %q", ErrValidation, s)
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// AccountType selects the holding bucket a trade settles into.
type AccountType string

const (
	AccountSeason AccountType = "season"
	AccountLive   AccountType = "live"
)

// ParseAccountType validates a wire value.
func ParseAccountType(s string) (AccountType, error) {
	switch AccountType(s) {
	case AccountSeason, AccountLive:
		return AccountType(s), nil
	}
	return "", fmt.Errorf("%w: account type must be season or live, got %q", ErrValidation, s)
}

// PricingMode says which path owns a player's price: the volatility random
// walk or the external box-score feed.
type PricingMode string

const (
	PricingSynthetic PricingMode = "synthetic"
	PricingExternal  PricingMode = "external"
)

// PricePoint is one entry in a player's bounded price history.
type PricePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
}

// Player is a tradeable NBA player. Only the price ledger mutates the price
// fields; a data refresh replaces the whole record.
type Player struct {
	ID                    string          `json:"id"`
	Name                  string          `json:"name"`
	Team                  string          `json:"team"`
	Position              string          `json:"position"`
	CurrentPrice          decimal.Decimal `json:"current_price"`
	BasePrice             decimal.Decimal `json:"base_price"` // 24h baseline
	PriceChange24h        decimal.Decimal `json:"price_change_24h"`
	PriceChangePercent24h decimal.Decimal `json:"price_change_percent_24h"`
	PriceHistory          []PricePoint    `json:"price_history"`
	Volatility            float64         `json:"volatility"` // 0..1
	IsPlaying             bool            `json:"is_playing"`
	PricingMode           PricingMode     `json:"pricing_mode"`
	Seq                   uint64          `json:"seq"`
}

// Clone returns a deep copy safe to hand outside a lock.
func (p Player) Clone() Player {
	out := p
	out.PriceHistory = append([]PricePoint(nil), p.PriceHistory...)
	return out
}

// Holding is a position in one player within one account bucket.
type Holding struct {
	PlayerID            string          `json:"player_id"`
	Shares              int64           `json:"shares"`
	AveragePrice        decimal.Decimal `json:"average_price"`
	CurrentPrice        decimal.Decimal `json:"current_price"`
	TotalValue          decimal.Decimal `json:"total_value"`
	UnrealizedPL        decimal.Decimal `json:"unrealized_pl"`
	UnrealizedPLPercent decimal.Decimal `json:"unrealized_pl_percent"`
	PurchaseDate        time.Time       `json:"purchase_date"`
}

// Recompute marks the holding to price.
func (h *Holding) Recompute(price decimal.Decimal) {
	shares := decimal.NewFromInt(h.Shares)
	cost := shares.Mul(h.AveragePrice)

	h.CurrentPrice = price
	h.TotalValue = shares.Mul(price).Round(MoneyScale)
	h.UnrealizedPL = h.TotalValue.Sub(cost).Round(MoneyScale)
	h.UnrealizedPLPercent = decimal.Zero
	if cost.IsPositive() {
		h.UnrealizedPLPercent = h.UnrealizedPL.Div(cost).Mul(decimal.NewFromInt(100)).Round(MoneyScale)
	}
}

// Portfolio is one user's balance plus the season and live holding buckets.
type Portfolio struct {
	UserID           string              `json:"user_id"`
	Season           map[string]*Holding `json:"season"`
	Live             map[string]*Holding `json:"live"`
	AvailableBalance decimal.Decimal     `json:"available_balance"`
	TotalValue       decimal.Decimal     `json:"total_value"`
	TradesRemaining  int                 `json:"trades_remaining"`
	LastUpdated      time.Time           `json:"last_updated"`
}

// NewPortfolio creates an empty portfolio with a starting balance.
func NewPortfolio(userID string, balance decimal.Decimal, liveTrades int, now time.Time) *Portfolio {
	p := &Portfolio{
		UserID:           userID,
		Season:           make(map[string]*Holding),
		Live:             make(map[string]*Holding),
		AvailableBalance: balance.Round(MoneyScale),
		TradesRemaining:  liveTrades,
		LastUpdated:      now,
	}
	p.Recompute()
	return p
}

// Bucket returns the holding map for an account type, allocating it if the
// portfolio was decoded without one.
func (p *Portfolio) Bucket(acct AccountType) map[string]*Holding {
	if acct == AccountLive {
		if p.Live == nil {
			p.Live = make(map[string]*Holding)
		}
		return p.Live
	}
	if p.Season == nil {
		p.Season = make(map[string]*Holding)
	}
	return p.Season
}

// Recompute restores TotalValue = AvailableBalance + Σ holding values.
func (p *Portfolio) Recompute() {
	total := p.AvailableBalance
	for _, h := range p.Season {
		total = total.Add(h.TotalValue)
	}
	for _, h := range p.Live {
		total = total.Add(h.TotalValue)
	}
	p.TotalValue = total.Round(MoneyScale)
}

// Clone returns a deep copy.
func (p *Portfolio) Clone() *Portfolio {
	out := *p
	out.Season = cloneBucket(p.Season)
	out.Live = cloneBucket(p.Live)
	return &out
}

func cloneBucket(in map[string]*Holding) map[string]*Holding {
	out := make(map[string]*Holding, len(in))
	for id, h := range in {
		c := *h
		out[id] = &c
	}
	return out
}

// Trade is an immutable record of an executed order.
type Trade struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	PlayerID    string          `json:"player_id"`
	Type        Side            `json:"type"`
	Shares      int64           `json:"shares"`
	Price       decimal.Decimal `json:"price"`
	Timestamp   time.Time       `json:"timestamp"`
	AccountType AccountType     `json:"account_type"`
	Status      string          `json:"status"` // always "executed"; no partial fills
	TotalAmount decimal.Decimal `json:"total_amount"`
	Multiplier  *float64        `json:"multiplier,omitempty"`
}

// TradeStatusExecuted is the only status a recorded trade carries.
const TradeStatusExecuted = "executed"

// OrderStatus is the lifecycle state of a limit order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderExecuted  OrderStatus = "executed"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderExecuted || s == OrderCancelled
}

// LimitOrder is a pending conditional order swept every price tick.
type LimitOrder struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	PlayerID      string           `json:"player_id"`
	Type          Side             `json:"type"`
	Shares        int64            `json:"shares"`
	LimitPrice    decimal.Decimal  `json:"limit_price"`
	AccountType   AccountType      `json:"account_type"`
	Status        OrderStatus      `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	ExecutedPrice *decimal.Decimal `json:"executed_price,omitempty"`
	TradeID       string           `json:"trade_id,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
}

// Triggered reports whether the order's condition holds at price.
func (o *LimitOrder) Triggered(price decimal.Decimal) bool {
	if o.Type == SideBuy {
		return price.LessThanOrEqual(o.LimitPrice)
	}
	return price.GreaterThanOrEqual(o.LimitPrice)
}

// Expired reports whether the order's TTL has elapsed at now.
func (o *LimitOrder) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// FlashMultiplier is a temporary volatility/impact boost on one player.
type FlashMultiplier struct {
	PlayerID    string        `json:"player_id"`
	Multiplier  float64       `json:"multiplier"`
	StartTime   time.Time     `json:"start_time"`
	Duration    time.Duration `json:"duration"`
	IsActive    bool          `json:"is_active"`
	Description string        `json:"description"`
}

// ExpiresAt is StartTime + Duration.
func (f FlashMultiplier) ExpiresAt() time.Time {
	return f.StartTime.Add(f.Duration)
}
