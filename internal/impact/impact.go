// Package impact computes the immediate price movement a trade causes.
//
// Impact scales linearly with trade size relative to an assumed liquidity
// depth, capped at MaxImpactPercent:
//
//	impact% = sign(side) * min(shares / liquidity * 100, MaxImpactPercent)
//
// The calculator is stateless. Money stays in decimal; only the random draw
// for flash multipliers uses float64.
package impact

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/model"
)

var (
	// ErrInvalidLiquidity is returned when liquidity <= 0.
	ErrInvalidLiquidity = errors.New("impact: liquidity must be positive")

	// DefaultLiquidity is the assumed share depth behind every player.
	DefaultLiquidity = decimal.NewFromInt(10000)

	// DefaultThreshold is the smallest absolute impact worth broadcasting.
	DefaultThreshold = decimal.NewFromFloat(0.01)

	// MaxImpactPercent caps the move a single trade can cause.
	MaxImpactPercent = decimal.NewFromInt(5)

	// HighThreshold and MediumThreshold are the |impact%| tier cut-offs.
	HighThreshold   = decimal.NewFromInt(2)
	MediumThreshold = decimal.NewFromFloat(0.5)

	hundred = decimal.NewFromInt(100)
)

// Level is the qualitative size of a trade's impact.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Flash multipliers from trades are rare and reserved for high impact.
const (
	FlashProbability = 0.1
	FlashMin         = 1.5
	FlashMax         = 2.5
)

// TradeImpact is the result of sizing one trade against liquidity.
type TradeImpact struct {
	PlayerID           string          `json:"player_id"`
	Side               model.Side      `json:"side"`
	Shares             int64           `json:"shares"`
	PriceImpact        decimal.Decimal `json:"price_impact"`
	PriceImpactPercent decimal.Decimal `json:"price_impact_percent"`
	NewPrice           decimal.Decimal `json:"new_price"`
	Level              Level           `json:"impact_level"`
	BroadcastRequired  bool            `json:"broadcast_required"`
}

// Calculator sizes trades against a fixed liquidity depth.
type Calculator struct {
	liquidity decimal.Decimal
	threshold decimal.Decimal
}

// NewCalculator creates a calculator. A zero threshold means
// DefaultThreshold.
func NewCalculator(liquidity, threshold decimal.Decimal) (*Calculator, error) {
	if liquidity.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	if threshold.LessThanOrEqual(decimal.Zero) {
		threshold = DefaultThreshold
	}
	return &Calculator{liquidity: liquidity, threshold: threshold}, nil
}

// Default returns a calculator with DefaultLiquidity and DefaultThreshold.
func Default() *Calculator {
	return &Calculator{liquidity: DefaultLiquidity, threshold: DefaultThreshold}
}

// Liquidity returns the assumed depth.
func (c *Calculator) Liquidity() decimal.Decimal { return c.liquidity }

// CalculateTradeImpact sizes a trade of shares in direction side at
// currentPrice. NewPrice never goes below zero; the ledger applies the
// configured floor on commit.
func (c *Calculator) CalculateTradeImpact(playerID string, side model.Side, shares int64, currentPrice decimal.Decimal) TradeImpact {
	pct := decimal.NewFromInt(shares).Div(c.liquidity).Mul(hundred)
	if pct.GreaterThan(MaxImpactPercent) {
		pct = MaxImpactPercent
	}
	pct = pct.Mul(decimal.NewFromInt(side.Sign()))

	impact := currentPrice.Mul(pct).Div(hundred).Round(model.MoneyScale)
	newPrice := currentPrice.Add(impact)
	if newPrice.IsNegative() {
		newPrice = decimal.Zero
	}

	return TradeImpact{
		PlayerID:           playerID,
		Side:               side,
		Shares:             shares,
		PriceImpact:        impact,
		PriceImpactPercent: pct.Round(4),
		NewPrice:           newPrice,
		Level:              LevelFor(pct),
		BroadcastRequired:  impact.Abs().GreaterThan(c.threshold),
	}
}

// LevelFor tiers an impact percentage by magnitude.
func LevelFor(pct decimal.Decimal) Level {
	abs := pct.Abs()
	switch {
	case abs.GreaterThanOrEqual(HighThreshold):
		return LevelHigh
	case abs.GreaterThanOrEqual(MediumThreshold):
		return LevelMedium
	default:
		return LevelLow
	}
}

// Rand is the random source used for flash-multiplier draws.
type Rand interface {
	Float64() float64
}

// FlashMultiplierFor decides whether a trade at level earns a flash
// multiplier and, if so, its factor in [FlashMin, FlashMax] to one decimal.
func FlashMultiplierFor(level Level, rnd Rand) (float64, bool) {
	if level != LevelHigh || rnd.Float64() >= FlashProbability {
		return 0, false
	}
	m := FlashMin + rnd.Float64()*(FlashMax-FlashMin)
	return math.Round(m*10) / 10, true
}

// Describe renders the feed line for a trade.
func Describe(playerName string, shares int64, side model.Side, level Level) string {
	verb := "bought"
	if side == model.SideSell {
		verb = "sold"
	}
	switch level {
	case LevelHigh:
		return fmt.Sprintf("Whale alert: %d shares of %s %s, moving the market", shares, playerName, verb)
	case LevelMedium:
		return fmt.Sprintf("Big move: %d shares of %s %s", shares, playerName, verb)
	default:
		return fmt.Sprintf("%d shares of %s %s", shares, playerName, verb)
	}
}
