package impact

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestNewCalculator_InvalidLiquidity(t *testing.T) {
	for _, liq := range []float64{0, -10} {
		if _, err := NewCalculator(d(liq), d(0.01)); err != ErrInvalidLiquidity {
			t.Errorf("liquidity %v: expected ErrInvalidLiquidity, got %v", liq, err)
		}
	}
}

func TestCalculateTradeImpact_Tiers(t *testing.T) {
	c := Default()
	tests := []struct {
		name      string
		side      model.Side
		shares    int64
		price     float64
		impact    float64
		level     Level
		broadcast bool
	}{
		{"tiny buy", model.SideBuy, 1, 20, 0, LevelLow, false},
		{"small buy", model.SideBuy, 10, 100, 0.10, LevelLow, true},
		{"medium buy", model.SideBuy, 100, 100, 1.00, LevelMedium, true},
		{"high sell", model.SideSell, 200, 100, -2.00, LevelHigh, true},
		{"capped buy", model.SideBuy, 5000, 100, 5.00, LevelHigh, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.CalculateTradeImpact("p", tt.side, tt.shares, d(tt.price))
			if !got.PriceImpact.Equal(d(tt.impact)) {
				t.Errorf("impact = %s, want %v", got.PriceImpact, tt.impact)
			}
			if got.Level != tt.level {
				t.Errorf("level = %s, want %s", got.Level, tt.level)
			}
			if got.BroadcastRequired != tt.broadcast {
				t.Errorf("broadcast = %v, want %v", got.BroadcastRequired, tt.broadcast)
			}
			if !got.NewPrice.Equal(d(tt.price).Add(got.PriceImpact)) {
				t.Errorf("new price = %s, want price+impact", got.NewPrice)
			}
		})
	}
}

func TestCalculateTradeImpact_SignMatchesSide(t *testing.T) {
	c := Default()
	buy := c.CalculateTradeImpact("p", model.SideBuy, 50, d(80))
	sell := c.CalculateTradeImpact("p", model.SideSell, 50, d(80))
	if !buy.PriceImpact.IsPositive() || !sell.PriceImpact.IsNegative() {
		t.Errorf("buy=%s sell=%s; want +/-", buy.PriceImpact, sell.PriceImpact)
	}
	if !buy.PriceImpact.Equal(sell.PriceImpact.Neg()) {
		t.Errorf("impacts not symmetric: %s vs %s", buy.PriceImpact, sell.PriceImpact)
	}
}

func TestFlashMultiplierFor(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		if _, ok := FlashMultiplierFor(LevelMedium, rnd); ok {
			t.Fatal("medium impact must never earn a flash multiplier")
		}
	}

	hits := 0
	for i := 0; i < 5000; i++ {
		m, ok := FlashMultiplierFor(LevelHigh, rnd)
		if !ok {
			continue
		}
		hits++
		if m < FlashMin || m > FlashMax {
			t.Fatalf("multiplier %v outside [%v, %v]", m, FlashMin, FlashMax)
		}
	}
	// Expect ~500; anything in a wide band is fine.
	if hits < 300 || hits > 700 {
		t.Errorf("high-impact flash rate %d/5000 far from 10%%", hits)
	}
}

func TestDescribe(t *testing.T) {
	got := Describe("Stephen Curry", 250, model.SideBuy, LevelHigh)
	if !strings.Contains(got, "Stephen Curry") || !strings.Contains(got, "250") || !strings.Contains(got, "Whale") {
		t.Errorf("unexpected description %q", got)
	}
	if got := Describe("Luka", 3, model.SideSell, LevelLow); !strings.Contains(got, "sold") {
		t.Errorf("sell description %q missing verb", got)
	}
}
