package trade

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := &PositionLimiter{MaxPerPlayer: d(1000), MaxPerTeam: d(5000)}

	if err := limiter.CheckLimit("curry", "GSW", d(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerPlayerExceeded(t *testing.T) {
	limiter := &PositionLimiter{MaxPerPlayer: d(1000), MaxPerTeam: d(5000)}

	// Existing position of 950 + new 100 = 1050 > 1000.
	existing := map[string]Exposure{"curry": {Team: "GSW", Value: d(950)}}

	if err := limiter.CheckLimit("curry", "GSW", d(100), existing); err != ErrPlayerLimitExceeded {
		t.Errorf("expected ErrPlayerLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_TeamExceeded(t *testing.T) {
	limiter := &PositionLimiter{MaxPerPlayer: d(1000), MaxPerTeam: d(2000)}

	existing := map[string]Exposure{
		"curry":  {Team: "GSW", Value: d(900)},
		"green":  {Team: "GSW", Value: d(900)},
		"lebron": {Team: "LAL", Value: d(900)},
	}

	// 900 + 900 + 300 = 2100 > 2000; LAL exposure is not correlated.
	if err := limiter.CheckLimit("kuminga", "GSW", d(300), existing); err != ErrTeamLimitExceeded {
		t.Errorf("expected ErrTeamLimitExceeded, got %v", err)
	}
	if err := limiter.CheckLimit("davis", "LAL", d(300), existing); err != nil {
		t.Errorf("other team should be independent, got %v", err)
	}
}

func TestCheckLimit_DisabledAndNil(t *testing.T) {
	existing := map[string]Exposure{"curry": {Team: "GSW", Value: d(1e6)}}

	var nilLimiter *PositionLimiter
	if err := nilLimiter.CheckLimit("curry", "GSW", d(1e6), existing); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
	if err := (&PositionLimiter{}).CheckLimit("curry", "GSW", d(1e6), existing); err != nil {
		t.Errorf("zero limits should allow everything, got %v", err)
	}
}
