package engine

import "github.com/courtside/market-engine/internal/model"

// Box-score weights for PerformanceImpact.
const (
	WeightPoints    = 1.0
	WeightRebounds  = 1.2
	WeightAssists   = 1.5
	WeightSteals    = 2.0
	WeightBlocks    = 2.0
	TurnoverPenalty = 2.0

	// EfficiencyScale converts a shooting percentage above or below the
	// league average, as a fraction, into impact points.
	EfficiencyScale = 10.0
)

// League-average shooting percentages.
const (
	LeagueFGPct    = 0.47
	LeagueThreePct = 0.36
	LeagueFTPct    = 0.78
)

// Impact bounds in percent of BasePrice.
const (
	MinPerformanceImpact = -50.0
	MaxPerformanceImpact = 100.0
)

// PerformanceImpact scores a box-score line as a percentage move from the
// player's base price. Efficiency terms only count when the player attempted
// that shot type.
func PerformanceImpact(s model.PlayerGameStats) float64 {
	impact := float64(s.Points)*WeightPoints +
		float64(s.Rebounds)*WeightRebounds +
		float64(s.Assists)*WeightAssists +
		float64(s.Steals)*WeightSteals +
		float64(s.Blocks)*WeightBlocks -
		float64(s.Turnovers)*TurnoverPenalty

	impact += efficiency(s.FieldGoalsMade, s.FieldGoalsAtt, LeagueFGPct)
	impact += efficiency(s.ThreesMade, s.ThreesAtt, LeagueThreePct)
	impact += efficiency(s.FreeThrowsMade, s.FreeThrowsAtt, LeagueFTPct)

	switch {
	case impact < MinPerformanceImpact:
		return MinPerformanceImpact
	case impact > MaxPerformanceImpact:
		return MaxPerformanceImpact
	}
	return impact
}

func efficiency(made, attempted int, average float64) float64 {
	if attempted <= 0 {
		return 0
	}
	return (float64(made)/float64(attempted) - average) * EfficiencyScale
}
