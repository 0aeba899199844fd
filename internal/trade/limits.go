package trade

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPlayerLimitExceeded is returned when a buy would push one player's
	// position value beyond the per-player maximum.
	ErrPlayerLimitExceeded = errors.New("trade: per-player position limit exceeded")

	// ErrTeamLimitExceeded is returned when a buy would push the aggregate
	// value held across one team's players beyond the team maximum.
	ErrTeamLimitExceeded = errors.New("trade: team exposure limit exceeded")
)

// Exposure is the marked value a user holds in one player, both buckets.
type Exposure struct {
	Team  string
	Value decimal.Decimal
}

// PositionLimiter caps concentration. Players on the same team move
// together on game events, so their values are summed against MaxPerTeam.
// A zero limit disables that check.
type PositionLimiter struct {
	MaxPerPlayer decimal.Decimal
	MaxPerTeam   decimal.Decimal
}

// CheckLimit validates a buy of addValue in playerID (on team) against the
// user's existing exposures keyed by player ID.
func (l *PositionLimiter) CheckLimit(
	playerID, team string,
	addValue decimal.Decimal,
	existing map[string]Exposure,
) error {
	if l == nil {
		return nil
	}

	newPosition := existing[playerID].Value.Add(addValue)
	if l.MaxPerPlayer.IsPositive() && newPosition.GreaterThan(l.MaxPerPlayer) {
		return ErrPlayerLimitExceeded
	}

	if !l.MaxPerTeam.IsPositive() || team == "" {
		return nil
	}
	total := newPosition
	for id, e := range existing {
		if id == playerID {
			continue // counted via newPosition
		}
		if e.Team == team {
			total = total.Add(e.Value)
		}
	}
	if total.GreaterThan(l.MaxPerTeam) {
		return ErrTeamLimitExceeded
	}
	return nil
}
