// Package seed provides the default roster and game used when the store is
// empty.
package seed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/gameclock"
	"github.com/courtside/market-engine/internal/model"
	"github.com/courtside/market-engine/internal/store"
)

type entry struct {
	id, name, team, pos string
	price              float64
	volatility         float64
	playing            bool
}

var roster = []entry{
	{"lebron-james", "LeBron James", "LAL", "SF", 185.50, 0.15, true},
	{"anthony-davis", "Anthony Davis", "LAL", "PF", 142.25, 0.18, true},
	{"austin-reaves", "Austin Reaves", "LAL", "SG", 64.80, 0.22, true},
	{"stephen-curry", "Stephen Curry", "GSW", "PG", 178.75, 0.16, true},
	{"draymond-green", "Draymond Green", "GSW", "PF", 58.40, 0.20, true},
	{"jonathan-kuminga", "Jonathan Kuminga", "GSW", "SF", 47.90, 0.25, true},
	{"nikola-jokic", "Nikola Jokic", "DEN", "C", 210.00, 0.12, false},
	{"jayson-tatum", "Jayson Tatum", "BOS", "SF", 168.30, 0.17, false},
	{"giannis-antetokounmpo", "Giannis Antetokounmpo", "MIL", "PF", 198.60, 0.14, false},
	{"luka-doncic", "Luka Doncic", "DAL", "PG", 192.40, 0.19, false},
	{"shai-gilgeous-alexander", "Shai Gilgeous-Alexander", "OKC", "PG", 174.10, 0.16, false},
	{"victor-wembanyama", "Victor Wembanyama", "SAS", "C", 156.90, 0.28, false},
}

// Players returns the default roster in synthetic pricing mode.
func Players() []model.Player {
	out := make([]model.Player, 0, len(roster))
	for _, e := range roster {
		price := decimal.NewFromFloat(e.price).Round(model.MoneyScale)
		out = append(out, model.Player{
			ID:           e.id,
			Name:         e.name,
			Team:         e.team,
			Position:     e.pos,
			CurrentPrice: price,
			BasePrice:    price,
			Volatility:   e.volatility,
			IsPlaying:    e.playing,
			PricingMode:  model.PricingSynthetic,
		})
	}
	return out
}

// Game is the default matchup between the two teams on court, tipping off
// at start.
func Game(start time.Time) gameclock.Game {
	return gameclock.Game{
		ID:        "lal-gsw-" + start.UTC().Format("20060102"),
		HomeTeam:  "LAL",
		AwayTeam:  "GSW",
		StartTime: start,
	}
}

// EnsurePlayers writes the default roster when the store has no players.
// It reports whether it seeded.
func EnsurePlayers(ctx context.Context, st store.Store) (bool, error) {
	existing, err := st.ListPlayers(ctx)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	if err := st.ReplacePlayers(ctx, Players()); err != nil {
		return false, err
	}
	return true, nil
}
