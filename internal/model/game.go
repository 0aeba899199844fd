package model

import "time"

// GameStatus is the coarse state of a simulated game.
type GameStatus string

const (
	GameScheduled  GameStatus = "scheduled"
	GameInProgress GameStatus = "in_progress"
	GameOvertime   GameStatus = "overtime"
	GameFinal      GameStatus = "final"
)

// GameMode says where the score came from.
type GameMode string

const (
	GameSynthetic GameMode = "synthetic"
	GameAnchored  GameMode = "anchored"
)

// ScoringPlay is one entry of an ingested play-by-play feed.
type ScoringPlay struct {
	Sequence  int    `json:"sequence"`
	Text      string `json:"text"`
	HomeScore int    `json:"home_score"`
	AwayScore int    `json:"away_score"`
	Quarter   int    `json:"quarter"`
	Clock     string `json:"clock"`
	PlayerRef string `json:"player_ref,omitempty"`
}

// LiveGame is the derived state of one game at an instant.
type LiveGame struct {
	GameID          string       `json:"game_id"`
	HomeTeam        string       `json:"home_team"`
	AwayTeam        string       `json:"away_team"`
	HomeScore       int          `json:"home_score"`
	AwayScore       int          `json:"away_score"`
	Quarter         int          `json:"quarter"`
	TimeRemaining   string       `json:"time_remaining"` // mm:ss
	Status          GameStatus   `json:"status"`
	IsActive        bool         `json:"is_active"`
	StartTime       time.Time    `json:"start_time"`
	MarketSentiment string       `json:"market_sentiment"`
	TradingVolume   int64        `json:"trading_volume"`
	VolatilityIndex float64      `json:"volatility_index"`
	Mode            GameMode     `json:"mode"`
	LastScore       *ScoringPlay `json:"last_score,omitempty"`
}

// EventKind classifies a described game event.
type EventKind string

const (
	EventThreePointer EventKind = "three_pointer"
	EventDunk         EventKind = "dunk"
	EventSteal        EventKind = "steal"
	EventBlock        EventKind = "block"
	EventAssist       EventKind = "assist"
	EventRebound      EventKind = "rebound"
	EventMiss         EventKind = "miss"
	EventTurnover     EventKind = "turnover"
	EventFoul         EventKind = "foul"
	EventBasket       EventKind = "basket"
)

// GameEvent is a classified play.
type GameEvent struct {
	Kind      EventKind `json:"kind"`
	PlayerRef string    `json:"player_ref"`
	RawText   string    `json:"raw_text"`
}

// PlayerGameStats is one player's box score line from the external feed.
type PlayerGameStats struct {
	PlayerID       string  `json:"player_id"`
	Name           string  `json:"name"`
	Minutes        float64 `json:"minutes"`
	Points         int     `json:"points"`
	Rebounds       int     `json:"rebounds"`
	Assists        int     `json:"assists"`
	Steals         int     `json:"steals"`
	Blocks         int     `json:"blocks"`
	Turnovers      int     `json:"turnovers"`
	FieldGoalsMade int     `json:"fgm"`
	FieldGoalsAtt  int     `json:"fga"`
	ThreesMade     int     `json:"fg3m"`
	ThreesAtt      int     `json:"fg3a"`
	FreeThrowsMade int     `json:"ftm"`
	FreeThrowsAtt  int     `json:"fta"`
}

// GameSummary is one entry from a games-by-date lookup.
type GameSummary struct {
	GameID    string    `json:"game_id"`
	HomeTeam  string    `json:"home_team"`
	AwayTeam  string    `json:"away_team"`
	StartTime time.Time `json:"start_time"`
	Status    string    `json:"status"`
}
