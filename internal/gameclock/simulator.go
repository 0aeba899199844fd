// Package gameclock derives live game state from elapsed wall-clock time.
//
// State is a pure function of (game, anchor plays, t): calling StateAt twice
// with the same inputs yields identical output, so readers never observe a
// half-applied update. Scores come either from an ingested play-by-play
// sequence replayed against elapsed time (anchored) or from a deterministic
// monotonic progression seeded by the game ID (synthetic).
package gameclock

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/courtside/market-engine/internal/model"
)

const (
	QuarterLength  = 12 * time.Minute
	OvertimeLength = 5 * time.Minute
	Quarters       = 4
	Regulation     = Quarters * QuarterLength

	// maxOvertimes ends a synthetic game that keeps tying.
	maxOvertimes = 6
)

// Game is the static description of a scheduled game.
type Game struct {
	ID        string    `json:"id"`
	HomeTeam  string    `json:"home_team"`
	AwayTeam  string    `json:"away_team"`
	StartTime time.Time `json:"start_time"`
}

// Simulator owns one game and its optional anchor data.
type Simulator struct {
	mu     sync.RWMutex
	game   Game
	anchor []model.ScoringPlay
}

// New creates a synthetic-mode simulator for g.
func New(g Game) *Simulator {
	return &Simulator{game: g}
}

// Game returns the simulated game.
func (s *Simulator) Game() Game {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.game
}

// Reset swaps the game and drops any anchor data.
func (s *Simulator) Reset(g Game) {
	s.mu.Lock()
	s.game = g
	s.anchor = nil
	s.mu.Unlock()
}

// Anchor replays plays against elapsed time from now on. Plays are kept in
// the order given.
func (s *Simulator) Anchor(plays []model.ScoringPlay) {
	cp := append([]model.ScoringPlay(nil), plays...)
	s.mu.Lock()
	s.anchor = cp
	s.mu.Unlock()
}

// ClearAnchor returns to synthetic scoring.
func (s *Simulator) ClearAnchor() {
	s.mu.Lock()
	s.anchor = nil
	s.mu.Unlock()
}

// Anchored reports whether play-by-play data is driving the score.
func (s *Simulator) Anchored() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.anchor) > 0
}

// Plays returns a copy of the anchor data.
func (s *Simulator) Plays() []model.ScoringPlay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.ScoringPlay(nil), s.anchor...)
}

// StateAt computes the game state at t.
func (s *Simulator) StateAt(t time.Time) model.LiveGame {
	s.mu.RLock()
	g, plays := s.game, s.anchor
	s.mu.RUnlock()
	return Compute(g, plays, t)
}

// PlayIndexAt maps elapsed time to a position in an anchor sequence of
// length n: floor(progress * n), clamped to [0, n-1]. It returns -1 for an
// empty sequence.
func PlayIndexAt(elapsed time.Duration, n int) int {
	if n == 0 {
		return -1
	}
	if elapsed <= 0 {
		return 0
	}
	progress := float64(elapsed) / float64(Regulation)
	idx := int(progress * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Compute is the pure state function behind StateAt.
func Compute(g Game, plays []model.ScoringPlay, t time.Time) model.LiveGame {
	lg := model.LiveGame{
		GameID:        g.ID,
		HomeTeam:      g.HomeTeam,
		AwayTeam:      g.AwayTeam,
		StartTime:     g.StartTime,
		Quarter:       1,
		TimeRemaining: formatClock(QuarterLength),
		Status:        model.GameScheduled,
		Mode:          model.GameSynthetic,
	}
	if len(plays) > 0 {
		lg.Mode = model.GameAnchored
	}

	elapsed := t.Sub(g.StartTime)
	if elapsed < 0 {
		applySentiment(&lg, 0)
		return lg
	}
	lg.IsActive = true

	if lg.Mode == model.GameAnchored {
		computeAnchored(&lg, plays, elapsed)
	} else {
		computeSynthetic(&lg, g.ID, elapsed)
	}
	applySentiment(&lg, elapsed)
	return lg
}

func computeAnchored(lg *model.LiveGame, plays []model.ScoringPlay, elapsed time.Duration) {
	idx := PlayIndexAt(elapsed, len(plays))
	last := plays[idx]
	lg.HomeScore, lg.AwayScore = last.HomeScore, last.AwayScore
	lg.LastScore = &last

	if elapsed >= Regulation {
		lg.Status = model.GameFinal
		lg.IsActive = false
		lg.Quarter = Quarters
		lg.TimeRemaining = formatClock(0)
		return
	}
	lg.Status = model.GameInProgress
	lg.Quarter, lg.TimeRemaining = regulationClock(elapsed)
}

func computeSynthetic(lg *model.LiveGame, gameID string, elapsed time.Duration) {
	if elapsed < Regulation {
		lg.Status = model.GameInProgress
		lg.Quarter, lg.TimeRemaining = regulationClock(elapsed)
		lg.HomeScore, lg.AwayScore = syntheticScores(gameID, elapsed)
		return
	}

	// Regulation over: final unless tied, then 5-minute overtime periods
	// until a period ends untied.
	end := Regulation
	for ot := 0; ; ot++ {
		h, a := syntheticScores(gameID, end)
		if h != a || ot == maxOvertimes {
			if elapsed >= end {
				lg.Status = model.GameFinal
				lg.IsActive = false
				lg.Quarter = Quarters + ot
				lg.TimeRemaining = formatClock(0)
				lg.HomeScore, lg.AwayScore = h, a
				return
			}
		}
		next := end + OvertimeLength
		if elapsed < next {
			into := elapsed - end
			lg.Status = model.GameOvertime
			lg.Quarter = Quarters + ot + 1
			lg.TimeRemaining = formatClock(OvertimeLength - into)
			lg.HomeScore, lg.AwayScore = syntheticScores(gameID, elapsed)
			return
		}
		end = next
	}
}

// regulationClock returns quarter = min(4, floor(elapsed/12m)+1) and the
// time left in it.
func regulationClock(elapsed time.Duration) (int, string) {
	q := int(elapsed/QuarterLength) + 1
	if q > Quarters {
		return Quarters, formatClock(0)
	}
	into := elapsed % QuarterLength
	return q, formatClock(QuarterLength - into)
}

func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// SyntheticScore is the synthetic score of one side after elapsed game time.
// Each game minute adds 1-4 points drawn from a hash of (game, side,
// minute); partial minutes add a proportional share, so the score never
// decreases as elapsed grows.
func SyntheticScore(gameID, side string, elapsed time.Duration) int {
	if elapsed <= 0 {
		return 0
	}
	full := int(elapsed / time.Minute)
	score := 0
	for m := 0; m < full; m++ {
		score += minutePoints(gameID, side, m)
	}
	frac := float64(elapsed%time.Minute) / float64(time.Minute)
	score += int(frac * float64(minutePoints(gameID, side, full)))
	return score
}

func syntheticScores(gameID string, elapsed time.Duration) (int, int) {
	return SyntheticScore(gameID, "home", elapsed), SyntheticScore(gameID, "away", elapsed)
}

func minutePoints(gameID, side string, minute int) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s/%s/%d", gameID, side, minute)
	return int(h.Sum32()%4) + 1
}

// Sentiment derives the market mood from a game state. It is exported for
// callers that build states outside the simulator.
func Sentiment(lg model.LiveGame, elapsed time.Duration) (string, int64, float64) {
	if !lg.IsActive && lg.Status == model.GameScheduled {
		return "neutral", 0, 0.2
	}

	total := lg.HomeScore + lg.AwayScore
	margin := lg.HomeScore - lg.AwayScore
	if margin < 0 {
		margin = -margin
	}

	sentiment := "neutral"
	if mins := elapsed.Minutes(); mins >= 1 {
		pace := float64(total) / mins
		switch {
		case pace > 5.0:
			sentiment = "bullish"
		case pace < 3.5:
			sentiment = "bearish"
		}
	}

	volume := int64(1000 + total*50 + lg.Quarter*500)

	vol := 0.3 + 0.1*float64(lg.Quarter)
	if margin <= 5 {
		vol += 0.3
	}
	if lg.Status == model.GameFinal {
		vol = 0.2
	}
	if vol > 1 {
		vol = 1
	}
	return sentiment, volume, vol
}

func applySentiment(lg *model.LiveGame, elapsed time.Duration) {
	lg.MarketSentiment, lg.TradingVolume, lg.VolatilityIndex = Sentiment(*lg, elapsed)
}
