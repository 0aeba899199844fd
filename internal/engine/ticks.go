package engine

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/broadcast"
	"github.com/courtside/market-engine/internal/events"
	"github.com/courtside/market-engine/internal/gameclock"
	"github.com/courtside/market-engine/internal/metrics"
	"github.com/courtside/market-engine/internal/model"
)

// Price update sources.
const (
	SourceRandomWalk  = "random_walk"
	SourceIdle        = "idle"
	SourcePerformance = "performance"
	SourceEvent       = "event"
)

// EventFlashProbability is the chance a high-multiplier play (three, dunk,
// steal, block) starts a flash multiplier on its player.
const EventFlashProbability = 0.15

// eventFlashMin is the smallest class multiplier that can flash.
const eventFlashMin = 1.8

// MaxTickMove bounds one random-walk step, as a fraction of the price,
// after volatility and flash amplification.
const MaxTickMove = 0.9

// PriceTick moves every player's price once, then sweeps limit orders and
// marks portfolios to the new prices.
func (e *Engine) PriceTick(ctx context.Context) {
	defer metrics.ObserveTick(TaskPrices, time.Now())

	now := e.now()
	stats := e.statsSnapshot(now)
	for _, p := range e.ledger.ListAll() {
		if ctx.Err() != nil {
			return
		}
		if p.PricingMode == model.PricingExternal {
			if st, ok := lookupStats(stats, p); ok {
				e.applyPerformance(ctx, p, st)
				continue
			}
		}
		e.walk(ctx, p)
	}

	if e.book != nil {
		res, err := e.book.Sweep(ctx, now)
		if err != nil {
			e.logger.Warn("limit order sweep failed", "err", err)
		} else if res.Executed+res.Expired+res.Failed > 0 {
			e.logger.Debug("limit orders swept",
				"executed", res.Executed,
				"expired", res.Expired,
				"failed", res.Failed,
				"pruned", res.Pruned,
			)
		}
	}
	if e.trades != nil {
		if _, err := e.trades.Revalue(ctx); err != nil {
			e.logger.Warn("portfolio revalue failed", "err", err)
		}
	}
}

// walk applies one volatility random-walk step to p:
// pct = uniform(-vol, +vol) * flash factor.
func (e *Engine) walk(ctx context.Context, p model.Player) {
	vol := p.Volatility
	source := SourceRandomWalk
	if !p.IsPlaying {
		if e.rnd.Float64() >= e.cfg.IdleDriftProbability {
			return
		}
		vol *= e.cfg.IdleVolatilityScale
		source = SourceIdle
	}

	pct := (e.rnd.Float64()*2 - 1) * vol * e.flash.Factor(p.ID)
	if p.PricingMode == model.PricingExternal {
		pct *= e.cfg.ExternalDamping
	}
	pct = math.Max(-MaxTickMove, math.Min(MaxTickMove, pct))
	factor := decimal.NewFromFloat(1 + pct)

	_, err := e.ledger.Apply(ctx, p.ID, func(cur model.Player) decimal.Decimal {
		return cur.CurrentPrice.Mul(factor)
	}, 0, source)
	if err != nil {
		e.logger.Warn("price walk failed", "player", p.ID, "err", err)
	}
}

// applyPerformance reprices p from its box score relative to BasePrice.
// Nothing is committed while the target equals the current price.
func (e *Engine) applyPerformance(ctx context.Context, p model.Player, st model.PlayerGameStats) {
	impact := decimal.NewFromFloat(PerformanceImpact(st))
	target := p.BasePrice.Mul(decimal.NewFromInt(1).Add(impact.Div(decimal.NewFromInt(100)))).
		Round(model.MoneyScale)
	if floor := e.ledger.Floor(); target.LessThan(floor) {
		target = floor
	}
	if target.Equal(p.CurrentPrice) {
		return
	}
	if _, err := e.ledger.SetPrice(ctx, p.ID, target, 0, SourcePerformance); err != nil {
		e.logger.Warn("performance reprice failed", "player", p.ID, "err", err)
	}
}

// ScoreTick refreshes external game data when configured and broadcasts
// the score whenever it changes.
func (e *Engine) ScoreTick(ctx context.Context) {
	defer metrics.ObserveTick(TaskScores, time.Now())

	if id := e.GameID(); id != "" {
		e.refreshExternal(ctx, id)
	}

	lg := e.game.StateAt(e.now())

	e.mu.Lock()
	changed := e.lastScore == nil ||
		e.lastScore.HomeScore != lg.HomeScore ||
		e.lastScore.AwayScore != lg.AwayScore ||
		e.lastScore.Quarter != lg.Quarter ||
		e.lastScore.Status != lg.Status
	if changed {
		snapshot := lg
		e.lastScore = &snapshot
	}
	e.mu.Unlock()

	if !changed {
		return
	}
	payload := broadcast.GameScore{
		GameID:        lg.GameID,
		HomeScore:     lg.HomeScore,
		AwayScore:     lg.AwayScore,
		Quarter:       lg.Quarter,
		TimeRemaining: lg.TimeRemaining,
		Status:        string(lg.Status),
	}
	if lg.LastScore != nil {
		payload.LastScore = lg.LastScore.Text
	}
	e.bc.Emit(broadcast.RoomGame, broadcast.EventGameScore, payload)
}

// refreshExternal pulls play-by-play and box scores under FetchTimeout. A
// failed play-by-play call keeps the previous anchor; with none, the game
// stays synthetic. A failed box-score call drops the snapshot so
// external-mode players fall back to the damped random walk.
func (e *Engine) refreshExternal(ctx context.Context, gameID string) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	plays, err := e.sports.PlayByPlay(ctx, gameID)
	switch {
	case err != nil:
		metrics.UpstreamFallbacks.WithLabelValues("play_by_play").Inc()
		e.logger.Warn("play-by-play unavailable, using synthetic scoring",
			"game", gameID, "anchored", e.game.Anchored(), "err", err)
	case len(plays) > 0:
		e.game.Anchor(plays)
	}

	lines, err := e.sports.PlayerGameStats(ctx, gameID)
	if err != nil {
		metrics.UpstreamFallbacks.WithLabelValues("player_stats").Inc()
		e.logger.Warn("box score unavailable, external players back on the random walk",
			"game", gameID, "err", err)
		e.mu.Lock()
		e.stats = nil
		e.mu.Unlock()
		return
	}
	stats := make(map[string]model.PlayerGameStats, 2*len(lines))
	for _, st := range lines {
		if st.PlayerID != "" {
			stats[st.PlayerID] = st
		}
		if st.Name != "" {
			stats[nameKey(st.Name)] = st
		}
	}
	e.mu.Lock()
	e.stats = stats
	e.statsAt = e.now()
	e.mu.Unlock()

	if len(stats) > 0 {
		e.syncRoster(ctx, stats)
	}
}

// syncRoster hands players with a box-score line to the performance path
// and marks who has logged minutes as on court.
func (e *Engine) syncRoster(ctx context.Context, stats map[string]model.PlayerGameStats) {
	for _, p := range e.ledger.ListAll() {
		st, ok := lookupStats(stats, p)
		if ok && p.PricingMode != model.PricingExternal {
			if err := e.ledger.SetPricingMode(ctx, p.ID, model.PricingExternal); err != nil {
				e.logger.Warn("pricing mode switch failed", "player", p.ID, "err", err)
			}
		}
		playing := ok && st.Minutes > 0
		if playing != p.IsPlaying {
			if err := e.ledger.SetPlaying(ctx, p.ID, playing); err != nil {
				e.logger.Warn("playing flag update failed", "player", p.ID, "err", err)
			}
		}
	}
}

// statsSnapshot returns the box score, dropping it once it is older than
// StatsMaxAge so missed score ticks cannot pin prices either.
func (e *Engine) statsSnapshot(now time.Time) map[string]model.PlayerGameStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stats != nil && now.Sub(e.statsAt) > e.cfg.StatsMaxAge {
		e.logger.Warn("box score stale, external players back on the random walk",
			"age", now.Sub(e.statsAt))
		e.stats = nil
	}
	return e.stats
}

func lookupStats(stats map[string]model.PlayerGameStats, p model.Player) (model.PlayerGameStats, bool) {
	if st, ok := stats[p.ID]; ok {
		return st, true
	}
	st, ok := stats[nameKey(p.Name)]
	return st, ok
}

func nameKey(name string) string { return "name:" + strings.ToLower(name) }

// EventTick turns the next anchored play, or a synthetic play for a random
// player on court, into a price impact. Nothing happens while the game is
// not live.
func (e *Engine) EventTick(ctx context.Context) {
	defer metrics.ObserveTick(TaskEvents, time.Now())

	now := e.now()
	lg := e.game.StateAt(now)
	if !lg.IsActive {
		return
	}

	if lg.Mode == model.GameAnchored {
		e.nextAnchoredEvent(ctx, now)
		return
	}

	var playing []model.Player
	for _, p := range e.ledger.ListAll() {
		if p.IsPlaying {
			playing = append(playing, p)
		}
	}
	if len(playing) == 0 {
		return
	}
	p := playing[e.rnd.Intn(len(playing))]
	text := events.SyntheticEvent(e.rnd, p.Name)
	if _, err := e.ApplyEvent(ctx, p.ID, text); err != nil {
		e.logger.Warn("synthetic event failed", "player", p.ID, "err", err)
	}
}

func (e *Engine) nextAnchoredEvent(ctx context.Context, now time.Time) {
	plays := e.game.Plays()
	idx := gameclock.PlayIndexAt(now.Sub(e.game.Game().StartTime), len(plays))

	e.mu.Lock()
	if e.cursor > idx || e.cursor >= len(plays) {
		e.mu.Unlock()
		return
	}
	play := plays[e.cursor]
	e.cursor++
	e.mu.Unlock()

	name := play.PlayerRef
	if name == "" {
		name = events.ExtractPlayerName(play.Text)
	}
	p, ok := e.findPlayer(name)
	if !ok {
		e.logger.Debug("play has no tradeable player", "text", play.Text, "name", name)
		return
	}
	if _, err := e.ApplyEvent(ctx, p.ID, play.Text); err != nil {
		e.logger.Warn("anchored event failed", "player", p.ID, "err", err)
	}
}

// ApplyEvent classifies text as a play by playerID, moves the player's price
// by the event impact and broadcasts it. An active flash multiplier scales
// the impact. High-multiplier plays may start a flash multiplier.
func (e *Engine) ApplyEvent(ctx context.Context, playerID, text string) (events.EventImpact, error) {
	ei := events.Map(text, e.rnd)
	if f := e.flash.Factor(playerID); f != 1 {
		ei.PriceImpact = ei.PriceImpact.Mul(decimal.NewFromFloat(f)).Round(model.MoneyScale)
	}

	u, err := e.ledger.ApplyDelta(ctx, playerID, ei.PriceImpact, 0, SourceEvent)
	if err != nil {
		return ei, err
	}
	ei.PriceImpact = u.Delta

	name := playerID
	if p, err := e.ledger.Get(playerID); err == nil {
		name = p.Name
	}
	desc := events.Describe(ei.Event, name)

	e.bc.Emit(broadcast.RoomGame, broadcast.EventGameEvent, broadcast.GameEvent{
		PlayerID:    playerID,
		Kind:        string(ei.Event.Kind),
		Description: desc,
		Multiplier:  ei.Multiplier,
		PriceImpact: u.Delta,
	})

	if ei.Multiplier >= eventFlashMin && e.rnd.Float64() < EventFlashProbability {
		e.flash.Trigger(playerID, ei.Multiplier, e.cfg.FlashDuration, desc)
	}
	return ei, nil
}

// SentimentTick broadcasts the market mood derived from the game state.
func (e *Engine) SentimentTick(ctx context.Context) {
	defer metrics.ObserveTick(TaskSentiment, time.Now())

	lg := e.game.StateAt(e.now())
	e.bc.Emit(broadcast.RoomMarket, broadcast.EventMarketSentiment, broadcast.MarketSentiment{
		Sentiment:  lg.MarketSentiment,
		Volume:     lg.TradingVolume,
		Volatility: lg.VolatilityIndex,
	})
}

// FlashSweepTick expires flash multipliers whose window has passed.
func (e *Engine) FlashSweepTick(ctx context.Context) {
	defer metrics.ObserveTick(TaskFlashSweep, time.Now())
	e.flash.Sweep(e.now())
}

// DiscoverTick looks up today's games and follows the first unfinished one
// involving a roster team. Switching games resets anchor data, cached
// upstream data, event cursor and pricing modes.
func (e *Engine) DiscoverTick(ctx context.Context) {
	defer metrics.ObserveTick(TaskDiscovery, time.Now())

	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	games, err := e.sports.GamesByDate(fetchCtx, e.now())
	if err != nil {
		metrics.UpstreamFallbacks.WithLabelValues("games_by_date").Inc()
		e.logger.Warn("game discovery unavailable", "err", err)
		return
	}

	g, ok := pickGame(games, e.rosterTeams())
	if !ok || g.GameID == e.GameID() {
		return
	}

	e.game.Reset(gameclock.Game{ID: g.GameID, HomeTeam: g.HomeTeam, AwayTeam: g.AwayTeam, StartTime: g.StartTime})
	e.mu.Lock()
	e.gameID = g.GameID
	e.cursor = 0
	e.stats = nil
	e.lastScore = nil
	e.mu.Unlock()
	e.invalidateUpstream()
	e.ledger.SetPricingModeAll(ctx, model.PricingSynthetic)

	e.logger.Info("following game", "game", g.GameID, "home", g.HomeTeam, "away", g.AwayTeam, "start", g.StartTime)
}

func (e *Engine) rosterTeams() map[string]bool {
	teams := make(map[string]bool)
	for _, p := range e.ledger.ListAll() {
		if p.Team != "" {
			teams[p.Team] = true
		}
	}
	return teams
}

// pickGame returns the earliest unfinished game with a roster team in it.
func pickGame(games []model.GameSummary, teams map[string]bool) (model.GameSummary, bool) {
	var best model.GameSummary
	found := false
	for _, g := range games {
		if strings.EqualFold(g.Status, "final") {
			continue
		}
		if !teams[g.HomeTeam] && !teams[g.AwayTeam] {
			continue
		}
		if !found || g.StartTime.Before(best.StartTime) {
			best, found = g, true
		}
	}
	return best, found
}
