// Package engine drives the live market: it owns the periodic price, score,
// event, sentiment and flash-expiry tasks and wires ledger commits to the
// broadcaster.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/courtside/market-engine/internal/broadcast"
	"github.com/courtside/market-engine/internal/events"
	"github.com/courtside/market-engine/internal/flash"
	"github.com/courtside/market-engine/internal/gameclock"
	"github.com/courtside/market-engine/internal/ledger"
	"github.com/courtside/market-engine/internal/model"
	"github.com/courtside/market-engine/internal/orders"
	"github.com/courtside/market-engine/internal/scheduler"
	"github.com/courtside/market-engine/internal/sportsdata"
	"github.com/courtside/market-engine/internal/trade"
)

// Task names as registered with the scheduler.
const (
	TaskPrices     = "prices"
	TaskScores     = "scores"
	TaskEvents     = "events"
	TaskSentiment  = "sentiment"
	TaskFlashSweep = "flash_sweep"
	TaskDiscovery  = "discovery"
)

// Config holds tick cadences and price-walk tuning.
type Config struct {
	PriceInterval      time.Duration
	ScoreInterval      time.Duration
	EventInterval      time.Duration
	SentimentInterval  time.Duration
	FlashSweepInterval time.Duration

	// IdleDriftProbability is the chance a player who is not on court moves
	// on a price tick; IdleVolatilityScale shrinks that move.
	IdleDriftProbability float64
	IdleVolatilityScale  float64
	// ExternalDamping scales the random walk of external-mode players while
	// no box score is available for them.
	ExternalDamping float64

	FlashDuration time.Duration
	FetchTimeout  time.Duration

	// StatsMaxAge is how long a box score keeps driving prices after the
	// last successful fetch. Defaults to two score intervals.
	StatsMaxAge time.Duration

	// GameID is the sports-data game to anchor against. Empty means
	// synthetic scoring only unless Discover finds one.
	GameID string
	// Discover looks up today's games every DiscoveryInterval and follows
	// the first unfinished one involving a roster team.
	Discover          bool
	DiscoveryInterval time.Duration
}

func (c *Config) applyDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&c.PriceInterval, 3*time.Second)
	def(&c.ScoreInterval, 5*time.Second)
	def(&c.EventInterval, 20*time.Second)
	def(&c.SentimentInterval, 45*time.Second)
	def(&c.FlashSweepInterval, time.Second)
	def(&c.FlashDuration, 30*time.Second)
	def(&c.FetchTimeout, 10*time.Second)
	def(&c.StatsMaxAge, 2*c.ScoreInterval)
	def(&c.DiscoveryInterval, 10*time.Minute)
	if c.IdleVolatilityScale <= 0 {
		c.IdleVolatilityScale = 0.1
	}
	if c.ExternalDamping <= 0 {
		c.ExternalDamping = 0.5
	}
}

// Deps are the components the engine coordinates. Orders and Sports may be
// nil.
type Deps struct {
	Ledger      *ledger.Ledger
	Trades      *trade.Service
	Orders      *orders.Book
	Flash       *flash.Registry
	Game        *gameclock.Simulator
	Sports      sportsdata.Client
	Broadcaster broadcast.Broadcaster
}

// Engine is the market's clock.
type Engine struct {
	ledger *ledger.Ledger
	trades *trade.Service
	book   *orders.Book
	flash  *flash.Registry
	game   *gameclock.Simulator
	sports sportsdata.Client
	bc     broadcast.Broadcaster
	sched  *scheduler.Scheduler
	cfg    Config

	rnd    events.Rand
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	gameID    string
	cursor    int // next anchored play to turn into an event
	stats     map[string]model.PlayerGameStats
	statsAt   time.Time
	lastScore *model.LiveGame
}

type task struct {
	name  string
	every time.Duration
	fn    scheduler.Task
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand sets the random source for price walks and synthetic events.
func WithRand(r events.Rand) Option {
	return func(e *Engine) { e.rnd = &lockedRand{r: r} }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New wires an engine and registers its tasks. Every committed ledger
// update is broadcast as price_update from this point on.
func New(deps Deps, cfg Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if deps.Ledger == nil || deps.Flash == nil || deps.Game == nil {
		return nil, fmt.Errorf("engine: ledger, flash registry and game simulator are required")
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = broadcast.Nop{}
	}
	if deps.Sports == nil {
		deps.Sports = sportsdata.Disabled{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	e := &Engine{
		ledger: deps.Ledger,
		trades: deps.Trades,
		book:   deps.Orders,
		flash:  deps.Flash,
		game:   deps.Game,
		sports: deps.Sports,
		bc:     deps.Broadcaster,
		sched:  scheduler.New(logger),
		cfg:    cfg,
		gameID: cfg.GameID,
		rnd:    &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))},
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.ledger.OnCommit(e.publishPrice)

	tasks := []task{
		{TaskPrices, cfg.PriceInterval, e.PriceTick},
		{TaskScores, cfg.ScoreInterval, e.ScoreTick},
		{TaskEvents, cfg.EventInterval, e.EventTick},
		{TaskSentiment, cfg.SentimentInterval, e.SentimentTick},
		{TaskFlashSweep, cfg.FlashSweepInterval, e.FlashSweepTick},
	}
	if cfg.Discover {
		tasks = append(tasks, task{TaskDiscovery, cfg.DiscoveryInterval, e.DiscoverTick})
	}
	for _, t := range tasks {
		if err := e.sched.Add(t.name, t.every, t.fn); err != nil {
			return nil, fmt.Errorf("engine: register %s: %w", t.name, err)
		}
	}
	return e, nil
}

// Start begins every periodic task. Calling Start on a running engine is a
// no-op.
func (e *Engine) Start(ctx context.Context) {
	if e.sched.Running() {
		return
	}
	e.sched.Start(ctx)
	e.logger.Info("market engine started", "tasks", e.sched.Names())
}

// Stop cancels every task, waits for running ticks, and clears transient
// state so a restart begins clean.
func (e *Engine) Stop() {
	e.sched.Stop()
	e.flash.Clear()
	e.game.ClearAnchor()

	e.mu.Lock()
	e.cursor = 0
	e.stats = nil
	e.lastScore = nil
	e.mu.Unlock()
	e.invalidateUpstream()

	e.logger.Info("market engine stopped")
}

// Running reports whether ticks are scheduled.
func (e *Engine) Running() bool { return e.sched.Running() }

// Game returns the live game state now.
func (e *Engine) Game() model.LiveGame {
	return e.game.StateAt(e.now())
}

// GameID returns the sports-data game being followed, or "" when scoring is
// synthetic only.
func (e *Engine) GameID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gameID
}

// invalidateUpstream drops cached sports data when the client caches.
func (e *Engine) invalidateUpstream() {
	if c, ok := e.sports.(interface{ Invalidate() }); ok {
		c.Invalidate()
	}
}

// RefreshPlayers replaces the roster, keeping per-player sequence numbers.
func (e *Engine) RefreshPlayers(ctx context.Context, players []model.Player) error {
	if len(players) == 0 {
		return fmt.Errorf("%w: roster is empty", model.ErrValidation)
	}
	seen := make(map[string]bool, len(players))
	for _, p := range players {
		if p.ID == "" || !p.CurrentPrice.IsPositive() {
			return fmt.Errorf("%w: every player needs an id and a positive price", model.ErrValidation)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate player %s", model.ErrValidation, p.ID)
		}
		seen[p.ID] = true
	}
	if err := e.ledger.Replace(ctx, players); err != nil {
		return err
	}
	e.logger.Info("roster refreshed", "players", len(players))
	return nil
}

func (e *Engine) publishPrice(u ledger.Update) {
	e.bc.Emit(broadcast.RoomMarket, broadcast.EventPriceUpdate, broadcast.PriceUpdate{
		PlayerID:     u.PlayerID,
		NewPrice:     u.NewPrice,
		Delta:        u.Delta,
		DeltaPercent: u.DeltaPercent,
		Seq:          u.Seq,
		Source:       u.Source,
	})
}

// findPlayer resolves a name extracted from play text to a roster entry.
func (e *Engine) findPlayer(name string) (model.Player, bool) {
	if name == "" || name == events.UnknownPlayer {
		return model.Player{}, false
	}
	for _, p := range e.ledger.ListAll() {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return model.Player{}, false
}

// lockedRand serializes a random source shared by concurrent ticks.
type lockedRand struct {
	mu sync.Mutex
	r  events.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}
