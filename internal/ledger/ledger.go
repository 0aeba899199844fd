// Package ledger is the authoritative in-process record of player prices.
//
// Every price mutation goes through a per-player lock: the read of the
// current price, the clamp to the floor, the history append and the commit
// hooks all happen while the lock is held. Hooks therefore observe updates
// for one player in commit order, which is what keeps price broadcasts
// ordered per player.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/metrics"
	"github.com/courtside/market-engine/internal/model"
	"github.com/courtside/market-engine/internal/store"
)

// DefaultHistoryCap is the number of price points kept per player.
const DefaultHistoryCap = 100

// DefaultFloor is the lowest price any player can trade at.
var DefaultFloor = decimal.NewFromInt(10)

var hundred = decimal.NewFromInt(100)

// Config bounds ledger behaviour.
type Config struct {
	Floor      decimal.Decimal
	HistoryCap int
}

// Update describes one committed price change.
type Update struct {
	PlayerID     string
	OldPrice     decimal.Decimal
	NewPrice     decimal.Decimal
	Delta        decimal.Decimal
	DeltaPercent decimal.Decimal
	Seq          uint64
	Timestamp    time.Time
	Source       string
}

type entry struct {
	mu sync.RWMutex
	p  model.Player
}

// Ledger holds the current price state for every player and writes changes
// through to the store.
type Ledger struct {
	mu      sync.RWMutex // guards entries
	entries map[string]*entry

	hooksMu sync.RWMutex
	hooks   []func(Update)

	store  store.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty ledger. Call Load to populate it from the store.
func New(st store.Store, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.Floor.IsZero() {
		cfg.Floor = DefaultFloor
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		entries: make(map[string]*entry),
		store:   st,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// SetClock overrides the timestamp source. Tests only.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Floor returns the configured price floor.
func (l *Ledger) Floor() decimal.Decimal { return l.cfg.Floor }

// OnCommit registers a hook invoked after every committed price change,
// while the player's lock is still held. Hooks must not call back into the
// ledger for the same player and must not block.
func (l *Ledger) OnCommit(fn func(Update)) {
	l.hooksMu.Lock()
	l.hooks = append(l.hooks, fn)
	l.hooksMu.Unlock()
}

// Load replaces in-memory state with the store's players.
func (l *Ledger) Load(ctx context.Context) error {
	players, err := l.store.ListPlayers(ctx)
	if err != nil {
		return fmt.Errorf("ledger: load players: %w", err)
	}
	l.install(players)
	return nil
}

// Replace swaps the whole roster (data refresh). Per-player sequence
// numbers never go backwards across a refresh.
func (l *Ledger) Replace(ctx context.Context, players []model.Player) error {
	for i := range players {
		l.normalize(&players[i])
	}
	if err := l.store.ReplacePlayers(ctx, players); err != nil {
		return fmt.Errorf("ledger: replace players: %w", err)
	}
	l.install(players)
	return nil
}

func (l *Ledger) install(players []model.Player) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[string]*entry, len(players))
	for _, p := range players {
		p = p.Clone()
		l.normalize(&p)
		if old, ok := l.entries[p.ID]; ok {
			old.mu.RLock()
			if old.p.Seq > p.Seq {
				p.Seq = old.p.Seq
			}
			old.mu.RUnlock()
		}
		next[p.ID] = &entry{p: p}
	}
	l.entries = next
}

func (l *Ledger) normalize(p *model.Player) {
	if p.PricingMode == "" {
		p.PricingMode = model.PricingSynthetic
	}
	if p.BasePrice.IsZero() {
		p.BasePrice = p.CurrentPrice
	}
	if p.CurrentPrice.LessThan(l.cfg.Floor) {
		p.CurrentPrice = l.cfg.Floor
	}
	if n := len(p.PriceHistory); n > l.cfg.HistoryCap {
		p.PriceHistory = p.PriceHistory[n-l.cfg.HistoryCap:]
	}
}

func (l *Ledger) lookup(id string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.entries[id]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: player %s", model.ErrNotFound, id)
	}
	return e, nil
}

// GetPrice returns a player's current price.
func (l *Ledger) GetPrice(id string) (decimal.Decimal, error) {
	e, err := l.lookup(id)
	if err != nil {
		return decimal.Zero, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.p.CurrentPrice, nil
}

// Get returns a consistent snapshot of one player.
func (l *Ledger) Get(id string) (model.Player, error) {
	e, err := l.lookup(id)
	if err != nil {
		return model.Player{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.p.Clone(), nil
}

// ListAll returns a snapshot of every player sorted by ID. Each player is
// internally consistent; different players may be from different ticks.
func (l *Ledger) ListAll() []model.Player {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]model.Player, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.p.Clone())
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prices returns the current price of every player.
func (l *Ledger) Prices() map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(l.entries))
	for id, e := range l.entries {
		e.mu.RLock()
		out[id] = e.p.CurrentPrice
		e.mu.RUnlock()
	}
	return out
}

// SetPrice commits an absolute price.
func (l *Ledger) SetPrice(ctx context.Context, id string, price decimal.Decimal, volume int64, source string) (Update, error) {
	return l.Apply(ctx, id, func(model.Player) decimal.Decimal { return price }, volume, source)
}

// ApplyDelta adds delta to the current price atomically.
func (l *Ledger) ApplyDelta(ctx context.Context, id string, delta decimal.Decimal, volume int64, source string) (Update, error) {
	return l.Apply(ctx, id, func(p model.Player) decimal.Decimal { return p.CurrentPrice.Add(delta) }, volume, source)
}

// Apply runs a read-modify-write of one player's price under its lock. next
// receives a snapshot and returns the proposed price; the ledger clamps it
// to the floor, updates the 24h change fields, appends history and runs the
// commit hooks.
func (l *Ledger) Apply(ctx context.Context, id string, next func(model.Player) decimal.Decimal, volume int64, source string) (Update, error) {
	e, err := l.lookup(id)
	if err != nil {
		return Update{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.p.CurrentPrice
	price := next(e.p.Clone()).Round(model.MoneyScale)
	if price.LessThan(l.cfg.Floor) {
		price = l.cfg.Floor
	}
	now := l.now()

	p := &e.p
	p.CurrentPrice = price
	p.PriceChange24h = price.Sub(p.BasePrice).Round(model.MoneyScale)
	p.PriceChangePercent24h = decimal.Zero
	if p.BasePrice.IsPositive() {
		p.PriceChangePercent24h = p.PriceChange24h.Div(p.BasePrice).Mul(hundred).Round(model.MoneyScale)
	}
	p.PriceHistory = append(p.PriceHistory, model.PricePoint{Timestamp: now, Price: price, Volume: volume})
	if n := len(p.PriceHistory); n > l.cfg.HistoryCap {
		p.PriceHistory = append([]model.PricePoint(nil), p.PriceHistory[n-l.cfg.HistoryCap:]...)
	}
	p.Seq++

	u := Update{
		PlayerID:  id,
		OldPrice:  old,
		NewPrice:  price,
		Delta:     price.Sub(old),
		Seq:       p.Seq,
		Timestamp: now,
		Source:    source,
	}
	if old.IsPositive() {
		u.DeltaPercent = u.Delta.Div(old).Mul(hundred).Round(model.MoneyScale)
	}

	snapshot := p.Clone()
	if err := l.store.SavePlayer(ctx, &snapshot); err != nil {
		l.logger.Error("ledger: persist player failed", "player", id, "err", err)
	}
	metrics.PriceUpdates.WithLabelValues(source).Inc()

	l.hooksMu.RLock()
	for _, fn := range l.hooks {
		fn(u)
	}
	l.hooksMu.RUnlock()

	return u, nil
}

// SetPlaying toggles whether a player is eligible for live ticks.
func (l *Ledger) SetPlaying(ctx context.Context, id string, playing bool) error {
	return l.mutate(ctx, id, func(p *model.Player) { p.IsPlaying = playing })
}

// SetPricingMode switches which path owns a player's price.
func (l *Ledger) SetPricingMode(ctx context.Context, id string, mode model.PricingMode) error {
	switch mode {
	case model.PricingSynthetic, model.PricingExternal:
	default:
		return fmt.Errorf("%w: unknown pricing mode %q", model.ErrValidation, mode)
	}
	return l.mutate(ctx, id, func(p *model.Player) { p.PricingMode = mode })
}

// SetPricingModeAll switches every player's pricing mode.
func (l *Ledger) SetPricingModeAll(ctx context.Context, mode model.PricingMode) {
	for _, p := range l.ListAll() {
		if err := l.SetPricingMode(ctx, p.ID, mode); err != nil {
			l.logger.Warn("ledger: set pricing mode failed", "player", p.ID, "err", err)
		}
	}
}

func (l *Ledger) mutate(ctx context.Context, id string, fn func(*model.Player)) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	fn(&e.p)
	snapshot := e.p.Clone()
	if err := l.store.SavePlayer(ctx, &snapshot); err != nil {
		l.logger.Error("ledger: persist player failed", "player", id, "err", err)
	}
	return nil
}
