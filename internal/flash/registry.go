// Package flash tracks time-bounded volatility multipliers on players.
package flash

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/courtside/market-engine/internal/broadcast"
	"github.com/courtside/market-engine/internal/metrics"
	"github.com/courtside/market-engine/internal/model"
)

// Registry holds at most one active multiplier per player.
type Registry struct {
	mu     sync.Mutex
	active map[string]model.FlashMultiplier
	bc     broadcast.Broadcaster
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil broadcaster discards events.
func NewRegistry(bc broadcast.Broadcaster, logger *slog.Logger) *Registry {
	if bc == nil {
		bc = broadcast.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		active: make(map[string]model.FlashMultiplier),
		bc:     bc,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetClock overrides the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Trigger starts a multiplier for playerID, replacing any active one.
func (r *Registry) Trigger(playerID string, multiplier float64, duration time.Duration, description string) model.FlashMultiplier {
	fm := model.FlashMultiplier{
		PlayerID:    playerID,
		Multiplier:  multiplier,
		StartTime:   r.now(),
		Duration:    duration,
		IsActive:    true,
		Description: description,
	}

	r.mu.Lock()
	r.active[playerID] = fm
	n := len(r.active)
	r.mu.Unlock()

	metrics.FlashMultipliersActive.Set(float64(n))
	r.logger.Info("flash multiplier started",
		"player", playerID,
		"multiplier", multiplier,
		"duration", duration.String(),
	)
	r.bc.Emit(broadcast.RoomMarket, broadcast.EventFlashMultiplier, broadcast.FlashMultiplier{
		PlayerID:    playerID,
		Multiplier:  multiplier,
		Duration:    duration.Milliseconds(),
		StartTime:   fm.StartTime,
		Description: description,
	})
	return fm
}

// Sweep expires every multiplier with now - start >= duration and returns
// the expired entries.
func (r *Registry) Sweep(now time.Time) []model.FlashMultiplier {
	r.mu.Lock()
	var expired []model.FlashMultiplier
	for id, fm := range r.active {
		if now.Sub(fm.StartTime) >= fm.Duration {
			fm.IsActive = false
			expired = append(expired, fm)
			delete(r.active, id)
		}
	}
	n := len(r.active)
	r.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].PlayerID < expired[j].PlayerID })

	metrics.FlashMultipliersActive.Set(float64(n))
	for _, fm := range expired {
		r.bc.Emit(broadcast.RoomMarket, broadcast.EventFlashExpired, broadcast.FlashExpired{PlayerID: fm.PlayerID})
	}
	return expired
}

// Active returns the player's multiplier if one is live at the registry's
// current time.
func (r *Registry) Active(playerID string) (model.FlashMultiplier, bool) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	fm, ok := r.active[playerID]
	if !ok || now.Sub(fm.StartTime) >= fm.Duration {
		return model.FlashMultiplier{}, false
	}
	return fm, true
}

// Factor is the active multiplier for playerID, or 1.
func (r *Registry) Factor(playerID string) float64 {
	if fm, ok := r.Active(playerID); ok {
		return fm.Multiplier
	}
	return 1
}

// List returns every registered multiplier sorted by player.
func (r *Registry) List() []model.FlashMultiplier {
	r.mu.Lock()
	out := make([]model.FlashMultiplier, 0, len(r.active))
	for _, fm := range r.active {
		out = append(out, fm)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// Clear drops every multiplier without broadcasting.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.active = make(map[string]model.FlashMultiplier)
	r.mu.Unlock()
	metrics.FlashMultipliersActive.Set(0)
}
