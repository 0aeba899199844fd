package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courtside/market-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// players and portfolios. Writes go to the primary store and refresh or
// invalidate the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) SavePlayer(ctx context.Context, p *model.Player) error {
	if err := s.primary.SavePlayer(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, playerKey(p.ID), p)
	return nil
}

func (s *CachedStore) ReplacePlayers(ctx context.Context, players []model.Player) error {
	old, _ := s.primary.ListPlayers(ctx)
	if err := s.primary.ReplacePlayers(ctx, players); err != nil {
		return err
	}
	keys := make([]string, 0, len(old))
	for _, p := range old {
		keys = append(keys, playerKey(p.ID))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.CreatePortfolio(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, portfolioKey(p.UserID), p)
	return nil
}

func (s *CachedStore) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := s.primary.SavePortfolio(ctx, p); err != nil {
		// Invalidate; next read will re-populate from the primary.
		s.rdb.Del(ctx, portfolioKey(p.UserID))
		return err
	}
	s.cache(ctx, portfolioKey(p.UserID), p)
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	var p model.Player
	if s.lookup(ctx, playerKey(id), &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetPlayer(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, playerKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var p model.Portfolio
	if s.lookup(ctx, portfolioKey(userID), &p) {
		return &p, nil
	}

	fresh, err := s.primary.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, portfolioKey(userID), fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPlayers(ctx context.Context) ([]model.Player, error) {
	return s.primary.ListPlayers(ctx)
}

func (s *CachedStore) ListPortfolioUsers(ctx context.Context) ([]string, error) {
	return s.primary.ListPortfolioUsers(ctx)
}

func (s *CachedStore) AppendTrade(ctx context.Context, t *model.Trade, keep int) error {
	return s.primary.AppendTrade(ctx, t, keep)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID, limit)
}

func (s *CachedStore) RecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	return s.primary.RecentTrades(ctx, limit)
}

func (s *CachedStore) SaveLimitOrder(ctx context.Context, o *model.LimitOrder) error {
	return s.primary.SaveLimitOrder(ctx, o)
}

func (s *CachedStore) GetLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	return s.primary.GetLimitOrder(ctx, id)
}

func (s *CachedStore) ListLimitOrders(ctx context.Context, status model.OrderStatus) ([]model.LimitOrder, error) {
	return s.primary.ListLimitOrders(ctx, status)
}

func (s *CachedStore) DeleteLimitOrders(ctx context.Context, ids []string) error {
	return s.primary.DeleteLimitOrders(ctx, ids)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) lookup(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func playerKey(id string) string     { return fmt.Sprintf("player:%s", id) }
func portfolioKey(uid string) string { return fmt.Sprintf("portfolio:%s", uid) }
