package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/courtside/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. It is the default
// backend: the engine is a live approximation and tolerates losing state on
// restart.
type MemoryStore struct {
	mu         sync.RWMutex
	players    map[string]*model.Player
	portfolios map[string]*model.Portfolio
	trades     []model.Trade
	orders     map[string]*model.LimitOrder
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players:    make(map[string]*model.Player),
		portfolios: make(map[string]*model.Portfolio),
		orders:     make(map[string]*model.LimitOrder),
	}
}

func (s *MemoryStore) GetPlayer(_ context.Context, id string) (*model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("%w: player %s", model.ErrNotFound, id)
	}
	c := p.Clone()
	return &c, nil
}

func (s *MemoryStore) ListPlayers(_ context.Context) ([]model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	players := make([]model.Player, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p.Clone())
	}
	sort.Slice(players, func(i, j int) bool { return players[i].ID < players[j].ID })
	return players, nil
}

func (s *MemoryStore) SavePlayer(_ context.Context, p *model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	c := p.Clone()
	s.players[p.ID] = &c
	return nil
}

func (s *MemoryStore) ReplacePlayers(_ context.Context, players []model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.players = make(map[string]*model.Player, len(players))
	for _, p := range players {
		c := p.Clone()
		s.players[p.ID] = &c
	}
	return nil
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.portfolios[p.UserID]; exists {
		return fmt.Errorf("%w: portfolio for %s already exists", model.ErrValidation, p.UserID)
	}
	s.portfolios[p.UserID] = p.Clone()
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[userID]
	if !ok {
		return nil, fmt.Errorf("%w: portfolio %s", model.ErrNotFound, userID)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) SavePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[p.UserID]; !ok {
		return fmt.Errorf("%w: portfolio %s", model.ErrNotFound, p.UserID)
	}
	s.portfolios[p.UserID] = p.Clone()
	return nil
}

func (s *MemoryStore) ListPortfolioUsers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.portfolios))
	for id := range s.portfolios {
		users = append(users, id)
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) AppendTrade(_ context.Context, t *model.Trade, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	if keep > 0 && len(s.trades) > keep {
		// Keep the newest; copy so the dropped prefix can be collected.
		s.trades = append([]model.Trade(nil), s.trades[len(s.trades)-keep:]...)
	}
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].UserID != userID {
			continue
		}
		result = append(result, s.trades[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) RecentTrades(_ context.Context, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		result = append(result, s.trades[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveLimitOrder(_ context.Context, o *model.LimitOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *o
	s.orders[o.ID] = &c
	return nil
}

func (s *MemoryStore) GetLimitOrder(_ context.Context, id string) (*model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: limit order %s", model.ErrNotFound, id)
	}
	c := *o
	return &c, nil
}

func (s *MemoryStore) ListLimitOrders(_ context.Context, status model.OrderStatus) ([]model.LimitOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]model.LimitOrder, 0, len(s.orders))
	for _, o := range s.orders {
		if status != "" && o.Status != status {
			continue
		}
		orders = append(orders, *o)
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders, nil
}

func (s *MemoryStore) DeleteLimitOrders(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.orders, id)
	}
	return nil
}
