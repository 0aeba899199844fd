// Package store defines the persistence interface for the market engine.
// Implementations include in-memory (the default, and what tests use),
// PostgreSQL and a Redis read-through cache that wraps either.
package store

import (
	"context"

	"github.com/courtside/market-engine/internal/model"
)

// Store is the persistence interface. Lookups of missing records return an
// error wrapping model.ErrNotFound.
type Store interface {
	// --- Players ---

	// GetPlayer retrieves a player by ID.
	GetPlayer(ctx context.Context, id string) (*model.Player, error)

	// ListPlayers returns every player.
	ListPlayers(ctx context.Context) ([]model.Player, error)

	// SavePlayer upserts a player record.
	SavePlayer(ctx context.Context, p *model.Player) error

	// ReplacePlayers swaps the whole roster (data refresh).
	ReplacePlayers(ctx context.Context, players []model.Player) error

	// --- Portfolios ---

	// CreatePortfolio inserts a new portfolio; fails if one exists.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// GetPortfolio retrieves a portfolio by user ID.
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)

	// SavePortfolio overwrites an existing portfolio.
	SavePortfolio(ctx context.Context, p *model.Portfolio) error

	// ListPortfolioUsers returns the user IDs that own a portfolio.
	ListPortfolioUsers(ctx context.Context) ([]string, error)

	// --- Trade log ---

	// AppendTrade appends an immutable trade, keeping at most keep records.
	AppendTrade(ctx context.Context, t *model.Trade, keep int) error

	// ListTrades returns a user's trades, newest first, at most limit.
	ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error)

	// RecentTrades returns the newest trades across all users.
	RecentTrades(ctx context.Context, limit int) ([]model.Trade, error)

	// --- Limit orders ---

	// SaveLimitOrder upserts a limit order.
	SaveLimitOrder(ctx context.Context, o *model.LimitOrder) error

	// GetLimitOrder retrieves a limit order by ID.
	GetLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error)

	// ListLimitOrders returns orders, oldest first. Empty status means all.
	ListLimitOrders(ctx context.Context, status model.OrderStatus) ([]model.LimitOrder, error)

	// DeleteLimitOrders removes the given orders (retention pruning).
	DeleteLimitOrders(ctx context.Context, ids []string) error
}
