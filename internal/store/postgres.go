package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/model"
)

// Schema is applied by EnsureSchema. Money is NUMERIC for exact precision;
// price history and holdings are JSONB because they are always read whole.
const Schema = `
CREATE TABLE IF NOT EXISTS players (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	team             TEXT NOT NULL,
	position         TEXT NOT NULL,
	current_price    NUMERIC NOT NULL,
	base_price       NUMERIC NOT NULL,
	change_24h       NUMERIC NOT NULL,
	change_pct_24h   NUMERIC NOT NULL,
	price_history    JSONB NOT NULL DEFAULT '[]',
	volatility       DOUBLE PRECISION NOT NULL,
	is_playing       BOOLEAN NOT NULL,
	pricing_mode     TEXT NOT NULL,
	seq              BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS portfolios (
	user_id           TEXT PRIMARY KEY,
	season            JSONB NOT NULL DEFAULT '{}',
	live              JSONB NOT NULL DEFAULT '{}',
	available_balance NUMERIC NOT NULL,
	total_value       NUMERIC NOT NULL,
	trades_remaining  INTEGER NOT NULL,
	last_updated      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	player_id    TEXT NOT NULL,
	type         TEXT NOT NULL,
	shares       BIGINT NOT NULL,
	price        NUMERIC NOT NULL,
	timestamp    TIMESTAMPTZ NOT NULL,
	account_type TEXT NOT NULL,
	status       TEXT NOT NULL,
	total_amount NUMERIC NOT NULL,
	multiplier   DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS trades_user_ts ON trades (user_id, timestamp DESC);
CREATE TABLE IF NOT EXISTS limit_orders (
	id             TEXT PRIMARY KEY,
	data           JSONB NOT NULL,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS limit_orders_status ON limit_orders (status, created_at);
`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

const playerColumns = `id, name, team, position,
	current_price::TEXT, base_price::TEXT, change_24h::TEXT, change_pct_24h::TEXT,
	price_history, volatility, is_playing, pricing_mode, seq`

func (s *PostgresStore) GetPlayer(ctx context.Context, id string) (*model.Player, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE id = $1`, id)
	p, err := scanPlayer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: player %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get player %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPlayers(ctx context.Context) ([]model.Player, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+playerColumns+` FROM players ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []model.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, *p)
	}
	return players, rows.Err()
}

const upsertPlayer = `INSERT INTO players (id, name, team, position, current_price, base_price,
		change_24h, change_pct_24h, price_history, volatility, is_playing, pricing_mode, seq)
	 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)
	 ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name, team = EXCLUDED.team, position = EXCLUDED.position,
		current_price = EXCLUDED.current_price, base_price = EXCLUDED.base_price,
		change_24h = EXCLUDED.change_24h, change_pct_24h = EXCLUDED.change_pct_24h,
		price_history = EXCLUDED.price_history, volatility = EXCLUDED.volatility,
		is_playing = EXCLUDED.is_playing, pricing_mode = EXCLUDED.pricing_mode, seq = EXCLUDED.seq`

func playerArgs(p *model.Player) ([]any, error) {
	history, err := json.Marshal(p.PriceHistory)
	if err != nil {
		return nil, err
	}
	return []any{
		p.ID, p.Name, p.Team, p.Position,
		p.CurrentPrice.String(), p.BasePrice.String(),
		p.PriceChange24h.String(), p.PriceChangePercent24h.String(),
		history, p.Volatility, p.IsPlaying, string(p.PricingMode), int64(p.Seq),
	}, nil
}

func (s *PostgresStore) SavePlayer(ctx context.Context, p *model.Player) error {
	args, err := playerArgs(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, upsertPlayer, args...)
	return err
}

func (s *PostgresStore) ReplacePlayers(ctx context.Context, players []model.Player) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM players`); err != nil {
			return err
		}
		for i := range players {
			args, err := playerArgs(&players[i])
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, upsertPlayer, args...); err != nil {
				return fmt.Errorf("insert player %s: %w", players[i].ID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	season, live, err := marshalBuckets(p)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (user_id, season, live, available_balance, total_value, trades_remaining, last_updated)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (user_id) DO NOTHING`,
		p.UserID, season, live, p.AvailableBalance.String(), p.TotalValue.String(),
		p.TradesRemaining, p.LastUpdated,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: portfolio for %s already exists", model.ErrValidation, p.UserID)
	}
	return nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var season, live []byte
	var balance, total string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, season, live, available_balance::TEXT, total_value::TEXT,
		        trades_remaining, last_updated
		 FROM portfolios WHERE user_id = $1`, userID).
		Scan(&p.UserID, &season, &live, &balance, &total, &p.TradesRemaining, &p.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: portfolio %s", model.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}

	if err := json.Unmarshal(season, &p.Season); err != nil {
		return nil, fmt.Errorf("decode season holdings: %w", err)
	}
	if err := json.Unmarshal(live, &p.Live); err != nil {
		return nil, fmt.Errorf("decode live holdings: %w", err)
	}
	p.AvailableBalance, _ = decimal.NewFromString(balance)
	p.TotalValue, _ = decimal.NewFromString(total)
	return &p, nil
}

func (s *PostgresStore) SavePortfolio(ctx context.Context, p *model.Portfolio) error {
	season, live, err := marshalBuckets(p)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE portfolios
		 SET season = $2, live = $3, available_balance = $4::NUMERIC, total_value = $5::NUMERIC,
		     trades_remaining = $6, last_updated = $7
		 WHERE user_id = $1`,
		p.UserID, season, live, p.AvailableBalance.String(), p.TotalValue.String(),
		p.TradesRemaining, p.LastUpdated,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: portfolio %s", model.ErrNotFound, p.UserID)
	}
	return nil
}

func (s *PostgresStore) ListPortfolioUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM portfolios ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (s *PostgresStore) AppendTrade(ctx context.Context, t *model.Trade, keep int) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO trades (id, user_id, player_id, type, shares, price, timestamp,
			                     account_type, status, total_amount, multiplier)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10::NUMERIC, $11)`,
			t.ID, t.UserID, t.PlayerID, string(t.Type), t.Shares, t.Price.String(), t.Timestamp,
			string(t.AccountType), t.Status, t.TotalAmount.String(), t.Multiplier,
		)
		if err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM trades WHERE id IN (
				SELECT id FROM trades ORDER BY timestamp DESC, id DESC OFFSET $1)`, keep)
		return err
	})
}

const tradeColumns = `id, user_id, player_id, type, shares, price::TEXT, timestamp,
	account_type, status, total_amount::TEXT, multiplier`

func (s *PostgresStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1
		 ORDER BY timestamp DESC, id DESC LIMIT $2`, userID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) RecentTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY timestamp DESC, id DESC LIMIT $1`, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) SaveLimitOrder(ctx context.Context, o *model.LimitOrder) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO limit_orders (id, data, status, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, status = EXCLUDED.status`,
		o.ID, data, string(o.Status), o.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetLimitOrder(ctx context.Context, id string) (*model.LimitOrder, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM limit_orders WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: limit order %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var o model.LimitOrder
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode limit order %s: %w", id, err)
	}
	return &o, nil
}

func (s *PostgresStore) ListLimitOrders(ctx context.Context, status model.OrderStatus) ([]model.LimitOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM limit_orders WHERE ($1 = '' OR status = $1) ORDER BY created_at, id`,
		string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.LimitOrder
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var o model.LimitOrder
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) DeleteLimitOrders(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM limit_orders WHERE id = ANY($1)`, ids)
	return err
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanPlayer(row pgxRow) (*model.Player, error) {
	var p model.Player
	var price, base, change, changePct, mode string
	var history []byte
	var seq int64

	if err := row.Scan(&p.ID, &p.Name, &p.Team, &p.Position,
		&price, &base, &change, &changePct,
		&history, &p.Volatility, &p.IsPlaying, &mode, &seq); err != nil {
		return nil, err
	}

	p.CurrentPrice, _ = decimal.NewFromString(price)
	p.BasePrice, _ = decimal.NewFromString(base)
	p.PriceChange24h, _ = decimal.NewFromString(change)
	p.PriceChangePercent24h, _ = decimal.NewFromString(changePct)
	p.PricingMode = model.PricingMode(mode)
	p.Seq = uint64(seq)
	if err := json.Unmarshal(history, &p.PriceHistory); err != nil {
		return nil, fmt.Errorf("decode price history for %s: %w", p.ID, err)
	}
	return &p, nil
}

type pgxRows interface {
	pgxRow
	Next() bool
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, acct, price, total string
		var ts time.Time

		if err := rows.Scan(&t.ID, &t.UserID, &t.PlayerID, &side, &t.Shares, &price, &ts,
			&acct, &t.Status, &total, &t.Multiplier); err != nil {
			return nil, err
		}

		t.Type = model.Side(side)
		t.AccountType = model.AccountType(acct)
		t.Timestamp = ts
		t.Price, _ = decimal.NewFromString(price)
		t.TotalAmount, _ = decimal.NewFromString(total)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func marshalBuckets(p *model.Portfolio) (season, live []byte, err error) {
	if season, err = json.Marshal(p.Bucket(model.AccountSeason)); err != nil {
		return nil, nil, err
	}
	if live, err = json.Marshal(p.Bucket(model.AccountLive)); err != nil {
		return nil, nil, err
	}
	return season, live, nil
}

// sqlLimit maps "no limit" to a value LIMIT accepts.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}
