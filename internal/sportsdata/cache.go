package sportsdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/courtside/market-engine/internal/model"
)

// DefaultCacheTTL is how long provider responses are reused.
const DefaultCacheTTL = 5 * time.Minute

type cached struct {
	value   any
	expires time.Time
}

// CachedClient wraps a Client with a TTL cache. Concurrent identical calls
// share one upstream request. When a Redis client is set the cache is also
// shared across instances; Redis errors are ignored and only cost a miss.
// Errors are never cached.
type CachedClient struct {
	next   Client
	ttl    time.Duration
	rdb    redis.UniversalClient
	group  singleflight.Group
	mu     sync.Mutex
	local  map[string]cached
	now    func() time.Time
	logger *slog.Logger
}

// NewCachedClient wraps next. rdb may be nil.
func NewCachedClient(next Client, ttl time.Duration, rdb redis.UniversalClient, logger *slog.Logger) *CachedClient {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedClient{
		next:   next,
		ttl:    ttl,
		rdb:    rdb,
		local:  make(map[string]cached),
		now:    time.Now,
		logger: logger,
	}
}

// SetClock overrides the expiry clock. Tests only.
func (c *CachedClient) SetClock(now func() time.Time) { c.now = now }

func (c *CachedClient) GamesByDate(ctx context.Context, date time.Time) ([]model.GameSummary, error) {
	key := "games:" + date.UTC().Format("2006-01-02")
	return fetch(ctx, c, key, func(ctx context.Context) ([]model.GameSummary, error) {
		return c.next.GamesByDate(ctx, date)
	})
}

func (c *CachedClient) PlayByPlay(ctx context.Context, gameID string) ([]model.ScoringPlay, error) {
	return fetch(ctx, c, "plays:"+gameID, func(ctx context.Context) ([]model.ScoringPlay, error) {
		return c.next.PlayByPlay(ctx, gameID)
	})
}

func (c *CachedClient) PlayerGameStats(ctx context.Context, gameID string) ([]model.PlayerGameStats, error) {
	return fetch(ctx, c, "stats:"+gameID, func(ctx context.Context) ([]model.PlayerGameStats, error) {
		return c.next.PlayerGameStats(ctx, gameID)
	})
}

// Invalidate drops every locally cached entry.
func (c *CachedClient) Invalidate() {
	c.mu.Lock()
	c.local = make(map[string]cached)
	c.mu.Unlock()
}

func fetch[T any](ctx context.Context, c *CachedClient, key string, load func(context.Context) (T, error)) (T, error) {
	if v, ok := c.lookupLocal(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.lookupLocal(key); ok {
			return v, nil
		}
		var out T
		if c.lookupRedis(ctx, key, &out) {
			c.storeLocal(key, out)
			return out, nil
		}
		out, err := load(ctx)
		if err != nil {
			return out, err
		}
		c.storeLocal(key, out)
		c.storeRedis(ctx, key, out)
		return out, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: cache type mismatch for %s", model.ErrUpstreamUnavailable, key)
	}
	return typed, nil
}

func (c *CachedClient) lookupLocal(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.local[key]
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (c *CachedClient) storeLocal(key string, v any) {
	c.mu.Lock()
	c.local[key] = cached{value: v, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func redisKey(key string) string { return "sportsdata:" + key }

func (c *CachedClient) lookupRedis(ctx context.Context, key string, v any) bool {
	if c.rdb == nil {
		return false
	}
	data, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (c *CachedClient) storeRedis(ctx context.Context, key string, v any) {
	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, redisKey(key), data, c.ttl).Err(); err != nil {
		c.logger.Warn("sportsdata: redis cache write failed", "key", key, "err", err)
	}
}
