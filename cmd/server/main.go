package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/api"
	"github.com/courtside/market-engine/internal/broadcast"
	"github.com/courtside/market-engine/internal/config"
	"github.com/courtside/market-engine/internal/engine"
	"github.com/courtside/market-engine/internal/flash"
	"github.com/courtside/market-engine/internal/gameclock"
	"github.com/courtside/market-engine/internal/impact"
	"github.com/courtside/market-engine/internal/ledger"
	"github.com/courtside/market-engine/internal/orders"
	"github.com/courtside/market-engine/internal/seed"
	"github.com/courtside/market-engine/internal/sportsdata"
	"github.com/courtside/market-engine/internal/store"
	"github.com/courtside/market-engine/internal/trade"
)

func main() {
	path := os.Getenv("CX_CONFIG")
	if path == "" {
		path = "config/config.yaml"
	}
	cfg, err := config.Load(path, os.Getenv("CX_ENV_ONLY") == "true")
	if err != nil {
		slog.Error("config load failed", "path", path, "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()

	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Store.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.Market.Seed {
		seeded, err := seed.EnsurePlayers(ctx, st)
		if err != nil {
			slog.Error("seeding players failed", "err", err)
			os.Exit(1)
		}
		if seeded {
			slog.Info("seeded default roster", "players", len(seed.Players()))
		}
	}

	// --- Price ledger ---
	prices := ledger.New(st, ledger.Config{
		Floor:      decimal.NewFromFloat(cfg.Market.PriceFloor),
		HistoryCap: cfg.Market.HistoryCap,
	}, logger)
	if err := prices.Load(ctx); err != nil {
		slog.Error("loading players failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	hub := broadcast.NewWSHub(logger)
	go hub.Run(ctx)

	// --- Trading ---
	calc, err := impact.NewCalculator(
		decimal.NewFromFloat(cfg.Market.Liquidity),
		decimal.NewFromFloat(cfg.Market.BroadcastThreshold),
	)
	if err != nil {
		slog.Error("invalid market impact settings", "err", err)
		os.Exit(1)
	}
	flashes := flash.NewRegistry(hub, logger)

	tradeOpts := []trade.Option{
		trade.WithMarketImpact(cfg.Market.MarketImpact),
		trade.WithFlash(flashes),
	}
	if cfg.Market.MaxPerPlayer > 0 || cfg.Market.MaxPerTeam > 0 {
		tradeOpts = append(tradeOpts, trade.WithLimiter(&trade.PositionLimiter{
			MaxPerPlayer: decimal.NewFromFloat(cfg.Market.MaxPerPlayer),
			MaxPerTeam:   decimal.NewFromFloat(cfg.Market.MaxPerTeam),
		}))
	}
	tradeSvc := trade.NewService(st, prices, calc, hub, trade.Config{
		StartingBalance: decimal.NewFromFloat(cfg.Market.StartingBalance),
		LiveTrades:      cfg.Market.LiveTrades,
		TradeLogCap:     cfg.Market.TradeLogCap,
		FlashDuration:   cfg.Scheduler.FlashDuration,
	}, logger, tradeOpts...)

	book := orders.NewBook(st, prices, tradeSvc, hub, orders.Config{
		TTL:        cfg.Orders.TTL,
		Retention:  cfg.Orders.Retention,
		MaxPending: cfg.Orders.MaxPending,
		MaxOrders:  cfg.Orders.MaxOrders,
	}, logger)

	// --- Live data ---
	var sports sportsdata.Client = sportsdata.Disabled{}
	if cfg.SportsData.Enabled {
		httpClient := &http.Client{Timeout: cfg.SportsData.Timeout}
		upstream := sportsdata.NewHTTPClient(httpClient, cfg.SportsData.BaseURL, cfg.SportsData.APIKey)
		var cacheRDB redis.UniversalClient
		if rdb != nil {
			cacheRDB = rdb
		}
		sports = sportsdata.NewCachedClient(upstream, cfg.SportsData.CacheTTL, cacheRDB, logger)
		slog.Info("sports data enabled", "base_url", cfg.SportsData.BaseURL, "game_id", cfg.SportsData.GameID)
	}

	game := gameclock.New(seed.Game(time.Now().UTC()))
	discover := cfg.SportsData.Enabled && cfg.SportsData.Discover && cfg.SportsData.GameID == ""

	eng, err := engine.New(engine.Deps{
		Ledger:      prices,
		Trades:      tradeSvc,
		Orders:      book,
		Flash:       flashes,
		Game:        game,
		Sports:      sports,
		Broadcaster: hub,
	}, engine.Config{
		PriceInterval:        cfg.Scheduler.PriceInterval,
		ScoreInterval:        cfg.Scheduler.ScoreInterval,
		EventInterval:        cfg.Scheduler.EventInterval,
		SentimentInterval:    cfg.Scheduler.SentimentInterval,
		FlashSweepInterval:   cfg.Scheduler.FlashSweepInterval,
		IdleDriftProbability: cfg.Scheduler.IdleDriftProbability,
		IdleVolatilityScale:  cfg.Scheduler.IdleVolatilityScale,
		ExternalDamping:      cfg.Scheduler.ExternalDamping,
		FlashDuration:        cfg.Scheduler.FlashDuration,
		FetchTimeout:         cfg.Scheduler.FetchTimeout,
		GameID:               cfg.SportsData.GameID,
		Discover:             discover,
		DiscoveryInterval:    cfg.SportsData.DiscoveryInterval,
	}, logger)
	if err != nil {
		slog.Error("engine setup failed", "err", err)
		os.Exit(1)
	}
	if discover {
		// The discovery task first fires one interval after start.
		eng.DiscoverTick(ctx)
	}
	if cfg.Scheduler.AutoStart {
		eng.Start(ctx)
	}

	// --- HTTP server ---
	server := api.NewServer(ctx, prices, tradeSvc, book, eng, hub.HandleWS, logger)
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down market-engine...")
	eng.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	cancel()
	fmt.Println("market-engine stopped")
}
