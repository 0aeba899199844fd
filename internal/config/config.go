// Package config loads service configuration from a YAML file and CX_*
// environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Market     MarketConfig     `mapstructure:"market"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Orders     OrdersConfig     `mapstructure:"orders"`
	SportsData SportsDataConfig `mapstructure:"sportsdata"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StoreConfig selects the persistence strategy. An empty DatabaseURL means
// the in-memory store.
type StoreConfig struct {
	DatabaseURL string        `mapstructure:"database_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
}

type MarketConfig struct {
	PriceFloor         float64 `mapstructure:"price_floor"`
	HistoryCap         int     `mapstructure:"history_cap"`
	StartingBalance    float64 `mapstructure:"starting_balance"`
	LiveTrades         int     `mapstructure:"live_trades"`
	TradeLogCap        int     `mapstructure:"trade_log_cap"`
	Liquidity          float64 `mapstructure:"liquidity"`
	BroadcastThreshold float64 `mapstructure:"broadcast_threshold"`
	MarketImpact       bool    `mapstructure:"market_impact"`
	MaxPerPlayer       float64 `mapstructure:"max_per_player"`
	MaxPerTeam         float64 `mapstructure:"max_per_team"`
	Seed               bool    `mapstructure:"seed"`
}

type SchedulerConfig struct {
	PriceInterval        time.Duration `mapstructure:"price_interval"`
	ScoreInterval        time.Duration `mapstructure:"score_interval"`
	EventInterval        time.Duration `mapstructure:"event_interval"`
	SentimentInterval    time.Duration `mapstructure:"sentiment_interval"`
	FlashSweepInterval   time.Duration `mapstructure:"flash_sweep_interval"`
	IdleDriftProbability float64       `mapstructure:"idle_drift_probability"`
	IdleVolatilityScale  float64       `mapstructure:"idle_volatility_scale"`
	ExternalDamping      float64       `mapstructure:"external_damping"`
	FlashDuration        time.Duration `mapstructure:"flash_duration"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	AutoStart            bool          `mapstructure:"auto_start"`
}

type OrdersConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	Retention  time.Duration `mapstructure:"retention"`
	MaxPending int           `mapstructure:"max_pending"`
	MaxOrders  int           `mapstructure:"max_orders"`
}

type SportsDataConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	GameID   string        `mapstructure:"game_id"`
	// Discover follows today's first unfinished roster game when GameID
	// is empty.
	Discover          bool          `mapstructure:"discover"`
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.cache_ttl", "30s")

	v.SetDefault("market.price_floor", 10.0)
	v.SetDefault("market.history_cap", 100)
	v.SetDefault("market.starting_balance", 10000.0)
	v.SetDefault("market.live_trades", 10)
	v.SetDefault("market.trade_log_cap", 1000)
	v.SetDefault("market.liquidity", 10000.0)
	v.SetDefault("market.broadcast_threshold", 0.01)
	v.SetDefault("market.market_impact", true)
	v.SetDefault("market.max_per_player", 0.0)
	v.SetDefault("market.max_per_team", 0.0)
	v.SetDefault("market.seed", true)

	v.SetDefault("scheduler.price_interval", "3s")
	v.SetDefault("scheduler.score_interval", "5s")
	v.SetDefault("scheduler.event_interval", "20s")
	v.SetDefault("scheduler.sentiment_interval", "45s")
	v.SetDefault("scheduler.flash_sweep_interval", "1s")
	v.SetDefault("scheduler.idle_drift_probability", 0.1)
	v.SetDefault("scheduler.idle_volatility_scale", 0.1)
	v.SetDefault("scheduler.external_damping", 0.5)
	v.SetDefault("scheduler.flash_duration", "30s")
	v.SetDefault("scheduler.fetch_timeout", "10s")
	v.SetDefault("scheduler.auto_start", true)

	v.SetDefault("orders.ttl", "24h")
	v.SetDefault("orders.retention", "168h")
	v.SetDefault("orders.max_pending", 10)
	v.SetDefault("orders.max_orders", 1000)

	v.SetDefault("sportsdata.enabled", false)
	v.SetDefault("sportsdata.base_url", "https://api.balldontlie.io/v1")
	v.SetDefault("sportsdata.api_key", "")
	v.SetDefault("sportsdata.timeout", "10s")
	v.SetDefault("sportsdata.cache_ttl", "5m")
	v.SetDefault("sportsdata.game_id", "")
	v.SetDefault("sportsdata.discover", true)
	v.SetDefault("sportsdata.discovery_interval", "10m")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
