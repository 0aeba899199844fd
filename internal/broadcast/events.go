// Package broadcast fans engine events out to subscribers. The engine only
// sees the Broadcaster interface; WSHub is the WebSocket transport and
// Recorder is the in-process double used by tests.
package broadcast

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Rooms group events so clients can subscribe to a subset.
const (
	RoomMarket = "market"
	RoomGame   = "game"
	RoomTrades = "trades"
)

// Event names emitted by the engine.
const (
	EventPriceUpdate        = "price_update"
	EventFlashMultiplier    = "flash_multiplier"
	EventFlashExpired       = "flash_multiplier_expired"
	EventGameScore          = "game_score_update"
	EventGameEvent          = "game_event"
	EventTradeFeed          = "trade_feed"
	EventMarketImpact       = "market_impact"
	EventMarketSentiment    = "market_sentiment"
	EventLimitOrderExecuted = "limit_order_executed"
	EventLimitOrderExpired  = "limit_order_expired"
)

// Broadcaster emits a named event with payload to a room. Implementations
// must not block the caller.
type Broadcaster interface {
	Emit(room, event string, payload any)
}

// Message is the envelope written to subscribers.
type Message struct {
	Room      string    `json:"room"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceUpdate is the price_update payload. Seq increases per player in
// commit order.
type PriceUpdate struct {
	PlayerID     string          `json:"playerId"`
	NewPrice     decimal.Decimal `json:"newPrice"`
	Delta        decimal.Decimal `json:"delta"`
	DeltaPercent decimal.Decimal `json:"deltaPercent"`
	Seq          uint64          `json:"seq"`
	Source       string          `json:"source,omitempty"`
}

// FlashMultiplier is the flash_multiplier payload.
type FlashMultiplier struct {
	PlayerID    string    `json:"playerId"`
	Multiplier  float64   `json:"multiplier"`
	Duration    int64     `json:"duration"` // ms
	StartTime   time.Time `json:"startTime"`
	Description string    `json:"description"`
}

// FlashExpired is the flash_multiplier_expired payload.
type FlashExpired struct {
	PlayerID string `json:"playerId"`
}

// GameScore is the game_score_update payload.
type GameScore struct {
	GameID        string `json:"gameId"`
	HomeScore     int    `json:"homeScore"`
	AwayScore     int    `json:"awayScore"`
	Quarter       int    `json:"quarter"`
	TimeRemaining string `json:"timeRemaining"`
	Status        string `json:"status"`
	LastScore     string `json:"lastScore,omitempty"`
}

// GameEvent is the game_event payload.
type GameEvent struct {
	PlayerID    string          `json:"playerId"`
	Kind        string          `json:"kind"`
	Description string          `json:"description"`
	Multiplier  float64         `json:"multiplier"`
	PriceImpact decimal.Decimal `json:"priceImpact"`
}

// TradeFeed is the trade_feed / market_impact payload.
type TradeFeed struct {
	TradeID            string          `json:"tradeId"`
	UserID             string          `json:"userId"`
	PlayerID           string          `json:"playerId"`
	Type               string          `json:"type"`
	Shares             int64           `json:"shares"`
	Price              decimal.Decimal `json:"price"`
	PriceImpact        decimal.Decimal `json:"priceImpact"`
	PriceImpactPercent decimal.Decimal `json:"priceImpactPercent"`
	NewPrice           decimal.Decimal `json:"newPrice"`
	ImpactLevel        string          `json:"impactLevel"`
	Description        string          `json:"description"`
}

// MarketSentiment is the market_sentiment payload.
type MarketSentiment struct {
	Sentiment  string  `json:"sentiment"`
	Volume     int64   `json:"volume"`
	Volatility float64 `json:"volatility"`
}

// LimitOrderEvent is the payload of limit order transitions.
type LimitOrderEvent struct {
	OrderID  string          `json:"orderId"`
	UserID   string          `json:"userId"`
	PlayerID string          `json:"playerId"`
	Type     string          `json:"type"`
	Shares   int64           `json:"shares"`
	Price    decimal.Decimal `json:"price"`
}

// Nop discards everything.
type Nop struct{}

func (Nop) Emit(string, string, any) {}

// Recorder keeps every emitted message in order.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Emit(room, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Room: room, Event: event, Payload: payload, Timestamp: time.Now()})
}

// Messages returns a copy of everything recorded.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Named returns the recorded messages with the given event name.
func (r *Recorder) Named(event string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Message
	for _, m := range r.messages {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
