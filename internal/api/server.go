// Package api exposes the market engine over HTTP. Handlers are thin: they
// decode, call one engine operation and map its error to a status code.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/courtside/market-engine/internal/events"
	"github.com/courtside/market-engine/internal/ledger"
	"github.com/courtside/market-engine/internal/metrics"
	"github.com/courtside/market-engine/internal/model"
	"github.com/courtside/market-engine/internal/orders"
	"github.com/courtside/market-engine/internal/trade"
)

// Market is the engine surface the API drives.
type Market interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
	Game() model.LiveGame
	ApplyEvent(ctx context.Context, playerID, text string) (events.EventImpact, error)
	RefreshPlayers(ctx context.Context, players []model.Player) error
}

// Server holds the components behind the routes.
type Server struct {
	// ctx outlives requests; engine tasks started over HTTP run under it.
	ctx    context.Context
	ledger *ledger.Ledger
	trades *trade.Service
	book   *orders.Book
	market Market
	ws     http.HandlerFunc
	logger *slog.Logger
}

// NewServer creates a server. ws may be nil to disable the WebSocket route.
func NewServer(ctx context.Context, l *ledger.Ledger, trades *trade.Service, book *orders.Book, market Market, ws http.HandlerFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ctx: ctx, ledger: l, trades: trades, book: book, market: market, ws: ws, logger: logger}
}

// Router builds the chi router with middleware and every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.ws != nil {
			r.Get("/ws", s.ws)
		}

		r.Get("/players", s.ListPlayers)
		r.Put("/players", s.ReplacePlayers)
		r.Get("/players/{playerID}", s.GetPlayer)
		r.Put("/players/{playerID}/pricing-mode", s.SetPricingMode)
		r.Put("/players/{playerID}/playing", s.SetPlaying)

		r.Post("/portfolios", s.CreatePortfolio)
		r.Get("/portfolios/{userID}", s.GetPortfolio)
		r.Post("/portfolios/{userID}/reset-live", s.ResetLiveTrades)

		r.Post("/trades", s.ExecuteTrade)
		r.Get("/trades", s.RecentTrades)
		r.Get("/trades/{userID}", s.TradeHistory)

		r.Post("/orders", s.PlaceOrder)
		r.Get("/orders/{userID}", s.ListOrders)
		r.Delete("/orders/{userID}/{orderID}", s.CancelOrder)

		r.Get("/game", s.GetGame)
		r.Post("/events", s.ApplyEvent)

		r.Get("/engine", s.EngineStatus)
		r.Post("/engine/start", s.StartEngine)
		r.Post("/engine/stop", s.StopEngine)
	})
	return r
}

// --- Request types ---

// PricingModeRequest is the JSON body for PUT /api/v1/players/{playerID}/pricing-mode.
type PricingModeRequest struct {
	Mode model.PricingMode `json:"mode"`
}

// PlayingRequest is the JSON body for PUT /api/v1/players/{playerID}/playing.
type PlayingRequest struct {
	Playing bool `json:"playing"`
}

// TradeRequest is the JSON body for POST /api/v1/trades.
type TradeRequest struct {
	UserID      string `json:"user_id"`
	PlayerID    string `json:"player_id"`
	Shares      int64  `json:"shares"`
	Type        string `json:"type"`
	AccountType string `json:"account_type"`
}

// OrderRequest is the JSON body for POST /api/v1/orders.
type OrderRequest struct {
	UserID      string          `json:"user_id"`
	PlayerID    string          `json:"player_id"`
	Shares      int64           `json:"shares"`
	Type        string          `json:"type"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	AccountType string          `json:"account_type"`
}

// EventRequest is the JSON body for POST /api/v1/events.
type EventRequest struct {
	PlayerID string `json:"player_id"`
	Text     string `json:"text"`
}

// EventResponse reports an applied game event.
type EventResponse struct {
	PlayerID    string          `json:"player_id"`
	Kind        model.EventKind `json:"kind"`
	Multiplier  float64         `json:"multiplier"`
	PriceImpact decimal.Decimal `json:"price_impact"`
	NewPrice    decimal.Decimal `json:"new_price"`
}

// --- Handlers ---

// ListPlayers handles GET /api/v1/players
func (s *Server) ListPlayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.ListAll())
}

// GetPlayer handles GET /api/v1/players/{playerID}
func (s *Server) GetPlayer(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Get(chi.URLParam(r, "playerID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ReplacePlayers handles PUT /api/v1/players
func (s *Server) ReplacePlayers(w http.ResponseWriter, r *http.Request) {
	var players []model.Player
	if err := json.NewDecoder(r.Body).Decode(&players); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.market.RefreshPlayers(r.Context(), players); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.ListAll())
}

// SetPricingMode handles PUT /api/v1/players/{playerID}/pricing-mode
func (s *Server) SetPricingMode(w http.ResponseWriter, r *http.Request) {
	var req PricingModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "playerID")
	if err := s.ledger.SetPricingMode(r.Context(), id, req.Mode); err != nil {
		s.fail(w, err)
		return
	}
	s.GetPlayer(w, r)
}

// SetPlaying handles PUT /api/v1/players/{playerID}/playing
func (s *Server) SetPlaying(w http.ResponseWriter, r *http.Request) {
	var req PlayingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "playerID")
	if err := s.ledger.SetPlaying(r.Context(), id, req.Playing); err != nil {
		s.fail(w, err)
		return
	}
	s.GetPlayer(w, r)
}

// CreatePortfolio handles POST /api/v1/portfolios
func (s *Server) CreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := s.trades.CreatePortfolio(r.Context(), req.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPortfolio handles GET /api/v1/portfolios/{userID}
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.trades.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ResetLiveTrades handles POST /api/v1/portfolios/{userID}/reset-live
func (s *Server) ResetLiveTrades(w http.ResponseWriter, r *http.Request) {
	p, err := s.trades.ResetLiveTrades(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ExecuteTrade handles POST /api/v1/trades
func (s *Server) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	t, err := s.trades.Execute(r.Context(), trade.Request{
		UserID:      req.UserID,
		PlayerID:    req.PlayerID,
		Shares:      req.Shares,
		Side:        model.Side(req.Type),
		AccountType: model.AccountType(req.AccountType),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// RecentTrades handles GET /api/v1/trades
func (s *Server) RecentTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.trades.RecentTrades(r.Context(), queryLimit(r, 50))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// TradeHistory handles GET /api/v1/trades/{userID}
func (s *Server) TradeHistory(w http.ResponseWriter, r *http.Request) {
	trades, err := s.trades.History(r.Context(), chi.URLParam(r, "userID"), queryLimit(r, 100))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// PlaceOrder handles POST /api/v1/orders
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	o, err := s.book.Place(r.Context(), orders.PlaceRequest{
		UserID:      req.UserID,
		PlayerID:    req.PlayerID,
		Shares:      req.Shares,
		Side:        model.Side(req.Type),
		LimitPrice:  req.LimitPrice,
		AccountType: model.AccountType(req.AccountType),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrders handles GET /api/v1/orders/{userID}
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	list, err := s.book.List(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CancelOrder handles DELETE /api/v1/orders/{userID}/{orderID}
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.book.Cancel(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "orderID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetGame handles GET /api/v1/game
func (s *Server) GetGame(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.market.Game())
}

// ApplyEvent handles POST /api/v1/events
func (s *Server) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PlayerID == "" || req.Text == "" {
		writeError(w, "player_id and text are required", http.StatusBadRequest)
		return
	}
	ei, err := s.market.ApplyEvent(r.Context(), req.PlayerID, req.Text)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := EventResponse{
		PlayerID:    req.PlayerID,
		Kind:        ei.Event.Kind,
		Multiplier:  ei.Multiplier,
		PriceImpact: ei.PriceImpact,
	}
	if price, err := s.ledger.GetPrice(req.PlayerID); err == nil {
		resp.NewPrice = price
	}
	writeJSON(w, http.StatusOK, resp)
}

// EngineStatus handles GET /api/v1/engine
func (s *Server) EngineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.market.Running()})
}

// StartEngine handles POST /api/v1/engine/start
func (s *Server) StartEngine(w http.ResponseWriter, r *http.Request) {
	s.market.Start(s.ctx)
	s.logger.Info("engine started over http")
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.market.Running()})
}

// StopEngine handles POST /api/v1/engine/stop
func (s *Server) StopEngine(w http.ResponseWriter, r *http.Request) {
	s.market.Stop()
	s.logger.Info("engine stopped over http")
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.market.Running()})
}

// fail maps an engine error to a status code.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientShares),
		errors.Is(err, model.ErrNoTradesRemaining),
		errors.Is(err, model.ErrTooManyPendingOrders),
		errors.Is(err, trade.ErrPlayerLimitExceeded),
		errors.Is(err, trade.ErrTeamLimitExceeded):
		status = http.StatusConflict
	case errors.Is(err, model.ErrUpstreamTimeout), errors.Is(err, model.ErrUpstreamUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func queryLimit(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
