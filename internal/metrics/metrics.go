// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades by side and account bucket.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courtside_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "account"})

	// TradeRejections counts trades refused by validation or balance checks.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courtside_trade_rejections_total",
		Help: "Trades rejected before execution",
	}, []string{"reason"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courtside_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// PriceUpdates counts committed price changes by what produced them.
	PriceUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courtside_price_updates_total",
		Help: "Committed player price updates",
	}, []string{"source"})

	// TickDuration tracks how long each scheduled task takes.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courtside_tick_duration_seconds",
		Help:    "Scheduled task duration in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"task"})

	// FlashMultipliersActive tracks the number of live flash multipliers.
	FlashMultipliersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courtside_flash_multipliers_active",
		Help: "Number of currently active flash multipliers",
	})

	// LimitOrders counts limit order transitions.
	LimitOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courtside_limit_orders_total",
		Help: "Limit order outcomes",
	}, []string{"outcome"})

	// UpstreamFallbacks counts sports-data failures that fell back to synthetic data.
	UpstreamFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courtside_upstream_fallbacks_total",
		Help: "External data failures answered with synthetic data",
	}, []string{"call"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courtside_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// BroadcastDropped counts events dropped because the hub buffer was full.
	BroadcastDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courtside_broadcast_dropped_total",
		Help: "Broadcast events dropped on a full buffer",
	}, []string{"event"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courtside_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courtside_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveTick records a task duration since start.
func ObserveTick(task string, start time.Time) {
	TickDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
