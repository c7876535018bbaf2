// Package metrics provides Prometheus instrumentation for the evaluation engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by type.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propdesk_trades_total",
		Help: "Total number of trades executed",
	}, []string{"type"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propdesk_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TradeRejections counts rejected orders by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propdesk_trade_rejections_total",
		Help: "Orders rejected before execution",
	}, []string{"reason"})

	// BalanceRejections counts deducts blocked by the negative-balance invariant.
	BalanceRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "propdesk_balance_rejections_total",
		Help: "Balance mutations rejected by the no-negative-balance invariant",
	})

	// BalanceAnomalies counts soft anomalies flagged by the balance manager.
	BalanceAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propdesk_balance_anomalies_total",
		Help: "Soft balance anomalies (operation proceeded)",
	}, []string{"kind"})

	// MarketFreezes counts circuit breaker trips by trigger.
	MarketFreezes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propdesk_market_freezes_total",
		Help: "Circuit breaker freezes",
	}, []string{"trigger"})

	// PositionsSettled counts positions closed by the settlement sweep.
	PositionsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "propdesk_positions_settled_total",
		Help: "Positions closed by market settlement",
	})

	// SettlementErrors counts per-position settlement failures.
	SettlementErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "propdesk_settlement_errors_total",
		Help: "Per-position errors during settlement sweeps",
	})

	// AccountsFailed counts accounts transitioned to failed by risk rules.
	AccountsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "propdesk_accounts_failed_total",
		Help: "Accounts failed by hard risk rules",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "propdesk_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "propdesk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "propdesk_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		// Use the raw path for the label; route cardinality here is low.
		path := r.URL.Path
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
