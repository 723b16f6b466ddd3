// Package metrics provides Prometheus instrumentation for the options engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

var (
	// TradesSubmitted counts queued trades, partitioned by market.
	TradesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_options_trades_submitted_total",
		Help: "Total number of trades queued",
	}, []string{"market"})

	// ResolutionOutcomes counts resolve batch items by outcome and reason code.
	ResolutionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_options_resolution_outcomes_total",
		Help: "Queued trade resolutions by outcome",
	}, []string{"outcome", "code"})

	// UnlockOutcomes counts unlock batch items by outcome and reason code.
	UnlockOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_options_unlock_outcomes_total",
		Help: "Option unlocks by outcome",
	}, []string{"outcome", "code"})

	// OptionsCreated counts options opened per market.
	OptionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_options_created_total",
		Help: "Options opened",
	}, []string{"market"})

	// OptionsSettled counts settled options per market and final state.
	OptionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_options_settled_total",
		Help: "Options settled",
	}, []string{"market", "state"})

	// BatchLatency tracks how long a keeper batch takes.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_options_batch_latency_seconds",
		Help:    "Keeper batch execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// PoolTotal, PoolLocked and PoolAvailable track the collateral pool in
	// asset base units.
	PoolTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_options_pool_total",
		Help: "Collateral pool total balance",
	})
	PoolLocked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_options_pool_locked",
		Help: "Collateral locked against open options",
	})
	PoolAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_options_pool_available",
		Help: "Collateral free for new options",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_options_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts committed events by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_options_events_total",
		Help: "Committed events",
	}, []string{"type"})

	// PublishFailures counts failed writes to the store or an event sink.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_options_publish_failures_total",
		Help: "Failed projections of committed state",
	}, []string{"target"})

	// RateLimited counts requests rejected by the per-caller limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_options_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_options_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_options_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// SetPool records the pool gauges.
func SetPool(total, locked, available decimal.Decimal) {
	PoolTotal.Set(total.InexactFloat64())
	PoolLocked.Set(locked.InexactFloat64())
	PoolAvailable.Set(available.InexactFloat64())
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
