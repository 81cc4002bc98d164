// Package metrics provides Prometheus instrumentation for the forward engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContractsTotal counts lifecycle transitions by resulting status.
	ContractsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forward_contracts_total",
		Help: "Contracts created, filled and closed",
	}, []string{"status"})

	// Liquidations counts closes where one side's claim was fully consumed.
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forward_liquidations_total",
		Help: "Contracts closed by liquidation",
	})

	// Rejections counts lifecycle calls refused, by error kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forward_rejections_total",
		Help: "Lifecycle operations rejected",
	}, []string{"op", "reason"})

	// CloseLatency tracks close execution latency.
	CloseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forward_close_latency_seconds",
		Help:    "Contract close latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// CollateralLocked tracks collateral debited into escrow, per asset.
	CollateralLocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forward_collateral_locked_total",
		Help: "Cumulative collateral debited into contracts (fixed-point units)",
	}, []string{"asset"})

	// MonitorTicks counts closing-monitor ticks by outcome.
	MonitorTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forward_monitor_ticks_total",
		Help: "Closing monitor ticks",
	}, []string{"outcome"})

	// CloseFailures counts closes the monitor attempted and failed.
	CloseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forward_close_failures_total",
		Help: "Monitor close attempts that failed",
	})

	// BlockHeight is the last block height seen by the monitor.
	BlockHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forward_block_height",
		Help: "Last observed ledger block height",
	})

	// MirrorPositions tracks active mirror entries.
	MirrorPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forward_mirror_positions",
		Help: "Active positions in the off-chain mirror",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forward_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forward_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forward_http_request_duration_seconds",
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

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
