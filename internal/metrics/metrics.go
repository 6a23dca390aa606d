// Package metrics provides Prometheus instrumentation for the sale engine.
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
)

var (
	// PurchasesTotal counts committed purchases, partitioned by phase.
	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sale_purchases_total",
		Help: "Total number of committed purchases",
	}, []string{"phase"})

	// UnitsIssued counts items issued, partitioned by phase.
	UnitsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sale_units_issued_total",
		Help: "Total number of items issued",
	}, []string{"phase"})

	// PurchaseLatency tracks purchase execution latency.
	PurchaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sale_purchase_latency_seconds",
		Help:    "Purchase execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	// Rejections counts rejected calls by operation.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sale_rejections_total",
		Help: "Calls rejected by a precondition",
	}, []string{"operation"})

	// RefundsTotal counts settled refunds by payout channel (native or aux).
	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sale_refunds_total",
		Help: "Total number of refund payouts",
	}, []string{"channel"})

	// RefundedValue tracks cumulative refunded value by payout channel.
	RefundedValue = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sale_refunded_value_total",
		Help: "Cumulative refunded value in whole coins",
	}, []string{"channel"})

	// AuctionPrice is the auction price observed on the last bid or status read.
	AuctionPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sale_auction_price",
		Help: "Most recently observed auction price",
	})

	// NumSold mirrors the committed sold counter.
	NumSold = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sale_num_sold",
		Help: "Units sold across auction, allowlist and public phases",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sale_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sale_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sale_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
