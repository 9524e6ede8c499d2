// Package metrics provides Prometheus instrumentation for the pledge engine.
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
	// PledgesTotal counts pledge submissions by terminal outcome
	// ("completed", "pool_not_found", "pool_locked", ...).
	PledgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pledge_submissions_total",
		Help: "Total pledge submissions by outcome",
	}, []string{"outcome"})

	// PledgeLatency tracks end-to-end submitPledge latency by outcome.
	PledgeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pledge_submission_latency_seconds",
		Help:    "Pledge submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// PledgedUnits accumulates committed units by pool currency. Per-pool
	// totals live in the store.
	PledgedUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pledge_units_total",
		Help: "Cumulative units pledged",
	}, []string{"currency"})

	// UnreconciledAuthorizations counts authorizations granted without a
	// persisted pledge record. Every increment needs manual reconciliation.
	UnreconciledAuthorizations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pledge_unreconciled_authorizations_total",
		Help: "Authorizations that may be orphaned and need reconciliation",
	})

	// OpenPools tracks the number of pools still accepting pledges.
	OpenPools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pledge_open_pools",
		Help: "Number of pools currently accepting pledges",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pledge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pledge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pledge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObservePledge records one terminal pledge outcome.
func ObservePledge(outcome string, started time.Time) {
	PledgesTotal.WithLabelValues(outcome).Inc()
	PledgeLatency.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
