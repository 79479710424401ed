// Package observability exposes Prometheus metrics for the application.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for HTTP traffic and voucher issuance.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	issueOutcomes   *prometheus.CounterVec
	replayResults   *prometheus.CounterVec
	reconcileGaps   prometheus.Counter
}

// NewMetrics initialises the registry and base collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fiscalia_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fiscalia_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	issues := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fiscalia_voucher_issue_total",
		Help: "Voucher issuance attempts by outcome.",
	}, []string{"outcome"})
	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fiscalia_pending_replay_total",
		Help: "Pending-queue replay attempts by result.",
	}, []string{"result"})
	gaps := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fiscalia_ledger_reconcile_gaps_total",
		Help: "Sequence gaps found by the reconciliation sweep.",
	})
	registry.MustRegister(requests, duration, issues, replays, gaps)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		issueOutcomes:   issues,
		replayResults:   replays,
		reconcileGaps:   gaps,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveIssue counts one issuance by outcome.
func (m *Metrics) ObserveIssue(outcome string) {
	if m == nil {
		return
	}
	m.issueOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveReplay counts one replay attempt by result.
func (m *Metrics) ObserveReplay(result string) {
	if m == nil {
		return
	}
	m.replayResults.WithLabelValues(result).Inc()
}

// AddReconcileGaps counts gaps found by a reconciliation sweep.
func (m *Metrics) AddReconcileGaps(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileGaps.Add(float64(n))
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
