// Package metrics exposes Prometheus collectors for the client core.
package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns every collector used by the supervisor, API client, event
// channel, and job state machine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	backendResolutions *prometheus.CounterVec
	probeAttempts      *prometheus.CounterVec
	jobTransitions     *prometheus.CounterVec
	eventsReceived     *prometheus.CounterVec
	eventsDropped      *prometheus.CounterVec
	apiRequests        *prometheus.CounterVec
	apiDuration        *prometheus.HistogramVec
	uiRequests         *prometheus.CounterVec
	uiDuration         *prometheus.HistogramVec
}

// New registers the collectors against reg. When reg is nil a private
// registry is created so independent sessions never collide.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		backendResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sketch_backend_resolutions_total",
			Help: "Backend resolutions partitioned by mode and outcome.",
		}, []string{"mode", "outcome"}),
		probeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sketch_health_probe_attempts_total",
			Help: "Readiness probe polls partitioned by result.",
		}, []string{"result"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sketch_job_transitions_total",
			Help: "Job state machine transitions.",
		}, []string{"from", "to"}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sketch_events_received_total",
			Help: "Push events delivered, partitioned by type.",
		}, []string{"type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sketch_events_dropped_total",
			Help: "Push events discarded, partitioned by reason.",
		}, []string{"reason"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sketch_api_requests_total",
			Help: "Backend API calls partitioned by operation and outcome.",
		}, []string{"operation", "outcome"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sketch_api_request_duration_seconds",
			Help:    "Backend API call latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		}, []string{"operation"}),
		uiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sketch_ui_http_requests_total",
			Help: "UI boundary requests, labeled by method and code.",
		}, []string{"method", "code"}),
		uiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sketch_ui_http_request_duration_seconds",
			Help:    "UI boundary latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
	}
	for _, collector := range []prometheus.Collector{
		m.backendResolutions,
		m.probeAttempts,
		m.jobTransitions,
		m.eventsReceived,
		m.eventsDropped,
		m.apiRequests,
		m.apiDuration,
		m.uiRequests,
		m.uiDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return m, nil
}

// Handler returns an http.Handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveResolution counts one supervisor resolution.
func (m *Metrics) ObserveResolution(mode, outcome string) {
	if m == nil {
		return
	}
	m.backendResolutions.WithLabelValues(mode, outcome).Inc()
}

// ObserveProbe counts one readiness poll.
func (m *Metrics) ObserveProbe(healthy bool) {
	if m == nil {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	m.probeAttempts.WithLabelValues(result).Inc()
}

// ObserveTransition counts one job state change.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.jobTransitions.WithLabelValues(from, to).Inc()
}

// ObserveEvent counts one delivered push event.
func (m *Metrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "untyped"
	}
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

// ObserveDrop counts one discarded push event.
func (m *Metrics) ObserveDrop(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

// ObserveRequest records the outcome and latency of one API call.
func (m *Metrics) ObserveRequest(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(operation, outcome).Inc()
	m.apiDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveHTTPRequest records one UI boundary request.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.uiRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.uiDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Middleware is a chi middleware that records UI boundary request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.ObserveHTTPRequest(r.Method, route, rec.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, buf, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack connection: %w", err)
	}
	return conn, buf, nil
}
