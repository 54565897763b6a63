// Package metrics exposes Prometheus instruments for the accrual engine and
// the HTTP surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	TicksTotal          *prometheus.CounterVec
	TickDuration        prometheus.Histogram
	TickRetries         prometheus.Counter
	PositionsProcessed  *prometheus.CounterVec
	ProfitCredited      *prometheus.CounterVec
	PositionErrors      *prometheus.CounterVec
	NotificationFailure prometheus.Counter
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yieldsim_accrual_ticks_total",
				Help: "Accrual ticks run, by outcome.",
			},
			[]string{"status"},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "yieldsim_accrual_tick_duration_seconds",
				Help:    "Wall time of one accrual tick.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),
		TickRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "yieldsim_accrual_tick_retries_total",
				Help: "Tick attempts retried after a transient store error.",
			},
		),
		PositionsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yieldsim_accrual_positions_total",
				Help: "Positions handled by the accrual engine, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		ProfitCredited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yieldsim_accrual_profit_credited",
				Help: "Sum of profit credited, by kind.",
			},
			[]string{"kind"},
		),
		PositionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yieldsim_accrual_position_errors_total",
				Help: "Per-position accrual errors, by error kind.",
			},
			[]string{"error_kind"},
		),
		NotificationFailure: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "yieldsim_notification_failures_total",
				Help: "Notifications dropped after exhausting retries.",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yieldsim_http_requests_total",
				Help: "HTTP requests served.",
			},
			[]string{"method", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "yieldsim_http_request_duration_seconds",
				Help:    "HTTP request latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
	reg.MustRegister(
		m.TicksTotal, m.TickDuration, m.TickRetries,
		m.PositionsProcessed, m.ProfitCredited, m.PositionErrors,
		m.NotificationFailure, m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Registry returns the registry the instruments live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTick(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(status).Inc()
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) IncTickRetry() {
	if m == nil {
		return
	}
	m.TickRetries.Inc()
}

func (m *Metrics) ObservePosition(kind, outcome string) {
	if m == nil {
		return
	}
	m.PositionsProcessed.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) AddProfit(kind string, amount float64) {
	if m == nil {
		return
	}
	m.ProfitCredited.WithLabelValues(kind).Add(amount)
}

func (m *Metrics) IncPositionError(errorKind string) {
	if m == nil {
		return
	}
	m.PositionErrors.WithLabelValues(errorKind).Inc()
}

func (m *Metrics) IncNotificationFailure() {
	if m == nil {
		return
	}
	m.NotificationFailure.Inc()
}

// Middleware records request counts and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(rw.status)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
