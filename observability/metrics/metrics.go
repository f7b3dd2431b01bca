// Package metrics bundles the prometheus collectors of the sandbox. Every
// server owns one Sandbox instance with its own registry, so tests can spin
// up several servers in one process without collector collisions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sandbox carries the collectors of one sandbox process. A nil receiver is
// valid and records nothing, so callers may leave metrics unconfigured.
type Sandbox struct {
	registry      *prometheus.Registry
	ebicsRequests *prometheus.CounterVec
	booked        prometheus.Counter
	statements    prometheus.Counter
	withdrawals   *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// NewSandbox builds and registers all sandbox collectors.
func NewSandbox() *Sandbox {
	m := &Sandbox{
		registry: prometheus.NewRegistry(),
		ebicsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "ebics",
			Name:      "requests_total",
			Help:      "Count of processed EBICS requests segmented by order type, phase and return code.",
		}, []string{"order_type", "phase", "result"}),
		booked: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "bank",
			Name:      "transactions_booked_total",
			Help:      "Count of ledger rows written by booked payments.",
		}),
		statements: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: "bank",
			Name:      "statements_closed_total",
			Help:      "Count of camt.053 statements closed by ticks.",
		}),
		withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "taler",
			Name:      "withdrawals_total",
			Help:      "Count of withdrawal operations segmented by the state they reached.",
		}, []string{"state"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of sandbox HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
	m.registry.MustRegister(
		m.ebicsRequests,
		m.booked,
		m.statements,
		m.withdrawals,
		m.httpDurations,
	)
	return m
}

// ObserveEbicsRequest records one processed EBICS exchange.
func (m *Sandbox) ObserveEbicsRequest(orderType, phase, result string) {
	if m == nil {
		return
	}
	if orderType == "" {
		orderType = "unknown"
	}
	if phase == "" {
		phase = "unknown"
	}
	if result == "" {
		result = "unknown"
	}
	m.ebicsRequests.WithLabelValues(orderType, phase, result).Inc()
}

// AddBookedTransactions adds the number of ledger rows a booking wrote.
func (m *Sandbox) AddBookedTransactions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.booked.Add(float64(n))
}

// AddClosedStatements adds the number of statements one tick closed.
func (m *Sandbox) AddClosedStatements(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.statements.Add(float64(n))
}

// RecordWithdrawal counts a withdrawal operation reaching a state.
func (m *Sandbox) RecordWithdrawal(state string) {
	if m == nil {
		return
	}
	if state == "" {
		state = "unknown"
	}
	m.withdrawals.WithLabelValues(state).Inc()
}

// Middleware meters request durations under the given route label. Routes
// that hijack the connection must not be wrapped, as the recorder hides the
// Hijacker interface.
func (m *Sandbox) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			m.httpDurations.
				WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).
				Observe(time.Since(start).Seconds())
		})
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Sandbox) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
