// Package metrics owns the Prometheus collectors for the credit engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reservations   *prometheus.CounterVec
	settlements    *prometheus.CounterVec
	creditsMoved   *prometheus.CounterVec
	buildsActive   prometheus.Gauge
	buildsFinished *prometheus.CounterVec
	buildDuration  prometheus.Histogram
	invocations    *prometheus.CounterVec
	eventsDropped  prometheus.Counter
	deliveryFailed prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autowebiq_credit_reservations_total",
			Help: "Reservation attempts by result",
		}, []string{"result"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autowebiq_credit_settlements_total",
			Help: "Terminal ledger operations by outcome",
		}, []string{"outcome"}),
		creditsMoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autowebiq_credits_total",
			Help: "Credits moved through the ledger by transaction kind",
		}, []string{"kind"}),
		buildsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autowebiq_builds_active",
			Help: "Builds currently executing",
		}),
		buildsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autowebiq_builds_finished_total",
			Help: "Finished builds by final status",
		}, []string{"status"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autowebiq_build_duration_seconds",
			Help:    "Wall clock time of executed builds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autowebiq_agent_invocations_total",
			Help: "Agent invocations by agent type and status",
		}, []string{"agent", "status"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autowebiq_progress_events_dropped_total",
			Help: "Non-terminal progress events dropped for slow subscribers",
		}),
		deliveryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "autowebiq_progress_terminal_delivery_failures_total",
			Help: "Terminal progress events that could not be delivered",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.reservations, m.settlements, m.creditsMoved, m.buildsActive, m.buildsFinished,
		m.buildDuration, m.invocations, m.eventsDropped, m.deliveryFailed,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Reservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

func (m *Metrics) Settlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(outcome).Inc()
}

// Credits adds the absolute amount moved by a transaction of kind.
func (m *Metrics) Credits(kind string, amount int64) {
	if m == nil || amount == 0 {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.creditsMoved.WithLabelValues(kind).Add(float64(amount))
}

func (m *Metrics) BuildStarted() {
	if m == nil {
		return
	}
	m.buildsActive.Inc()
}

func (m *Metrics) BuildFinished(status string, seconds float64) {
	if m == nil {
		return
	}
	m.buildsActive.Dec()
	m.buildsFinished.WithLabelValues(status).Inc()
	m.buildDuration.Observe(seconds)
}

func (m *Metrics) Invocation(agent, status string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(agent, status).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailed.Inc()
}
