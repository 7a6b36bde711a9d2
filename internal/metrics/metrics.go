package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mentions_bot"

// Metrics holds the Prometheus collectors of the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	evaluations        *prometheus.CounterVec
	evaluationDuration prometheus.Histogram
	alertsFired        *prometheus.CounterVec
	alertsSuppressed   prometheus.Counter
	deliveries         *prometheus.CounterVec
	rateLimitDenials   *prometheus.CounterVec
	sentimentDegraded  prometheus.Counter
	queueDepth         prometheus.Gauge
	activeMonitors     prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg uses a
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Monitor evaluation passes by outcome",
			},
			[]string{"outcome"},
		),
		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of one monitor evaluation pass",
				Buckets:   prometheus.DefBuckets,
			},
		),
		alertsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_fired_total",
				Help:      "Alerts fired by type and severity",
			},
			[]string{"type", "severity"},
		),
		alertsSuppressed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_suppressed_total",
				Help:      "Evaluation passes whose alerts were suppressed by the cooldown",
			},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Notification deliveries by channel and result",
			},
			[]string{"channel", "result"},
		),
		rateLimitDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_denials_total",
				Help:      "Fetches skipped because the provider budget was spent",
			},
			[]string{"provider"},
		),
		sentimentDegraded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sentiment_degraded_total",
				Help:      "Mentions whose classification fell back to neutral",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_queue_depth",
				Help:      "Monitors waiting in the due queue",
			},
		),
		activeMonitors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_monitors",
				Help:      "Active monitors in the registry",
			},
		),
	}

	reg.MustRegister(
		m.evaluations,
		m.evaluationDuration,
		m.alertsFired,
		m.alertsSuppressed,
		m.deliveries,
		m.rateLimitDenials,
		m.sentimentDegraded,
		m.queueDepth,
		m.activeMonitors,
	)
	return m
}

// Handler serves the registered collectors
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Evaluation records one evaluation pass
func (m *Metrics) Evaluation(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(outcome).Inc()
	m.evaluationDuration.Observe(duration.Seconds())
}

// AlertFired records a fired alert
func (m *Metrics) AlertFired(alertType, severity string) {
	if m == nil {
		return
	}
	m.alertsFired.WithLabelValues(alertType, severity).Inc()
}

// AlertsSuppressed records a pass whose alerts the cooldown suppressed
func (m *Metrics) AlertsSuppressed() {
	if m == nil {
		return
	}
	m.alertsSuppressed.Inc()
}

// Delivery records one channel delivery
func (m *Metrics) Delivery(channel string, delivered bool) {
	if m == nil {
		return
	}
	result := "failed"
	if delivered {
		result = "delivered"
	}
	m.deliveries.WithLabelValues(channel, result).Inc()
}

// RateLimitDenied records a skipped fetch
func (m *Metrics) RateLimitDenied(provider string) {
	if m == nil {
		return
	}
	m.rateLimitDenials.WithLabelValues(provider).Inc()
}

// SentimentDegraded adds n degraded classifications
func (m *Metrics) SentimentDegraded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sentimentDegraded.Add(float64(n))
}

// QueueDepth sets the scheduler queue depth
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ActiveMonitors sets the number of active monitors
func (m *Metrics) ActiveMonitors(n int) {
	if m == nil {
		return
	}
	m.activeMonitors.Set(float64(n))
}
