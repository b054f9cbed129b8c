// Package metrics defines the Prometheus instruments of the engine.
//
// All recording methods are safe on a nil *Metrics so components can run
// uninstrumented in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	ProviderOutcomes   *prometheus.CounterVec
	UpstreamLatency    *prometheus.HistogramVec
	CacheLookups       *prometheus.CounterVec
	LimiterDenials     *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	ChangesDetected    *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	DeliveryLatency    prometheus.Histogram
	Dispositions       *prometheus.CounterVec
	SharedFetches      prometheus.Counter
}

// New creates and registers all metrics on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		ProviderOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "companyhub_provider_outcomes_total",
			Help: "Per-provider resolution outcomes by status",
		}, []string{"provider", "status"}),
		UpstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "companyhub_upstream_fetch_duration_seconds",
			Help:    "Latency of upstream connector fetches",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider", "result"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "companyhub_cache_lookups_total",
			Help: "Snapshot cache lookups by result (hit, stale, miss)",
		}, []string{"provider", "result"}),
		LimiterDenials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "companyhub_ratelimit_denials_total",
			Help: "Rate limiter denials by reason",
		}, []string{"provider", "reason"}),
		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "companyhub_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"provider", "state"}),
		ChangesDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "companyhub_changes_detected_total",
			Help: "Change records written by kind",
		}, []string{"provider", "kind"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "companyhub_webhook_deliveries_total",
			Help: "Webhook delivery attempts by result (delivered, retry, failed)",
		}, []string{"result"}),
		DeliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "companyhub_webhook_delivery_duration_seconds",
			Help:    "Latency of webhook POSTs",
			Buckets: prometheus.DefBuckets,
		}),
		Dispositions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "companyhub_resolve_dispositions_total",
			Help: "Resolve calls by overall disposition",
		}, []string{"disposition"}),
		SharedFetches: f.NewCounter(prometheus.CounterOpts{
			Name: "companyhub_singleflight_shared_total",
			Help: "Fetches answered by joining an in-flight call",
		}),
	}
}

func (m *Metrics) ObserveProviderOutcome(provider, status string) {
	if m == nil {
		return
	}
	m.ProviderOutcomes.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) ObserveUpstream(provider, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamLatency.WithLabelValues(provider, result).Observe(d.Seconds())
}

func (m *Metrics) ObserveCacheLookup(provider, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) IncrementLimiterDenial(provider, reason string) {
	if m == nil {
		return
	}
	m.LimiterDenials.WithLabelValues(provider, reason).Inc()
}

func (m *Metrics) IncrementBreakerTransition(provider, state string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(provider, state).Inc()
}

func (m *Metrics) IncrementChange(provider, kind string) {
	if m == nil {
		return
	}
	m.ChangesDetected.WithLabelValues(provider, kind).Inc()
}

func (m *Metrics) ObserveDelivery(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(result).Inc()
	m.DeliveryLatency.Observe(d.Seconds())
}

func (m *Metrics) IncrementDisposition(disposition string) {
	if m == nil {
		return
	}
	m.Dispositions.WithLabelValues(disposition).Inc()
}

func (m *Metrics) IncrementSharedFetch() {
	if m == nil {
		return
	}
	m.SharedFetches.Inc()
}
