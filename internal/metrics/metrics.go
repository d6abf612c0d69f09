// Package metrics exposes Prometheus collectors for registrations,
// cancellations, check-in verification, store retries and live sync
// subscriptions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the registration engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registrations     *prometheus.CounterVec
	Cancellations     *prometheus.CounterVec
	Verifications     *prometheus.CounterVec
	StoreRetries      prometheus.Counter
	SubmitLatency     prometheus.Histogram
	SyncSubscriptions prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campus_registrations_total",
			Help: "Registration attempts, labeled by outcome",
		}, []string{"outcome"}),
		Cancellations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campus_cancellations_total",
			Help: "Cancellation attempts, labeled by outcome",
		}, []string{"outcome"}),
		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campus_verifications_total",
			Help: "Token verifications and check-ins, labeled by outcome",
		}, []string{"outcome"}),
		StoreRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "campus_store_retries_total",
			Help: "Store operations retried after an infrastructure error",
		}),
		SubmitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "campus_submit_latency_seconds",
			Help:    "Latency of registration submissions in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		SyncSubscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "campus_sync_subscriptions",
			Help: "Current number of live sync subscriptions",
		}),
	}
}

// ObserveRegistration counts a submit outcome and records its latency.
func (m *Metrics) ObserveRegistration(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(outcome).Inc()
	m.SubmitLatency.Observe(seconds)
}

// ObserveCancellation counts a cancel outcome.
func (m *Metrics) ObserveCancellation(outcome string) {
	if m == nil {
		return
	}
	m.Cancellations.WithLabelValues(outcome).Inc()
}

// ObserveVerification counts a token verification outcome.
func (m *Metrics) ObserveVerification(outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(outcome).Inc()
}

// IncrementStoreRetries counts a retried store operation.
func (m *Metrics) IncrementStoreRetries() {
	if m == nil {
		return
	}
	m.StoreRetries.Inc()
}

// IncrementSubscriptions records a newly opened sync subscription.
func (m *Metrics) IncrementSubscriptions() {
	if m == nil {
		return
	}
	m.SyncSubscriptions.Inc()
}

// DecrementSubscriptions records a closed sync subscription.
func (m *Metrics) DecrementSubscriptions() {
	if m == nil {
		return
	}
	m.SyncSubscriptions.Dec()
}
