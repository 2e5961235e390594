// Package metrics provides Prometheus metrics for the medical events node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	ResourcesStored       *prometheus.CounterVec
	ResourcesFailed       *prometheus.CounterVec
	StoreDuration         prometheus.Histogram
	SubmissionsSent       prometheus.Counter
	SubmissionsFailed     prometheus.Counter
	BackfillFetches       *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		ResourcesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "records_stored_total",
			Help: "Total clinical resources stored",
		}, []string{"resource"}),
		ResourcesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "records_store_failures_total",
			Help: "Total failed resource store attempts",
		}, []string{"resource"}),
		StoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "records_store_duration_seconds",
			Help:    "Resource batch store duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		SubmissionsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ehealth_submissions_sent_total",
			Help: "Total submissions delivered to the eHealth platform",
		}),
		SubmissionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ehealth_submissions_failed_total",
			Help: "Total submissions the eHealth platform rejected",
		}),
		BackfillFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ehealth_backfill_fetches_total",
			Help: "Total reference backfill fetches against the eHealth platform",
		}, []string{"resource", "outcome"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.ResourcesStored,
		m.ResourcesFailed,
		m.StoreDuration,
		m.SubmissionsSent,
		m.SubmissionsFailed,
		m.BackfillFetches,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
