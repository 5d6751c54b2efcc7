package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the Prometheus collectors for ingestion runs.
type Metrics struct {
	ListedTotal      *prometheus.CounterVec
	FetchTotal       *prometheus.CounterVec
	FetchDuration    *prometheus.HistogramVec
	MergeTotal       *prometheus.CounterVec
	QuarantineTotal  *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	ClassifiedTotal  *prometheus.CounterVec
	LastRunTimestamp prometheus.Gauge
}

// NewMetrics registers the pipeline metrics once per process.
//
// Metrics:
//   - metagame_listed_total{source} - tournaments reported by listing calls
//   - metagame_fetch_total{source,result} - detail fetches by result kind
//   - metagame_fetch_duration_seconds{source} - detail fetch latency including retries
//   - metagame_merge_total{source,outcome} - merge outcomes
//   - metagame_quarantine_total{source,reason} - quarantined records
//   - metagame_breaker_state{source} - 0 closed, 1 open, 2 half-open
//   - metagame_classified_decks_total{format} - decks labelled
//   - metagame_last_run_timestamp_seconds - completion time of the last run
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ListedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "metagame_listed_total",
					Help: "Tournaments reported by source listing calls",
				},
				[]string{"source"},
			),
			FetchTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "metagame_fetch_total",
					Help: "Tournament detail fetches by result",
				},
				[]string{"source", "result"},
			),
			FetchDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "metagame_fetch_duration_seconds",
					Help:    "Tournament detail fetch duration including retries",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
				},
				[]string{"source"},
			),
			MergeTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "metagame_merge_total",
					Help: "Cache merge outcomes",
				},
				[]string{"source", "outcome"},
			),
			QuarantineTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "metagame_quarantine_total",
					Help: "Records routed to quarantine",
				},
				[]string{"source", "reason"},
			),
			BreakerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "metagame_breaker_state",
					Help: "Circuit breaker state per source (0 closed, 1 open, 2 half-open)",
				},
				[]string{"source"},
			),
			ClassifiedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "metagame_classified_decks_total",
					Help: "Decks assigned an archetype",
				},
				[]string{"format"},
			),
			LastRunTimestamp: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "metagame_last_run_timestamp_seconds",
					Help: "Unix time the last ingestion run finished",
				},
			),
		}
	})
	return globalMetrics
}
