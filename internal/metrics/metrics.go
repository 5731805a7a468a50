// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	crawlUnitsTotal           *prometheus.CounterVec
	crawlFetchRetriesTotal    prometheus.Counter
	crawlActiveWorkers        prometheus.Gauge
	crawlFetchDurationSeconds *prometheus.HistogramVec
	crawlRecordsTotal         *prometheus.CounterVec

	once sync.Once
)

// Unit outcome labels.
const (
	OutcomeCompleted = "completed"
	OutcomeEmpty     = "empty"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlUnitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_units_total",
				Help: "Total number of work units processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlFetchRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_fetch_retries_total",
				Help: "Total number of fetch attempts retried after a transient or parse failure.",
			},
		)

		crawlActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_active_workers",
				Help: "Number of workers currently processing a work unit.",
			},
		)

		crawlFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_fetch_duration_seconds",
				Help:    "Histogram of per-unit fetch latencies, labeled by strategy.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"strategy"},
		)

		crawlRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_records_total",
				Help: "Total facility records parsed, labeled by warehouse.",
			},
			[]string{"warehouse"},
		)
	})
}

// ObserveUnit increments the unit counter for the given outcome.
func ObserveUnit(outcome string) {
	Init()
	crawlUnitsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRetry increments the retry counter.
func ObserveRetry() {
	Init()
	crawlFetchRetriesTotal.Inc()
}

// ObserveFetch records a fetch duration for the named strategy.
func ObserveFetch(strategy string, duration time.Duration) {
	Init()
	crawlFetchDurationSeconds.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveRecords adds parsed record counts for a warehouse.
func ObserveRecords(warehouse string, count int) {
	Init()
	if count > 0 {
		crawlRecordsTotal.WithLabelValues(warehouse).Add(float64(count))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlActiveWorkers.Dec()
}
