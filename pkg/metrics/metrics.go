// Package metrics holds the Prometheus instrumentation for the pipeline.
// Decoy items are counted in aggregate only; per-decision labels never
// distinguish decoys so the metrics endpoint cannot become a side channel
// for the real/decoy split per platform beyond what operators must see.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_submissions_total",
			Help: "Work items accepted by the gateway, by platform",
		},
		[]string{"platform"},
	)

	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_outcomes_total",
			Help: "Terminal authorization outcomes, by platform and decision",
		},
		[]string{"platform", "decision"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_verification_retries_total",
			Help: "Verification attempts returned to the queue for retry",
		},
		[]string{"platform"},
	)

	PoisonedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_poisoned_total",
			Help: "Work items routed to poison after exhausting retries",
		},
		[]string{"platform"},
	)

	DecoyItemsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_decoy_items_total",
			Help: "Decoy work items enqueued by the traffic scheduler",
		},
	)

	DecoyTicksSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_decoy_ticks_skipped_total",
			Help: "Decoy scheduler ticks skipped because enqueueing failed",
		},
	)

	VerificationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analytics_verification_duration_seconds",
			Help:    "Wall-clock duration of one verification pass",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "analytics_queue_depth",
			Help: "Pending work items per queue, delayed redeliveries included",
		},
		[]string{"queue"},
	)

	IngestedRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_ingested_records_total",
			Help: "Records flushed from the ingest buffer into durable storage",
		},
	)

	IngestedBadFormatTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analytics_ingested_bad_format_total",
			Help: "Buffer entries diverted to the errors list during flush",
		},
	)
)

var registerOnce sync.Once

// Register installs every collector on the default registry. Idempotent,
// so the gateway and the worker can both call it when embedded in one
// process.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(SubmissionsTotal)
		prometheus.MustRegister(OutcomesTotal)
		prometheus.MustRegister(RetriesTotal)
		prometheus.MustRegister(PoisonedTotal)
		prometheus.MustRegister(DecoyItemsTotal)
		prometheus.MustRegister(DecoyTicksSkippedTotal)
		prometheus.MustRegister(VerificationDuration)
		prometheus.MustRegister(QueueDepth)
		prometheus.MustRegister(IngestedRecordsTotal)
		prometheus.MustRegister(IngestedBadFormatTotal)
	})
}
