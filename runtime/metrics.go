package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var entitiesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_entities_processed_total",
	Help: "Entities processed across all runs, by resolved action.",
}, []string{"action"})

var destinationWriteBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_destination_write_batches_total",
	Help: "Document batches written to destinations, by graph node.",
}, []string{"node"})

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_runs_total",
	Help: "Finished sync runs, by outcome.",
}, []string{"outcome"})

var runDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "sync_run_duration_seconds",
	Help:    "Wall-clock duration of finished sync runs.",
	Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
})
