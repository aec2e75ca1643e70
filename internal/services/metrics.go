package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// aggregations counts single-key aggregations by result (ok|error).
	aggregations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_aggregations_total",
			Help: "Total number of dimension-day aggregations.",
		},
		[]string{"result"},
	)

	aggregationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "funnel_aggregation_duration_seconds",
			Help:    "Duration of one dimension-day aggregation in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// dirtyBatchSize observes how many dirty keys each drain picked up.
	dirtyBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "funnel_dirty_batch_size",
			Help:    "Number of dirty keys fetched per drain.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	markDirtyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funnel_mark_dirty_total",
			Help: "Total number of dirty marks by result (ok|error).",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(aggregations, aggregationDuration, dirtyBatchSize, markDirtyTotal)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
