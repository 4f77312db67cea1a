package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_claims_total",
		Help: "Total number of successful queue entry claims",
	}, []string{"run_id"})

	claimEmptyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_claim_empty_total",
		Help: "Total number of claim attempts that found no workable entry",
	}, []string{"run_id"})

	completedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_entries_completed_total",
		Help: "Total number of queue entries marked completed",
	}, []string{"run_id"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_entries_retried_total",
		Help: "Total number of queue entries scheduled for retry",
	}, []string{"run_id"})

	deadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_entries_dead_lettered_total",
		Help: "Total number of queue entries that reached the dead-letter queue",
	}, []string{"run_id", "fingerprint"})

	reclaimedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_entries_reclaimed_total",
		Help: "Total number of stale claims returned to the queue",
	}, []string{"run_id"})

	requeuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_entries_requeued_total",
		Help: "Total number of dead-letter entries requeued by an operator",
	}, []string{"run_id"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of queue entries by state",
	}, []string{"run_id", "state"})
)

// observeDepth publishes a run's per-state counts as gauges. Called
// from Status so the gauges track whatever cadence status is polled at.
func observeDepth(runID string, c *StateCounts) {
	queueDepth.WithLabelValues(runID, StatePending).Set(float64(c.Pending))
	queueDepth.WithLabelValues(runID, StateProcessing).Set(float64(c.Processing))
	queueDepth.WithLabelValues(runID, StateCompleted).Set(float64(c.Completed))
	queueDepth.WithLabelValues(runID, StateFailed).Set(float64(c.Failed))
	queueDepth.WithLabelValues(runID, StateRetry).Set(float64(c.Retry))
}
