package syshealth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	healthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "system_health_score",
		Help: "Weighted system health score, 0-100, labeled with the current zone",
	}, []string{"zone"})

	ioWaitGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_io_wait_percent",
		Help: "Share of CPU time spent waiting on I/O since the previous sample",
	})

	loadAvgGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_load_avg_1m",
		Help: "1-minute load average",
	})

	memoryGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_memory_used_percent",
		Help: "Host memory utilization",
	})

	poolGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "system_db_pool_used_percent",
		Help: "Database connection pool utilization",
	})

	concurrencyGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingest_worker_concurrency",
		Help: "Worker threads currently allowed to claim documents",
	}, []string{"worker"})

	adjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_worker_concurrency_adjustments_total",
		Help: "Concurrency adjustments, by direction and triggering zone",
	}, []string{"worker", "direction", "reason"})

	throttledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_documents_throttled_total",
		Help: "Claim attempts parked because of system pressure",
	}, []string{"worker"})
)
