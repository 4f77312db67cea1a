package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	documentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "processor_documents_total",
		Help: "Total number of documents handled by the pipeline, by outcome",
	}, []string{"outcome"})

	processingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "processor_duration_seconds",
		Help:    "Wall time spent processing one document",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"outcome"})

	linksQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "processor_links_queued_total",
		Help: "Total number of link targets enqueued by discovery",
	})

	semanticEdgesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "processor_semantic_edges_total",
		Help: "Total number of cross-document semantic relationships recorded",
	})
)
