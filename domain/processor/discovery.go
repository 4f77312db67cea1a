package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docmesh/docmesh/domain/queue"
	"github.com/docmesh/docmesh/domain/sources"
	"github.com/docmesh/docmesh/pkg/logger"
)

// Discovery seeds a run's queue by enumerating every configured source.
// It is the coordinator half of the pipeline; workers drain the queue.
// Add is idempotent on (run_id, doc_id), so re-running discovery against
// an existing run re-enqueues only what is not already live; documents
// ingested earlier short-circuit as unchanged when workers reclaim them.
type Discovery struct {
	registry *sources.Registry
	queue    *queue.Queue
	log      *slog.Logger
}

// DiscoveryStats reports what one discovery pass did.
type DiscoveryStats struct {
	Sources  int
	Listed   int
	Enqueued int
	Failed   int // sources whose listing failed
}

// NewDiscovery creates a discovery pass over the registered sources.
func NewDiscovery(registry *sources.Registry, q *queue.Queue, log *slog.Logger) *Discovery {
	return &Discovery{
		registry: registry,
		queue:    q,
		log:      log.With(logger.Scope("discovery")),
	}
}

// Run lists every source and enqueues everything found at link depth
// zero. A source that fails to list is logged and skipped so healthy
// sources still seed the run; discovery only errors when every source
// failed or the queue itself rejects an insert.
func (d *Discovery) Run(ctx context.Context, runID string) (*DiscoveryStats, error) {
	stats := &DiscoveryStats{}
	for _, src := range d.registry.All() {
		stats.Sources++

		refs, err := src.List(ctx)
		if err != nil {
			stats.Failed++
			d.log.Error("source listing failed",
				logger.Error(err), slog.String("source", src.Name()))
			continue
		}
		stats.Listed += len(refs)

		for _, ref := range refs {
			if _, err := d.queue.Add(ctx, queue.AddParams{
				RunID:      runID,
				DocID:      ref.DocID,
				SourceName: src.Name(),
			}); err != nil {
				return stats, fmt.Errorf("enqueue %s: %w", ref.DocID, err)
			}
			stats.Enqueued++
		}

		d.log.Info("source enumerated",
			slog.String("source", src.Name()),
			slog.String("type", src.Type()),
			slog.Int("documents", len(refs)))
	}

	if stats.Sources > 0 && stats.Failed == stats.Sources {
		return stats, errors.New("discovery: every source failed to list")
	}
	return stats, nil
}
