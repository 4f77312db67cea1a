package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/docmesh/docmesh/domain/queue"
	"github.com/docmesh/docmesh/domain/runs"
	"github.com/docmesh/docmesh/pkg/logger"
)

// ReclaimTask returns claims whose heartbeat aged out to the queue so
// another worker can pick them up.
type ReclaimTask struct {
	queue   *queue.Queue
	runID   string
	timeout time.Duration
	log     *slog.Logger
}

// NewReclaimTask creates the stale-claim sweep for one run.
func NewReclaimTask(q *queue.Queue, runID string, timeout time.Duration, log *slog.Logger) *ReclaimTask {
	return &ReclaimTask{
		queue:   q,
		runID:   runID,
		timeout: timeout,
		log:     log.With(logger.Scope("scheduler.reclaim")),
	}
}

// Run executes one reclaim sweep.
func (t *ReclaimTask) Run(ctx context.Context) error {
	n, err := t.queue.ReclaimStale(ctx, t.runID, t.timeout)
	if err != nil {
		return err
	}
	if n > 0 {
		t.log.Warn("reclaimed stale claims",
			slog.Int("count", n),
			slog.Duration("timeout", t.timeout))
	}
	return nil
}

// StaleWorkerTask marks workers whose heartbeat aged out so operators
// can tell a crashed worker from a busy one. The workers' claims are
// handled separately by the reclaim sweep.
type StaleWorkerTask struct {
	runs    *runs.Repository
	runID   string
	timeout time.Duration
	log     *slog.Logger
}

// NewStaleWorkerTask creates the worker-heartbeat audit for one run.
func NewStaleWorkerTask(r *runs.Repository, runID string, timeout time.Duration, log *slog.Logger) *StaleWorkerTask {
	return &StaleWorkerTask{
		runs:    r,
		runID:   runID,
		timeout: timeout,
		log:     log.With(logger.Scope("scheduler.stale_workers")),
	}
}

// Run executes one heartbeat audit.
func (t *StaleWorkerTask) Run(ctx context.Context) error {
	stale, err := t.runs.MarkStaleWorkers(ctx, t.runID, t.timeout)
	if err != nil {
		return err
	}
	for _, w := range stale {
		t.log.Warn("worker went stale",
			slog.String("worker_id", w.WorkerID),
			slog.String("hostname", w.Hostname),
			slog.Time("last_heartbeat", w.LastHeartbeat))
	}
	return nil
}

// CompletionTask mirrors the queue's per-state totals onto the run row
// and finishes the run once the queue drains. The coordinator registers
// it only after discovery has enumerated every source, so a drained
// non-empty queue really means the run is done rather than not yet
// started.
type CompletionTask struct {
	queue *queue.Queue
	runs  *runs.Repository
	runID string
	log   *slog.Logger
}

// NewCompletionTask creates the run-completion check for one run.
func NewCompletionTask(q *queue.Queue, r *runs.Repository, runID string, log *slog.Logger) *CompletionTask {
	return &CompletionTask{
		queue: q,
		runs:  r,
		runID: runID,
		log:   log.With(logger.Scope("scheduler.completion")),
	}
}

// Run executes one completion check.
func (t *CompletionTask) Run(ctx context.Context) error {
	run, err := t.runs.Get(ctx, t.runID)
	if err != nil {
		return err
	}
	if run == nil || !run.Active() {
		return nil
	}

	counts, err := t.queue.Status(ctx, t.runID)
	if err != nil {
		return err
	}
	if err := t.runs.SyncDocumentCounts(ctx, t.runID, counts.Total(), counts.Completed, counts.Failed); err != nil {
		return err
	}

	if counts.Total() == 0 || !counts.Drained() {
		return nil
	}
	if err := t.runs.MarkCompleted(ctx, t.runID); err != nil {
		return err
	}
	t.log.Info("run completed",
		slog.String("run_id", t.runID),
		slog.Int("processed", counts.Completed),
		slog.Int("failed", counts.Failed))
	return nil
}

// StatsTask logs one queue status line per tick. Status also publishes
// the per-state depth gauges, so scraping follows the same cadence.
type StatsTask struct {
	queue *queue.Queue
	runID string
	log   *slog.Logger
}

// NewStatsTask creates the queue-stats log line for one run.
func NewStatsTask(q *queue.Queue, runID string, log *slog.Logger) *StatsTask {
	return &StatsTask{
		queue: q,
		runID: runID,
		log:   log.With(logger.Scope("scheduler.stats")),
	}
}

// Run logs one status line.
func (t *StatsTask) Run(ctx context.Context) error {
	counts, err := t.queue.Status(ctx, t.runID)
	if err != nil {
		return err
	}
	t.log.Info("queue status",
		slog.String("run_id", t.runID),
		slog.Int("pending", counts.Pending),
		slog.Int("processing", counts.Processing),
		slog.Int("completed", counts.Completed),
		slog.Int("failed", counts.Failed),
		slog.Int("retry", counts.Retry))
	return nil
}
