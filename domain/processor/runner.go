package processor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docmesh/docmesh/domain/queue"
	"github.com/docmesh/docmesh/domain/runs"
	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/pkg/logger"
	"github.com/docmesh/docmesh/pkg/syshealth"
)

// Poll backoff bounds for idle claim threads.
const (
	pollMin = 1 * time.Second
	pollMax = 30 * time.Second
)

// RunnerOptions configure one worker process's claim loops.
type RunnerOptions struct {
	// WorkerID identifies this process in the run's worker registry.
	// Defaults to a generated id.
	WorkerID string

	// Threads is the number of concurrent claim loops. Defaults to the
	// run config's processing.workers.
	Threads int

	// MaxDocuments stops the runner after claiming this many entries
	// across all threads. Zero means unbounded.
	MaxDocuments int

	// ExitWhenDrained stops the runner once the queue has no live
	// entries, instead of polling for more work. Meant for
	// single-process mode, where discovery has already finished by the
	// time the runner starts.
	ExitWhenDrained bool
}

// RunnerStats counts what the runner did before it stopped.
type RunnerStats struct {
	Processed int64 // completed entries, unchanged short-circuits included
	Unchanged int64
	Failed    int64
}

type runnerCounters struct {
	claimed   atomic.Int64 // reservations against MaxDocuments
	processed atomic.Int64
	unchanged atomic.Int64
	failed    atomic.Int64
}

// Runner drives N concurrent claim→process→mark loops against one run.
// A heartbeat goroutine keeps the worker's registration and in-flight
// claims fresh, and keeps beating through a graceful drain so claims
// of still-finishing documents never look stale.
type Runner struct {
	rc     *config.RunConfig
	queue  *queue.Queue
	runs   *runs.Repository
	proc   *Processor
	scaler *syshealth.ConcurrencyScaler // nil disables health gating
	opts   RunnerOptions
	log    *slog.Logger
}

// NewRunner creates a runner for one worker process. scaler may be nil
// when health scaling is disabled.
func NewRunner(rc *config.RunConfig, q *queue.Queue, runsRepo *runs.Repository, proc *Processor, scaler *syshealth.ConcurrencyScaler, opts RunnerOptions, log *slog.Logger) *Runner {
	if opts.WorkerID == "" {
		opts.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if opts.Threads <= 0 {
		opts.Threads = rc.Processing.Workers
	}
	return &Runner{
		rc:     rc,
		queue:  q,
		runs:   runsRepo,
		proc:   proc,
		scaler: scaler,
		opts:   opts,
		log: log.With(logger.Scope("runner"),
			slog.String("worker_id", opts.WorkerID)),
	}
}

// WorkerID returns the effective worker id, generated or configured.
func (r *Runner) WorkerID() string { return r.opts.WorkerID }

// Run registers the worker, processes until the context is canceled
// (or the drain/max-documents condition hits), deregisters, and
// reports stats. Queue store errors abort the run and propagate.
func (r *Runner) Run(ctx context.Context, runID string) (*RunnerStats, error) {
	hostname, _ := os.Hostname()
	_, err := r.runs.RegisterWorker(ctx, runID, r.opts.WorkerID, hostname, map[string]any{
		"pid":     os.Getpid(),
		"threads": r.opts.Threads,
	})
	if err != nil {
		return nil, fmt.Errorf("register worker: %w", err)
	}
	r.log.Info("worker started",
		slog.String("run_id", runID),
		slog.Int("threads", r.opts.Threads),
		slog.Int("max_documents", r.opts.MaxDocuments))

	// The heartbeat must outlive context cancellation: during a drain,
	// in-flight documents still hold claims that have to stay fresh. It
	// runs detached and stops only after every claim loop has returned.
	hbCtx := context.WithoutCancel(ctx)
	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		r.heartbeatLoop(hbCtx, runID, hbStop)
	}()

	counters := &runnerCounters{}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.opts.Threads; i++ {
		thread := i
		g.Go(func() error {
			return r.claimLoop(gctx, runID, thread, counters)
		})
	}
	runErr := g.Wait()

	close(hbStop)
	<-hbDone

	stopCtx, cancel := context.WithTimeout(hbCtx, 5*time.Second)
	defer cancel()
	if err := r.runs.StopWorker(stopCtx, runID, r.opts.WorkerID); err != nil {
		r.log.Warn("worker deregistration failed", logger.Error(err))
	}

	stats := &RunnerStats{
		Processed: counters.processed.Load(),
		Unchanged: counters.unchanged.Load(),
		Failed:    counters.failed.Load(),
	}
	r.log.Info("worker stopped",
		slog.Int64("processed", stats.Processed),
		slog.Int64("unchanged", stats.Unchanged),
		slog.Int64("failed", stats.Failed))
	return stats, runErr
}

// claimLoop is one worker thread: claim, process, mark, repeat. Idle
// polls back off exponentially and reset on the next successful claim.
func (r *Runner) claimLoop(ctx context.Context, runID string, thread int, c *runnerCounters) error {
	backoff := pollMin
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Health gating parks the highest-numbered threads first, so
		// the working subset is stable while the scaler holds steady.
		if r.scaler != nil && thread >= r.scaler.GetConcurrency(r.opts.Threads) {
			r.scaler.Throttled()
			if !sleepCtx(ctx, pollMin) {
				return nil
			}
			continue
		}

		reserved := false
		if max := int64(r.opts.MaxDocuments); max > 0 {
			if c.claimed.Add(1) > max {
				c.claimed.Add(-1)
				return nil
			}
			reserved = true
		}

		entry, err := r.queue.ClaimNext(ctx, runID, r.opts.WorkerID)
		if err != nil {
			if reserved {
				c.claimed.Add(-1)
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if entry == nil {
			if reserved {
				c.claimed.Add(-1)
			}
			if r.opts.ExitWhenDrained {
				counts, err := r.queue.Status(ctx, runID)
				if err != nil {
					return err
				}
				if counts.Drained() {
					return nil
				}
			}
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > pollMax {
				backoff = pollMax
			}
			continue
		}
		backoff = pollMin

		if err := r.handle(ctx, runID, entry, c); err != nil {
			return err
		}
	}
}

// handle processes one claimed entry and records the outcome. Pipeline
// failures become queue state (retry or dead-letter); only failures of
// the state transition itself propagate.
func (r *Runner) handle(ctx context.Context, runID string, entry *queue.Entry, c *runnerCounters) error {
	// A document in flight when shutdown begins may finish within the
	// heartbeat timeout; past that its claim would be reclaimed as
	// stale anyway, so processing aborts.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		select {
		case <-procCtx.Done():
		case <-time.After(r.rc.Processing.HeartbeatTimeout()):
			cancel()
		}
	})
	defer stop()

	result, err := r.proc.Process(procCtx, entry)
	if err != nil {
		c.failed.Add(1)
		documentsTotal.WithLabelValues("failed").Inc()
		r.log.Error("document failed",
			logger.Error(err),
			slog.String("doc_id", entry.DocID),
			slog.Int64("queue_id", entry.QueueID),
			slog.Int("retry_count", entry.RetryCount),
			slog.Bool("permanent", IsPermanent(err)))

		if err := r.queue.MarkFailed(procCtx, entry.QueueID, entry.RetryCount, NewErrorInfo(err)); err != nil {
			return err
		}
		if err := r.runs.IncrementWorkerCounts(procCtx, runID, r.opts.WorkerID, 0, 1); err != nil {
			r.log.Warn("worker counter update failed", logger.Error(err))
		}
		return nil
	}

	if err := r.queue.MarkCompleted(procCtx, entry.QueueID); err != nil {
		return err
	}
	c.processed.Add(1)
	if result.Outcome == OutcomeUnchanged {
		c.unchanged.Add(1)
	}
	if err := r.runs.IncrementWorkerCounts(procCtx, runID, r.opts.WorkerID, 1, 0); err != nil {
		r.log.Warn("worker counter update failed", logger.Error(err))
	}
	return nil
}

// heartbeatLoop refreshes the worker registration and every held claim
// until stop closes. The context is detached from the runner's; see Run.
func (r *Runner) heartbeatLoop(ctx context.Context, runID string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.rc.Processing.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := r.queue.Heartbeat(ctx, runID, r.opts.WorkerID); err != nil {
				r.log.Warn("queue heartbeat failed", logger.Error(err))
			}
			if err := r.runs.TouchWorker(ctx, runID, r.opts.WorkerID); err != nil {
				r.log.Warn("worker heartbeat failed", logger.Error(err))
			}
		}
	}
}

// sleepCtx sleeps up to d, returning false when the context was
// canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
