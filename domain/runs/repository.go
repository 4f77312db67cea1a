package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/docmesh/docmesh/pkg/logger"
)

// Repository manages run and worker registration rows.
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a run repository.
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("runs")),
	}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *Repository) WithTx(tx bun.Tx) *Repository {
	return &Repository{db: tx, log: r.log}
}

// EnsureRun inserts the run row if it does not exist yet and returns
// the current row. Starting a second process with the same config is
// how peers join a run, so an existing row is the normal case, not a
// conflict. A run that previously finished is revived to active:
// rerunning the same config means re-ingesting its sources.
func (r *Repository) EnsureRun(ctx context.Context, info RunInfo) (*ProcessingRun, error) {
	run := &ProcessingRun{
		RunID:      info.RunID,
		Status:     RunActive,
		ConfigHash: info.ConfigHash,
	}

	res, err := r.db.NewInsert().
		Model(run).
		On("CONFLICT (run_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		r.log.Info("run created", slog.String("run_id", info.RunID))
		return r.Get(ctx, info.RunID)
	}

	existing, err := r.Get(ctx, info.RunID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("run %s vanished during ensure", info.RunID)
	}

	if existing.ConfigHash != info.ConfigHash {
		r.log.Warn("joining run with a drifted config",
			slog.String("run_id", info.RunID),
			slog.String("stored_hash", existing.ConfigHash),
			slog.String("local_hash", info.ConfigHash))
	}

	if !existing.Active() {
		_, err := r.db.NewUpdate().
			Model((*ProcessingRun)(nil)).
			Set("status = ?", RunActive).
			Set("completed_at = NULL").
			Set("updated_at = now()").
			Where("run_id = ?", info.RunID).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("revive run: %w", err)
		}
		r.log.Info("revived finished run",
			slog.String("run_id", info.RunID),
			slog.String("previous_status", existing.Status))
		return r.Get(ctx, info.RunID)
	}

	return existing, nil
}

// Get loads a run by id, or (nil, nil) when it does not exist.
func (r *Repository) Get(ctx context.Context, runID string) (*ProcessingRun, error) {
	run := new(ProcessingRun)
	err := r.db.NewSelect().
		Model(run).
		Where("run_id = ?", runID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

// List returns the most recent runs, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]ProcessingRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []ProcessingRun
	err := r.db.NewSelect().
		Model(&runs).
		OrderExpr("created_at DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// MarkCompleted transitions an active run to completed.
func (r *Repository) MarkCompleted(ctx context.Context, runID string) error {
	return r.finish(ctx, runID, RunCompleted)
}

// MarkFailed transitions an active run to failed.
func (r *Repository) MarkFailed(ctx context.Context, runID string) error {
	return r.finish(ctx, runID, RunFailed)
}

// MarkAbandoned transitions an active run to abandoned. Used by
// operators to retire a run whose processes are gone for good.
func (r *Repository) MarkAbandoned(ctx context.Context, runID string) error {
	return r.finish(ctx, runID, RunAbandoned)
}

// SyncDocumentCounts copies the queue's per-state totals onto the run
// row. The row is a convenience aggregate for operators listing runs;
// the queue remains the source of truth.
func (r *Repository) SyncDocumentCounts(ctx context.Context, runID string, queued, processed, failed int) error {
	_, err := r.db.NewUpdate().
		Model((*ProcessingRun)(nil)).
		Set("documents_queued = ?", queued).
		Set("documents_processed = ?", processed).
		Set("documents_failed = ?", failed).
		Set("updated_at = now()").
		Where("run_id = ?", runID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sync run counts: %w", err)
	}
	return nil
}

func (r *Repository) finish(ctx context.Context, runID, status string) error {
	res, err := r.db.NewUpdate().
		Model((*ProcessingRun)(nil)).
		Set("status = ?", status).
		Set("completed_at = now()").
		Set("updated_at = now()").
		Where("run_id = ?", runID).
		Where("status = ?", RunActive).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark run %s: %w", status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inspect run update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s is not active", runID)
	}
	r.log.Info("run finished", slog.String("run_id", runID), slog.String("status", status))
	return nil
}

// RegisterWorker inserts or revives the worker's registration row and
// refreshes the run's worker count.
func (r *Repository) RegisterWorker(ctx context.Context, runID, workerID, hostname string, metadata map[string]any) (*RunWorker, error) {
	worker := &RunWorker{
		WorkerID: workerID,
		RunID:    runID,
		Status:   WorkerActive,
		Hostname: hostname,
		Metadata: metadata,
	}

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(worker).
			On("CONFLICT (worker_id, run_id) DO UPDATE").
			Set("status = ?", WorkerActive).
			Set("hostname = EXCLUDED.hostname").
			Set("metadata = EXCLUDED.metadata").
			Set("last_heartbeat = now()").
			Returning("*").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("register worker: %w", err)
		}

		_, err = tx.NewUpdate().
			Model((*ProcessingRun)(nil)).
			Set("worker_count = (SELECT COUNT(*) FROM run_workers WHERE run_id = ?)", runID).
			Set("updated_at = now()").
			Where("run_id = ?", runID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("refresh worker count: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("worker registered",
		slog.String("run_id", runID),
		slog.String("worker_id", workerID),
		slog.String("hostname", hostname))
	return worker, nil
}

// TouchWorker refreshes the worker's heartbeat. A stale worker that
// heartbeats again is flipped back to active.
func (r *Repository) TouchWorker(ctx context.Context, runID, workerID string) error {
	res, err := r.db.NewUpdate().
		Model((*RunWorker)(nil)).
		Set("last_heartbeat = now()").
		Set("status = ?", WorkerActive).
		Where("run_id = ?", runID).
		Where("worker_id = ?", workerID).
		Where("status IN (?, ?)", WorkerActive, WorkerStale).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("touch worker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inspect worker touch: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("worker %s is not registered for run %s", workerID, runID)
	}
	return nil
}

// StopWorker marks the worker's registration as cleanly stopped.
func (r *Repository) StopWorker(ctx context.Context, runID, workerID string) error {
	_, err := r.db.NewUpdate().
		Model((*RunWorker)(nil)).
		Set("status = ?", WorkerStopped).
		Set("last_heartbeat = now()").
		Where("run_id = ?", runID).
		Where("worker_id = ?", workerID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("stop worker: %w", err)
	}
	return nil
}

// IncrementWorkerCounts adds to the worker's processed/failed tallies.
func (r *Repository) IncrementWorkerCounts(ctx context.Context, runID, workerID string, processed, failed int) error {
	if processed == 0 && failed == 0 {
		return nil
	}
	_, err := r.db.NewUpdate().
		Model((*RunWorker)(nil)).
		Set("documents_processed = documents_processed + ?", processed).
		Set("documents_failed = documents_failed + ?", failed).
		Where("run_id = ?", runID).
		Where("worker_id = ?", workerID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("increment worker counts: %w", err)
	}
	return nil
}

// ListWorkers returns the run's worker registrations, longest-running first.
func (r *Repository) ListWorkers(ctx context.Context, runID string) ([]RunWorker, error) {
	var workers []RunWorker
	err := r.db.NewSelect().
		Model(&workers).
		Where("run_id = ?", runID).
		OrderExpr("started_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

// MarkStaleWorkers flags active workers whose heartbeat is older than
// the timeout and returns the ones flagged. Their in-flight claims are
// released separately by queue reclaim; this only keeps the registry
// honest for status reporting.
func (r *Repository) MarkStaleWorkers(ctx context.Context, runID string, timeout time.Duration) ([]RunWorker, error) {
	var stale []RunWorker
	err := r.db.NewRaw(`
		UPDATE run_workers
		SET status = 'stale'
		WHERE run_id = ?
		  AND status = 'active'
		  AND last_heartbeat < now() - ?::interval
		RETURNING *
	`, runID, timeout.String()).Scan(ctx, &stale)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("mark stale workers: %w", err)
	}
	for _, w := range stale {
		r.log.Warn("worker went stale",
			slog.String("run_id", runID),
			slog.String("worker_id", w.WorkerID),
			slog.Time("last_heartbeat", w.LastHeartbeat))
	}
	return stale, nil
}
