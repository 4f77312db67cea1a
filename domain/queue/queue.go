package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/pkg/logger"
)

// maxErrorLength bounds the failure message persisted on an entry so a
// pathological error string cannot bloat the row.
const maxErrorLength = 500

// Config controls retry and backoff behaviour for a queue instance.
type Config struct {
	// MaxRetries is the number of retry transitions an entry is allowed
	// before a failure becomes terminal.
	MaxRetries int
	// RetryBase is the backoff delay after the first failure; each
	// subsequent failure doubles it.
	RetryBase time.Duration
	// RetryMax caps the exponential backoff.
	RetryMax time.Duration
}

// ConfigFromRun maps the processing section of a run config onto queue
// settings.
func ConfigFromRun(rc *config.RunConfig) Config {
	return Config{
		MaxRetries: rc.Processing.MaxRetries,
		RetryBase:  rc.Processing.RetryBase(),
		RetryMax:   rc.Processing.RetryMax(),
	}
}

// Queue is the shared work queue for document processing runs. All
// coordination between workers happens through its table: claims are
// row locks, heartbeats are timestamps, and retries are state
// transitions. Workers never talk to each other directly.
type Queue struct {
	db  bun.IDB
	cfg Config
	log *slog.Logger
}

// NewQueue creates a queue backed by the given database handle.
func NewQueue(db bun.IDB, cfg Config, log *slog.Logger) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	return &Queue{
		db:  db,
		cfg: cfg,
		log: log.With(logger.Scope("queue")),
	}
}

// WithTx returns a copy of the queue bound to the given transaction.
func (q *Queue) WithTx(tx bun.Tx) *Queue {
	return &Queue{db: tx, cfg: q.cfg, log: q.log}
}

// AddParams describes a document to enqueue.
type AddParams struct {
	RunID      string
	DocID      string
	SourceName string
	// Priority orders claims; lower values are claimed first. Zero
	// means the default priority of 100.
	Priority int
	Metadata map[string]any
}

// Add enqueues a document for processing. It is idempotent per
// (run_id, doc_id): while a live entry for the document exists, Add
// returns that entry's id instead of inserting a second one. Once the
// previous entry has reached a terminal state a fresh entry may be
// inserted, so re-discovering a document after a completed ingest
// queues it again.
func (q *Queue) Add(ctx context.Context, params AddParams) (int64, error) {
	if params.RunID == "" || params.DocID == "" || params.SourceName == "" {
		return 0, errors.New("queue: run id, doc id and source name are required")
	}
	if params.Priority == 0 {
		params.Priority = 100
	}

	entry := &Entry{
		RunID:      params.RunID,
		DocID:      params.DocID,
		SourceName: params.SourceName,
		State:      StatePending,
		Priority:   params.Priority,
		Metadata:   params.Metadata,
	}

	var queueID int64
	err := q.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewInsert().
			Model(entry).
			On("CONFLICT (run_id, doc_id) WHERE state NOT IN ('completed', 'failed') DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("insert queue entry: %w", err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("inspect insert result: %w", err)
		}
		if inserted == 0 {
			// A live entry already holds this document; hand its id back.
			err := tx.NewSelect().
				Model((*Entry)(nil)).
				Column("queue_id").
				Where("run_id = ?", params.RunID).
				Where("doc_id = ?", params.DocID).
				Where("state NOT IN (?, ?)", StateCompleted, StateFailed).
				Limit(1).
				Scan(ctx, &queueID)
			if err != nil {
				return fmt.Errorf("lookup existing queue entry: %w", err)
			}
			return nil
		}

		queueID = entry.QueueID
		_, err = tx.NewUpdate().
			Table("processing_runs").
			Set("documents_queued = documents_queued + 1").
			Set("updated_at = now()").
			Where("run_id = ?", params.RunID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("bump run queued counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return queueID, nil
}

// ClaimNext atomically claims the next workable entry for the run, or
// returns (nil, nil) when nothing is currently claimable. Selection
// prefers lower priority values, then older entries. Concurrent
// claimers never receive the same entry: the candidate row is locked
// with SKIP LOCKED inside the claiming statement, so contenders simply
// move on to the next row instead of blocking.
func (q *Queue) ClaimNext(ctx context.Context, runID, workerID string) (*Entry, error) {
	entry := new(Entry)
	err := q.db.NewRaw(`
		WITH next AS (
			SELECT queue_id
			FROM document_queue
			WHERE run_id = ?
			  AND (state = 'pending' OR (state = 'retry' AND next_attempt_at <= now()))
			ORDER BY priority ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE document_queue AS q
		SET state = 'processing',
		    claimed_by_worker = ?,
		    claimed_at = now(),
		    last_heartbeat = now(),
		    updated_at = now()
		FROM next
		WHERE q.queue_id = next.queue_id
		RETURNING q.*
	`, runID, workerID).Scan(ctx, entry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			claimEmptyTotal.WithLabelValues(runID).Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("claim next entry: %w", err)
	}

	claimsTotal.WithLabelValues(runID).Inc()
	return entry, nil
}

// Heartbeat refreshes last_heartbeat on every entry the worker
// currently holds. Returns the number of entries touched.
func (q *Queue) Heartbeat(ctx context.Context, runID, workerID string) (int, error) {
	res, err := q.db.NewUpdate().
		Model((*Entry)(nil)).
		Set("last_heartbeat = now()").
		Set("updated_at = now()").
		Where("run_id = ?", runID).
		Where("claimed_by_worker = ?", workerID).
		Where("state = ?", StateProcessing).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("heartbeat queue entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inspect heartbeat result: %w", err)
	}
	return int(n), nil
}

// MarkCompleted transitions a processing entry to completed and bumps
// the run's processed counter.
func (q *Queue) MarkCompleted(ctx context.Context, queueID int64) error {
	return q.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var runID string
		err := tx.NewRaw(`
			UPDATE document_queue
			SET state = 'completed', updated_at = now()
			WHERE queue_id = ? AND state = 'processing'
			RETURNING run_id
		`, queueID).Scan(ctx, &runID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("queue entry %d is not processing", queueID)
			}
			return fmt.Errorf("mark entry completed: %w", err)
		}

		_, err = tx.NewUpdate().
			Table("processing_runs").
			Set("documents_processed = documents_processed + 1").
			Set("updated_at = now()").
			Where("run_id = ?", runID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("bump run processed counter: %w", err)
		}

		completedTotal.WithLabelValues(runID).Inc()
		return nil
	})
}

// MarkFailed records a failure for an entry the caller has claimed.
// retryCount is the entry's count at claim time. While retries remain
// the entry moves to retry with an exponential backoff before it can
// be claimed again; once retries are exhausted, or the error is marked
// permanent, the entry lands in the dead-letter queue. The error
// context is retained either way so both transient flapping and
// terminal failures can be analyzed later.
func (q *Queue) MarkFailed(ctx context.Context, queueID int64, retryCount int, errInfo *ErrorInfo) error {
	if errInfo == nil {
		errInfo = &ErrorInfo{Message: "unknown failure"}
	}
	if errInfo.FailedAt.IsZero() {
		errInfo.FailedAt = time.Now().UTC()
	}
	errInfo.Message = truncateError(errInfo.Message)

	terminal := errInfo.Permanent || retryCount >= q.cfg.MaxRetries

	return q.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var runID string
		if terminal {
			err := tx.NewRaw(`
				UPDATE document_queue
				SET state = 'failed',
				    error_info = ?,
				    next_attempt_at = NULL,
				    updated_at = now()
				WHERE queue_id = ? AND state = 'processing'
				RETURNING run_id
			`, jsonb(errInfo), queueID).Scan(ctx, &runID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("queue entry %d is not processing", queueID)
				}
				return fmt.Errorf("mark entry failed: %w", err)
			}

			_, err = tx.NewUpdate().
				Table("processing_runs").
				Set("documents_failed = documents_failed + 1").
				Set("updated_at = now()").
				Where("run_id = ?", runID).
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("bump run failed counter: %w", err)
			}

			deadLetterTotal.WithLabelValues(runID, errInfo.Fingerprint).Inc()
			q.log.Warn("queue entry dead-lettered",
				slog.Int64("queue_id", queueID),
				slog.Int("retry_count", retryCount),
				slog.Bool("permanent", errInfo.Permanent),
				slog.String("fingerprint", errInfo.Fingerprint))
			return nil
		}

		delay := Backoff(q.cfg, retryCount)
		err := tx.NewRaw(`
			UPDATE document_queue
			SET state = 'retry',
			    retry_count = retry_count + 1,
			    claimed_by_worker = NULL,
			    claimed_at = NULL,
			    next_attempt_at = now() + ?::interval,
			    error_info = ?,
			    updated_at = now()
			WHERE queue_id = ? AND state = 'processing'
			RETURNING run_id
		`, delay.String(), jsonb(errInfo), queueID).Scan(ctx, &runID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("queue entry %d is not processing", queueID)
			}
			return fmt.Errorf("mark entry for retry: %w", err)
		}

		retriesTotal.WithLabelValues(runID).Inc()
		q.log.Info("queue entry scheduled for retry",
			slog.Int64("queue_id", queueID),
			slog.Int("retry_count", retryCount+1),
			slog.Duration("backoff", delay))
		return nil
	})
}

// ReclaimStale returns every processing entry whose heartbeat is older
// than the timeout to the retry state so another worker can pick it
// up. The claim is released and retry_count is incremented, charging
// the crash against the entry's retry budget. Reclaimed entries are
// claimable immediately.
func (q *Queue) ReclaimStale(ctx context.Context, runID string, timeout time.Duration) (int, error) {
	res, err := q.db.NewUpdate().
		Model((*Entry)(nil)).
		Set("state = ?", StateRetry).
		Set("retry_count = retry_count + 1").
		Set("claimed_by_worker = NULL").
		Set("claimed_at = NULL").
		Set("next_attempt_at = now()").
		Set("updated_at = now()").
		Where("run_id = ?", runID).
		Where("state = ?", StateProcessing).
		Where("last_heartbeat < now() - ?::interval", timeout.String()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inspect reclaim result: %w", err)
	}
	if n > 0 {
		reclaimedTotal.WithLabelValues(runID).Add(float64(n))
		q.log.Warn("reclaimed stale queue entries",
			slog.String("run_id", runID),
			slog.Int64("count", n),
			slog.Duration("timeout", timeout))
	}
	return int(n), nil
}

// Status counts the run's entries by state.
func (q *Queue) Status(ctx context.Context, runID string) (*StateCounts, error) {
	counts := new(StateCounts)
	err := q.db.NewRaw(`
		SELECT
			COUNT(*) FILTER (WHERE state = 'pending')    AS pending,
			COUNT(*) FILTER (WHERE state = 'processing') AS processing,
			COUNT(*) FILTER (WHERE state = 'completed')  AS completed,
			COUNT(*) FILTER (WHERE state = 'failed')     AS failed,
			COUNT(*) FILTER (WHERE state = 'retry')      AS retry
		FROM document_queue
		WHERE run_id = ?
	`, runID).Scan(ctx, &counts.Pending, &counts.Processing, &counts.Completed, &counts.Failed, &counts.Retry)
	if err != nil {
		return nil, fmt.Errorf("count queue entries: %w", err)
	}

	observeDepth(runID, counts)
	return counts, nil
}

// Get loads a single entry by id, or (nil, nil) when it does not exist.
func (q *Queue) Get(ctx context.Context, queueID int64) (*Entry, error) {
	entry := new(Entry)
	err := q.db.NewSelect().
		Model(entry).
		Where("queue_id = ?", queueID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load queue entry: %w", err)
	}
	return entry, nil
}

// Seen reports whether the run has ever held an entry for the document,
// terminal or not. Link discovery checks it before Add: completed
// entries do not conflict on insert, so without this check a document
// rediscovered through a link cycle would be enqueued and processed
// again. Racing discoverers may both see false; the partial unique
// index still collapses their inserts to one live entry.
func (q *Queue) Seen(ctx context.Context, runID, docID string) (bool, error) {
	exists, err := q.db.NewSelect().
		Model((*Entry)(nil)).
		Where("run_id = ?", runID).
		Where("doc_id = ?", docID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check queue entry: %w", err)
	}
	return exists, nil
}

// CancelPending dead-letters every pending or retry entry of a run so
// workers stop finding claimable work. Entries already processing are
// left for their workers to finish; operators canceling a run get the
// canceled entries back through the usual dead-letter requeue path.
func (q *Queue) CancelPending(ctx context.Context, runID string) (int, error) {
	errInfo := &ErrorInfo{
		Fingerprint: "canceled",
		Message:     "run canceled by operator",
		Permanent:   true,
		FailedAt:    time.Now().UTC(),
	}

	var n int64
	err := q.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*Entry)(nil)).
			Set("state = ?", StateFailed).
			Set("error_info = ?", jsonb(errInfo)).
			Set("claimed_by_worker = NULL").
			Set("claimed_at = NULL").
			Set("next_attempt_at = NULL").
			Set("updated_at = now()").
			Where("run_id = ?", runID).
			Where("state IN (?, ?)", StatePending, StateRetry).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("cancel pending entries: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("inspect cancel result: %w", err)
		}
		if n == 0 {
			return nil
		}

		_, err = tx.NewUpdate().
			Table("processing_runs").
			Set("documents_failed = documents_failed + ?", n).
			Set("updated_at = now()").
			Where("run_id = ?", runID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("bump run failed counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		deadLetterTotal.WithLabelValues(runID, errInfo.Fingerprint).Add(float64(n))
		q.log.Warn("canceled queue entries",
			slog.String("run_id", runID),
			slog.Int64("count", n))
	}
	return int(n), nil
}

// Backoff computes the retry delay after the n-th failure (zero-based)
// as base * 2^n, capped at the configured maximum.
func Backoff(cfg Config, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := cfg.RetryBase
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= cfg.RetryMax {
			return cfg.RetryMax
		}
	}
	if delay > cfg.RetryMax {
		return cfg.RetryMax
	}
	return delay
}

func truncateError(msg string) string {
	if len(msg) <= maxErrorLength {
		return msg
	}
	return msg[:maxErrorLength] + "... (truncated)"
}

// jsonb renders a value as a JSON literal for binding into a jsonb
// column from raw SQL.
func jsonb(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
