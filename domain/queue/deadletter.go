package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/uptrace/bun"

	"github.com/docmesh/docmesh/pkg/logger"
	"github.com/docmesh/docmesh/pkg/pgutils"
)

// analyzeScanLimit bounds how many failed entries a single analysis
// pass loads into memory.
const analyzeScanLimit = 10000

// DeadLetterService inspects and repairs the failed portion of the
// queue. Failed entries never leave the dead-letter queue on their
// own; every exit goes through an explicit operator action here.
type DeadLetterService struct {
	db  bun.IDB
	log *slog.Logger
}

// NewDeadLetterService creates a dead-letter service over the queue table.
func NewDeadLetterService(db bun.IDB, log *slog.Logger) *DeadLetterService {
	return &DeadLetterService{
		db:  db,
		log: log.With(logger.Scope("deadletter")),
	}
}

// ListOptions filters dead-letter queries.
type ListOptions struct {
	RunID string
	Limit int
}

// ListFailed returns failed entries, newest failures first.
func (s *DeadLetterService) ListFailed(ctx context.Context, opts ListOptions) ([]Entry, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	var entries []Entry
	query := s.db.NewSelect().
		Model(&entries).
		Where("state = ?", StateFailed).
		OrderExpr("updated_at DESC").
		Limit(opts.Limit)
	if opts.RunID != "" {
		query = query.Where("run_id = ?", opts.RunID)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list failed entries: %w", err)
	}
	return entries, nil
}

// Requeue returns a single failed entry to pending with a fresh retry
// budget. The stored error context is cleared; the entry is
// indistinguishable from a newly enqueued document apart from its id.
// Requeueing fails when a live entry for the same document already
// exists, since two live entries per (run, document) are never allowed.
func (s *DeadLetterService) Requeue(ctx context.Context, queueID int64) error {
	var runID string
	err := s.db.NewRaw(`
		UPDATE document_queue
		SET state = 'pending',
		    retry_count = 0,
		    error_info = NULL,
		    claimed_by_worker = NULL,
		    claimed_at = NULL,
		    last_heartbeat = NULL,
		    next_attempt_at = NULL,
		    updated_at = now()
		WHERE queue_id = ? AND state = 'failed'
		RETURNING run_id
	`, queueID).Scan(ctx, &runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("queue entry %d is not in the dead-letter queue", queueID)
		}
		if pgutils.IsUniqueViolation(err) {
			return fmt.Errorf("requeue entry %d: a live entry for this document already exists", queueID)
		}
		return fmt.Errorf("requeue entry %d: %w", queueID, err)
	}

	requeuedTotal.WithLabelValues(runID).Inc()
	s.log.Info("dead-letter entry requeued",
		slog.Int64("queue_id", queueID),
		slog.String("run_id", runID))
	return nil
}

// RequeueRun requeues every failed entry of a run. Entries whose
// document meanwhile has a live entry are skipped rather than failing
// the whole batch.
func (s *DeadLetterService) RequeueRun(ctx context.Context, runID string) (int, error) {
	entries, err := s.ListFailed(ctx, ListOptions{RunID: runID, Limit: analyzeScanLimit})
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, entry := range entries {
		if err := s.Requeue(ctx, entry.QueueID); err != nil {
			s.log.Warn("skipping dead-letter entry",
				slog.Int64("queue_id", entry.QueueID),
				slog.String("doc_id", entry.DocID),
				logger.Error(err))
			continue
		}
		requeued++
	}
	return requeued, nil
}

// Purge deletes failed entries older than the given age. Returns the
// number of entries removed.
func (s *DeadLetterService) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.NewDelete().
		Model((*Entry)(nil)).
		Where("state = ?", StateFailed).
		Where("updated_at < now() - ?::interval", olderThan.String()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge dead-letter entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("inspect purge result: %w", err)
	}
	if n > 0 {
		s.log.Info("purged dead-letter entries",
			slog.Int64("count", n),
			slog.Duration("older_than", olderThan))
	}
	return int(n), nil
}

// FailurePattern is one group of failures sharing an error fingerprint.
type FailurePattern struct {
	Fingerprint    string   `json:"fingerprint"`
	Count          int      `json:"count"`
	Sources        []string `json:"sources"`
	SampleMessages []string `json:"sample_messages"`
	SampleDocIDs   []string `json:"sample_doc_ids"`
}

// Analyze groups failed entries by error fingerprint so systemic
// failures (one bad parser, one unreachable source) stand out from
// one-off document problems. Patterns are ordered by descending count.
func (s *DeadLetterService) Analyze(ctx context.Context, runID string) ([]FailurePattern, error) {
	entries, err := s.ListFailed(ctx, ListOptions{RunID: runID, Limit: analyzeScanLimit})
	if err != nil {
		return nil, err
	}

	byPrint := make(map[string]*FailurePattern)
	for _, entry := range entries {
		fingerprint := "unknown"
		message := ""
		if entry.ErrorInfo != nil {
			if entry.ErrorInfo.Fingerprint != "" {
				fingerprint = entry.ErrorInfo.Fingerprint
			}
			message = entry.ErrorInfo.Message
		}

		pattern, ok := byPrint[fingerprint]
		if !ok {
			pattern = &FailurePattern{Fingerprint: fingerprint}
			byPrint[fingerprint] = pattern
		}
		pattern.Count++
		if !contains(pattern.Sources, entry.SourceName) {
			pattern.Sources = append(pattern.Sources, entry.SourceName)
		}
		if message != "" && len(pattern.SampleMessages) < 3 && !contains(pattern.SampleMessages, message) {
			pattern.SampleMessages = append(pattern.SampleMessages, message)
		}
		if len(pattern.SampleDocIDs) < 5 {
			pattern.SampleDocIDs = append(pattern.SampleDocIDs, entry.DocID)
		}
	}

	patterns := make([]FailurePattern, 0, len(byPrint))
	for _, pattern := range byPrint {
		sort.Strings(pattern.Sources)
		patterns = append(patterns, *pattern)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Fingerprint < patterns[j].Fingerprint
	})
	return patterns, nil
}

// Export writes failed entries to w as JSON lines for offline triage.
// Returns the number of entries written.
func (s *DeadLetterService) Export(ctx context.Context, w io.Writer, runID string) (int, error) {
	entries, err := s.ListFailed(ctx, ListOptions{RunID: runID, Limit: analyzeScanLimit})
	if err != nil {
		return 0, err
	}

	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return i, fmt.Errorf("encode entry %d: %w", entries[i].QueueID, err)
		}
	}
	return len(entries), nil
}

func contains(values []string, v string) bool {
	for _, existing := range values {
		if existing == v {
			return true
		}
	}
	return false
}
