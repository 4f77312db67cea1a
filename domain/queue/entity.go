package queue

import (
	"time"

	"github.com/uptrace/bun"
)

// Entry states. An entry is live while it is pending, processing, or
// retry; completed and failed are terminal. Failed entries form the
// dead-letter queue and only leave it through an operator requeue.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateRetry      = "retry"
)

// MetaLinkDepth is the metadata key tracking how many link hops away
// from an explicitly configured document this entry was discovered.
const MetaLinkDepth = "link_depth"

// ErrorInfo is the structured failure record stored on an entry. The
// fingerprint groups failures of the same shape across documents so
// dead-letter analysis can surface systemic problems.
type ErrorInfo struct {
	Fingerprint string    `json:"fingerprint"`
	Message     string    `json:"message"`
	Stack       string    `json:"stack,omitempty"`
	Permanent   bool      `json:"permanent"`
	FailedAt    time.Time `json:"failed_at"`
}

// Entry is one document's place in a processing run's work queue.
type Entry struct {
	bun.BaseModel `bun:"table:document_queue,alias:q"`

	QueueID         int64          `bun:"queue_id,pk,autoincrement" json:"queue_id"`
	RunID           string         `bun:"run_id,notnull" json:"run_id"`
	DocID           string         `bun:"doc_id,notnull" json:"doc_id"`
	SourceName      string         `bun:"source_name,notnull" json:"source_name"`
	State           string         `bun:"state,notnull,default:'pending'" json:"state"`
	Priority        int            `bun:"priority,notnull,default:100" json:"priority"`
	RetryCount      int            `bun:"retry_count,notnull,default:0" json:"retry_count"`
	ClaimedByWorker *string        `bun:"claimed_by_worker" json:"claimed_by_worker,omitempty"`
	ClaimedAt       *time.Time     `bun:"claimed_at" json:"claimed_at,omitempty"`
	LastHeartbeat   *time.Time     `bun:"last_heartbeat" json:"last_heartbeat,omitempty"`
	NextAttemptAt   *time.Time     `bun:"next_attempt_at" json:"next_attempt_at,omitempty"`
	Metadata        map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	ErrorInfo       *ErrorInfo     `bun:"error_info,type:jsonb" json:"error_info,omitempty"`
	CreatedAt       time.Time      `bun:"created_at,nullzero,notnull,default:now()" json:"created_at"`
	UpdatedAt       time.Time      `bun:"updated_at,nullzero,notnull,default:now()" json:"updated_at"`
}

// LinkDepth reads the link-discovery depth from entry metadata.
// Entries enqueued directly from a content source listing have depth 0.
func (e *Entry) LinkDepth() int {
	if e.Metadata == nil {
		return 0
	}
	switch v := e.Metadata[MetaLinkDepth].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Terminal reports whether the entry has reached a final state.
func (e *Entry) Terminal() bool {
	return e.State == StateCompleted || e.State == StateFailed
}

// StateCounts is a per-state breakdown of a run's queue.
type StateCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retry      int `json:"retry"`
}

// Total returns the number of entries across all states.
func (c StateCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed + c.Retry
}

// Live returns the number of entries that still need work.
func (c StateCounts) Live() int {
	return c.Pending + c.Processing + c.Retry
}

// Drained reports whether no live entries remain.
func (c StateCounts) Drained() bool {
	return c.Live() == 0
}
