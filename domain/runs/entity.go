package runs

import (
	"time"

	"github.com/uptrace/bun"
)

// Run statuses.
const (
	RunActive    = "active"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunAbandoned = "abandoned"
)

// Worker statuses. A stale worker is one whose heartbeat aged out; its
// claims are reclaimed by queue maintenance, and the worker itself may
// still come back and resume heartbeating.
const (
	WorkerActive  = "active"
	WorkerStopped = "stopped"
	WorkerStale   = "stale"
)

// ProcessingRun is one logical ingestion over a set of content sources.
// Its identity is derived from the run config, so every process started
// with the same sources joins the same run instead of forking a new one.
type ProcessingRun struct {
	bun.BaseModel `bun:"table:processing_runs,alias:r"`

	RunID              string     `bun:"run_id,pk" json:"run_id"`
	Status             string     `bun:"status,notnull,default:'active'" json:"status"`
	ConfigHash         string     `bun:"config_hash,notnull" json:"config_hash"`
	WorkerCount        int        `bun:"worker_count,notnull,default:0" json:"worker_count"`
	DocumentsQueued    int        `bun:"documents_queued,notnull,default:0" json:"documents_queued"`
	DocumentsProcessed int        `bun:"documents_processed,notnull,default:0" json:"documents_processed"`
	DocumentsFailed    int        `bun:"documents_failed,notnull,default:0" json:"documents_failed"`
	CreatedAt          time.Time  `bun:"created_at,nullzero,notnull,default:now()" json:"created_at"`
	UpdatedAt          time.Time  `bun:"updated_at,nullzero,notnull,default:now()" json:"updated_at"`
	CompletedAt        *time.Time `bun:"completed_at" json:"completed_at,omitempty"`
}

// Active reports whether the run is still accepting work.
func (r *ProcessingRun) Active() bool {
	return r.Status == RunActive
}

// RunWorker is a worker process registered against a run. Workers are
// identified by (worker_id, run_id); restarting a worker with the same
// id revives the existing row.
type RunWorker struct {
	bun.BaseModel `bun:"table:run_workers,alias:w"`

	WorkerID           string         `bun:"worker_id,pk" json:"worker_id"`
	RunID              string         `bun:"run_id,pk" json:"run_id"`
	Status             string         `bun:"status,notnull,default:'active'" json:"status"`
	Hostname           string         `bun:"hostname,notnull,default:''" json:"hostname"`
	Metadata           map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	DocumentsProcessed int            `bun:"documents_processed,notnull,default:0" json:"documents_processed"`
	DocumentsFailed    int            `bun:"documents_failed,notnull,default:0" json:"documents_failed"`
	StartedAt          time.Time      `bun:"started_at,nullzero,notnull,default:now()" json:"started_at"`
	LastHeartbeat      time.Time      `bun:"last_heartbeat,nullzero,notnull,default:now()" json:"last_heartbeat"`
}
