package scheduler

import (
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/docmesh/docmesh/domain/queue"
	"github.com/docmesh/docmesh/domain/runs"
	"github.com/docmesh/docmesh/internal/config"
)

// Module wires the maintenance scheduler into the coordinator. Tasks
// only fire once the fx app starts, which is after the coordinator's
// invokes (migration, discovery) have finished.
var Module = fx.Module("scheduler",
	fx.Provide(
		NewConfig,
		NewScheduler,
	),
	fx.Invoke(
		RegisterMaintenance,
		RegisterLifecycle,
	),
)

// TaskParams collects the dependencies of the maintenance tasks.
type TaskParams struct {
	fx.In

	Scheduler *Scheduler
	Cfg       *Config
	RunConfig *config.RunConfig
	Run       *runs.ProcessingRun
	Queue     *queue.Queue
	Runs      *runs.Repository
	Log       *slog.Logger
}

// RegisterMaintenance registers the four maintenance sweeps for the
// coordinated run: stale-claim reclaim, worker-heartbeat audit, run
// completion, and the queue status line.
func RegisterMaintenance(p TaskParams) error {
	if !p.Cfg.Enabled {
		p.Log.Info("maintenance disabled, skipping task registration")
		return nil
	}

	runID := p.Run.RunID
	timeout := p.RunConfig.Processing.HeartbeatTimeout()

	tasks := []struct {
		name     string
		schedule string
		interval time.Duration
		fn       TaskFunc
	}{
		{"reclaim_stale", p.Cfg.ReclaimSchedule, p.Cfg.ReclaimInterval,
			NewReclaimTask(p.Queue, runID, timeout, p.Log).Run},
		{"stale_workers", p.Cfg.StaleWorkerSchedule, p.Cfg.StaleWorkerInterval,
			NewStaleWorkerTask(p.Runs, runID, timeout, p.Log).Run},
		{"run_completion", p.Cfg.CompletionSchedule, p.Cfg.CompletionInterval,
			NewCompletionTask(p.Queue, p.Runs, runID, p.Log).Run},
		{"queue_stats", p.Cfg.StatsSchedule, p.Cfg.StatsInterval,
			NewStatsTask(p.Queue, runID, p.Log).Run},
	}
	for _, t := range tasks {
		if err := addScheduledTask(p.Scheduler, t.name, t.schedule, t.interval, t.fn); err != nil {
			return err
		}
	}

	p.Log.Info("registered maintenance tasks",
		slog.String("run_id", runID),
		slog.Any("tasks", p.Scheduler.Names()))
	return nil
}

// addScheduledTask registers under the cron override when one is set
// and falls back to the interval otherwise.
func addScheduledTask(s *Scheduler, name, schedule string, interval time.Duration, task TaskFunc) error {
	if schedule == "" {
		schedule = "@every " + interval.String()
	}
	return s.Add(name, schedule, task)
}

// RegisterLifecycle starts and stops the scheduler with the app.
func RegisterLifecycle(lc fx.Lifecycle, s *Scheduler, cfg *Config) {
	if !cfg.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  s.Stop,
	})
}
