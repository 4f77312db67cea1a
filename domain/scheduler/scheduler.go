package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/docmesh/docmesh/pkg/logger"
)

// TaskFunc is one maintenance sweep. Failures are logged, not
// propagated: the sweep retries on its next tick.
type TaskFunc func(ctx context.Context) error

// taskTimeout bounds a single execution. Sweeps are a handful of
// UPDATE statements; anything running this long is wedged.
const taskTimeout = 5 * time.Minute

// Scheduler runs the coordinator's maintenance sweeps on robfig/cron
// with seconds precision. Registering a name twice replaces the old
// entry instead of doubling it up.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger

	mu       sync.RWMutex
	entries  map[string]cron.EntryID
	failures map[string]int
	running  bool
}

func NewScheduler(log *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		log:      log.With(logger.Scope("scheduler")),
		entries:  make(map[string]cron.EntryID),
		failures: make(map[string]int),
	}
}

// Add registers task under spec, which takes the six-field cron form
// ("second minute hour day-of-month month day-of-week") or a directive
// like "@every 30s".
func (s *Scheduler) Add(name, spec string, task TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(name)
	id, err := s.cron.AddFunc(spec, func() { s.runTask(name, task) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.entries[name] = id

	s.log.Info("task scheduled",
		slog.String("name", name),
		slog.String("spec", spec))
	return nil
}

// Remove unregisters a task. Removing an unknown name is a no-op.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeLocked(name) {
		s.log.Info("task removed", slog.String("name", name))
	}
}

func (s *Scheduler) removeLocked(name string) bool {
	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	delete(s.failures, name)
	return true
}

// Start begins executing registered tasks.
func (s *Scheduler) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", slog.Int("tasks", len(s.entries)))
	return nil
}

// Stop halts scheduling and waits for in-flight tasks, giving up when
// the context does. The lock is released before the wait so running
// sweeps can record their outcome while draining.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timeout")
	}
	return nil
}

// Names returns the registered task names.
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Running reports whether the scheduler has been started.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// runTask executes one sweep and tracks consecutive failures per task,
// so a sweep that keeps failing is visible as more than a stream of
// single errors.
func (s *Scheduler) runTask(name string, task TaskFunc) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()

	err := task(ctx)

	s.mu.Lock()
	if err != nil {
		s.failures[name]++
	} else {
		s.failures[name] = 0
	}
	consecutive := s.failures[name]
	s.mu.Unlock()

	if err != nil {
		s.log.Error("sweep failed",
			slog.String("name", name),
			logger.Error(err),
			slog.Int("consecutive", consecutive),
			slog.Duration("duration", time.Since(start)))
		return
	}
	s.log.Debug("sweep completed",
		slog.String("name", name),
		slog.Duration("duration", time.Since(start)))
}
