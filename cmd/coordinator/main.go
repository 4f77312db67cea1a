// Package main runs the docmesh coordinator. It derives the run
// identity from the run config, seeds the work queue by enumerating
// every configured content source, and keeps the run healthy through
// the maintenance sweeps (stale-claim reclaim, stale-worker audit,
// completion detection) until the run finishes.
//
// In single mode the coordinator also drains the queue itself with an
// in-process runner; in distributed mode external worker processes do
// the draining and the coordinator only monitors.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/docmesh/docmesh/domain/documents"
	"github.com/docmesh/docmesh/domain/embedding"
	"github.com/docmesh/docmesh/domain/entities"
	"github.com/docmesh/docmesh/domain/ontology"
	"github.com/docmesh/docmesh/domain/parsers"
	"github.com/docmesh/docmesh/domain/processor"
	"github.com/docmesh/docmesh/domain/queue"
	"github.com/docmesh/docmesh/domain/runs"
	"github.com/docmesh/docmesh/domain/scheduler"
	"github.com/docmesh/docmesh/domain/sources"
	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/internal/database"
	"github.com/docmesh/docmesh/internal/migrate"
	"github.com/docmesh/docmesh/internal/server"
	"github.com/docmesh/docmesh/pkg/embeddings"
	"github.com/docmesh/docmesh/pkg/logger"
)

// completionPollInterval is how often a --once coordinator checks
// whether the run has reached a terminal status.
const completionPollInterval = 5 * time.Second

func main() {
	configPath := flag.String("config", "docmesh.yaml", "path to the run config file")
	maxLinkDepth := flag.Int("max-link-depth", -1, "override processing.max_link_depth (-1 keeps the config value)")
	logLevel := flag.String("log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	once := flag.Bool("once", false, "exit when the run reaches a terminal status instead of staying resident")
	runMigrations := flag.Bool("migrate", false, "apply database migrations before starting")
	flag.Parse()

	// Load .env files if present (for local development)
	// Note: Load() won't overwrite existing vars, Overload() will.
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	if *logLevel != "" {
		os.Setenv("LOG_LEVEL", *logLevel)
	}

	app := fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Lifecycle hooks wait out the configured drain grace; the fx
		// timeout is only an outer bound.
		fx.StopTimeout(10*time.Minute),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		migrate.Module,
		server.Module,

		// Embeddings backend (mock, Generative AI, or Vertex AI)
		embeddings.Module,

		// Pipeline modules
		sources.Module,
		parsers.Module,
		queue.Module,
		runs.Module,
		documents.Module,
		entities.Module,
		ontology.Module,
		embedding.Module,
		processor.Module,

		fx.Provide(func(log *slog.Logger) (*config.RunConfig, error) {
			return loadRunConfig(*configPath, *maxLinkDepth, log)
		}),

		// Invocations execute in option order: the schema must exist
		// before the run row is ensured, and discovery must finish
		// before the scheduler's completion sweep can run, or a drained
		// queue that was simply never seeded would complete the run.
		fx.Invoke(func(p migrateParams) error {
			return applyMigrations(p, *runMigrations)
		}),
		fx.Invoke(seedQueue),

		// Maintenance sweeps (reclaim, stale workers, completion, stats);
		// the cron only starts once every invocation above has finished.
		scheduler.Module,

		fx.Invoke(func(p coordinatorParams) error {
			return registerCoordinator(p, *once)
		}),
	)

	os.Exit(run(app))
}

// run drives the app through start, wait, and stop, and maps the way it
// ended to the process exit code: 0 for clean completion, 1 for user
// interrupts and failures.
func run(app *fx.App) int {
	startCtx, startCancel := context.WithTimeout(context.Background(), app.StartTimeout())
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		return 1
	}

	sig := <-app.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown failed:", err)
		return 1
	}

	if sig.Signal != nil {
		return 1
	}
	return sig.ExitCode
}

// loadRunConfig loads the run config and applies the CLI override. The
// link-depth override changes processing behavior only: it is not part
// of the run identity, so peers started without the flag still join the
// same run.
func loadRunConfig(path string, maxLinkDepth int, log *slog.Logger) (*config.RunConfig, error) {
	rc, err := config.LoadRunConfig(path)
	if err != nil {
		return nil, err
	}
	if rc.Processing.Mode == config.ModeWorker {
		return nil, fmt.Errorf("run config %s declares processing.mode worker; start the worker binary instead", path)
	}
	if maxLinkDepth >= 0 {
		rc.Processing.MaxLinkDepth = maxLinkDepth
	}

	log.Info("run config loaded",
		slog.String("path", path),
		slog.String("mode", rc.Processing.Mode),
		slog.Int("sources", len(rc.ContentSources)),
		slog.Int("max_link_depth", rc.Processing.MaxLinkDepth),
		slog.Bool("embedding", rc.Embedding.Enabled))
	return rc, nil
}

type migrateParams struct {
	fx.In

	Migrator *migrate.Migrator
	Log      *slog.Logger
}

func applyMigrations(p migrateParams, enabled bool) error {
	if !enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return p.Migrator.Up(ctx)
}

// seedParams collects what discovery needs.
type seedParams struct {
	fx.In

	RunConfig *config.RunConfig
	Run       *runs.ProcessingRun
	Discovery *processor.Discovery
	Log       *slog.Logger
}

// seedQueue enumerates every configured source into the run's queue.
func seedQueue(p seedParams) error {
	stats, err := p.Discovery.Run(context.Background(), p.Run.RunID)
	if err != nil {
		return err
	}
	p.Log.Info("discovery finished",
		logger.Scope("coordinator"),
		slog.String("run_id", p.Run.RunID),
		slog.Int("sources", stats.Sources),
		slog.Int("listed", stats.Listed),
		slog.Int("enqueued", stats.Enqueued),
		slog.Int("failed_sources", stats.Failed))
	return nil
}

// coordinatorParams collects the mode-specific lifecycle dependencies.
type coordinatorParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Cfg        *config.Config
	RunConfig  *config.RunConfig
	Run        *runs.ProcessingRun
	Queue      *queue.Queue
	Runs       *runs.Repository
	Processor  *processor.Processor
	Log        *slog.Logger
}

// registerCoordinator starts the mode-specific part of the process.
// Single mode drives an in-process runner; distributed mode leaves the
// draining to external workers. With --once the process exits as soon
// as the run reaches a terminal status.
func registerCoordinator(p coordinatorParams, once bool) error {
	log := p.Log.With(logger.Scope("coordinator"), slog.String("run_id", p.Run.RunID))

	switch p.RunConfig.Processing.Mode {
	case config.ModeSingle:
		registerInProcessRunner(p, log, once)
	case config.ModeDistributed:
		if !once {
			log.Info("coordinator resident; external workers drain the queue")
			return nil
		}
		registerCompletionWatcher(p, log)
	}
	return nil
}

// registerInProcessRunner runs the worker loops inside the coordinator.
// Resident coordinators keep polling for work after the queue drains, so
// requeued dead letters and operator-added documents are picked up; with
// --once the runner exits on drain, the run is completed, and the
// process shuts down.
func registerInProcessRunner(p coordinatorParams, log *slog.Logger, once bool) {
	runner := processor.NewRunner(p.RunConfig, p.Queue, p.Runs, p.Processor, nil,
		processor.RunnerOptions{ExitWhenDrained: once}, p.Log)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				stats, err := runner.Run(runCtx, p.Run.RunID)
				if err != nil {
					log.Error("in-process runner failed", logger.Error(err))
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				if runCtx.Err() != nil {
					// Shutdown requested; OnStop owns the rest.
					return
				}
				log.Info("queue drained",
					slog.Int64("processed", stats.Processed),
					slog.Int64("unchanged", stats.Unchanged),
					slog.Int64("failed", stats.Failed))
				finishRun(p, log)
				_ = p.Shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return waitForDrain(ctx, done, p.Cfg.ShutdownTimeout, log)
		},
	})
}

// registerCompletionWatcher polls the run row until it leaves the
// active status, then shuts the process down with an exit code matching
// how the run ended. The completion sweep itself lives in the
// scheduler; this loop only decides when a --once coordinator may exit.
func registerCompletionWatcher(p coordinatorParams, log *slog.Logger) {
	watchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				watchCompletion(watchCtx, p, log)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func watchCompletion(ctx context.Context, p coordinatorParams, log *slog.Logger) {
	ticker := time.NewTicker(completionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		run, err := p.Runs.Get(ctx, p.Run.RunID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("run status poll failed", logger.Error(err))
			continue
		}
		if run == nil || run.Active() {
			continue
		}

		log.Info("run finished",
			slog.String("status", run.Status),
			slog.Int("processed", run.DocumentsProcessed),
			slog.Int("failed", run.DocumentsFailed))
		code := 0
		if run.Status != runs.RunCompleted {
			code = 1
		}
		_ = p.Shutdowner.Shutdown(fx.ExitCode(code))
		return
	}
}

// finishRun runs the completion check once, synchronously, so a --once
// single-mode coordinator records the terminal status before exiting
// rather than leaving it to a sweep that will never fire again.
func finishRun(p coordinatorParams, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.NewCompletionTask(p.Queue, p.Runs, p.Run.RunID, p.Log).Run(ctx); err != nil {
		log.Warn("final completion check failed", logger.Error(err))
	}
}

// waitForDrain blocks until the runner goroutine finishes or the grace
// period expires. Expiry abandons the in-flight document: its claim
// goes stale and another process reclaims it later.
func waitForDrain(ctx context.Context, done <-chan struct{}, grace time.Duration, log *slog.Logger) error {
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		log.Warn("drain grace expired; abandoning in-flight work",
			slog.Duration("grace", grace))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
