// Package main runs a docmesh worker process: N claim loops draining
// the run's queue, a heartbeat goroutine keeping its claims fresh, and
// optional health-based concurrency scaling. Workers join the run
// derived from the same config the coordinator was started with and
// coordinate with their peers exclusively through the store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
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
	"github.com/docmesh/docmesh/domain/sources"
	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/internal/database"
	"github.com/docmesh/docmesh/internal/server"
	"github.com/docmesh/docmesh/pkg/embeddings"
	"github.com/docmesh/docmesh/pkg/logger"
	"github.com/docmesh/docmesh/pkg/syshealth"
)

// workerOptions carries the CLI flags into the lifecycle registration.
type workerOptions struct {
	workerID     string
	workers      int
	maxDocuments int
}

func main() {
	configPath := flag.String("config", "docmesh.yaml", "path to the run config file")
	workers := flag.Int("workers", 0, "claim loop count (0 uses processing.workers from the config)")
	workerID := flag.String("worker-id", "", "stable worker id (default: generated)")
	maxDocuments := flag.Int("max-documents", 0, "exit after processing this many documents (0 = unbounded)")
	flag.Parse()

	// Load .env files if present (for local development)
	// Note: Load() won't overwrite existing vars, Overload() will.
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	opts := workerOptions{
		workerID:     *workerID,
		workers:      *workers,
		maxDocuments: *maxDocuments,
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
			return loadRunConfig(*configPath, log)
		}),

		fx.Invoke(func(p workerParams) error {
			return registerWorker(p, opts)
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

// loadRunConfig loads the shared run config. Workers accept any
// processing mode: the mode decides what the coordinator does, while a
// worker's job is the same everywhere.
func loadRunConfig(path string, log *slog.Logger) (*config.RunConfig, error) {
	rc, err := config.LoadRunConfig(path)
	if err != nil {
		return nil, err
	}

	log.Info("run config loaded",
		slog.String("path", path),
		slog.String("mode", rc.Processing.Mode),
		slog.Int("sources", len(rc.ContentSources)),
		slog.Bool("health_scaling", rc.Processing.HealthScaling))
	return rc, nil
}

// workerParams collects the worker lifecycle dependencies.
type workerParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Cfg        *config.Config
	RunConfig  *config.RunConfig
	Run        *runs.ProcessingRun
	DB         *bun.DB
	Queue      *queue.Queue
	Runs       *runs.Repository
	Processor  *processor.Processor
	Log        *slog.Logger
}

// registerWorker wires the claim loops into the app lifecycle. The
// runner stops on its own after --max-documents; otherwise it polls
// until shutdown, finishing the document it holds within the configured
// grace period.
func registerWorker(p workerParams, opts workerOptions) error {
	threads := p.RunConfig.Processing.Workers
	if opts.workers > 0 {
		threads = opts.workers
	}

	// Health scaling parks claim threads while the host (or the DB
	// pool) is under pressure, between min_workers and the full count.
	var monitor syshealth.Monitor
	var scaler *syshealth.ConcurrencyScaler
	if p.RunConfig.Processing.HealthScaling {
		monitor = syshealth.NewMonitor(syshealth.DefaultConfig(), p.DB, p.Log)
		scaler = syshealth.NewConcurrencyScaler(monitor, "ingest", true,
			p.RunConfig.Processing.MinWorkers, threads)
	}

	runner := processor.NewRunner(p.RunConfig, p.Queue, p.Runs, p.Processor, scaler,
		processor.RunnerOptions{
			WorkerID:     opts.workerID,
			Threads:      threads,
			MaxDocuments: opts.maxDocuments,
		}, p.Log)

	log := p.Log.With(logger.Scope("worker"),
		slog.String("run_id", p.Run.RunID),
		slog.String("worker_id", runner.WorkerID()))

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if monitor != nil {
				if err := monitor.Start(); err != nil {
					return fmt.Errorf("start health monitor: %w", err)
				}
			}
			go func() {
				defer close(done)
				stats, err := runner.Run(runCtx, p.Run.RunID)
				if err != nil {
					// Store unreachable; do not return to the pool.
					log.Error("worker failed", logger.Error(err))
					_ = p.Shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				if runCtx.Err() != nil {
					// Shutdown requested; OnStop owns the rest.
					return
				}
				log.Info("document budget reached",
					slog.Int64("processed", stats.Processed),
					slog.Int64("failed", stats.Failed))
				_ = p.Shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			err := waitForDrain(ctx, done, p.Cfg.ShutdownTimeout, log)
			if monitor != nil {
				if stopErr := monitor.Stop(); stopErr != nil {
					log.Warn("health monitor stop failed", logger.Error(stopErr))
				}
			}
			return err
		},
	})
	return nil
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
