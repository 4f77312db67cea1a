// Package main is the queue operator CLI: schema management, run and
// queue inspection, manual enqueueing, stale-claim reclaim, and run
// cancellation. Commands talk straight to the store, so they compose
// with coordinators and workers running anywhere.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/docmesh/docmesh/domain/queue"
	"github.com/docmesh/docmesh/domain/runs"
	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/internal/migrate"
	"github.com/docmesh/docmesh/internal/version"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}
	if args[0] == "version" {
		fmt.Println("queue", version.String())
		return
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db := connect()
	defer db.Close()

	ctx := context.Background()

	var err error
	switch args[0] {
	case "init-schema":
		err = runInitSchema(ctx, db, args[1:])
	case "status":
		err = runStatus(ctx, db, log, args[1:])
	case "list-runs":
		err = runListRuns(ctx, db, log, args[1:])
	case "add-document":
		err = runAddDocument(ctx, db, log, args[1:])
	case "reclaim-stale":
		err = runReclaimStale(ctx, db, log, args[1:])
	case "cancel-run":
		err = runCancelRun(ctx, db, log, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Operate the document work queue.

Usage:
  queue <command> [options]

Commands:
  init-schema    [--force]                             Apply database migrations
  status         [--run-id ID]                         Queue depth by state, per run
  list-runs      [--limit N]                           List processing runs
  add-document   DOC_ID SOURCE [--run-id ID]
                 [--metadata JSON] [--priority N]      Enqueue one document
  reclaim-stale  [--run-id ID] [--timeout D]           Return stale claims to retry
  cancel-run     RUN_ID                                Abandon a run and dead-letter its backlog
  version                                              Print build metadata

The database connection comes from DATABASE_URL or the POSTGRES_* variables.
`)
}

// connect opens a bun connection from the environment. One-shot
// invocations do not need the pgx pool the long-running processes use.
func connect() *bun.DB {
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	var dbCfg config.DatabaseConfig
	if err := env.Parse(&dbCfg); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dbCfg.DSN())))
	return bun.NewDB(sqldb, pgdialect.New())
}

func runInitSchema(ctx context.Context, db *bun.DB, args []string) error {
	fs := flag.NewFlagSet("init-schema", flag.ExitOnError)
	force := fs.Bool("force", false, "roll back every migration first, destroying all data")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *force {
		fmt.Println("resetting schema; all data will be lost")
		if err := migrate.ResetWithDB(ctx, db.DB); err != nil {
			return err
		}
	} else if err := migrate.RunWithDB(ctx, db.DB); err != nil {
		return err
	}

	v, err := migrate.VersionWithDB(ctx, db.DB)
	if err != nil {
		return err
	}
	fmt.Printf("schema is up to date at version %d\n", v)
	return nil
}

func runStatus(ctx context.Context, db *bun.DB, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runID := fs.String("run-id", "", "show a single run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	repo := runs.NewRepository(db, log)
	q := queue.NewQueue(db, queue.Config{}, log)

	var list []runs.ProcessingRun
	if *runID != "" {
		run, err := repo.Get(ctx, *runID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found", *runID)
		}
		list = []runs.ProcessingRun{*run}
	} else {
		var err error
		if list, err = repo.List(ctx, 20); err != nil {
			return err
		}
	}
	if len(list) == 0 {
		fmt.Println("no runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN_ID\tSTATUS\tPENDING\tPROCESSING\tRETRY\tCOMPLETED\tFAILED")
	for i := range list {
		counts, err := q.Status(ctx, list[i].RunID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			list[i].RunID, list[i].Status,
			counts.Pending, counts.Processing, counts.Retry, counts.Completed, counts.Failed)
	}
	return w.Flush()
}

func runListRuns(ctx context.Context, db *bun.DB, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("list-runs", flag.ExitOnError)
	limit := fs.Int("limit", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	list, err := runs.NewRepository(db, log).List(ctx, *limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("no runs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN_ID\tSTATUS\tWORKERS\tQUEUED\tPROCESSED\tFAILED\tCREATED\tCOMPLETED")
	for i := range list {
		r := &list[i]
		completed := ""
		if r.CompletedAt != nil {
			completed = r.CompletedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.RunID, r.Status, r.WorkerCount,
			r.DocumentsQueued, r.DocumentsProcessed, r.DocumentsFailed,
			r.CreatedAt.Format(time.RFC3339), completed)
	}
	return w.Flush()
}

func runAddDocument(ctx context.Context, db *bun.DB, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("add-document", flag.ExitOnError)
	runID := fs.String("run-id", "", "target run (default: the single active run)")
	metadata := fs.String("metadata", "", "entry metadata as a JSON object")
	priority := fs.Int("priority", 0, "claim priority; lower is claimed first (0 = default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: queue add-document DOC_ID SOURCE [options]")
	}
	docID, source := fs.Arg(0), fs.Arg(1)

	var meta map[string]any
	if *metadata != "" {
		if err := json.Unmarshal([]byte(*metadata), &meta); err != nil {
			return fmt.Errorf("invalid metadata: %w", err)
		}
	}

	target := *runID
	if target == "" {
		var err error
		if target, err = soleActiveRun(ctx, db, log); err != nil {
			return err
		}
	}

	queueID, err := queue.NewQueue(db, queue.Config{}, log).Add(ctx, queue.AddParams{
		RunID:      target,
		DocID:      docID,
		SourceName: source,
		Priority:   *priority,
		Metadata:   meta,
	})
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s as entry %d in run %s\n", docID, queueID, target)
	return nil
}

func runReclaimStale(ctx context.Context, db *bun.DB, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("reclaim-stale", flag.ExitOnError)
	runID := fs.String("run-id", "", "only this run (default: every active run)")
	timeout := fs.Duration("timeout", 90*time.Second, "heartbeat age that counts as stale")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := queue.NewQueue(db, queue.Config{}, log)

	targets := []string{*runID}
	if *runID == "" {
		var err error
		if targets, err = activeRuns(ctx, db, log); err != nil {
			return err
		}
	}

	total := 0
	for _, id := range targets {
		n, err := q.ReclaimStale(ctx, id, *timeout)
		if err != nil {
			return err
		}
		total += n
	}
	fmt.Printf("reclaimed %d stale claims\n", total)
	return nil
}

func runCancelRun(ctx context.Context, db *bun.DB, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("cancel-run", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: queue cancel-run RUN_ID")
	}
	runID := fs.Arg(0)

	// Abandon first: it only succeeds on an active run, which guards the
	// dead-lettering below against typos and double cancellation.
	if err := runs.NewRepository(db, log).MarkAbandoned(ctx, runID); err != nil {
		return err
	}
	n, err := queue.NewQueue(db, queue.Config{}, log).CancelPending(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Printf("run %s abandoned; %d queued entries dead-lettered\n", runID, n)
	fmt.Println("entries already processing will finish on their workers")
	return nil
}

// soleActiveRun resolves the implied run when --run-id is omitted. It
// only guesses when the guess cannot be wrong.
func soleActiveRun(ctx context.Context, db *bun.DB, log *slog.Logger) (string, error) {
	active, err := activeRuns(ctx, db, log)
	if err != nil {
		return "", err
	}
	switch len(active) {
	case 0:
		return "", fmt.Errorf("no active runs; pass --run-id")
	case 1:
		return active[0], nil
	default:
		return "", fmt.Errorf("%d active runs; pass --run-id", len(active))
	}
}

func activeRuns(ctx context.Context, db *bun.DB, log *slog.Logger) ([]string, error) {
	list, err := runs.NewRepository(db, log).List(ctx, 100)
	if err != nil {
		return nil, err
	}
	var active []string
	for i := range list {
		if list[i].Active() {
			active = append(active, list[i].RunID)
		}
	}
	return active, nil
}
