// Package main is the dead-letter operator CLI. Failed queue entries
// never leave the dead-letter queue on their own; this tool is the
// explicit path back: inspect failures, requeue them once the cause is
// fixed, or purge what is beyond saving.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/docmesh/docmesh/domain/queue"
	"github.com/docmesh/docmesh/internal/config"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	// Service logs go to stderr so stdout stays clean for data (export
	// writes JSON lines there).
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db := connect()
	defer db.Close()

	svc := queue.NewDeadLetterService(db, log)
	ctx := context.Background()

	var err error
	switch args[0] {
	case "list":
		err = runList(ctx, svc, args[1:])
	case "show":
		err = runShow(ctx, db, log, args[1:])
	case "requeue":
		err = runRequeue(ctx, svc, args[1:])
	case "requeue-run":
		err = runRequeueRun(ctx, svc, args[1:])
	case "analyze":
		err = runAnalyze(ctx, svc, args[1:])
	case "purge":
		err = runPurge(ctx, svc, args[1:])
	case "export":
		err = runExport(ctx, svc, args[1:])
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
	fmt.Fprintf(os.Stderr, `Manage the dead-letter queue (failed documents).

Usage:
  deadletter <command> [options]

Commands:
  list         [--run-id ID] [--limit N] [--details]   List failed entries
  show         QUEUE_ID                                Show one entry in full
  requeue      QUEUE_ID                                Return one entry to pending
  requeue-run  RUN_ID                                  Requeue every failed entry of a run
  analyze      [--run-id ID]                           Group failures by fingerprint
  purge        DAYS                                    Delete failures older than DAYS days
  export       [--run-id ID] [FILE]                    Write failures as JSON lines (default stdout)

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

func runList(ctx context.Context, svc *queue.DeadLetterService, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	runID := fs.String("run-id", "", "only failures of this run")
	limit := fs.Int("limit", 50, "maximum entries to list")
	details := fs.Bool("details", false, "print each entry in full instead of one line")
	if err := fs.Parse(args); err != nil {
		return err
	}

	entries, err := svc.ListFailed(ctx, queue.ListOptions{RunID: *runID, Limit: *limit})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no failed entries")
		return nil
	}

	if *details {
		for i := range entries {
			if i > 0 {
				fmt.Println()
			}
			printEntry(&entries[i])
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE_ID\tRUN_ID\tDOC_ID\tSOURCE\tRETRIES\tFAILED_AT\tFINGERPRINT")
	for i := range entries {
		e := &entries[i]
		fingerprint, failedAt := "", ""
		if e.ErrorInfo != nil {
			fingerprint = e.ErrorInfo.Fingerprint
			failedAt = e.ErrorInfo.FailedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.QueueID, e.RunID, e.DocID, e.SourceName, e.RetryCount, failedAt, fingerprint)
	}
	return w.Flush()
}

func runShow(ctx context.Context, db bun.IDB, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: deadletter show QUEUE_ID")
	}
	queueID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid queue id %q", fs.Arg(0))
	}

	entry, err := queue.NewQueue(db, queue.Config{}, log).Get(ctx, queueID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("queue entry %d not found", queueID)
	}
	printEntry(entry)
	return nil
}

func runRequeue(ctx context.Context, svc *queue.DeadLetterService, args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: deadletter requeue QUEUE_ID")
	}
	queueID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid queue id %q", fs.Arg(0))
	}

	if err := svc.Requeue(ctx, queueID); err != nil {
		return err
	}
	fmt.Printf("queue entry %d returned to pending\n", queueID)
	return nil
}

func runRequeueRun(ctx context.Context, svc *queue.DeadLetterService, args []string) error {
	fs := flag.NewFlagSet("requeue-run", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: deadletter requeue-run RUN_ID")
	}

	n, err := svc.RequeueRun(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("requeued %d entries for run %s\n", n, fs.Arg(0))
	return nil
}

func runAnalyze(ctx context.Context, svc *queue.DeadLetterService, args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	runID := fs.String("run-id", "", "only failures of this run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	patterns, err := svc.Analyze(ctx, *runID)
	if err != nil {
		return err
	}
	if len(patterns) == 0 {
		fmt.Println("no failed entries")
		return nil
	}

	for i := range patterns {
		p := &patterns[i]
		if i > 0 {
			fmt.Println()
		}
		fmt.Printf("%s (%d failures)\n", p.Fingerprint, p.Count)
		fmt.Printf("  sources: %v\n", p.Sources)
		for _, msg := range p.SampleMessages {
			fmt.Printf("  message: %s\n", msg)
		}
		fmt.Printf("  sample docs: %v\n", p.SampleDocIDs)
	}
	return nil
}

func runPurge(ctx context.Context, svc *queue.DeadLetterService, args []string) error {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: deadletter purge DAYS")
	}
	days, err := strconv.Atoi(fs.Arg(0))
	if err != nil || days < 0 {
		return fmt.Errorf("invalid day count %q", fs.Arg(0))
	}

	n, err := svc.Purge(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d entries older than %d days\n", n, days)
	return nil
}

func runExport(ctx context.Context, svc *queue.DeadLetterService, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	runID := fs.String("run-id", "", "only failures of this run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	out := os.Stdout
	if fs.NArg() > 0 && fs.Arg(0) != "-" {
		f, err := os.Create(fs.Arg(0))
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	n, err := svc.Export(ctx, out, *runID)
	if err != nil {
		return err
	}
	if out != os.Stdout {
		fmt.Printf("exported %d entries to %s\n", n, fs.Arg(0))
	}
	return nil
}

// printEntry dumps one queue entry in a flat key: value block.
func printEntry(e *queue.Entry) {
	fmt.Printf("queue_id:    %d\n", e.QueueID)
	fmt.Printf("run_id:      %s\n", e.RunID)
	fmt.Printf("doc_id:      %s\n", e.DocID)
	fmt.Printf("source:      %s\n", e.SourceName)
	fmt.Printf("state:       %s\n", e.State)
	fmt.Printf("retries:     %d\n", e.RetryCount)
	fmt.Printf("created_at:  %s\n", e.CreatedAt.Format(time.RFC3339))
	fmt.Printf("updated_at:  %s\n", e.UpdatedAt.Format(time.RFC3339))
	if len(e.Metadata) > 0 {
		meta, _ := json.Marshal(e.Metadata)
		fmt.Printf("metadata:    %s\n", meta)
	}
	if e.ErrorInfo != nil {
		fmt.Printf("fingerprint: %s\n", e.ErrorInfo.Fingerprint)
		fmt.Printf("permanent:   %t\n", e.ErrorInfo.Permanent)
		fmt.Printf("failed_at:   %s\n", e.ErrorInfo.FailedAt.Format(time.RFC3339))
		fmt.Printf("message:     %s\n", e.ErrorInfo.Message)
		if e.ErrorInfo.Stack != "" {
			fmt.Printf("stack:\n%s\n", e.ErrorInfo.Stack)
		}
	}
}
