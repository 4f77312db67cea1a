// Package database owns the process-wide Postgres handle: a pgx pool
// sized from env config with bun layered over it for the repositories.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"go.uber.org/fx"

	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/pkg/logger"
)

const (
	// dialTimeout bounds the startup connect-and-ping; a worker with a
	// bad DSN should die here, not at its first claim.
	dialTimeout = 10 * time.Second

	// slowQueryThreshold separates lock waits worth investigating from
	// normal traffic; claim queries block on row locks under contention.
	slowQueryThreshold = 3 * time.Second
)

var Module = fx.Module("database",
	fx.Provide(
		Open,
		// Repositories take the bun.IDB interface so tests can hand
		// them a transaction instead.
		fx.Annotate(
			func(db *bun.DB) bun.IDB { return db },
			fx.As(new(bun.IDB)),
		),
	),
)

// Open dials Postgres and returns the bun handle everything queries
// through. The underlying pgx pool stays private to this package; it is
// sized here and torn down by the lifecycle hook after bun closes.
func Open(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) (*bun.DB, error) {
	log = log.With(logger.Scope("database"))

	pool, err := dial(cfg, log)
	if err != nil {
		return nil, err
	}

	db := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())
	// The hook is always installed: failed and slow statements surface
	// in logs no matter what. DB_QUERY_DEBUG additionally traces every
	// statement, which is too loud to tie to the global debug level.
	db.AddQueryHook(&queryHook{
		log:     log,
		verbose: cfg.Database.QueryDebug,
	})

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			log.Info("closing database")
			err := db.Close()
			pool.Close()
			return err
		},
	})
	return db, nil
}

func dial(cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	pc.MaxConns = int32(cfg.Database.MaxOpenConns)
	pc.MinConns = int32(cfg.Database.MaxIdleConns)
	pc.MaxConnIdleTime = cfg.Database.MaxIdleTime
	// Tag sessions so pg_stat_activity attributes claim contention to
	// this system rather than to an anonymous client.
	pc.ConnConfig.RuntimeParams["application_name"] = "docmesh"

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s:%d/%s: %w",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Database, err)
	}

	log.Info("database pool ready",
		slog.String("host", cfg.Database.Host),
		slog.Int("port", cfg.Database.Port),
		slog.String("database", cfg.Database.Database),
		slog.Int("max_conns", cfg.Database.MaxOpenConns))
	return pool, nil
}

type queryHook struct {
	log     *slog.Logger
	verbose bool
}

func (h *queryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *queryHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	elapsed := time.Since(event.StartTime)

	switch {
	case event.Err != nil && !benignQueryErr(event.Err):
		h.log.Error("query failed",
			slog.String("query", event.Query),
			slog.Duration("duration", elapsed),
			logger.Error(event.Err))
	case elapsed > slowQueryThreshold:
		h.log.Warn("slow query",
			slog.String("query", event.Query),
			slog.Duration("duration", elapsed))
	case h.verbose:
		h.log.Debug("query",
			slog.String("query", event.Query),
			slog.Duration("duration", elapsed))
	}
}

// benignQueryErr filters what every healthy run produces anyway: empty
// result scans and statements cut short by shutdown.
func benignQueryErr(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled)
}
