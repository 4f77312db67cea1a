// Package migrate applies the embedded goose migrations.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/migrations"
)

// Module provides the migrator to the fx binaries.
var Module = fx.Options(
	fx.Provide(
		newMigrateLogger,
		NewMigrator,
	),
)

// newMigrateLogger builds the zap logger the migrator records progress
// with. Goose output is developer-readable locally and structured in
// production, matching the rest of the process.
func newMigrateLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Environment == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// minServerVersion is the oldest PostgreSQL the pipeline runs on. The
// claim statement requires FOR UPDATE SKIP LOCKED and operational drops
// use WITH (FORCE), which arrived in 13.
const minServerVersion = 130000

// Migrator applies the embedded schema migrations.
type Migrator struct {
	db       *sql.DB
	provider *goose.Provider
	log      *zap.Logger
}

func NewMigrator(db *bun.DB, log *zap.Logger) (*Migrator, error) {
	p, err := newProvider(db.DB)
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db.DB, provider: p, log: log.Named("migrator")}, nil
}

// Up applies every pending migration and logs each one applied.
func (m *Migrator) Up(ctx context.Context) error {
	if err := ensureSupportedServer(ctx, m.db); err != nil {
		return err
	}
	results, err := m.provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	if len(results) == 0 {
		m.log.Info("schema already current")
		return nil
	}
	for _, r := range results {
		m.log.Info("applied migration",
			zap.Int64("version", r.Source.Version),
			zap.String("path", r.Source.Path),
			zap.Duration("took", r.Duration))
	}
	return nil
}

// RunWithDB applies pending migrations over a raw connection. The
// one-shot CLIs and the test harness use this so they do not have to
// stand up the fx graph.
func RunWithDB(ctx context.Context, db *sql.DB) error {
	if err := ensureSupportedServer(ctx, db); err != nil {
		return err
	}
	p, err := newProvider(db)
	if err != nil {
		return err
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// ResetWithDB rolls every migration back and reapplies them, destroying
// all data. Backs `queue init-schema --force`.
func ResetWithDB(ctx context.Context, db *sql.DB) error {
	if err := ensureSupportedServer(ctx, db); err != nil {
		return err
	}
	p, err := newProvider(db)
	if err != nil {
		return err
	}
	if _, err := p.DownTo(ctx, 0); err != nil {
		return fmt.Errorf("roll back migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// VersionWithDB reports the schema version currently applied.
func VersionWithDB(ctx context.Context, db *sql.DB) (int64, error) {
	p, err := newProvider(db)
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}

func newProvider(db *sql.DB) (*goose.Provider, error) {
	p, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	return p, nil
}

// ensureSupportedServer rejects servers that cannot execute the claim
// statement or the forced drops, before any migration runs.
func ensureSupportedServer(ctx context.Context, db *sql.DB) error {
	var v int
	if err := db.QueryRowContext(ctx, "SELECT current_setting('server_version_num')::int").Scan(&v); err != nil {
		return fmt.Errorf("read server version: %w", err)
	}
	if v < minServerVersion {
		return fmt.Errorf("postgres %d.%d is unsupported: need %d or newer for FOR UPDATE SKIP LOCKED claims and forced drops",
			v/10000, v%10000, minServerVersion/10000)
	}
	return nil
}
