package testutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/docmesh/docmesh/internal/config"
	"github.com/docmesh/docmesh/internal/migrate"
)

const (
	templateDB = "docmesh_test_template"
	adminDB    = "postgres"

	// templateLockKey serializes template work across concurrent
	// `go test` processes sharing one Postgres. Ascii "docm".
	templateLockKey = 0x646f636d
)

var (
	templateOnce sync.Once
	templateErr  error
	dbSeq        atomic.Int64
)

// TestDB is the handle for one owned test database. Close drops it.
type TestDB struct {
	DB   *bun.DB
	Name string

	cleanup func()

	// per-test transaction, nil outside Begin/Rollback
	tx *bun.Tx
}

// Close rolls up the connections and drops the database.
func (t *TestDB) Close() {
	if t.cleanup != nil {
		t.cleanup()
	}
}

// Conn returns the handle queries should go through: the open test
// transaction if there is one, the base connection otherwise.
func (t *TestDB) Conn() bun.IDB {
	if t.tx != nil {
		return *t.tx
	}
	return t.DB
}

// Begin opens the per-test transaction. Until Rollback, Conn routes
// everything through it, so a test's writes vanish with the rollback
// instead of needing TRUNCATE sweeps.
func (t *TestDB) Begin(ctx context.Context) error {
	if t.tx != nil {
		return errors.New("test transaction already open")
	}
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin test transaction: %w", err)
	}
	t.tx = &tx
	return nil
}

// Rollback discards the per-test transaction. Safe to call when none
// is open.
func (t *TestDB) Rollback() error {
	if t.tx == nil {
		return nil
	}
	err := t.tx.Rollback()
	t.tx = nil
	return err
}

// SkipWithoutDatabase skips the calling test unless a Postgres instance
// is configured via TEST_DATABASE_URL (or TEST_DATABASE=1 with the usual
// POSTGRES_* variables).
func SkipWithoutDatabase(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_DATABASE_URL") == "" && os.Getenv("TEST_DATABASE") == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping database test")
	}
}

// RequireDB skips the calling test without a configured Postgres and
// otherwise returns an isolated per-test database.
func RequireDB(t *testing.T, suffix string) *TestDB {
	t.Helper()
	SkipWithoutDatabase(t)

	db, err := SetupTestDB(context.Background(), suffix)
	if err != nil {
		t.Fatalf("setup test database: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

// SetupTestDB hands out an isolated database cloned from a migrated
// template. The first call in a process migrates the template (about a
// second); every later call is a CREATE DATABASE ... TEMPLATE clone
// taking tens of milliseconds. Close drops the clone.
func SetupTestDB(ctx context.Context, suffix string) (*TestDB, error) {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))

	baseCfg, err := config.NewConfig(log)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if raw := os.Getenv("TEST_DATABASE_URL"); raw != "" {
		if err := applyDatabaseURL(&baseCfg.Database, raw); err != nil {
			return nil, fmt.Errorf("parse TEST_DATABASE_URL: %w", err)
		}
	}
	baseCfg.Database.URL = ""

	templateOnce.Do(func() {
		templateErr = ensureTemplate(ctx, baseCfg, log)
	})
	if templateErr != nil {
		return nil, fmt.Errorf("ensure template db: %w", templateErr)
	}

	// Pid plus sequence keeps names unique even when several `go test`
	// processes share the server.
	name := fmt.Sprintf("docmesh_test_%s_%d_%d", suffix, os.Getpid(), dbSeq.Add(1))

	if err := cloneTemplate(ctx, baseCfg, name); err != nil {
		return nil, err
	}

	pool, err := openPool(ctx, dbConfig(baseCfg, name))
	if err != nil {
		dropDB(context.Background(), baseCfg, name)
		return nil, fmt.Errorf("connect to test db: %w", err)
	}

	bunDB := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())

	return &TestDB{
		DB:   bunDB,
		Name: name,
		cleanup: func() {
			bunDB.Close()
			pool.Close()
			dropDB(context.Background(), baseCfg, name)
		},
	}, nil
}

// ensureTemplate creates the template database and migrates it to the
// current schema. Migrations also run when the template already exists,
// so a schema change never requires dropping it by hand.
func ensureTemplate(ctx context.Context, baseCfg *config.Config, log *slog.Logger) error {
	admin, err := openPool(ctx, dbConfig(baseCfg, adminDB))
	if err != nil {
		return fmt.Errorf("connect to %s db: %w", adminDB, err)
	}
	defer admin.Close()

	return withTemplateLock(ctx, admin, false, func(conn *pgxpool.Conn) error {
		var exists bool
		err := conn.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", templateDB).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check template: %w", err)
		}
		if !exists {
			log.Info("creating template database", slog.String("name", templateDB))
			if _, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{templateDB}.Sanitize()); err != nil {
				return fmt.Errorf("create template: %w", err)
			}
		}

		tmplPool, err := openPool(ctx, dbConfig(baseCfg, templateDB))
		if err != nil {
			return fmt.Errorf("connect to template: %w", err)
		}
		defer tmplPool.Close()

		sqldb := stdlib.OpenDBFromPool(tmplPool)
		defer sqldb.Close()

		if err := migrate.RunWithDB(ctx, sqldb); err != nil {
			return fmt.Errorf("migrate template: %w", err)
		}
		return nil
	})
}

// cloneTemplate copies the template under a new name. The shared lock
// lets clones proceed in parallel while excluding template migration.
func cloneTemplate(ctx context.Context, baseCfg *config.Config, name string) error {
	admin, err := openPool(ctx, dbConfig(baseCfg, adminDB))
	if err != nil {
		return fmt.Errorf("connect to %s db: %w", adminDB, err)
	}
	defer admin.Close()

	return withTemplateLock(ctx, admin, true, func(conn *pgxpool.Conn) error {
		stmt := fmt.Sprintf("CREATE DATABASE %s TEMPLATE %s",
			pgx.Identifier{name}.Sanitize(), pgx.Identifier{templateDB}.Sanitize())
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("clone template: %w", err)
		}
		return nil
	})
}

// withTemplateLock runs fn while holding the template advisory lock.
// Advisory locks are session-scoped, so the whole critical section is
// pinned to a single pooled connection and the lock released before
// the connection goes back to the pool.
func withTemplateLock(ctx context.Context, admin *pgxpool.Pool, shared bool, fn func(conn *pgxpool.Conn) error) error {
	conn, err := admin.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire admin conn: %w", err)
	}
	defer conn.Release()

	lock, unlock := "pg_advisory_lock", "pg_advisory_unlock"
	if shared {
		lock, unlock = "pg_advisory_lock_shared", "pg_advisory_unlock_shared"
	}
	if _, err := conn.Exec(ctx, "SELECT "+lock+"($1)", templateLockKey); err != nil {
		return fmt.Errorf("take template lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "SELECT "+unlock+"($1)", templateLockKey)
	}()

	return fn(conn)
}

// applyDatabaseURL splits a postgres:// URL into the discrete connection
// fields, so test databases can be created alongside the referenced one.
func applyDatabaseURL(dbCfg *config.DatabaseConfig, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if host := u.Hostname(); host != "" {
		dbCfg.Host = host
	}
	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q", port)
		}
		dbCfg.Port = p
	}
	if u.User != nil {
		dbCfg.User = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			dbCfg.Password = pass
		}
	}
	if name := strings.TrimPrefix(u.Path, "/"); name != "" {
		dbCfg.Database = name
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		dbCfg.SSLMode = mode
	}
	return nil
}

// dbConfig clones the base connection settings pointed at another
// database on the same server.
func dbConfig(base *config.Config, name string) *config.DatabaseConfig {
	db := base.Database
	db.URL = ""
	db.Database = name
	return &db
}

func openPool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	pc.MaxConns = 5
	return pgxpool.NewWithConfig(ctx, pc)
}

// dropDB force-drops a database, severing connections a crashed test
// left behind. WITH (FORCE) needs PostgreSQL 13 or newer.
func dropDB(ctx context.Context, baseCfg *config.Config, name string) {
	admin, err := openPool(ctx, dbConfig(baseCfg, adminDB))
	if err != nil {
		return
	}
	defer admin.Close()

	_, _ = admin.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", pgx.Identifier{name}.Sanitize()))
}
