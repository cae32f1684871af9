// Package store implements the relational + graph store of spec §4.G: a
// single-writer SQLite database carrying MediaFile, Comment, UserMessage,
// PropNode and PropEdge rows, with paged/filtered queries, graph traversal,
// and pre-migration backups. Grounded on the teacher's postgres database
// wrapper (config struct, Ping/HealthCheck/Stats, golang-migrate wiring),
// adapted from pgxpool to a database/sql pool capped at one connection --
// the spec's "connection pool of size one (single-writer SQLite-style
// semantics)" is structurally incompatible with pgx's pooling model, so all
// DB work in this package serialises through a single *sql.DB with
// SetMaxOpenConns(1).
package store

import (
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/mattn/go-sqlite3"

	"github.com/clapshot/clapshot-server/internal/errs"
	"github.com/clapshot/clapshot-server/internal/logging"
)

type Config struct {
	// Path is the sqlite file path, e.g. "{data_dir}/clapshot.sqlite".
	Path string
	// MigrationsPath is a "file://" source directory for golang-migrate.
	MigrationsPath string
}

type Store struct {
	db     *sql.DB
	path   string
	migDir string
	logger *logging.Logger
}

func Open(cfg Config, logger *logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.Path+"?_foreign_keys=on")
	if err != nil {
		return nil, errs.Backend("open sqlite", err)
	}
	// Single-writer, pool-of-one semantics (spec §5).
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, errs.Backend("ping sqlite", err)
	}

	return &Store{db: db, path: cfg.Path, migDir: cfg.MigrationsPath, logger: logger.WithComponent("store")}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Backup takes a gzip-compressed, ISO-8601-timestamped copy of the sqlite
// file before any migration runs (spec §4.G). The archive is kept even if
// the subsequent migration fails.
func (s *Store) Backup() (string, error) {
	ts := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	dst := fmt.Sprintf("%s.backup-%s.sqlite.gz", s.path, ts)

	src, err := os.Open(s.path)
	if err != nil {
		return "", errs.Backend("open db file for backup", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", errs.Backend("create backup file", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return "", errs.Backend("write backup", err)
	}
	if err := gw.Close(); err != nil {
		return "", errs.Backend("finalize backup", err)
	}
	return dst, nil
}

// Migrate applies the "up" migrations in migDir. It is only ever called
// after the operator has opted in with --migrate (spec §6); absent that
// flag, a pending-migration state is a startup error, handled by the
// caller in cmd/clapshot-server.
func (s *Store) Migrate() error {
	if _, err := s.Backup(); err != nil {
		return err
	}

	driver, err := sqlite3migrate.WithInstance(s.db, &sqlite3migrate.Config{})
	if err != nil {
		return errs.Backend("create migration driver", err)
	}
	m, err := migrate.NewWithDatabaseInstance(s.migDir, "sqlite3", driver)
	if err != nil {
		return errs.Backend("create migrator", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errs.Backend("apply migrations", err)
	}
	return nil
}

// PendingMigration reports whether the schema is behind what MigrationsPath
// describes, without applying anything -- used at startup to decide whether
// to exit 1 per spec §6.
func (s *Store) PendingMigration() (bool, error) {
	driver, err := sqlite3migrate.WithInstance(s.db, &sqlite3migrate.Config{})
	if err != nil {
		return false, errs.Backend("create migration driver", err)
	}
	m, err := migrate.NewWithDatabaseInstance(s.migDir, "sqlite3", driver)
	if err != nil {
		return false, errs.Backend("create migrator", err)
	}
	_, dirty, err := m.Version()
	if err == migrate.ErrNilVersion {
		return true, nil
	}
	if err != nil {
		return false, errs.Backend("read migration version", err)
	}
	if dirty {
		return true, nil
	}
	// A full "are we behind" check re-runs Up in dry fashion; golang-migrate
	// has no direct dry-run, so the operator-facing heuristic here is the
	// recorded version vs. nil -- genuinely absent-state detection. More
	// granular behind-by-N-steps detection is delegated to internal/migrate's
	// solver, which is model-driven rather than golang-migrate-driven (see
	// DESIGN.md).
	return false, nil
}

// Tx wraps a *sql.Tx for the Organizer bridge's begin/commit/rollback
// surface (spec §4.G "Transactions").
type Tx struct {
	tx *sql.Tx
}

func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Backend("begin transaction", err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return errs.Backend("commit transaction", err)
	}
	return nil
}

func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errs.Backend("rollback transaction", err)
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func mustTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
