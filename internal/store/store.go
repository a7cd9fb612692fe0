// Package store owns the single embedded SQLite database and the
// repository-level CRUD for every entity in the schema (spec §3). It
// generalizes the teacher's task.Store port (internal/domain/task/store.go)
// from a single Task table to the full schema, and its PostgresStore
// (BEGIN IMMEDIATE for claim/transition atomicity) to SQLite's equivalent
// immediate-transaction lock.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tx/internal/txerr"
	"tx/internal/txlog"
)

// Store wraps the single SQLite connection pool shared by every repository.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the SQLite database at path in WAL mode with a busy
// timeout, so concurrent readers never block writers (spec §5 shared-
// resource policy). ":memory:" is accepted for tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, txerr.Database("open", err)
	}
	if path == ":memory:" {
		// A shared in-memory database only survives with a single
		// connection; more than one drops tables between queries.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, txerr.Database("ping", err)
	}

	s := &Store{db: db, logger: txlog.Component(logger, "store")}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for repository packages that live outside
// package store (none currently do; kept for a future split).
func (s *Store) DB() *sql.DB { return s.db }

// EnsureSchema applies every migration not yet recorded in the
// schema_migrations ledger table, in ascending version order.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return txerr.Database("create migrations ledger", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return txerr.Database("read migrations ledger", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return txerr.Database("scan migration version", err)
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		s.logger.Info("applied migration", "version", m.version)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return txerr.Database("begin migration", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return txerr.Wrap(txerr.CodeDatabaseError, fmt.Sprintf("migration %d failed", m.version), err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return txerr.Database("record migration version", err)
	}
	if err := tx.Commit(); err != nil {
		return txerr.Database("commit migration", err)
	}
	return nil
}

// Queryer is satisfied by both *sql.DB and *sql.Tx, letting repository
// methods run either standalone or inside a caller-managed transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside an ordinary deferred transaction, committing on
// success and rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, q Queryer) error) error {
	return s.withTx(ctx, false, fn)
}

// WithImmediateTx runs fn inside a BEGIN IMMEDIATE transaction: the write
// lock is acquired up front rather than on first write, which is what
// makes the claim-uniqueness and cycle-check-then-insert invariants
// (spec §4.2, §4.4) serializable against concurrent writers, mirroring the
// teacher's use of Postgres row locks for the same purpose.
func (s *Store) WithImmediateTx(ctx context.Context, fn func(ctx context.Context, q Queryer) error) error {
	return s.withTx(ctx, true, fn)
}

func (s *Store) withTx(ctx context.Context, immediate bool, fn func(ctx context.Context, q Queryer) error) error {
	if !immediate {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return txerr.Database("begin tx", err)
		}
		return commitOrRollback(tx, func() error { return fn(ctx, tx) })
	}

	// mattn/go-sqlite3 has no BEGIN IMMEDIATE knob through
	// database/sql's TxOptions, so the reserved write lock is taken
	// explicitly on a single pinned connection for the life of the
	// transaction; every statement inside fn must run on conn, not s.db.
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return txerr.Database("acquire connection", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return txerr.Database("begin immediate", err)
	}

	q := connQueryer{conn}
	rollback := func() { conn.ExecContext(ctx, "ROLLBACK") }

	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, q); err != nil {
		rollback()
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return txerr.Database("commit immediate", err)
	}
	return nil
}

func commitOrRollback(tx *sql.Tx, fn func() error) error {
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return txerr.Database("commit tx", err)
	}
	return nil
}

// connQueryer adapts a single pinned *sql.Conn (held across a manual
// BEGIN IMMEDIATE/COMMIT) to the Queryer interface.
type connQueryer struct {
	conn *sql.Conn
}

func (c connQueryer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func (c connQueryer) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c connQueryer) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

// now is the single source of wall-clock time for repositories, so tests
// can reason about it without depending on the system clock indirectly.
func now() time.Time { return time.Now().UTC() }

func rfc3339(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
