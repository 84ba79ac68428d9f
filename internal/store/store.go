package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/ledgersync/internal/dao"
)

// Store provides durable storage for sync state and collection rows.
// Uses SQLite with WAL mode for concurrent read access.
//
// Store does not create tables. Run internal/migrate against a fresh
// database before using any query method.
type Store struct {
	queries
	db   *sql.DB
	path string
}

var _ dao.DAO = (*Store)(nil)

// Open creates or opens a SQLite database at the given path and applies
// the connection pragmas.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//   - BEGIN IMMEDIATE transactions, so a read-then-write transaction takes
//     the write lock up front and concurrent processes queue on it
func Open(path string) (*Store, error) {
	dsn := path + "?_txlock=immediate"
	if strings.Contains(path, "?") {
		dsn = path + "&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	// A transaction holds the only connection until it ends, so code inside
	// WithTx must use the Tx it was handed, never the Store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	return &Store{queries: queries{x: db}, db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// SchemaVersion returns the persisted schema version (PRAGMA user_version).
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

// SetSchemaVersion records version inside tx so it commits together with
// the migration body that produced it.
func SetSchemaVersion(ctx context.Context, tx *sql.Tx, version int) error {
	if version < 0 {
		return fmt.Errorf("set user_version: negative version %d", version)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// BeginTx starts a raw SQL transaction. Used by the migrator, which needs
// to run DDL.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Backup writes a consistent copy of the database into dir and returns the
// file path. The copy is named <db>.v<fromVersion>.<unix>.bak. An empty dir
// means "backups" next to the database file.
func (s *Store) Backup(ctx context.Context, dir string, fromVersion int) (string, error) {
	if dir == "" {
		dir = filepath.Join(filepath.Dir(s.path), "backups")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("backup: create dir: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	name := fmt.Sprintf("%s.v%d.%d.bak", base, fromVersion, time.Now().Unix())
	dst := filepath.Join(dir, name)

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return "", fmt.Errorf("backup: vacuum into %s: %w", dst, err)
	}
	return dst, nil
}

// WithTx runs fn inside one transaction. fn's error rolls back.
func (s *Store) WithTx(ctx context.Context, fn func(tx dao.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txQueries{queries{x: tx}}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// querier is the subset of *sql.DB and *sql.Tx used by the query methods.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements dao.Tx over either the database or an open transaction.
type queries struct {
	x querier
}

type txQueries struct {
	queries
}

var _ dao.Tx = (*txQueries)(nil)

// mapError converts driver constraint errors to dao sentinels.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %v", dao.ErrUniqueViolation, err)
	}
	return err
}

// nullString stores "" as NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullMillis stores 0 as NULL.
func nullMillis(ms int64) sql.NullInt64 {
	return sql.NullInt64{Int64: ms, Valid: ms != 0}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64).UTC()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
