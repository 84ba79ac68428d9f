// Package migrate brings the SQLite store to the schema version the engine
// requires.
//
// Migrations run in strictly ascending order from the stored version + 1 up
// to the supported version. Each runs in its own transaction, and the
// version marker (PRAGMA user_version) is written in that same transaction
// after the body succeeds. A rerun after a failure resumes at the first
// unapplied version.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/ledgersync/internal/store"
)

// SupportedVersion is the schema version of DefaultMigrations.
const SupportedVersion = 3

// ErrNewerSchema is returned when the store is ahead of this binary.
var ErrNewerSchema = errors.New("schema is newer than supported version")

// Migration is one versioned schema transformation.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

// Target is the database a Migrator operates on. *store.Store satisfies it.
type Target interface {
	SchemaVersion(ctx context.Context) (int, error)
	BeginTx(ctx context.Context) (*sql.Tx, error)
	Backup(ctx context.Context, dir string, fromVersion int) (string, error)
}

var _ Target = (*store.Store)(nil)

// MigrationError reports a failed or unverifiable migration step. It is
// fatal: the engine must not sync against the store.
type MigrationError struct {
	Version int    // version being applied (or the stored version for backup/verify)
	Name    string // migration name, empty for backup/verify
	Op      string // "backup", "apply", "verify"
	Err     error
}

func (e *MigrationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("migration %s v%d (%s): %v", e.Op, e.Version, e.Name, e.Err)
	}
	return fmt.Sprintf("migration %s v%d: %v", e.Op, e.Version, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// IsMigrationError returns true if err is a MigrationError.
func IsMigrationError(err error) bool {
	var me *MigrationError
	return errors.As(err, &me)
}

// Migrator applies pending migrations to a Target.
type Migrator struct {
	target     Target
	migrations []Migration
	supported  int
	backupDir  string
	noBackup   bool
	logger     *slog.Logger
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithMigrations replaces the default migration set. The supported version
// becomes the highest version in the set unless WithSupportedVersion is
// also given.
func WithMigrations(ms []Migration) Option {
	return func(m *Migrator) {
		m.migrations = ms
		m.supported = 0
		for _, mig := range ms {
			if mig.Version > m.supported {
				m.supported = mig.Version
			}
		}
	}
}

// WithSupportedVersion caps the version migrated to.
func WithSupportedVersion(v int) Option {
	return func(m *Migrator) { m.supported = v }
}

// WithBackupDir sets where pre-migration backups go.
func WithBackupDir(dir string) Option {
	return func(m *Migrator) { m.backupDir = dir }
}

// WithoutBackup disables the pre-migration backup.
func WithoutBackup() Option {
	return func(m *Migrator) { m.noBackup = true }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Migrator) { m.logger = l }
}

// New creates a Migrator over target using DefaultMigrations unless
// overridden. The migration set must be numbered 1..n without gaps.
func New(target Target, opts ...Option) (*Migrator, error) {
	m := &Migrator{
		target:     target,
		migrations: DefaultMigrations(),
		supported:  SupportedVersion,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	for i, mig := range m.migrations {
		if mig.Version != i+1 {
			return nil, fmt.Errorf("migration %q: version %d out of order, want %d", mig.Name, mig.Version, i+1)
		}
		if mig.Up == nil {
			return nil, fmt.Errorf("migration v%d %q: nil Up", mig.Version, mig.Name)
		}
	}
	if m.supported < 0 || m.supported > len(m.migrations) {
		return nil, fmt.Errorf("supported version %d outside 0..%d", m.supported, len(m.migrations))
	}
	return m, nil
}

// SupportedVersion returns the version MigrateToLatest migrates to.
func (m *Migrator) SupportedVersion() int {
	return m.supported
}

// Pending returns the versions that MigrateToLatest would apply.
func (m *Migrator) Pending(ctx context.Context) ([]int, error) {
	current, err := m.target.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	if current > m.supported {
		return nil, &MigrationError{Version: current, Op: "verify", Err: ErrNewerSchema}
	}
	var out []int
	for v := current + 1; v <= m.supported; v++ {
		out = append(out, v)
	}
	return out, nil
}

// MigrateToLatest applies every pending migration and returns the applied
// versions in order. An empty result means the store was already current.
func (m *Migrator) MigrateToLatest(ctx context.Context) ([]int, error) {
	current, err := m.target.SchemaVersion(ctx)
	if err != nil {
		return nil, &MigrationError{Op: "verify", Err: err}
	}
	pending, err := m.Pending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		m.logger.Debug("schema up to date", "version", current)
		return nil, nil
	}

	if current > 0 && !m.noBackup {
		path, err := m.target.Backup(ctx, m.backupDir, current)
		if err != nil {
			return nil, &MigrationError{Version: current, Op: "backup", Err: err}
		}
		m.logger.Info("schema backup written", "path", path, "version", current)
	}

	applied := make([]int, 0, len(pending))
	for _, v := range pending {
		mig := m.migrations[v-1]
		if err := m.apply(ctx, mig); err != nil {
			return applied, &MigrationError{Version: mig.Version, Name: mig.Name, Op: "apply", Err: err}
		}
		applied = append(applied, mig.Version)
		m.logger.Info("migration applied", "version", mig.Version, "name", mig.Name)
	}

	final, err := m.target.SchemaVersion(ctx)
	if err != nil {
		return applied, &MigrationError{Version: m.supported, Op: "verify", Err: err}
	}
	if final != m.supported {
		return applied, &MigrationError{
			Version: final,
			Op:      "verify",
			Err:     fmt.Errorf("stored version %d, want %d", final, m.supported),
		}
	}
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.target.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := mig.Up(ctx, tx); err != nil {
		return err
	}
	if err := store.SetSchemaVersion(ctx, tx, mig.Version); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
