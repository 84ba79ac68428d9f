package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/ledgersync/internal/schema"
)

// DefaultMigrations returns the schema history:
//
//	v1 service tables (progress, sync_queue, sync_user_steps)
//	v2 one table per catalog collection
//	v3 unique/partial indexes and timestamp triggers on every table
func DefaultMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "service tables",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execCreate(ctx, tx, schema.ServiceTables())
			},
		},
		{
			Version: 2,
			Name:    "collection tables",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return execCreate(ctx, tx, collectionTables())
			},
		},
		{
			Version: 3,
			Name:    "indexes and triggers",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				tables := append(schema.ServiceTables(), collectionTables()...)
				for _, t := range tables {
					stmts := append(schema.IndexStatements(t), schema.TriggerStatements(t)...)
					if err := execAll(ctx, tx, stmts); err != nil {
						return fmt.Errorf("table %s: %w", t.Name, err)
					}
				}
				return nil
			},
		},
	}
}

func collectionTables() []schema.Table {
	colls := schema.Collections()
	out := make([]schema.Table, len(colls))
	for i, c := range colls {
		out[i] = schema.CollectionTable(c)
	}
	return out
}

func execCreate(ctx context.Context, tx *sql.Tx, tables []schema.Table) error {
	for _, t := range tables {
		if err := schema.Validate(t); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, schema.CreateStatement(t)); err != nil {
			return fmt.Errorf("create %s: %w", t.Name, err)
		}
	}
	return nil
}

func execAll(ctx context.Context, tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}
