package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/model"
	"github.com/roach88/ledgersync/internal/schema"
)

// createTestStore creates a store in a temp dir with every table created.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	tables := schema.ServiceTables()
	for _, c := range schema.Collections() {
		tables = append(tables, schema.CollectionTable(c))
	}
	for _, tbl := range tables {
		for _, stmt := range schema.Statements(tbl) {
			_, err := s.db.Exec(stmt)
			require.NoError(t, err, stmt)
		}
	}
	return s
}

func mustCollection(t *testing.T, name string) model.Collection {
	t.Helper()
	c, ok := schema.Lookup(name)
	require.True(t, ok, "unknown collection %s", name)
	return c
}

func ledgerRecord(key string, mts int64, amount float64, currency string) model.Record {
	return model.Record{
		Key:      key,
		Mts:      mts,
		Amount:   amount,
		Currency: currency,
		Payload:  map[string]any{"id": key, "mts": mts, "amount": amount, "currency": currency},
	}
}
