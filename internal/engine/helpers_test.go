package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/dao"
	"github.com/roach88/ledgersync/internal/events"
	"github.com/roach88/ledgersync/internal/migrate"
	"github.com/roach88/ledgersync/internal/model"
	"github.com/roach88/ledgersync/internal/remote"
	"github.com/roach88/ledgersync/internal/schema"
	"github.com/roach88/ledgersync/internal/store"
	"github.com/roach88/ledgersync/internal/testutil"
)

// t0 is the default fake "now" of engine tests.
const t0 = int64(1_700_000_000_000)

type testEnv struct {
	store    *store.Store
	migrator *migrate.Migrator
	clock    *testutil.FakeClock
	api      *testutil.FakeAPI
	events   *events.Recorder
	queue    *SyncQueue
	progress *ProgressTracker
}

// newTestEnv opens a migrated temp-dir store with a fake clock at t0 and
// an empty fake API.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m, err := migrate.New(st, migrate.WithoutBackup())
	require.NoError(t, err)
	_, err = m.MigrateToLatest(context.Background())
	require.NoError(t, err)

	env := &testEnv{
		store:    st,
		migrator: m,
		clock:    testutil.NewFakeClockMillis(t0),
		api:      testutil.NewFakeAPI(),
		events:   &events.Recorder{},
	}
	env.queue = NewSyncQueue(st, env.events, env.clock, nil)
	env.progress = NewProgressTracker(st, env.events, env.clock)
	return env
}

// newInserter builds an inserter over the env with pageSize and a single
// attempt per page.
func (e *testEnv) newInserter(pageSize int, opts ...InserterOption) *DataInserter {
	cfg := InserterConfig{PageSize: pageSize, Retry: remote.RetryPolicy{Attempts: 1}}
	opts = append([]InserterOption{WithInserterConfig(cfg), WithInserterClock(e.clock)}, opts...)
	return NewDataInserter(e.store, e.api, opts...)
}

func (e *testEnv) newSync(t *testing.T, cfg Config) *Sync {
	t.Helper()
	if cfg.Queue == nil {
		cfg.Queue = e.queue
	}
	if cfg.Progress == nil {
		cfg.Progress = e.progress
	}
	if cfg.Inserter == nil {
		cfg.Inserter = e.newInserter(DefaultPageSize)
	}
	if cfg.Migrator == nil {
		cfg.Migrator = e.migrator
	}
	if cfg.IDs == nil {
		cfg.IDs = NewFixedGenerator("run-1", "run-2", "run-3", "run-4")
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

// seedStep creates the step of collection for scope at the current fake
// time, then advances the clock by d so the next curr segment is [now, now+d].
func (e *testEnv) seedStep(t *testing.T, collection string, scope dao.Scope, d time.Duration) *model.SyncUserStep {
	t.Helper()
	step, err := NewStepStore(e.store, e.clock).LoadOrInit(context.Background(), collection, scope)
	require.NoError(t, err)
	e.clock.Advance(d)
	return step
}

func (e *testEnv) countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	err := e.store.DB().QueryRow(`SELECT COUNT(*) FROM "` + table + `"`).Scan(&n)
	require.NoError(t, err)
	return n
}

func (e *testEnv) step(t *testing.T, collection string, scope dao.Scope) *model.SyncUserStep {
	t.Helper()
	s, err := e.store.GetSyncUserStep(context.Background(), collection, scope)
	require.NoError(t, err)
	require.NotNil(t, s, "step %s %+v", collection, scope)
	return s
}

func mustCollection(t *testing.T, name string) model.Collection {
	t.Helper()
	c, ok := schema.Lookup(name)
	require.True(t, ok, "unknown collection %s", name)
	return c
}

// queueStates returns the State of every queue state change event of
// collection, in emission order.
func queueStates(rec *events.Recorder, collection string) []string {
	var out []string
	for _, ev := range rec.OfType(events.QueueStateChanged) {
		if ev.Collection == collection {
			out = append(out, ev.State)
		}
	}
	return out
}
