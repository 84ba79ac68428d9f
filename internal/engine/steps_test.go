package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/dao"
	"github.com/roach88/ledgersync/internal/model"
)

func TestStepStore_LoadOrInitSeedsForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	steps := NewStepStore(env.store, env.clock)
	scope := dao.Scope{OwnerID: "alice"}

	step, err := steps.LoadOrInit(ctx, "ledgers", scope)
	require.NoError(t, err)
	assert.Positive(t, step.ID)
	assert.Equal(t, t0, step.CurrStart)
	assert.Zero(t, step.CurrEnd)
	assert.Zero(t, step.SyncedAt)
	assert.False(t, step.HasBackfill())

	env.clock.Advance(time.Hour)
	again, err := steps.LoadOrInit(ctx, "ledgers", scope)
	require.NoError(t, err)
	assert.Equal(t, step.ID, again.ID)
	assert.Equal(t, t0, again.CurrStart, "existing step is not reseeded")
}

func TestStepStore_PartitionedBySubOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	steps := NewStepStore(env.store, env.clock)

	a, err := steps.LoadOrInit(ctx, "ledgers", dao.Scope{OwnerID: "alice", SubOwnerID: "sub-1"})
	require.NoError(t, err)
	b, err := steps.LoadOrInit(ctx, "ledgers", dao.Scope{OwnerID: "alice", SubOwnerID: "sub-2"})
	require.NoError(t, err)
	c, err := steps.LoadOrInit(ctx, "ledgers", dao.Scope{OwnerID: "alice"})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, 3, env.countRows(t, "sync_user_steps"))
}

func TestStepStore_RequestBackfill(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	steps := NewStepStore(env.store, env.clock)
	scope := dao.Scope{OwnerID: "alice"}

	step, err := steps.RequestBackfill(ctx, "trades", scope, t0-1000)
	require.NoError(t, err)
	assert.Equal(t, t0-1000, step.BaseStart)
	assert.Equal(t, t0, step.BaseEnd)
	assert.True(t, step.NeedsBackfill())

	_, err = steps.RequestBackfill(ctx, "trades", scope, t0)
	assert.Error(t, err, "backfill must start before the current window")

	stored, err := steps.Load(ctx, "trades", scope)
	require.NoError(t, err)
	assert.Equal(t, t0-1000, stored.BaseStart)
}

func TestRequestBackfill_Rules(t *testing.T) {
	t.Run("pending base extends downward", func(t *testing.T) {
		s := &model.SyncUserStep{CurrStart: 1000, BaseStart: 500, BaseEnd: 700}
		require.NoError(t, requestBackfill(s, 200))
		assert.Equal(t, int64(200), s.BaseStart)
		assert.Equal(t, int64(700), s.BaseEnd, "cursor is kept")

		require.NoError(t, requestBackfill(s, 300))
		assert.Equal(t, int64(200), s.BaseStart, "never shrinks")
	})

	t.Run("ready base opens the gap below it", func(t *testing.T) {
		s := &model.SyncUserStep{CurrStart: 1000, BaseStart: 500, BaseEnd: 500, IsBaseStepReady: true}
		require.NoError(t, requestBackfill(s, 100))
		assert.Equal(t, int64(100), s.BaseStart)
		assert.Equal(t, int64(500), s.BaseEnd)
		assert.False(t, s.IsBaseStepReady)
	})

	t.Run("ready base already covers since", func(t *testing.T) {
		s := &model.SyncUserStep{CurrStart: 1000, BaseStart: 500, BaseEnd: 500, IsBaseStepReady: true}
		require.NoError(t, requestBackfill(s, 600))
		assert.True(t, s.IsBaseStepReady)
		assert.Equal(t, int64(500), s.BaseStart)
	})

	t.Run("non-positive since", func(t *testing.T) {
		s := &model.SyncUserStep{CurrStart: 1000}
		assert.Error(t, requestBackfill(s, 0))
	})
}

func TestBeginCurr(t *testing.T) {
	t.Run("fresh step starts at the seed", func(t *testing.T) {
		s := &model.SyncUserStep{CurrStart: 1000}
		require.True(t, canBeginCurr(s))
		beginCurr(s, 5000)
		assert.Equal(t, int64(1000), s.CurrStart)
		assert.Equal(t, int64(5000), s.CurrEnd)
		assert.Equal(t, int64(5000), s.SyncedAt)
		assert.False(t, s.IsCurrStepReady)
	})

	t.Run("ready step continues from the last target", func(t *testing.T) {
		s := &model.SyncUserStep{CurrStart: 1000, CurrEnd: 5000, SyncedAt: 5000, IsCurrStepReady: true}
		require.True(t, canBeginCurr(s))
		beginCurr(s, 9000)
		assert.Equal(t, int64(5000), s.CurrStart)
		assert.Equal(t, int64(9000), s.CurrEnd)
		assert.Equal(t, int64(9000), s.SyncedAt)
	})

	t.Run("unfinished segment resumes instead", func(t *testing.T) {
		s := &model.SyncUserStep{CurrStart: 1000, CurrEnd: 3000, SyncedAt: 5000}
		assert.False(t, canBeginCurr(s))
	})
}

func TestPlanNext(t *testing.T) {
	t.Run("base before curr", func(t *testing.T) {
		s := &model.SyncUserStep{BaseStart: 100, BaseEnd: 1000, CurrStart: 1000, CurrEnd: 3000, SyncedAt: 5000}
		req, ok := planNext(s)
		require.True(t, ok)
		assert.True(t, req.base)
		assert.Equal(t, int64(100), req.start)
		assert.Equal(t, int64(1000), req.end)
	})

	t.Run("resume curr from cursor", func(t *testing.T) {
		s := &model.SyncUserStep{CurrStart: 1000, CurrEnd: 3000, SyncedAt: 5000}
		req, ok := planNext(s)
		require.True(t, ok)
		assert.False(t, req.base)
		assert.Equal(t, int64(1000), req.start)
		assert.Equal(t, int64(3000), req.end)
	})

	t.Run("nothing pending", func(t *testing.T) {
		s := &model.SyncUserStep{CurrStart: 1000, CurrEnd: 5000, SyncedAt: 5000, IsCurrStepReady: true}
		_, ok := planNext(s)
		assert.False(t, ok)

		fresh := &model.SyncUserStep{CurrStart: 1000}
		_, ok = planNext(fresh)
		assert.False(t, ok, "fresh step needs beginCurr first")
	})
}

func TestAdvance(t *testing.T) {
	curr := func() *model.SyncUserStep {
		return &model.SyncUserStep{CurrStart: 1000, CurrEnd: 5000, SyncedAt: 5000}
	}
	req := stepRequest{start: 1000, end: 5000}

	t.Run("short page exhausts the window", func(t *testing.T) {
		s := curr()
		assert.True(t, advance(s, req, 3, 10, 4000))
		assert.True(t, s.IsCurrStepReady)
		assert.Equal(t, s.SyncedAt, s.CurrEnd)
	})

	t.Run("full page moves the cursor to the oldest date", func(t *testing.T) {
		s := curr()
		assert.False(t, advance(s, req, 10, 10, 4200))
		assert.Equal(t, int64(4200), s.CurrEnd)
		assert.False(t, s.IsCurrStepReady)
	})

	t.Run("full page at a single date steps one millisecond down", func(t *testing.T) {
		s := curr()
		assert.False(t, advance(s, req, 10, 10, 5000))
		assert.Equal(t, int64(4999), s.CurrEnd)
	})

	t.Run("cursor clamps at window start", func(t *testing.T) {
		s := curr()
		assert.False(t, advance(s, req, 10, 10, 10))
		assert.Equal(t, int64(1000), s.CurrEnd)

		last := stepRequest{start: 1000, end: 1000}
		assert.True(t, advance(s, last, 10, 10, 1000), "an empty range cannot move further")
		assert.True(t, s.IsCurrStepReady)
	})

	t.Run("base window", func(t *testing.T) {
		s := &model.SyncUserStep{BaseStart: 100, BaseEnd: 1000, CurrStart: 1000}
		base := stepRequest{base: true, start: 100, end: 1000}

		assert.False(t, advance(s, base, 10, 10, 600))
		assert.Equal(t, int64(600), s.BaseEnd)

		assert.True(t, advance(s, stepRequest{base: true, start: 100, end: 600}, 2, 10, 150))
		assert.True(t, s.IsBaseStepReady)
		assert.Equal(t, s.BaseStart, s.BaseEnd)
		assert.LessOrEqual(t, s.BaseEnd, s.CurrStart)
	})
}
