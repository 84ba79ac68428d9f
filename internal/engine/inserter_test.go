package engine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/dao"
	"github.com/roach88/ledgersync/internal/model"
	"github.com/roach88/ledgersync/internal/remote"
	"github.com/roach88/ledgersync/internal/testutil"
)

func TestNormalize(t *testing.T) {
	ledgers := mustCollection(t, "ledgers")
	candles := mustCollection(t, "candles")

	t.Run("ledger", func(t *testing.T) {
		rec, verr := Normalize(ledgers, map[string]any{
			"id": 42.0, "mts": 1700000000000.0, "amount": "-1.25", "currency": "usd", "balance": 3.5,
		}, 0)
		require.Nil(t, verr)
		assert.Equal(t, "42", rec.Key)
		assert.Equal(t, int64(1700000000000), rec.Mts)
		assert.Equal(t, -1.25, rec.Amount)
		assert.Equal(t, "usd", rec.Currency, "hooks normalize currency")
		require.NotNil(t, rec.Balance)
		assert.Equal(t, 3.5, *rec.Balance)
	})

	t.Run("composite key", func(t *testing.T) {
		rec, verr := Normalize(candles, map[string]any{"symbol": "tBTCUSD", "mts": 1700000000000.0, "close": 1.5}, 0)
		require.Nil(t, verr)
		assert.Equal(t, "tBTCUSD:1700000000000", rec.Key)
		assert.Equal(t, 1.5, rec.Amount)
	})

	t.Run("missing amount is zero", func(t *testing.T) {
		rec, verr := Normalize(ledgers, map[string]any{"id": 1, "mts": 1000}, 0)
		require.Nil(t, verr)
		assert.Zero(t, rec.Amount)
	})

	invalid := []struct {
		name  string
		raw   map[string]any
		field string
	}{
		{"missing key", map[string]any{"mts": 1000.0}, "id"},
		{"missing date", map[string]any{"id": 1.0}, "mts"},
		{"zero date", map[string]any{"id": 1.0, "mts": 0.0}, "mts"},
		{"text date", map[string]any{"id": 1.0, "mts": "yesterday"}, "mts"},
		{"bad amount", map[string]any{"id": 1.0, "mts": 1000.0, "amount": "lots"}, "amount"},
		{"object amount", map[string]any{"id": 1.0, "mts": 1000.0, "amount": map[string]any{}}, "amount"},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, verr := Normalize(ledgers, tt.raw, 7)
			require.NotNil(t, verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, 7, verr.Index)
			assert.Equal(t, "ledgers", verr.Collection)
		})
	}
}

func TestDataInserter_PagesUntilExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	scope := dao.Scope{OwnerID: "alice"}
	env.seedStep(t, "ledgers", scope, time.Hour)
	now := env.clock.Now().UnixMilli()

	env.api.Dataset("getLedgers", "mts", testutil.Ledgers(250, 1, now, 1, "USD"))
	di := env.newInserter(100)

	res, err := di.SyncCollection(ctx, nil, Job{Collection: mustCollection(t, "ledgers"), OwnerID: "alice"})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 250, res.Written)
	assert.Equal(t, 250, env.countRows(t, "ledgers"))

	step := env.step(t, "ledgers", scope)
	assert.True(t, step.IsCurrStepReady)
	assert.Equal(t, now, step.SyncedAt)
	assert.Equal(t, now, step.CurrEnd)
	assert.Equal(t, t0, step.CurrStart)

	calls := env.api.CallsTo("getLedgers")
	require.Len(t, calls, 3)
	assert.Equal(t, now, calls[0].Args.Params.End)
	assert.Equal(t, t0, calls[0].Args.Params.Start)
	assert.Equal(t, 100, calls[0].Args.Params.Limit)
	assert.Equal(t, now-99, calls[1].Args.Params.End, "cursor moves to the oldest date of the page")
}

func TestDataInserter_NextRunContinuesFromLastTarget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	scope := dao.Scope{OwnerID: "alice"}
	env.seedStep(t, "trades", scope, time.Minute)
	first := env.clock.Now().UnixMilli()

	env.api.Dataset("getTrades", "mtsCreate", testutil.Trades(10, 1, first, 10))
	di := env.newInserter(100)
	job := Job{Collection: mustCollection(t, "trades"), OwnerID: "alice"}

	_, err := di.SyncCollection(ctx, nil, job)
	require.NoError(t, err)

	second := env.clock.Advance(time.Minute).UnixMilli()
	env.api.Add("getTrades", testutil.Trades(5, 100, second, 10)...)

	res, err := di.SyncCollection(ctx, nil, job)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Written)

	calls := env.api.CallsTo("getTrades")
	last := calls[len(calls)-1]
	assert.Equal(t, first, last.Args.Params.Start, "new segment starts at the previous target")
	assert.Equal(t, second, last.Args.Params.End)
}

func TestDataInserter_ResumeAfterInterruptDoesNotReinsert(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	scope := dao.Scope{OwnerID: "alice"}
	env.seedStep(t, "ledgers", scope, time.Hour)
	now := env.clock.Now().UnixMilli()

	env.api.Dataset("getLedgers", "mts", testutil.Ledgers(250, 1, now, 1, "USD"))
	di := env.newInserter(100)
	job := Job{Collection: mustCollection(t, "ledgers"), OwnerID: "alice"}

	tok := NewToken()
	env.api.OnCall = func(testutil.FakeCall) {
		if len(env.api.Calls()) == 2 {
			tok.Interrupt()
		}
	}

	res, err := di.SyncCollection(ctx, tok, job)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 2, res.Pages, "in-flight page completes before the interrupt takes effect")
	assert.Equal(t, 199, env.countRows(t, "ledgers"))

	step := env.step(t, "ledgers", scope)
	assert.False(t, step.IsCurrStepReady)
	assert.Equal(t, now-198, step.CurrEnd, "window reflects exactly the committed pages")

	env.api.OnCall = nil
	res, err = di.SyncCollection(ctx, nil, job)
	require.NoError(t, err)
	assert.Equal(t, 51, res.Written)
	assert.Equal(t, 250, env.countRows(t, "ledgers"))

	calls := env.api.CallsTo("getLedgers")
	require.Len(t, calls, 3)
	assert.Equal(t, now-198, calls[2].Args.Params.End, "resumed from the committed cursor")
	assert.True(t, env.step(t, "ledgers", scope).IsCurrStepReady)
}

func TestDataInserter_BackfillBeforeCurr(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	scope := dao.Scope{OwnerID: "alice"}
	di := env.newInserter(100)

	_, err := di.Steps().RequestBackfill(ctx, "trades", scope, t0-10_000)
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	now := env.clock.Now().UnixMilli()

	history := testutil.Trades(20, 1, t0-100, 100) // t0-100 .. t0-2000
	recent := testutil.Trades(5, 1000, now, 1000)  // now .. now-4000
	env.api.Dataset("getTrades", "mtsCreate", append(recent, history...))

	res, err := di.SyncCollection(ctx, nil, Job{Collection: mustCollection(t, "trades"), OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 25, res.Written)

	calls := env.api.CallsTo("getTrades")
	require.Len(t, calls, 2)
	assert.Equal(t, t0-10_000, calls[0].Args.Params.Start, "base window first")
	assert.Equal(t, t0, calls[0].Args.Params.End)
	assert.Equal(t, t0, calls[1].Args.Params.Start)
	assert.Equal(t, now, calls[1].Args.Params.End)

	step := env.step(t, "trades", scope)
	assert.True(t, step.IsReady())
	assert.LessOrEqual(t, step.BaseEnd, step.CurrStart)
}

func TestDataInserter_TransientErrorsAreRetried(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	scope := dao.Scope{OwnerID: "alice"}
	env.seedStep(t, "trades", scope, time.Minute)
	now := env.clock.Now().UnixMilli()

	env.api.
		Fail("getTrades", &net.DNSError{Err: "no such host", Name: "api.example"}).
		Dataset("getTrades", "mtsCreate", testutil.Trades(3, 1, now, 1))

	di := env.newInserter(100, WithInserterConfig(InserterConfig{
		PageSize: 100,
		Retry:    remote.RetryPolicy{Attempts: 3, BackoffMin: time.Millisecond, BackoffMax: time.Millisecond},
	}))

	res, err := di.SyncCollection(ctx, nil, Job{Collection: mustCollection(t, "trades"), OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Written)
	assert.Len(t, env.api.CallsTo("getTrades"), 2)
}

func TestDataInserter_APIErrorAbortsCollection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	scope := dao.Scope{OwnerID: "alice"}
	seeded := env.seedStep(t, "trades", scope, time.Minute)

	env.api.Fail("getTrades", &remote.APIError{Method: "getTrades", Status: 400, Body: "bad params"})
	di := env.newInserter(100)

	_, err := di.SyncCollection(ctx, nil, Job{Collection: mustCollection(t, "trades"), OwnerID: "alice"})
	require.Error(t, err)
	assert.True(t, IsCollectionSyncError(err))

	var ce *CollectionSyncError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "fetch", ce.Stage)
	assert.Equal(t, "trades", ce.Collection)

	step := env.step(t, "trades", scope)
	assert.Equal(t, seeded.CurrStart, step.CurrStart)
	assert.Zero(t, step.SyncedAt, "failed page leaves the window untouched")
}

type failingHook struct{}

func (failingHook) Name() string { return "failing" }

func (failingHook) Apply(context.Context, HookContext, []model.Record) error {
	return errors.New("converter offline")
}

func TestDataInserter_HookFailureAbortsPage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	scope := dao.Scope{OwnerID: "alice"}
	env.seedStep(t, "ledgers", scope, time.Minute)
	now := env.clock.Now().UnixMilli()

	env.api.Dataset("getLedgers", "mts", testutil.Ledgers(5, 1, now, 1, "USD"))
	di := env.newInserter(100, WithHooks(failingHook{}))

	_, err := di.SyncCollection(ctx, nil, Job{Collection: mustCollection(t, "ledgers"), OwnerID: "alice"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "hook failing")

	assert.Zero(t, env.countRows(t, "ledgers"), "nothing from the page is committed")
	assert.Zero(t, env.step(t, "ledgers", scope).SyncedAt)
}

func TestDataInserter_InvalidRecordsSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	scope := dao.Scope{OwnerID: "alice"}
	env.seedStep(t, "ledgers", scope, time.Minute)
	now := env.clock.Now().UnixMilli()

	env.api.Script("getLedgers", remote.Page{Res: []map[string]any{
		{"id": 1.0, "mts": float64(now), "amount": 1.0, "currency": "USD"},
		{"id": 2.0, "mts": float64(now - 1), "amount": "NaN?", "currency": "USD"},
		{"mts": float64(now - 2), "amount": 1.0},
		{"id": 1.0, "mts": float64(now - 3), "amount": 5.0, "currency": "USD"},
	}})
	di := env.newInserter(100)

	res, err := di.SyncCollection(ctx, nil, Job{Collection: mustCollection(t, "ledgers"), OwnerID: "alice"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, res.Duplicates, "same key later in the run is dropped")
	require.Len(t, res.Invalid, 2)
	assert.Equal(t, "amount", res.Invalid[0].Field)
	assert.Equal(t, "2", res.Invalid[0].Key)
	assert.Equal(t, "id", res.Invalid[1].Field)
}

func TestDataInserter_CurrencyHookWired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	scope := dao.Scope{OwnerID: "alice"}
	env.seedStep(t, "ledgers", scope, time.Minute)
	now := env.clock.Now().UnixMilli()

	env.api.Script("getLedgers", remote.Page{Res: []map[string]any{
		{"id": 1.0, "mts": float64(now), "amount": 4.0, "currency": "usd"},
	}})
	di := env.newInserter(100, WithHooks(&CurrencyConversionHook{Converter: &CandleConverter{Reader: env.store}}))

	_, err := di.SyncCollection(ctx, nil, Job{Collection: mustCollection(t, "ledgers"), OwnerID: "alice"})
	require.NoError(t, err)

	var (
		ccy string
		usd float64
	)
	err = env.store.DB().QueryRow(`SELECT currency, amount_usd FROM ledgers WHERE rec_key = '1'`).Scan(&ccy, &usd)
	require.NoError(t, err)
	assert.Equal(t, "USD", ccy)
	assert.Equal(t, 4.0, usd)
}

func TestDataInserter_PassesCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	creds := remote.CredentialFunc(func(_ context.Context, owner, sub string) (remote.Auth, error) {
		return remote.Auth{APIKey: owner + "/" + sub}, nil
	})
	di := env.newInserter(100, WithCredentials(creds))

	_, err := di.SyncCollection(ctx, nil, Job{Collection: mustCollection(t, "trades"), OwnerID: "alice", SubOwnerID: "s1"})
	require.NoError(t, err)

	calls := env.api.CallsTo("getTrades")
	require.NotEmpty(t, calls)
	assert.Equal(t, "alice/s1", calls[0].Args.Auth.APIKey)
}

func TestDataInserter_LedgerBalancesAcrossPages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ledgers := mustCollection(t, "ledgers")
	scope := dao.Scope{OwnerID: "alice", SubOwnerID: "sub-1"}
	env.seedStep(t, "ledgers", scope, time.Hour)
	now := env.clock.Now().UnixMilli()

	env.api.Dataset("getLedgers", "mts", testutil.Ledgers(6, 1, now, 1, "USD"))
	di := env.newInserter(3, WithFinalizers(LedgerBalanceHook{}))
	job := Job{Collection: ledgers, OwnerID: "alice", SubOwnerID: "sub-1"}

	res, err := di.SyncCollection(ctx, nil, job)
	require.NoError(t, err)
	require.Greater(t, res.Pages, 1)
	require.Equal(t, 6, env.countRows(t, "ledgers"))

	balances := func() []float64 {
		recs, err := env.store.RecordsFrom(ctx, ledgers, scope, 0)
		require.NoError(t, err)
		out := make([]float64, 0, len(recs))
		for _, r := range recs {
			require.NotNil(t, r.Balance, "row %s", r.Key)
			out = append(out, *r.Balance)
		}
		return out
	}
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, balances(), "oldest first")

	// The next run builds on the newest stored balance.
	env.clock.Advance(time.Hour)
	later := env.clock.Now().UnixMilli()
	env.api.Add("getLedgers", testutil.Ledgers(2, 7, later, 1, "USD")...)

	_, err = di.SyncCollection(ctx, nil, job)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8}, balances())
}

func TestDataInserter_FullPageAtOneTimestampIsWidened(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	scope := dao.Scope{OwnerID: "alice"}
	env.seedStep(t, "ledgers", scope, time.Hour)
	now := env.clock.Now().UnixMilli()

	same := testutil.Ledgers(5, 1, now, 0, "USD")
	older := testutil.Ledgers(2, 6, now-1, 1, "USD")
	env.api.Dataset("getLedgers", "mts", append(same, older...))
	di := env.newInserter(2)

	res, err := di.SyncCollection(ctx, nil, Job{Collection: mustCollection(t, "ledgers"), OwnerID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 7, res.Written)
	assert.Equal(t, 7, env.countRows(t, "ledgers"), "no record of the crowded millisecond is lost")
	assert.True(t, env.step(t, "ledgers", scope).IsCurrStepReady)

	var widened []remote.Params
	for _, c := range env.api.CallsTo("getLedgers") {
		if c.Args.Params.Start == now && c.Args.Params.End == now {
			widened = append(widened, c.Args.Params)
		}
	}
	require.Len(t, widened, 2)
	assert.Equal(t, 4, widened[0].Limit)
	assert.Equal(t, 8, widened[1].Limit)
}
