package remote

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, BackoffMin: time.Millisecond, BackoffMax: 4 * time.Millisecond}
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestRetrying_RecoversFromTransient(t *testing.T) {
	calls := 0
	api := APIFunc(func(ctx context.Context, method string, args Args) (*Page, error) {
		calls++
		if calls < 3 {
			return nil, io.ErrUnexpectedEOF
		}
		return &Page{Res: []map[string]any{{"id": 1}}}, nil
	})

	r := NewRetrying(api, fastPolicy(5))
	r.Sleep = noSleep

	page, err := r.Call(context.Background(), "getTrades", Args{})
	require.NoError(t, err)
	assert.Len(t, page.Res, 1)
	assert.Equal(t, 3, calls)
}

func TestRetrying_NonTransientFailsFast(t *testing.T) {
	calls := 0
	api := APIFunc(func(ctx context.Context, method string, args Args) (*Page, error) {
		calls++
		return nil, &APIError{Method: method, Status: 401, Body: "auth"}
	})

	r := NewRetrying(api, fastPolicy(5))
	r.Sleep = noSleep

	_, err := r.Call(context.Background(), "getTrades", Args{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, IsTransient(err))
}

func TestRetrying_ExhaustedStaysTransient(t *testing.T) {
	calls := 0
	api := APIFunc(func(ctx context.Context, method string, args Args) (*Page, error) {
		calls++
		return nil, &TransientError{Class: ErrConnReset, Err: errors.New("reset by peer")}
	})

	r := NewRetrying(api, fastPolicy(3))
	r.Sleep = noSleep

	_, err := r.Call(context.Background(), "getLedgers", Args{})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ErrConnReset)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
}

func TestRetrying_PageTimeoutIsTransient(t *testing.T) {
	calls := 0
	api := APIFunc(func(ctx context.Context, method string, args Args) (*Page, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &Page{}, nil
	})

	policy := fastPolicy(2)
	policy.PageTimeout = 10 * time.Millisecond
	r := NewRetrying(api, policy)
	r.Sleep = noSleep

	_, err := r.Call(context.Background(), "getOrders", Args{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetrying_CanceledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	api := APIFunc(func(ctx context.Context, method string, args Args) (*Page, error) {
		calls++
		cancel()
		return nil, io.ErrUnexpectedEOF
	})

	r := NewRetrying(api, fastPolicy(5))
	_, err := r.Call(ctx, "getTrades", Args{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrying_SummarizeUnsupported(t *testing.T) {
	r := NewRetrying(APIFunc(func(context.Context, string, Args) (*Page, error) { return &Page{}, nil }), fastPolicy(1))
	_, err := r.Summarize(context.Background(), "getTrades", Args{}, "")
	assert.ErrorIs(t, err, ErrNoSummary)
}

func TestBackoff_Bounds(t *testing.T) {
	p := RetryPolicy{BackoffMin: 100 * time.Millisecond, BackoffMax: time.Second}
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
	assert.LessOrEqual(t, p.Backoff(0), 100*time.Millisecond)
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 5, p.Attempts)
	assert.Equal(t, 500*time.Millisecond, p.BackoffMin)
	assert.Equal(t, 10*time.Second, p.BackoffMax)
	assert.Equal(t, 30*time.Second, p.PageTimeout)
}
