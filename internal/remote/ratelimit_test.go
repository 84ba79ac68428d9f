package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimited_PerMethodBudget(t *testing.T) {
	calls := map[string]int{}
	api := APIFunc(func(ctx context.Context, method string, args Args) (*Page, error) {
		calls[method]++
		return &Page{}, nil
	})

	rl := NewRateLimited(api, map[string]Limit{
		"getLedgers": {Every: time.Hour, Burst: 1},
	}, Limit{})

	ctx := context.Background()
	_, err := rl.Call(ctx, "getLedgers", Args{})
	require.NoError(t, err)

	// The second ledgers call would wait an hour.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = rl.Call(short, "getLedgers", Args{})
	assert.Error(t, err)

	// Unlimited fallback.
	for i := 0; i < 5; i++ {
		_, err := rl.Call(ctx, "getTrades", Args{})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, calls["getLedgers"])
	assert.Equal(t, 5, calls["getTrades"])
}

func TestRateLimited_SummarizeUnsupported(t *testing.T) {
	rl := NewRateLimited(APIFunc(func(context.Context, string, Args) (*Page, error) { return &Page{}, nil }), nil, Limit{})
	_, err := rl.Summarize(context.Background(), "getTrades", Args{}, "")
	assert.ErrorIs(t, err, ErrNoSummary)
}
