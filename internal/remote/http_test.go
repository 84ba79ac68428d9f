package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_Call(t *testing.T) {
	var got Args
	mux := http.NewServeMux()
	mux.HandleFunc("/getTrades", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{
			"res":      []map[string]any{{"id": 1, "mtsCreate": 1700000000000}, {"id": 2, "mtsCreate": 1690000000000}},
			"nextPage": 1690000000000,
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewHTTPClient(ts.URL + "/")
	page, err := c.Call(context.Background(), "getTrades", Args{
		Auth:   Auth{APIKey: "k", APISecret: "s"},
		Params: Params{Start: 1, End: 2, Limit: 10000},
	})
	require.NoError(t, err)
	require.Len(t, page.Res, 2)
	assert.Equal(t, float64(1700000000000), page.Res[0]["mtsCreate"])

	assert.Equal(t, "k", got.Auth.APIKey)
	assert.Equal(t, int64(2), got.Params.End)
	assert.Equal(t, 10000, got.Params.Limit)
}

func TestHTTPClient_StatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := NewHTTPClient(ts.URL).Call(context.Background(), "getLedgers", Args{})
	require.Error(t, err)

	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusTooManyRequests, ae.Status)
	assert.Equal(t, "rate limited", ae.Body)
	assert.True(t, IsTransient(err))
}

func TestHTTPClient_TimeoutIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewHTTPClient(ts.URL).Call(ctx, "getLedgers", Args{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHTTPClient_Summarize(t *testing.T) {
	var got Args
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getLedgersSummary", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(Summary{Count: 3, Sum: 12.5})
	}))
	defer ts.Close()

	sum, err := NewHTTPClient(ts.URL).Summarize(context.Background(), "getLedgers", Args{}, "amount")
	require.NoError(t, err)
	assert.Equal(t, int64(3), sum.Count)
	assert.Equal(t, 12.5, sum.Sum)
	assert.Equal(t, "amount", got.Params.Filter["sumField"])
}
