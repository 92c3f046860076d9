package yahoo

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"quotecache/internal/httpx"
	"quotecache/internal/provider"
)

func TestChunkStrings(t *testing.T) {
	t.Parallel()

	require.Equal(t, [][]string{{"A", "B", "C"}}, chunkStrings([]string{"A", "B", "C"}, 0))
	require.Equal(t, [][]string{{"A", "B"}, {"C"}}, chunkStrings([]string{"A", "B", "C"}, 2))
	require.Equal(t, [][]string{{"A"}}, chunkStrings([]string{"A"}, 5))
}

func TestFetch_ChunksRequests(t *testing.T) {
	t.Parallel()

	// Arrange: a server answering whatever symbols it is asked for
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		syms := strings.Split(r.URL.Query().Get("symbols"), ",")
		require.LessOrEqual(t, len(syms), 2)
		var res []map[string]any
		for _, s := range syms {
			if s == "GONE" {
				continue
			}
			res = append(res, map[string]any{
				"symbol":              s,
				"regularMarketPrice":  12.5,
				"regularMarketVolume": 4200,
				"regularMarketTime":   1700000000,
				"marketCap":           1.5e9,
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"quoteResponse": map[string]any{"result": res}})
	}))
	t.Cleanup(srv.Close)
	p := New(Config{URL: srv.URL, MaxItemsPerRequest: 2, MaxConcurrency: 2}, httpx.New(time.Second))

	// Act
	snaps, err := p.Fetch(t.Context(), []string{"AAPL", "MSFT", "IBM", "GONE", "TSLA"})

	// Assert: three requests, the unknown symbol left out
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Len(t, snaps, 4)
	for _, s := range snaps {
		require.Equal(t, "12.5", s.Price.String())
		require.Equal(t, int64(4200), s.Volume)
		require.Equal(t, "1500000000", s.MarketCap.String())
		require.Equal(t, "yahoo", s.Source)
	}
}

func TestFetch_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	p := New(Config{URL: srv.URL}, httpx.New(time.Second))

	_, err := p.Fetch(t.Context(), []string{"AAPL"})

	require.Error(t, err)
	require.Equal(t, provider.KindTransient, provider.KindOf(err))
}
