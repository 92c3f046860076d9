package polygonadapter_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"quotecache/internal/provider"
	"quotecache/internal/provider/polygon"
	"quotecache/internal/provider/polygonadapter"
)

func newServer(t *testing.T, detailCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/snapshot/locale/us/markets/stocks/tickers/{ticker}", func(w http.ResponseWriter, r *http.Request) {
		ticker := r.PathValue("ticker")
		switch ticker {
		case "AAPL":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "OK",
				"ticker": map[string]any{
					"ticker":    "AAPL",
					"day":       map[string]any{"c": 190.1, "v": 1000},
					"prevDay":   map[string]any{"c": 180.0, "v": 9999},
					"lastTrade": map[string]any{"p": 190.25, "t": int64(1700000000000000000)},
				},
			})
		case "LOCKED":
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "NOT_AUTHORIZED"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "NOT_FOUND", "message": "Ticker not found."})
		}
	})
	mux.HandleFunc("GET /v3/reference/tickers/{ticker}", func(w http.ResponseWriter, r *http.Request) {
		detailCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "OK",
			"results": map[string]any{"ticker": r.PathValue("ticker"), "market_cap": 2.9e12},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newAdapter(t *testing.T, srv *httptest.Server, cfg polygonadapter.Config) *polygonadapter.Adapter {
	t.Helper()
	client, err := polygon.NewClient("k", polygon.WithBaseURL(srv.URL), polygon.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return polygonadapter.New(cfg, client)
}

func TestFetch_MapsTickerSnapshots(t *testing.T) {
	t.Parallel()

	// Arrange
	var detailCalls atomic.Int32
	srv := newServer(t, &detailCalls)
	a := newAdapter(t, srv, polygonadapter.Config{DetailsTTL: time.Minute})

	// Act: one known and one unknown symbol
	snaps, err := a.Fetch(t.Context(), []string{"AAPL", "NOPE"})

	// Assert: the unknown symbol is left out, the price is the last trade
	// of today and never the previous close
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	s := snaps[0]
	require.Equal(t, "AAPL", s.Symbol)
	require.Equal(t, "190.25", s.Price.String())
	require.Equal(t, int64(1000), s.Volume)
	require.Equal(t, "2900000000000", s.MarketCap.String())
	require.Equal(t, "polygon", s.Source)
	require.Equal(t, int64(1700000000000), s.Timestamp.UnixMilli())

	// Act: details are cached
	_, err = a.Fetch(t.Context(), []string{"AAPL"})
	require.NoError(t, err)
	require.Equal(t, int32(1), detailCalls.Load())
}

func TestFetch_ClassifiesStatus(t *testing.T) {
	t.Parallel()

	var detailCalls atomic.Int32
	srv := newServer(t, &detailCalls)
	a := newAdapter(t, srv, polygonadapter.Config{})

	_, err := a.Fetch(t.Context(), []string{"LOCKED"})

	require.Error(t, err)
	require.Equal(t, provider.KindPermanent, provider.KindOf(err))
	require.True(t, strings.Contains(err.Error(), "polygon"))
	require.Zero(t, detailCalls.Load())
}

func TestFetch_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	var detailCalls atomic.Int32
	srv := newServer(t, &detailCalls)
	a := newAdapter(t, srv, polygonadapter.Config{})
	srv.Close()

	_, err := a.Fetch(t.Context(), []string{"AAPL"})

	require.Error(t, err)
	require.True(t, provider.Retryable(err))
}
