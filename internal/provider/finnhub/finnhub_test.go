package finnhub_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"quotecache/internal/httpx"
	"quotecache/internal/provider"
	"quotecache/internal/provider/finnhub"
)

type fakeFinnhub struct {
	profileCalls atomic.Int32
	profileFails atomic.Int32
}

func (f *fakeFinnhub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /quote", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.URL.Query().Get("token"))
		switch r.URL.Query().Get("symbol") {
		case "AAPL":
			_ = json.NewEncoder(w).Encode(map[string]any{"c": 190.25, "pc": 189.0, "t": 1700000000})
		case "SLOW":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"c": 0, "pc": 0, "t": 0})
		}
	})
	mux.HandleFunc("GET /stock/profile2", func(w http.ResponseWriter, r *http.Request) {
		f.profileCalls.Add(1)
		if f.profileFails.Load() > 0 {
			f.profileFails.Add(-1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"name": "Apple Inc", "marketCapitalization": 2900000.5})
	})
	return mux
}

func newProvider(t *testing.T, f *fakeFinnhub, cfg finnhub.Config) *finnhub.Provider {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	if cfg.APIKey == "" {
		cfg.APIKey = "secret"
	}
	return finnhub.New(cfg, httpx.New(time.Second))
}

func TestFetch_QuoteAndProfile(t *testing.T) {
	t.Parallel()

	// Arrange: the first profile request fails and is retried
	f := &fakeFinnhub{}
	f.profileFails.Store(1)
	p := newProvider(t, f, finnhub.Config{ProfileTTL: time.Minute, ProfileRetries: 2})

	// Act
	snaps, err := p.Fetch(t.Context(), []string{"AAPL", "UNKNOWN"})

	// Assert: the unknown symbol is left out
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	s := snaps[0]
	require.Equal(t, "AAPL", s.Symbol)
	require.Equal(t, "190.25", s.Price.String())
	require.Equal(t, "2900000500000", s.MarketCap.String())
	require.Equal(t, int64(1700000000), s.Timestamp.Unix())
	require.Equal(t, "finnhub", s.Source)
	require.Equal(t, int32(2), f.profileCalls.Load())

	// Act: the profile is cached
	_, err = p.Fetch(t.Context(), []string{"AAPL"})
	require.NoError(t, err)
	require.Equal(t, int32(2), f.profileCalls.Load())
}

func TestFetch_RateLimited(t *testing.T) {
	t.Parallel()

	p := newProvider(t, &fakeFinnhub{}, finnhub.Config{})

	_, err := p.Fetch(t.Context(), []string{"SLOW"})

	require.Error(t, err)
	require.Equal(t, provider.KindRateLimited, provider.KindOf(err))
}

func TestFetch_MissingKeyIsPermanent(t *testing.T) {
	t.Parallel()

	p := finnhub.New(finnhub.Config{}, httpx.New(time.Second))

	_, err := p.Fetch(t.Context(), []string{"AAPL"})

	require.Error(t, err)
	require.Equal(t, provider.KindPermanent, provider.KindOf(err))
}
