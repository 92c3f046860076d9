package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"quotecache/internal/cache"
	"quotecache/internal/provider"
	"quotecache/internal/provider/mockprovider"
	"quotecache/internal/provider/synthetic"
)

func testExecConfig() cache.ExecutorConfig {
	return cache.ExecutorConfig{
		Workers:        2,
		BatchSize:      10,
		AttemptTimeout: time.Second,
		Retry: cache.RetryPolicy{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
		},
	}
}

func newMockProvider(ctrl *gomock.Controller, name string) *mockprovider.MockProvider {
	p := mockprovider.NewMockProvider(ctrl)
	p.EXPECT().Name().Return(name).AnyTimes()
	return p
}

func answer(symbols []string, price string) []provider.Snapshot {
	out := make([]provider.Snapshot, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, quote(s, price, 100))
	}
	return out
}

func newExecutor(t *testing.T, cfg cache.ExecutorConfig, providers ...provider.Provider) *cache.Executor {
	t.Helper()
	links := make([]cache.Link, 0, len(providers))
	for _, p := range providers {
		links = append(links, cache.Link{Provider: p})
	}
	e, err := cache.NewExecutor(links, synthetic.New(synthetic.Config{Seed: 1}), cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestExecutor_RetriesThenFallsBack(t *testing.T) {
	t.Parallel()

	// Arrange: the primary keeps timing out, the secondary answers
	ctrl := gomock.NewController(t)
	primary := newMockProvider(ctrl, "polygon")
	secondary := newMockProvider(ctrl, "finnhub")

	primary.EXPECT().
		Fetch(gomock.Any(), []string{"AAPL"}).
		Return(nil, provider.Transient("polygon", context.DeadlineExceeded)).
		Times(3)
	secondary.EXPECT().
		Fetch(gomock.Any(), []string{"AAPL"}).
		DoAndReturn(func(_ context.Context, symbols []string) ([]provider.Snapshot, error) {
			snaps := answer(symbols, "190")
			snaps[0].Source = "finnhub"
			return snaps, nil
		})

	e := newExecutor(t, testExecConfig(), primary, secondary)

	// Act
	s, err := e.Fetch(t.Context(), "AAPL", nil)

	// Assert
	require.NoError(t, err)
	require.Equal(t, "finnhub", s.Source)
	require.Equal(t, provider.ConfidenceNormal, s.Confidence)
	require.Equal(t, "190", s.Price.String())
	require.Equal(t, []string{"polygon", "finnhub"}, e.Providers())
}

func TestExecutor_PermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()

	// Arrange: the primary rejects the API key
	ctrl := gomock.NewController(t)
	primary := newMockProvider(ctrl, "polygon")
	secondary := newMockProvider(ctrl, "finnhub")

	primary.EXPECT().
		Fetch(gomock.Any(), gomock.Any()).
		Return(nil, provider.StatusError("polygon", 401, "bad key")).
		Times(1)
	secondary.EXPECT().
		Fetch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, symbols []string) ([]provider.Snapshot, error) {
			return answer(symbols, "42"), nil
		})

	e := newExecutor(t, testExecConfig(), primary, secondary)

	// Act
	s, err := e.Fetch(t.Context(), "MSFT", nil)

	// Assert
	require.NoError(t, err)
	require.Equal(t, "42", s.Price.String())
}

func TestExecutor_AllProvidersFailUsesSynthetic(t *testing.T) {
	t.Parallel()

	// Arrange: every provider fails
	ctrl := gomock.NewController(t)
	primary := newMockProvider(ctrl, "polygon")
	secondary := newMockProvider(ctrl, "finnhub")
	primary.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(nil, errors.New("boom")).Times(3)
	secondary.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(nil, errors.New("boom")).Times(3)

	e := newExecutor(t, testExecConfig(), primary, secondary)

	// Act
	s, err := e.Fetch(t.Context(), "XYZ", nil)

	// Assert: a degraded snapshot instead of an error
	require.NoError(t, err)
	require.Equal(t, "XYZ", s.Symbol)
	require.Equal(t, provider.ConfidenceDegradedSimulated, s.Confidence)
	require.Equal(t, synthetic.Name, s.Source)
	require.True(t, s.Price.IsPositive())
}

func TestExecutor_ZeroPriceIsMissing(t *testing.T) {
	t.Parallel()

	// Arrange: the primary answers with an unusable price
	ctrl := gomock.NewController(t)
	primary := newMockProvider(ctrl, "polygon")
	secondary := newMockProvider(ctrl, "finnhub")
	primary.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, symbols []string) ([]provider.Snapshot, error) {
			return answer(symbols, "0"), nil
		})
	secondary.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, symbols []string) ([]provider.Snapshot, error) {
			return answer(symbols, "7.25"), nil
		})

	e := newExecutor(t, testExecConfig(), primary, secondary)

	// Act
	s, err := e.Fetch(t.Context(), "IBM", nil)

	// Assert
	require.NoError(t, err)
	require.Equal(t, "7.25", s.Price.String())
}

func TestExecutor_BatchesWindow(t *testing.T) {
	t.Parallel()

	// Arrange: a wide window so concurrent requests share one call
	ctrl := gomock.NewController(t)
	primary := newMockProvider(ctrl, "polygon")
	primary.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, symbols []string) ([]provider.Snapshot, error) {
			require.ElementsMatch(t, []string{"AAPL", "MSFT", "IBM"}, symbols)
			return answer(symbols, "100"), nil
		}).
		Times(1)

	cfg := testExecConfig()
	cfg.BatchWindow = 200 * time.Millisecond
	e := newExecutor(t, cfg, primary)

	// Act
	var wg sync.WaitGroup
	for _, sym := range []string{"AAPL", "MSFT", "IBM"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := e.Fetch(t.Context(), sym, nil)
			require.NoError(t, err)
			require.Equal(t, sym, s.Symbol)
		}()
	}

	// Assert: one provider call answered all three
	wg.Wait()
}

func TestExecutor_BreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()

	// Arrange: a breaker that trips after two failed attempts
	ctrl := gomock.NewController(t)
	primary := newMockProvider(ctrl, "polygon")
	secondary := newMockProvider(ctrl, "finnhub")
	primary.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		Return(nil, provider.Transient("polygon", errors.New("502"))).
		Times(2)
	secondary.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, symbols []string) ([]provider.Snapshot, error) {
			return answer(symbols, "1"), nil
		}).
		Times(3)

	cfg := testExecConfig()
	cfg.Retry.MaxRetries = 0
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Minute
	e := newExecutor(t, cfg, primary, secondary)

	// Act: three sequential fetches
	for range 3 {
		_, err := e.Fetch(t.Context(), "AAPL", nil)
		require.NoError(t, err)
	}

	// Assert: the third fetch never reached the primary (checked by Times)
}

func TestExecutor_Closed(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	primary := newMockProvider(ctrl, "polygon")
	e := newExecutor(t, testExecConfig(), primary)
	e.Close()

	_, err := e.Fetch(t.Context(), "AAPL", nil)
	require.ErrorIs(t, err, cache.ErrClosed)
}
