package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"quotecache/internal/cache"
	"quotecache/internal/provider"
	"quotecache/internal/provider/mockprovider"
	"quotecache/internal/provider/synthetic"
)

func TestProbe_ReportsPerProvider(t *testing.T) {
	t.Parallel()

	// Arrange: one provider answers partially, the other is rate limited
	ctrl := gomock.NewController(t)
	good := mockprovider.NewMockProvider(ctrl)
	good.EXPECT().Name().Return("polygon").AnyTimes()
	good.EXPECT().Fetch(gomock.Any(), []string{"AAPL", "MSFT"}).
		Return([]provider.Snapshot{{Symbol: "AAPL", Price: decimal.NewFromInt(190)}}, nil)
	limited := mockprovider.NewMockProvider(ctrl)
	limited.EXPECT().Name().Return("finnhub").AnyTimes()
	limited.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, []string) ([]provider.Snapshot, error) {
			return nil, provider.RateLimited("finnhub", errors.New("429"))
		})

	// Act
	reports := probe(t.Context(), []cache.Link{{Provider: good}, {Provider: limited}}, []string{"AAPL", "MSFT"}, time.Second)

	// Assert: chain order is kept
	require.Len(t, reports, 2)
	require.Equal(t, "polygon", reports[0].Provider)
	require.Equal(t, 1, reports[0].Returned)
	require.Equal(t, []string{"MSFT"}, reports[0].Missing)
	require.Empty(t, reports[0].ErrorKind)
	require.Equal(t, "AAPL", reports[0].Sample.Symbol)

	require.Equal(t, "finnhub", reports[1].Provider)
	require.Equal(t, "rate_limited", reports[1].ErrorKind)
	require.Equal(t, []string{"AAPL", "MSFT"}, reports[1].Missing)
	require.Nil(t, reports[1].Sample)
}

func TestProbe_SyntheticBaselineAnswersEverySymbol(t *testing.T) {
	t.Parallel()

	// Arrange
	links := []cache.Link{{Provider: synthetic.New(synthetic.Config{Seed: 7})}}

	// Act
	reports := probe(t.Context(), links, []string{"msft", "AAPL", "MSFT"}, time.Second)

	// Assert: duplicates collapse and the sample is the first symbol
	require.Len(t, reports, 1)
	r := reports[0]
	require.Equal(t, synthetic.Name, r.Provider)
	require.Equal(t, 2, r.Returned)
	require.Empty(t, r.Missing)
	require.Empty(t, r.ErrorKind)
	require.Equal(t, "AAPL", r.Sample.Symbol)
	require.True(t, r.Sample.Degraded())
}
