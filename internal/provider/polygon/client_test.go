package polygon_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"quotecache/internal/provider/polygon"
)

func jsonResponse(t *testing.T, status int, body any) *http.Response {
	t.Helper()
	buffer := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(buffer).Encode(body))
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(buffer),
	}
}

var mockSnapshotResponse = map[string]any{
	"status": "OK",
	"ticker": map[string]any{
		"ticker":    "AAPL",
		"day":       map[string]any{"o": 189.1, "h": 191.0, "l": 188.5, "c": 190.1, "v": 51234567, "vw": 190.01},
		"min":       map[string]any{"c": 190.2, "v": 12000},
		"prevDay":   map[string]any{"c": 188.0, "v": 48000000},
		"lastTrade": map[string]any{"p": 190.25, "s": 100, "t": int64(1700000000123000000)},
		"updated":   int64(1700000000200000000),
	},
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	// Assert: a valid key should return a client.
	client, err := polygon.NewClient("test")
	require.NoErrorf(t, err, "unexpected error: %v", err)
	require.NotNilf(t, client, "unexpected nil client")
}

func TestGetSnapshot(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock HTTP client
	httpClient := NewMockHTTPClient(ctrl)

	// Assert: stub the Do method
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, http.MethodGet, req.Method)
			require.Equal(t, "test-key", req.URL.Query().Get("apiKey"))
			require.Equal(t, "/v2/snapshot/locale/us/markets/stocks/tickers/AAPL", req.URL.Path)
			return jsonResponse(t, http.StatusOK, mockSnapshotResponse), nil
		}).
		Times(1)

	client, err := polygon.NewClient("test-key", polygon.WithHTTPClient(httpClient))
	require.NoError(t, err)

	// Act
	snap, err := client.GetSnapshot(t.Context(), "AAPL")

	// Assert: the last trade wins over the bars
	require.NoError(t, err)
	require.Equal(t, "AAPL", snap.Ticker)
	require.InDelta(t, 190.25, snap.Price(), 1e-9)
	require.InDelta(t, 51234567, snap.Day.Volume, 1e-9)
	require.Equal(t, int64(1700000000123000000), snap.Time().UnixNano())
}

func TestTickerSnapshot_PriceFallbacks(t *testing.T) {
	t.Parallel()

	minute := polygon.TickerSnapshot{Minute: polygon.Bar{Close: 11}, Day: polygon.Bar{Close: 12}, Updated: 5}
	require.InDelta(t, 11, minute.Price(), 1e-9)
	require.Equal(t, int64(5), minute.Time().UnixNano())

	day := polygon.TickerSnapshot{Day: polygon.Bar{Close: 12}}
	require.InDelta(t, 12, day.Price(), 1e-9)
	require.True(t, day.Time().IsZero())

	// only yesterday's bar is not a current price
	prev := polygon.TickerSnapshot{PrevDay: polygon.Bar{Close: 13}}
	require.Zero(t, prev.Price())
}

func TestGetSnapshot_NoResults(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   any
	}{
		{"not found", http.StatusNotFound, map[string]any{"status": "NOT_FOUND", "message": "Ticker not found."}},
		{"empty ticker", http.StatusOK, map[string]any{"status": "OK"}},
		{"previous day only", http.StatusOK, map[string]any{"status": "OK", "ticker": map[string]any{
			"ticker": "ZZZZ", "prevDay": map[string]any{"c": 10.0},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			httpClient := NewMockHTTPClient(ctrl)
			httpClient.EXPECT().
				Do(gomock.Any()).
				Return(jsonResponse(t, tc.status, tc.body), nil).
				Times(1)

			client, err := polygon.NewClient("k", polygon.WithHTTPClient(httpClient))
			require.NoError(t, err)

			_, err = client.GetSnapshot(t.Context(), "ZZZZ")
			require.ErrorIs(t, err, polygon.ErrNoResults)
		})
	}
}

func TestGetSnapshot_StatusError(t *testing.T) {
	t.Parallel()

	// Arrange: Polygon answers 429 with its error envelope
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		Return(jsonResponse(t, http.StatusTooManyRequests, map[string]any{
			"status": "ERROR",
			"error":  "You've exceeded the maximum requests per minute",
		}), nil).
		Times(1)

	client, err := polygon.NewClient("k", polygon.WithHTTPClient(httpClient))
	require.NoError(t, err)

	// Act
	_, err = client.GetSnapshot(t.Context(), "AAPL")

	// Assert: the status is exposed to callers
	var apiErr *polygon.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	require.Contains(t, apiErr.Error(), "maximum requests")
}

func TestGetTickerDetails(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "/v3/reference/tickers/MSFT", req.URL.Path)
			return jsonResponse(t, http.StatusOK, map[string]any{
				"status": "OK",
				"results": map[string]any{
					"ticker":     "MSFT",
					"name":       "Microsoft Corp",
					"active":     true,
					"market_cap": 2.8e12,
				},
			}), nil
		}).
		Times(1)

	client, err := polygon.NewClient("k", polygon.WithHTTPClient(httpClient))
	require.NoError(t, err)

	details, err := client.GetTickerDetails(t.Context(), "MSFT")

	require.NoError(t, err)
	require.Equal(t, "Microsoft Corp", details.Name)
	require.InDelta(t, 2.8e12, details.MarketCap, 1)
}

func TestWithBaseURL(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock http client
	httpClient := NewMockHTTPClient(ctrl)

	// Arrange: define a base url
	baseURL := "http://localhost:8080"

	// Assert: stub the Do method
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Truef(t, strings.HasPrefix(req.URL.String(), baseURL), "expected url to start with base url, received: %s", req.URL.String())
			return jsonResponse(t, http.StatusOK, mockSnapshotResponse), nil
		}).
		Times(1)

	// Arrange: create a new client.
	client, err := polygon.NewClient("test", polygon.WithHTTPClient(httpClient), polygon.WithBaseURL(baseURL))
	require.NoError(t, err)

	// Act: call GetSnapshot with the overridden base URL.
	_, err = client.GetSnapshot(t.Context(), "AAPL")
	require.NoError(t, err)
}

func TestWithHeader(t *testing.T) {
	t.Parallel()

	// Arrange: create a mock controller
	ctrl := gomock.NewController(t)

	// Arrange: create a mock http client
	httpClient := NewMockHTTPClient(ctrl)

	// Assert: the header reaches the request, also when set per call
	httpClient.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "bar", req.Header.Get("foo"))
			require.Equal(t, "qux", req.Header.Get("baz"))
			return jsonResponse(t, http.StatusOK, mockSnapshotResponse), nil
		}).
		Times(1)

	// Arrange: create a new client with a custom header.
	client, err := polygon.NewClient("test", polygon.WithHTTPClient(httpClient), polygon.WithHeader(http.Header{
		"foo": []string{"bar"},
	}))
	require.NoError(t, err)

	// Act: call with an extra per-call header.
	_, err = client.GetSnapshot(t.Context(), "AAPL", polygon.WithHeader(http.Header{"baz": []string{"qux"}}))
	require.NoError(t, err)
}
