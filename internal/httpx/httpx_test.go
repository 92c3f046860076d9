package httpx_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"quotecache/internal/httpx"
)

func TestClient_DoSetsDefaults(t *testing.T) {
	t.Parallel()

	// Arrange
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	c := httpx.New(time.Second)
	c.Headers = map[string]string{"X-Api-Key": "k", "Accept": "application/json"}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/plain")

	// Act
	resp, err := c.Do(t.Context(), req)
	require.NoError(t, err)
	resp.Body.Close()

	// Assert: defaults fill gaps, explicit headers win
	require.Equal(t, httpx.UserAgent, got.Get("User-Agent"))
	require.Equal(t, "k", got.Get("X-Api-Key"))
	require.Equal(t, "text/plain", got.Get("Accept"))
}
