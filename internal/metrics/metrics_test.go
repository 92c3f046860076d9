package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"quotecache/internal/metrics"
)

func TestNew_RegistersCollectors(t *testing.T) {
	t.Parallel()

	// Arrange: a private registry
	reg := prometheus.NewRegistry()

	// Act: create and use the metrics
	m, err := metrics.New(reg)
	require.NoError(t, err)
	m.Request("hit")
	m.Request("hit")
	m.Request("miss")
	m.Evicted(3)
	m.SetEntries(7)

	// Assert: counters reflect the calls
	require.InDelta(t, 2, testutil.ToFloat64(m.Requests.WithLabelValues("hit")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.Requests.WithLabelValues("miss")), 0)
	require.InDelta(t, 3, testutil.ToFloat64(m.Evictions), 0)
	require.InDelta(t, 7, testutil.ToFloat64(m.Entries), 0)
}

func TestNew_DoubleRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg)
	require.NoError(t, err)

	// Act: register a second set on the same registry
	_, err = metrics.New(reg)

	// Assert: the duplicate is rejected
	require.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *metrics.Metrics

	// Assert: nil receivers are no-ops
	require.NotPanics(t, func() {
		m.Request("hit")
		m.Evicted(1)
		m.Invalidated("manual")
		m.ProviderAttempt("polygon", "ok", 0.1)
		m.Fallback(1)
		m.RefreshTask("ok")
		m.SetEntries(1)
		m.SubscriberDropped()
		m.Published("updated")
	})
}
