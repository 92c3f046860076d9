// Package metrics exposes cache and provider counters to Prometheus.
//
// Every method is safe on a nil *Metrics so components can run without
// instrumentation.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "quotecache"

// Metrics is the collector set of one cache instance.
type Metrics struct {
	Requests         *prometheus.CounterVec
	Evictions        prometheus.Counter
	Invalidations    *prometheus.CounterVec
	ProviderFetches  *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
	Fallbacks        prometheus.Counter
	RefreshTasks     *prometheus.CounterVec
	Entries          prometheus.Gauge
	SubscriberDrops  prometheus.Counter
	EventsPublished  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Cache reads by result (hit, miss, stale).",
		}, []string{"result"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Entries evicted because the store was full.",
		}),
		Invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_total",
			Help:      "Entries invalidated by reason.",
		}, []string{"reason"}),
		ProviderFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_fetch_total",
			Help:      "Provider fetch attempts by outcome.",
		}, []string{"provider", "outcome"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_fetch_duration_seconds",
			Help:      "Duration of provider fetch attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		Fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_total",
			Help:      "Symbols answered by the synthetic generator.",
		}),
		RefreshTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_tasks_total",
			Help:      "Background refresh tasks by outcome.",
		}, []string{"outcome"}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entries",
			Help:      "Number of cached entries.",
		}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_dropped_total",
			Help:      "Change events dropped by full subscriber queues.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Change events published by kind.",
		}, []string{"kind"}),
	}

	collectors := []prometheus.Collector{
		m.Requests,
		m.Evictions,
		m.Invalidations,
		m.ProviderFetches,
		m.ProviderDuration,
		m.Fallbacks,
		m.RefreshTasks,
		m.Entries,
		m.SubscriberDrops,
		m.EventsPublished,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering metric: %w", err)
		}
	}
	return m, nil
}

// Handler serves the metrics of g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Request(result string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(result).Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Evictions.Add(float64(n))
}

func (m *Metrics) Invalidated(reason string) {
	if m == nil {
		return
	}
	m.Invalidations.WithLabelValues(reason).Inc()
}

// ProviderAttempt records one call to a provider. outcome is "ok" or an
// error kind.
func (m *Metrics) ProviderAttempt(name, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ProviderFetches.WithLabelValues(name, outcome).Inc()
	m.ProviderDuration.WithLabelValues(name).Observe(seconds)
}

func (m *Metrics) Fallback(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Fallbacks.Add(float64(n))
}

func (m *Metrics) RefreshTask(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTasks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.Entries.Set(float64(n))
}

func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.SubscriberDrops.Inc()
}

func (m *Metrics) Published(kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}
