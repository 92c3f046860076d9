package cache

import (
	"maps"
	"sync"
	"sync/atomic"
)

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits                 uint64            `json:"hits"`
	Misses               uint64            `json:"misses"`
	TotalRequests        uint64            `json:"total_requests"`
	HitRate              float64           `json:"hit_rate"`
	MissRate             float64           `json:"miss_rate"`
	StaleServed          uint64            `json:"stale_served"`
	Evictions            uint64            `json:"evictions"`
	Invalidations        uint64            `json:"invalidations"`
	Fallbacks            uint64            `json:"fallbacks"`
	ProviderDistribution map[string]uint64 `json:"provider_distribution"`
	ProviderFailures     map[string]uint64 `json:"provider_failures"`
	Size                 int               `json:"size"`
	Capacity             int               `json:"capacity"`
	Subscribers          int               `json:"subscribers"`
	DroppedEvents        uint64            `json:"dropped_events"`
	Refresh              RefreshStats      `json:"refresh"`
}

// counters are updated from many goroutines.
type counters struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	staleServed   atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64
	fallbacks     atomic.Uint64

	mu           sync.Mutex
	distribution map[string]uint64
	failures     map[string]uint64
}

func newCounters() *counters {
	return &counters{
		distribution: make(map[string]uint64),
		failures:     make(map[string]uint64),
	}
}

func (c *counters) served(source string, n int) {
	c.mu.Lock()
	c.distribution[source] += uint64(n)
	c.mu.Unlock()
}

func (c *counters) failed(name string) {
	c.mu.Lock()
	c.failures[name]++
	c.mu.Unlock()
}

func (c *counters) snapshot() Stats {
	s := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		StaleServed:   c.staleServed.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		Fallbacks:     c.fallbacks.Load(),
	}
	s.TotalRequests = s.Hits + s.Misses
	if s.TotalRequests > 0 {
		s.HitRate = float64(s.Hits) / float64(s.TotalRequests)
		s.MissRate = float64(s.Misses) / float64(s.TotalRequests)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s.ProviderDistribution = maps.Clone(c.distribution)
	s.ProviderFailures = maps.Clone(c.failures)
	return s
}
