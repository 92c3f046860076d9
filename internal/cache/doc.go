// Package cache is a priority-aware quote cache sitting in front of rate
// limited market data providers.
//
// ## Reads
//
// Trading reads (active positions, watchlist, high volume) are served from
// memory only while an entry is fresh. Otherwise the caller attaches to the
// single outstanding fetch for that key and waits up to the fetch timeout.
// If the fetch does not answer in time the previous value is returned marked
// stale, or a synthetic snapshot when nothing was ever cached.
//
// Analysis reads (research, historical) return whatever is cached, even
// expired, and queue a background refresh. Only a key that was never cached
// makes an analysis caller wait.
//
// ## TTL and Invalidation
//
// The lifetime of an entry comes from its use case and is capped per
// priority, so a critical key never carries data older than its ceiling.
// Independently of the TTL, a fetch whose price or volume moved past the
// configured thresholds marks the entry invalidated and schedules an
// immediate refetch.
//
// ## Fetching
//
// Fetches for the same key are deduplicated. Distinct keys are collected
// into short batch windows and executed by a bounded worker pool that walks
// the provider chain with retries and exponential backoff. When every
// provider fails the executor returns a synthetic snapshot tagged
// degraded-simulated instead of an error.
//
// ## Eviction
//
// The store is bounded. When it is full the least recently written entry of
// the lowest non-empty priority tier is evicted, so critical entries are
// never evicted while any lower priority entry remains.
//
// ## Refresh and Subscribers
//
// A ticker scans the store and refreshes high priority entries shortly
// before they expire. Every change is published to subscribers, each of
// which owns a bounded queue that drops its oldest event when full.
package cache

import logging "github.com/ipfs/go-log/v2"

var log = logging.Logger("cache")
