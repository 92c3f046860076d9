package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"quotecache/internal/provider"
)

// State is the freshness state of an entry independent of its TTL.
type State int

const (
	StateFresh State = iota
	// StateInvalidated marks an entry whose last fetch moved past a delta
	// threshold. It is served but never counts as fresh.
	StateInvalidated
	// StateDegraded marks an entry holding a synthetic snapshot.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateInvalidated:
		return "invalidated"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Entry is one cached snapshot. Values returned by the Store are copies.
type Entry struct {
	Key       Key               `json:"key"`
	Snapshot  provider.Snapshot `json:"snapshot"`
	FetchedAt time.Time         `json:"fetched_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Priority  Priority          `json:"priority"`
	State     State             `json:"state"`
	// RefPrice and RefVolume are the values the next fetch is compared to.
	RefPrice  decimal.Decimal `json:"-"`
	RefVolume int64           `json:"-"`
	Reason    string          `json:"reason,omitempty"`
}

// TTL is the lifetime the entry was written with.
func (e Entry) TTL() time.Duration { return e.ExpiresAt.Sub(e.FetchedAt) }

// Fresh reports whether the entry can be served without a fetch.
func (e Entry) Fresh(now time.Time) bool {
	return e.State == StateFresh && now.Before(e.ExpiresAt)
}

// Remaining is the TTL left at now, never negative.
func (e Entry) Remaining(now time.Time) time.Duration {
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ApplyResult describes what a write did to the store.
type ApplyResult struct {
	Entry       Entry
	Created     bool
	Invalidated bool
	Reason      string
	Evicted     []Entry
}

// Store is the bounded map of entries. Each priority tier keeps its keys in
// write order so eviction can take the least recently written key of the
// lowest non-empty tier.
type Store struct {
	mu       sync.RWMutex
	entries  map[Key]*Entry
	tiers    [numPriorities]*simplelru.LRU[Key, struct{}]
	fetching map[Key]int
	capacity int
	policy   *Policy
	clock    clock.Clock

	flights singleflight.Group
	// onIdle runs when the last fetch of a key finishes.
	onIdle func(Key)
}

// NewStore creates a store holding at most capacity entries.
func NewStore(capacity int, policy *Policy, clk clock.Clock) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	if policy == nil {
		return nil, fmt.Errorf("policy is required")
	}
	if clk == nil {
		clk = clock.New()
	}
	s := &Store{
		entries:  make(map[Key]*Entry, capacity),
		fetching: make(map[Key]int),
		capacity: capacity,
		policy:   policy,
		clock:    clk,
	}
	for i := range s.tiers {
		// One spare slot: the store evicts by hand after every insert, so a
		// tier never reaches its own limit.
		tier, err := simplelru.NewLRU[Key, struct{}](capacity+1, nil)
		if err != nil {
			return nil, fmt.Errorf("creating tier %s: %w", Priority(i), err)
		}
		s.tiers[i] = tier
	}
	return s, nil
}

// Capacity returns the configured bound.
func (s *Store) Capacity() int { return s.capacity }

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get returns a copy of the entry for key.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a copy of every entry.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Apply writes a fetched snapshot for key at priority pr, stamping
// fetchedAt and expiresAt from the clock. Non-synthetic snapshots are
// compared to the previous reference values; crossing a delta threshold
// leaves the new value in place but marks the entry invalidated.
func (s *Store) Apply(key Key, snap provider.Snapshot, pr Priority) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	e, ok := s.entries[key]
	if !ok {
		e = &Entry{Key: key}
		s.entries[key] = e
	} else if e.Priority != pr {
		s.tiers[e.Priority].Remove(key)
	}

	res := ApplyResult{Created: !ok}
	e.Snapshot = snap
	e.Priority = pr
	e.FetchedAt = now
	e.ExpiresAt = now.Add(s.policy.TTL(key.UseCase, pr))
	e.Reason = ""

	if snap.Degraded() {
		e.State = StateDegraded
	} else {
		e.State = StateFresh
		if ok {
			if inv, reason := s.policy.ShouldInvalidate(e.RefPrice, e.RefVolume, snap); inv {
				e.State = StateInvalidated
				e.Reason = reason
				res.Invalidated = true
				res.Reason = reason
			}
		}
		e.RefPrice = snap.Price
		if snap.Volume != 0 {
			e.RefVolume = snap.Volume
		}
	}

	s.tiers[pr].Add(key, struct{}{})
	res.Entry = *e
	res.Evicted = s.evictLocked()
	return res
}

// SetPriority moves key to another tier and recomputes its expiry from the
// original fetch time.
func (s *Store) SetPriority(key Key, pr Priority) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	if e.Priority != pr {
		s.tiers[e.Priority].Remove(key)
		s.tiers[pr].Add(key, struct{}{})
		e.Priority = pr
		e.ExpiresAt = e.FetchedAt.Add(s.policy.TTL(key.UseCase, pr))
	}
	return *e, true
}

// Remove deletes key and returns the removed entry.
func (s *Store) Remove(key Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	s.removeLocked(e)
	return *e, true
}

// Fetch runs fn at most once per key at a time. Callers arriving while a
// fetch is outstanding attach to it. The result value is an Entry.
//
// The flight is forgotten before the key reads as idle, so a caller woken
// by onIdle starts a new fetch instead of joining the finished one.
func (s *Store) Fetch(key Key, fn func() (Entry, error)) <-chan singleflight.Result {
	name := key.String()
	return s.flights.DoChan(name, func() (any, error) {
		s.markFetching(key, 1)
		defer func() {
			s.flights.Forget(name)
			s.markFetching(key, -1)
		}()
		return fn()
	})
}

// Fetching reports whether a fetch for key is outstanding.
func (s *Store) Fetching(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetching[key] > 0
}

func (s *Store) markFetching(key Key, delta int) {
	s.mu.Lock()
	n := s.fetching[key] + delta
	if n > 0 {
		s.fetching[key] = n
	} else {
		delete(s.fetching, key)
	}
	s.mu.Unlock()

	if n <= 0 && s.onIdle != nil {
		s.onIdle(key)
	}
}

func (s *Store) removeLocked(e *Entry) {
	s.tiers[e.Priority].Remove(e.Key)
	delete(s.entries, e.Key)
}

func (s *Store) evictLocked() []Entry {
	var evicted []Entry
	for len(s.entries) > s.capacity {
		key, ok := s.victimLocked()
		if !ok {
			break
		}
		e := s.entries[key]
		s.removeLocked(e)
		evicted = append(evicted, *e)
	}
	return evicted
}

// victimLocked picks the oldest key without a fetch in flight from the
// lowest non-empty tier. When every key of that tier is being fetched there
// is no victim and the store runs over capacity until a later write trims it.
func (s *Store) victimLocked() (Key, bool) {
	for _, tier := range s.tiers {
		if tier.Len() == 0 {
			continue
		}
		for _, k := range tier.Keys() {
			if s.fetching[k] == 0 {
				return k, true
			}
		}
		return Key{}, false
	}
	return Key{}, false
}
