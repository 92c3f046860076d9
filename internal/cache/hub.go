package cache

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/channelqueue"
	"github.com/google/uuid"
	"quotecache/internal/provider"
)

// EventKind is the type of change a subscriber is told about.
type EventKind string

const (
	EventUpdated     EventKind = "updated"
	EventInvalidated EventKind = "invalidated"
	EventEvicted     EventKind = "evicted"
)

// ChangeEvent is delivered to subscribers whose filter matches Key.
type ChangeEvent struct {
	Key      Key               `json:"key"`
	Kind     EventKind         `json:"kind"`
	Snapshot provider.Snapshot `json:"snapshot"`
	Reason   string            `json:"reason,omitempty"`
	At       time.Time         `json:"at"`
}

// Subscription receives change events until Unsubscribe is called.
type Subscription struct {
	ID     string
	Filter string

	hub     *Hub
	pattern string
	cq      *channelqueue.ChannelQueue[ChangeEvent]
	in      chan<- ChangeEvent
	closed  bool
}

// Events returns the channel events are delivered on. It is closed after
// Unsubscribe once buffered events have been drained.
func (s *Subscription) Events() <-chan ChangeEvent { return s.cq.Out() }

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *Subscription) Unsubscribe() { s.hub.remove(s) }

func (s *Subscription) matches(k Key) bool {
	if s.pattern == "" || s.pattern == "*" {
		return true
	}
	if ok, _ := path.Match(s.pattern, k.Symbol); ok {
		return true
	}
	ok, _ := path.Match(s.pattern, strings.ToUpper(k.String()))
	return ok
}

// Hub fans change events out to subscribers. Every subscriber has its own
// bounded ring: when it is full the oldest event is dropped, so a slow
// reader never blocks the publisher.
type Hub struct {
	mu       sync.Mutex
	subs     map[string]*Subscription
	capacity int
	closed   bool
	onDrop   func()

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub whose subscribers buffer up to capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 64
	}
	return &Hub{subs: make(map[string]*Subscription), capacity: capacity}
}

// Subscribe registers a subscriber. filter is an exact symbol, an exact
// "SYMBOL|use_case" key, "*" or a glob such as "AA*".
func (h *Hub) Subscribe(filter string) (*Subscription, error) {
	pattern := strings.ToUpper(strings.TrimSpace(filter))
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidFilter, filter, err)
	}

	cq := channelqueue.NewRing[ChangeEvent](h.capacity)
	sub := &Subscription{
		ID:      uuid.NewString(),
		Filter:  filter,
		hub:     h,
		pattern: pattern,
		cq:      cq,
		in:      cq.In(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.in)
		return nil, ErrClosed
	}
	h.subs[sub.ID] = sub
	log.Debugw("Subscriber added", "id", sub.ID, "filter", filter)
	return sub, nil
}

// Publish delivers ev to every matching subscriber.
func (h *Hub) Publish(ev ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if !sub.matches(ev.Key) {
			continue
		}
		if sub.cq.Len() >= h.capacity {
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
		sub.in <- ev
	}
	h.published.Add(1)
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many events were discarded because a ring was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Published returns how many events were published.
func (h *Hub) Published() uint64 { return h.published.Load() }

// Close unsubscribes everybody.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		sub.closed = true
		close(sub.in)
		delete(h.subs, id)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.in)
	delete(h.subs, sub.ID)
	log.Debugw("Subscriber removed", "id", sub.ID)
}
