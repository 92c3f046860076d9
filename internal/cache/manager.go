package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"quotecache/internal/metrics"
	"quotecache/internal/provider"
	"quotecache/internal/provider/synthetic"
)

// Manager is the cache facade. It owns the store, the executor, the refresh
// queue and the subscriber hub.
type Manager struct {
	store        *Store
	exec         *Executor
	queue        *RefreshQueue
	hub          *Hub
	policy       *Policy
	clock        clock.Clock
	fallback     Fallback
	fetchTimeout time.Duration
	metrics      *metrics.Metrics
	counters     *counters

	mu         sync.RWMutex
	overrides  map[Key]Priority
	active     map[string]struct{}
	watchlist  map[string]struct{}
	highVolume map[string]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a manager fetching through links in order and starts its
// background loops. Close releases them.
func New(links []Link, options ...Option) (*Manager, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, errors.New("no providers configured")
	}

	policy, err := NewPolicy(opts.policy)
	if err != nil {
		return nil, fmt.Errorf("ttl policy: %w", err)
	}
	store, err := NewStore(opts.capacity, policy, opts.clock)
	if err != nil {
		return nil, err
	}
	fallback := opts.fallback
	if fallback == nil {
		fallback = synthetic.New(synthetic.Config{})
	}
	exec, err := NewExecutor(links, fallback, opts.executor)
	if err != nil {
		return nil, err
	}
	exec.metrics = opts.metrics

	m := &Manager{
		store:        store,
		exec:         exec,
		hub:          NewHub(opts.subscriberBuffer),
		policy:       policy,
		clock:        opts.clock,
		fallback:     fallback,
		fetchTimeout: opts.fetchTimeout,
		metrics:      opts.metrics,
		counters:     newCounters(),
		overrides:    make(map[Key]Priority),
		active:       make(map[string]struct{}),
		watchlist:    make(map[string]struct{}),
		highVolume:   make(map[string]struct{}),
	}
	m.hub.onDrop = m.metrics.SubscriberDropped
	m.queue = NewRefreshQueue(store, m.refreshKey, opts.clock, opts.refresh)
	m.queue.metrics = opts.metrics
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if !opts.refreshDisabled {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.queue.Run(m.ctx)
		}()
	}

	log.Infow("Quote cache started", "providers", exec.Providers(), "capacity", opts.capacity,
		"fetchTimeout", opts.fetchTimeout)
	return m, nil
}

// Close stops the refresh loop and the executor and ends every subscription.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		m.exec.Close()
		m.hub.Close()
		log.Info("Quote cache stopped")
	})
	return nil
}

func (m *Manager) closed() bool { return m.ctx.Err() != nil }

// GetForTrading returns a quote fit for order decisions. A fresh entry is
// returned from memory. Otherwise the caller waits for the fetch up to the
// fetch timeout and then gets the previous value marked stale, or a
// synthetic snapshot when nothing was cached.
func (m *Manager) GetForTrading(ctx context.Context, symbol string) (provider.Snapshot, error) {
	return m.Get(ctx, symbol, UseCaseActivePosition)
}

// GetForAnalysis returns whatever is cached, even expired, and refreshes
// stale entries in the background.
func (m *Manager) GetForAnalysis(ctx context.Context, symbol string) (provider.Snapshot, error) {
	return m.Get(ctx, symbol, UseCaseResearch)
}

// Get reads symbol for useCase. Real-time use cases have trading semantics,
// the others analysis semantics.
func (m *Manager) Get(ctx context.Context, symbol string, useCase UseCase) (provider.Snapshot, error) {
	key, err := NewKey(symbol, useCase)
	if err != nil {
		return provider.Snapshot{}, err
	}
	return m.get(ctx, key)
}

func (m *Manager) get(ctx context.Context, key Key) (provider.Snapshot, error) {
	if m.closed() {
		return provider.Snapshot{}, ErrClosed
	}
	if key.UseCase.RealTime() {
		return m.getForTrading(ctx, key)
	}
	return m.getForAnalysis(ctx, key)
}

func (m *Manager) getForTrading(ctx context.Context, key Key) (provider.Snapshot, error) {
	e, ok := m.store.Get(key)
	if ok && e.Fresh(m.clock.Now()) {
		m.hit()
		return e.Snapshot, nil
	}
	m.miss()
	return m.await(ctx, key, e, ok)
}

func (m *Manager) getForAnalysis(ctx context.Context, key Key) (provider.Snapshot, error) {
	e, ok := m.store.Get(key)
	if !ok {
		m.miss()
		return m.await(ctx, key, Entry{}, false)
	}
	if e.Fresh(m.clock.Now()) {
		m.hit()
		return e.Snapshot, nil
	}

	m.miss()
	if !m.queue.ScheduleNow(key, e.Priority) {
		m.fetch(key, true)
	}
	return m.stale(e), nil
}

// await waits for the deduplicated fetch of key for at most the fetch
// timeout.
func (m *Manager) await(ctx context.Context, key Key, prior Entry, hasPrior bool) (provider.Snapshot, error) {
	ch := m.fetch(key, false)
	timer := time.NewTimer(m.fetchTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.Err == nil {
			return r.Val.(Entry).Snapshot, nil
		}
		if errors.Is(r.Err, ErrClosed) {
			return provider.Snapshot{}, ErrClosed
		}
		log.Warnw("Fetch failed", "key", key.String(), "err", r.Err)
	case <-timer.C:
		log.Debugw("Fetch timed out", "key", key.String(), "timeout", m.fetchTimeout)
	case <-ctx.Done():
	}

	if hasPrior {
		return m.stale(prior), nil
	}
	return m.fallback.Synthesize(key.Symbol, nil), nil
}

func (m *Manager) stale(e Entry) provider.Snapshot {
	m.counters.staleServed.Add(1)
	m.metrics.Request("stale")
	s := e.Snapshot
	s.Stale = true
	return s
}

func (m *Manager) hit() {
	m.counters.hits.Add(1)
	m.metrics.Request("hit")
}

func (m *Manager) miss() {
	m.counters.misses.Add(1)
	m.metrics.Request("miss")
}

// fetch starts or joins the single outstanding fetch for key. The fetch
// runs on the manager's context so callers giving up never cancel it.
// Unless force is set, an entry made fresh by a fetch that completed in the
// meantime is returned as is.
func (m *Manager) fetch(key Key, force bool) <-chan singleflight.Result {
	return m.store.Fetch(key, func() (Entry, error) {
		var prior *provider.Snapshot
		if e, ok := m.store.Get(key); ok {
			if !force && e.Fresh(m.clock.Now()) {
				return e, nil
			}
			s := e.Snapshot
			prior = &s
		}
		snap, err := m.exec.Fetch(m.ctx, key.Symbol, prior)
		if err != nil {
			if m.closed() {
				return Entry{}, ErrClosed
			}
			return Entry{}, err
		}
		return m.apply(key, snap), nil
	})
}

// refreshKey is the refresh queue's path into the fetch pipeline.
func (m *Manager) refreshKey(ctx context.Context, key Key) error {
	select {
	case r := <-m.fetch(key, true):
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) apply(key Key, snap provider.Snapshot) Entry {
	res := m.store.Apply(key, snap, m.priorityFor(key))
	now := m.clock.Now()

	kind := EventUpdated
	if res.Invalidated {
		kind = EventInvalidated
		m.counters.invalidations.Add(1)
		m.metrics.Invalidated(res.Reason)
		log.Infow("Entry invalidated", "key", key.String(), "reason", res.Reason, "price", snap.Price.String())
		m.queue.ScheduleNow(key, res.Entry.Priority)
	}
	m.publish(ChangeEvent{Key: key, Kind: kind, Snapshot: res.Entry.Snapshot, Reason: res.Reason, At: now})

	for _, ev := range res.Evicted {
		m.queue.Cancel(ev.Key)
		m.counters.evictions.Add(1)
		log.Debugw("Entry evicted", "key", ev.Key.String(), "priority", ev.Priority.String())
		m.publish(ChangeEvent{Key: ev.Key, Kind: EventEvicted, Snapshot: ev.Snapshot, At: now})
	}
	m.metrics.Evicted(len(res.Evicted))
	m.metrics.SetEntries(m.store.Len())
	return res.Entry
}

func (m *Manager) publish(ev ChangeEvent) {
	m.hub.Publish(ev)
	m.metrics.Published(string(ev.Kind))
}

func (m *Manager) priorityFor(key Key) Priority {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if pr, ok := m.overrides[key]; ok {
		return pr
	}
	return m.policy.DefaultPriority(key.UseCase)
}

// GetBatch reads every symbol for useCase in parallel. All symbols are
// validated before anything is fetched.
func (m *Manager) GetBatch(ctx context.Context, symbols []string, useCase UseCase) (map[string]provider.Snapshot, error) {
	keys := make([]Key, 0, len(symbols))
	seen := make(map[Key]struct{}, len(symbols))
	for _, s := range symbols {
		key, err := NewKey(s, useCase)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return m.getKeys(ctx, keys)
}

// GetPortfolio reads every symbol with the use case derived from the
// position, high-volume and watchlist sets.
func (m *Manager) GetPortfolio(ctx context.Context, symbols []string) (map[string]provider.Snapshot, error) {
	keys := make([]Key, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		sym, err := NormalizeSymbol(s)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		keys = append(keys, Key{Symbol: sym, UseCase: m.UseCaseFor(sym)})
	}
	return m.getKeys(ctx, keys)
}

func (m *Manager) getKeys(ctx context.Context, keys []Key) (map[string]provider.Snapshot, error) {
	var (
		mu  sync.Mutex
		out = make(map[string]provider.Snapshot, len(keys))
		g   errgroup.Group
	)
	for _, key := range keys {
		g.Go(func() error {
			s, err := m.get(ctx, key)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			mu.Lock()
			out[key.Symbol] = s
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// UseCaseFor classifies a symbol by the sets maintained with
// SetActivePosition, SetHighVolume and SetWatchlist.
func (m *Manager) UseCaseFor(symbol string) UseCase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch {
	case has(m.active, symbol):
		return UseCaseActivePosition
	case has(m.highVolume, symbol):
		return UseCaseHighVolume
	case has(m.watchlist, symbol):
		return UseCaseWatchlist
	default:
		return UseCaseResearch
	}
}

func has(set map[string]struct{}, s string) bool {
	_, ok := set[s]
	return ok
}

// SetPriority overrides the priority of key. The live entry is moved to the
// new tier with its expiry recomputed, and its queued refresh is cancelled.
func (m *Manager) SetPriority(symbol string, useCase UseCase, pr Priority) error {
	key, err := NewKey(symbol, useCase)
	if err != nil {
		return err
	}
	if !pr.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownPriority, pr)
	}

	m.mu.Lock()
	m.overrides[key] = pr
	m.mu.Unlock()

	if e, ok := m.store.SetPriority(key, pr); ok {
		m.queue.Cancel(key)
		log.Debugw("Priority changed", "key", key.String(), "priority", pr.String(), "expiresAt", e.ExpiresAt)
	}
	return nil
}

// SetActivePosition adds or removes symbol from the open positions and
// prefetches it when added.
func (m *Manager) SetActivePosition(symbol string, active bool) error {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if active {
		m.active[sym] = struct{}{}
	} else {
		delete(m.active, sym)
	}
	m.mu.Unlock()

	if active {
		m.prefetch(Key{Symbol: sym, UseCase: UseCaseActivePosition})
	}
	return nil
}

// SetWatchlist replaces the watchlist.
func (m *Manager) SetWatchlist(symbols []string) error {
	return m.replaceSet(&m.watchlist, symbols, UseCaseWatchlist)
}

// SetHighVolume replaces the set of high-volume symbols.
func (m *Manager) SetHighVolume(symbols []string) error {
	return m.replaceSet(&m.highVolume, symbols, UseCaseHighVolume)
}

func (m *Manager) replaceSet(set *map[string]struct{}, symbols []string, useCase UseCase) error {
	next := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		sym, err := NormalizeSymbol(s)
		if err != nil {
			return err
		}
		next[sym] = struct{}{}
	}

	m.mu.Lock()
	*set = next
	m.mu.Unlock()

	for sym := range next {
		m.prefetch(Key{Symbol: sym, UseCase: useCase})
	}
	return nil
}

func (m *Manager) prefetch(key Key) {
	if e, ok := m.store.Get(key); ok && e.Fresh(m.clock.Now()) {
		return
	}
	m.queue.ScheduleNow(key, m.priorityFor(key))
}

// Invalidate removes symbol's entry for useCase, or for every use case when
// useCase is empty. It returns the number of removed entries.
func (m *Manager) Invalidate(symbol string, useCase UseCase, reason string) (int, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return 0, err
	}
	useCases := UseCases
	if useCase != "" {
		uc, err := ParseUseCase(string(useCase))
		if err != nil {
			return 0, err
		}
		useCases = []UseCase{uc}
	}
	if reason == "" {
		reason = ReasonManual
	}

	n := 0
	now := m.clock.Now()
	for _, uc := range useCases {
		key := Key{Symbol: sym, UseCase: uc}
		e, ok := m.store.Remove(key)
		if !ok {
			continue
		}
		n++
		m.queue.Cancel(key)
		m.counters.invalidations.Add(1)
		m.metrics.Invalidated(reason)
		m.publish(ChangeEvent{Key: key, Kind: EventInvalidated, Snapshot: e.Snapshot, Reason: reason, At: now})
	}
	if n > 0 {
		log.Infow("Invalidated cache entries", "symbol", sym, "count", n, "reason", reason)
		m.metrics.SetEntries(m.store.Len())
	}
	return n, nil
}

// Subscribe registers a change listener. See Hub.Subscribe for filters.
func (m *Manager) Subscribe(filter string) (*Subscription, error) {
	return m.hub.Subscribe(filter)
}

// Entry returns the cached entry for key without fetching.
func (m *Manager) Entry(symbol string, useCase UseCase) (Entry, bool) {
	key, err := NewKey(symbol, useCase)
	if err != nil {
		return Entry{}, false
	}
	return m.store.Get(key)
}

// RunRefresh scans the store and runs due refresh tasks now, waiting for
// them to finish.
func (m *Manager) RunRefresh(ctx context.Context) int {
	m.queue.Scan()
	n := m.queue.RunDue(ctx)
	m.queue.wait()
	return n
}

// Stats returns a snapshot of the cache counters.
func (m *Manager) Stats() Stats {
	s := m.counters.snapshot()
	e := m.exec.counters.snapshot()
	s.Fallbacks = e.Fallbacks
	s.ProviderDistribution = e.ProviderDistribution
	s.ProviderFailures = e.ProviderFailures
	s.Size = m.store.Len()
	s.Capacity = m.store.Capacity()
	s.Subscribers = m.hub.Len()
	s.DroppedEvents = m.hub.Dropped()
	s.Refresh = m.queue.Stats()
	return s
}
