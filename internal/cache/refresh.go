package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	pq "github.com/ipfs/go-ipfs-pq"
	"quotecache/internal/metrics"
)

// RefreshConfig controls the background refresh loop.
type RefreshConfig struct {
	// Interval between store scans.
	Interval time.Duration
	// LeadFraction of the TTL before expiry at which an entry is refreshed.
	LeadFraction float64
	// MinPriority is the lowest priority refreshed ahead of expiry.
	MinPriority Priority
	// QueueSize bounds the number of pending tasks.
	QueueSize int
	// MaxAttempts is how many times a failing task runs before it is dropped.
	MaxAttempts int
	// RetryDelay is multiplied by the attempt count to delay a failed task.
	RetryDelay time.Duration
}

// DefaultRefreshConfig returns the production defaults.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		Interval:     5 * time.Second,
		LeadFraction: 0.2,
		MinPriority:  PriorityHigh,
		QueueSize:    500,
		MaxAttempts:  3,
		RetryDelay:   5 * time.Second,
	}
}

func (c *RefreshConfig) normalize() {
	def := DefaultRefreshConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.LeadFraction <= 0 || c.LeadFraction >= 1 {
		c.LeadFraction = def.LeadFraction
	}
	if !c.MinPriority.valid() {
		c.MinPriority = def.MinPriority
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
}

// RefreshTask is a pending refresh of one key.
type RefreshTask struct {
	Key      Key
	Priority Priority
	DueAt    time.Time
	Attempts int

	// existed is set when the entry was cached at schedule time; such a task
	// is cancelled if the entry disappears before it runs.
	existed bool
	index   int
}

func (t *RefreshTask) SetIndex(i int) { t.index = i }
func (t *RefreshTask) Index() int     { return t.index }

// taskBefore orders by priority, highest first, then by due time.
func taskBefore(a, b pq.Elem) bool {
	ta, tb := a.(*RefreshTask), b.(*RefreshTask)
	if ta.Priority != tb.Priority {
		return ta.Priority > tb.Priority
	}
	return ta.DueAt.Before(tb.DueAt)
}

// RefreshFunc refreshes one key through the deduplicated fetch path.
type RefreshFunc func(ctx context.Context, key Key) error

// RefreshStats counts refresh queue activity.
type RefreshStats struct {
	Pending   int    `json:"pending"`
	Scheduled uint64 `json:"scheduled"`
	Merged    uint64 `json:"merged"`
	Dropped   uint64 `json:"dropped"`
	Executed  uint64 `json:"executed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Skipped   uint64 `json:"skipped"`
}

// RefreshQueue keeps at most one task per key, ordered by priority and due
// time, and runs due tasks from a ticker driven loop.
type RefreshQueue struct {
	cfg     RefreshConfig
	store   *Store
	refresh RefreshFunc
	clock   clock.Clock
	metrics *metrics.Metrics

	mu      sync.Mutex
	pq      pq.PQ
	tasks   map[Key]*RefreshTask
	running map[Key]struct{}

	wake chan struct{}
	wg   sync.WaitGroup

	scheduled atomic.Uint64
	merged    atomic.Uint64
	dropped   atomic.Uint64
	executed  atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	skipped   atomic.Uint64
}

// NewRefreshQueue creates a queue over store. Run starts it.
func NewRefreshQueue(store *Store, refresh RefreshFunc, clk clock.Clock, cfg RefreshConfig) *RefreshQueue {
	cfg.normalize()
	if clk == nil {
		clk = clock.New()
	}
	q := &RefreshQueue{
		cfg:     cfg,
		store:   store,
		refresh: refresh,
		clock:   clk,
		pq:      pq.New(taskBefore),
		tasks:   make(map[Key]*RefreshTask),
		running: make(map[Key]struct{}),
		wake:    make(chan struct{}, 1),
	}
	store.onIdle = q.fetchDone
	return q
}

// Run scans and executes until ctx is done, then waits for running tasks.
func (q *RefreshQueue) Run(ctx context.Context) {
	ticker := q.clock.Ticker(q.cfg.Interval)
	defer ticker.Stop()
	defer q.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Scan()
			q.RunDue(ctx)
		case <-q.wake:
			q.RunDue(ctx)
		}
	}
}

// Schedule queues a refresh of key. A key already queued is merged: the
// higher priority and the earlier due time win. It returns false when the
// queue is full.
func (q *RefreshQueue) Schedule(key Key, pr Priority, dueAt time.Time) bool {
	_, existed := q.store.Get(key)

	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.tasks[key]; ok {
		changed := false
		if pr > t.Priority {
			t.Priority = pr
			changed = true
		}
		if dueAt.Before(t.DueAt) {
			t.DueAt = dueAt
			changed = true
		}
		t.existed = t.existed || existed
		if changed {
			q.pq.Update(t.index)
		}
		q.merged.Add(1)
		return true
	}

	if q.pq.Len() >= q.cfg.QueueSize {
		q.dropped.Add(1)
		log.Warnw("Refresh queue full, dropping task", "key", key.String(), "size", q.pq.Len())
		return false
	}

	t := &RefreshTask{Key: key, Priority: pr, DueAt: dueAt, existed: existed}
	q.pq.Push(t)
	q.tasks[key] = t
	q.scheduled.Add(1)
	return true
}

// ScheduleNow queues key as due immediately and wakes the loop.
func (q *RefreshQueue) ScheduleNow(key Key, pr Priority) bool {
	ok := q.Schedule(key, pr, q.clock.Now())
	if ok {
		q.signal()
	}
	return ok
}

// fetchDone wakes the loop when a due task was held back by the fetch that
// just finished, so a refresh scheduled from inside a fetch does not wait
// for the next tick.
func (q *RefreshQueue) fetchDone(key Key) {
	q.mu.Lock()
	t, ok := q.tasks[key]
	due := ok && !t.DueAt.After(q.clock.Now())
	q.mu.Unlock()
	if due {
		q.signal()
	}
}

func (q *RefreshQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Cancel removes the queued task for key.
func (q *RefreshQueue) Cancel(key Key) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[key]
	if !ok {
		return false
	}
	q.pq.Remove(t.index)
	delete(q.tasks, key)
	q.cancelled.Add(1)
	q.metrics.RefreshTask("cancelled")
	return true
}

// Len returns the number of pending tasks.
func (q *RefreshQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// Stats returns the queue counters.
func (q *RefreshQueue) Stats() RefreshStats {
	return RefreshStats{
		Pending:   q.Len(),
		Scheduled: q.scheduled.Load(),
		Merged:    q.merged.Load(),
		Dropped:   q.dropped.Load(),
		Executed:  q.executed.Load(),
		Failed:    q.failed.Load(),
		Cancelled: q.cancelled.Load(),
		Skipped:   q.skipped.Load(),
	}
}

// Scan queues every entry that needs a refresh: entries at or above the
// minimum priority inside the lead window, degraded entries at or above the
// minimum priority, and invalidated entries of any priority.
func (q *RefreshQueue) Scan() int {
	now := q.clock.Now()
	n := 0
	for _, e := range q.store.Entries() {
		if q.store.Fetching(e.Key) {
			continue
		}
		lead := q.lead(e)
		due := e.ExpiresAt.Add(-lead)
		switch {
		case e.State == StateInvalidated:
			due = now
		case e.Priority < q.cfg.MinPriority:
			continue
		case e.State == StateDegraded:
			due = now
		case due.After(now):
			continue
		}
		if q.Schedule(e.Key, e.Priority, due) {
			n++
		}
	}
	return n
}

func (q *RefreshQueue) lead(e Entry) time.Duration {
	return time.Duration(float64(e.TTL()) * q.cfg.LeadFraction)
}

// RunDue starts every task whose due time has passed, highest priority
// first. Tasks for keys with a fetch in flight stay queued.
func (q *RefreshQueue) RunDue(ctx context.Context) int {
	now := q.clock.Now()

	q.mu.Lock()
	var due, later []*RefreshTask
	for q.pq.Len() > 0 {
		t := q.pq.Pop().(*RefreshTask)
		_, busy := q.running[t.Key]
		if busy || t.DueAt.After(now) || q.store.Fetching(t.Key) {
			later = append(later, t)
			continue
		}
		delete(q.tasks, t.Key)
		q.running[t.Key] = struct{}{}
		due = append(due, t)
	}
	for _, t := range later {
		q.pq.Push(t)
	}
	q.mu.Unlock()

	for _, t := range due {
		q.execute(ctx, t, now)
	}
	return len(due)
}

func (q *RefreshQueue) execute(ctx context.Context, t *RefreshTask, now time.Time) {
	e, ok := q.store.Get(t.Key)
	switch {
	case !ok && t.existed, ok && e.Priority != t.Priority:
		q.done(t.Key)
		q.cancelled.Add(1)
		q.metrics.RefreshTask("cancelled")
		return
	case ok && e.Fresh(now) && e.Remaining(now) > q.lead(e):
		q.done(t.Key)
		q.skipped.Add(1)
		q.metrics.RefreshTask("skipped")
		return
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		err := q.refresh(ctx, t.Key)
		q.done(t.Key)
		if err == nil {
			q.executed.Add(1)
			q.metrics.RefreshTask("ok")
			return
		}

		q.failed.Add(1)
		q.metrics.RefreshTask("failed")
		t.Attempts++
		if t.Attempts >= q.cfg.MaxAttempts || ctx.Err() != nil {
			log.Warnw("Refresh failed, giving up", "key", t.Key.String(), "attempts", t.Attempts, "err", err)
			return
		}
		log.Debugw("Refresh failed, rescheduling", "key", t.Key.String(), "attempts", t.Attempts, "err", err)
		q.reschedule(t)
	}()
}

func (q *RefreshQueue) reschedule(t *RefreshTask) {
	due := q.clock.Now().Add(q.cfg.RetryDelay * time.Duration(t.Attempts))
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[t.Key]; ok || q.pq.Len() >= q.cfg.QueueSize {
		return
	}
	retry := &RefreshTask{Key: t.Key, Priority: t.Priority, DueAt: due, Attempts: t.Attempts, existed: t.existed}
	q.pq.Push(retry)
	q.tasks[t.Key] = retry
}

func (q *RefreshQueue) done(key Key) {
	q.mu.Lock()
	delete(q.running, key)
	q.mu.Unlock()
}

// wait blocks until launched tasks finish.
func (q *RefreshQueue) wait() { q.wg.Wait() }
