package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"quotecache/internal/aggregate"
	"quotecache/internal/metrics"
	"quotecache/internal/provider"
)

// Link is one provider in the fallback chain.
type Link struct {
	Provider provider.Provider
	// Timeout bounds a single attempt. Zero uses ExecutorConfig.AttemptTimeout.
	Timeout time.Duration
}

// Fallback produces a snapshot when every provider in the chain failed.
type Fallback interface {
	Synthesize(symbol string, prior *provider.Snapshot) provider.Snapshot
}

// RetryPolicy is the per-provider retry budget. Attempt n waits
// min(BaseDelay * 2^(n-1), MaxDelay) with jitter before running.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (r RetryPolicy) backOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.BaseDelay
	bo.MaxInterval = r.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.Reset()
	return bo
}

// ExecutorConfig controls batching, concurrency and retries.
type ExecutorConfig struct {
	// Workers bounds how many batches run at once.
	Workers int
	// BatchSize flushes a window early when this many requests are queued.
	BatchSize int
	// BatchWindow is how long the first request of a window waits for
	// company. Zero flushes whatever is queued immediately.
	BatchWindow    time.Duration
	AttemptTimeout time.Duration
	Retry          RetryPolicy
	// BreakerFailures trips a provider's breaker after that many consecutive
	// failed attempts. Zero disables the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// DefaultExecutorConfig returns the production defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Workers:        4,
		BatchSize:      10,
		BatchWindow:    25 * time.Millisecond,
		AttemptTimeout: 5 * time.Second,
		Retry: RetryPolicy{
			MaxRetries: 3,
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

func (c *ExecutorConfig) normalize() {
	def := DefaultExecutorConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchWindow < 0 {
		c.BatchWindow = 0
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		c.Retry.MaxDelay = c.Retry.BaseDelay
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = def.BreakerCooldown
	}
}

type chainLink struct {
	provider provider.Provider
	name     string
	timeout  time.Duration
	breaker  *gobreaker.CircuitBreaker
}

func (l *chainLink) call(ctx context.Context, symbols []string) ([]provider.Snapshot, error) {
	if l.breaker == nil {
		return l.provider.Fetch(ctx, symbols)
	}
	v, err := l.breaker.Execute(func() (interface{}, error) {
		return l.provider.Fetch(ctx, symbols)
	})
	if err != nil {
		return nil, err
	}
	snaps, _ := v.([]provider.Snapshot)
	return snaps, nil
}

type fetchRequest struct {
	symbol string
	prior  *provider.Snapshot
	result chan fetchResult
}

type fetchResult struct {
	snap provider.Snapshot
	err  error
}

// Executor groups fetch requests into windows and runs each window through
// the provider chain on a bounded pool.
type Executor struct {
	cfg      ExecutorConfig
	links    []*chainLink
	fallback Fallback
	sem      *semaphore.Weighted
	requests chan *fetchRequest

	counters *counters
	metrics  *metrics.Metrics

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewExecutor starts an executor. links are tried in order; fallback answers
// whatever the chain could not.
func NewExecutor(links []Link, fallback Fallback, cfg ExecutorConfig) (*Executor, error) {
	if fallback == nil {
		return nil, errors.New("fallback is required")
	}
	cfg.normalize()

	e := &Executor{
		cfg:      cfg,
		fallback: fallback,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		requests: make(chan *fetchRequest),
		counters: newCounters(),
	}
	for i, l := range links {
		if l.Provider == nil {
			return nil, fmt.Errorf("link %d has no provider", i)
		}
		cl := &chainLink{provider: l.Provider, name: l.Provider.Name(), timeout: l.Timeout}
		if cl.timeout <= 0 {
			cl.timeout = cfg.AttemptTimeout
		}
		if cfg.BreakerFailures > 0 {
			cl.breaker = newBreaker(cl.name, cfg.BreakerFailures, cfg.BreakerCooldown)
		}
		e.links = append(e.links, cl)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.collect()
	return e, nil
}

func newBreaker(name string, failures uint32, cooldown time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Infow("Provider breaker changed state", "provider", name, "from", from.String(), "to", to.String())
		},
	})
}

// Providers returns the chain names in order.
func (e *Executor) Providers() []string {
	names := make([]string, len(e.links))
	for i, l := range e.links {
		names[i] = l.name
	}
	return names
}

// Fetch queues symbol for the next window and waits for its snapshot.
// Once queued the fetch is not cancelled by ctx; ctx only bounds the wait.
func (e *Executor) Fetch(ctx context.Context, symbol string, prior *provider.Snapshot) (provider.Snapshot, error) {
	req := &fetchRequest{symbol: symbol, prior: prior, result: make(chan fetchResult, 1)}
	select {
	case e.requests <- req:
	case <-e.ctx.Done():
		return provider.Snapshot{}, ErrClosed
	case <-ctx.Done():
		return provider.Snapshot{}, ctx.Err()
	}

	select {
	case r := <-req.result:
		return r.snap, r.err
	case <-ctx.Done():
		return provider.Snapshot{}, ctx.Err()
	}
}

// Close stops the collector and waits for running batches.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
	})
}

func (e *Executor) collect() {
	defer e.wg.Done()

	var (
		batch  []*fetchRequest
		timer  *time.Timer
		timerC <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(batch) == 0 {
			return
		}
		e.dispatch(batch)
		batch = nil
	}

	for {
		select {
		case <-e.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			failAll(batch, ErrClosed)
			return

		case req := <-e.requests:
			batch = append(batch, req)
			if e.cfg.BatchWindow == 0 {
				batch = e.drain(batch)
				flush()
				continue
			}
			if len(batch) >= e.cfg.BatchSize {
				flush()
				continue
			}
			if timerC == nil {
				timer = time.NewTimer(e.cfg.BatchWindow)
				timerC = timer.C
			}

		case <-timerC:
			timer, timerC = nil, nil
			flush()
		}
	}
}

// drain takes requests that are already waiting, up to the batch size.
func (e *Executor) drain(batch []*fetchRequest) []*fetchRequest {
	for len(batch) < e.cfg.BatchSize {
		select {
		case req := <-e.requests:
			batch = append(batch, req)
		default:
			return batch
		}
	}
	return batch
}

func (e *Executor) dispatch(batch []*fetchRequest) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			failAll(batch, ErrClosed)
			return
		}
		defer e.sem.Release(1)
		e.execute(batch)
	}()
}

func failAll(batch []*fetchRequest, err error) {
	for _, req := range batch {
		req.result <- fetchResult{err: err}
	}
}

func (e *Executor) execute(batch []*fetchRequest) {
	symbols := make([]string, 0, len(batch))
	priors := make(map[string]*provider.Snapshot, len(batch))
	for _, req := range batch {
		if _, ok := priors[req.symbol]; !ok {
			symbols = append(symbols, req.symbol)
			priors[req.symbol] = req.prior
		} else if priors[req.symbol] == nil {
			priors[req.symbol] = req.prior
		}
	}

	got := make(map[string]provider.Snapshot, len(symbols))
	remaining := symbols
	var chainErr *multierror.Error
	for _, l := range e.links {
		if len(remaining) == 0 {
			break
		}
		snaps, err := e.fetchFrom(l, remaining)
		if err != nil {
			chainErr = multierror.Append(chainErr, err)
			continue
		}

		latest := aggregate.LatestBySymbol(snaps)
		missing := make([]string, 0, len(remaining))
		for _, sym := range remaining {
			s, ok := latest[sym]
			if !ok || !s.Price.IsPositive() {
				missing = append(missing, sym)
				continue
			}
			s.Symbol = sym
			if s.Source == "" {
				s.Source = l.name
			}
			if s.Timestamp.IsZero() {
				s.Timestamp = time.Now().UTC()
			}
			s.Confidence = provider.ConfidenceNormal
			s.Stale = false
			got[sym] = s
			e.counters.served(s.Source, 1)
		}
		if len(missing) > 0 {
			chainErr = multierror.Append(chainErr, fmt.Errorf("%s: no data for %v", l.name, missing))
		}
		remaining = missing
	}

	if len(remaining) > 0 {
		log.Warnw("Using synthetic data", "symbols", remaining,
			"err", fmt.Errorf("%w: %v", provider.ErrAllProvidersExhausted, chainErr.ErrorOrNil()))
		for _, sym := range remaining {
			s := e.fallback.Synthesize(sym, priors[sym])
			got[sym] = s
			e.counters.served(s.Source, 1)
		}
		e.counters.fallbacks.Add(uint64(len(remaining)))
		e.metrics.Fallback(len(remaining))
	}

	for _, req := range batch {
		req.result <- fetchResult{snap: got[req.symbol]}
	}
}

// fetchFrom calls one provider with retries. Permanent errors and an open
// breaker end the attempts immediately.
func (e *Executor) fetchFrom(l *chainLink, symbols []string) ([]provider.Snapshot, error) {
	attempt := 0
	op := func() ([]provider.Snapshot, error) {
		attempt++
		ctx, cancel := context.WithTimeout(e.ctx, l.timeout)
		defer cancel()

		start := time.Now()
		snaps, err := l.call(ctx, symbols)
		elapsed := time.Since(start).Seconds()
		if err == nil {
			e.metrics.ProviderAttempt(l.name, "ok", elapsed)
			return snaps, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			e.metrics.ProviderAttempt(l.name, "breaker_open", elapsed)
			return nil, backoff.Permanent(provider.Transient(l.name, err))
		}
		e.metrics.ProviderAttempt(l.name, provider.KindOf(err).String(), elapsed)
		e.counters.failed(l.name)
		if e.ctx.Err() != nil {
			return nil, backoff.Permanent(ErrClosed)
		}
		if !provider.Retryable(err) {
			return nil, backoff.Permanent(err)
		}
		log.Debugw("Provider attempt failed", "provider", l.name, "attempt", attempt, "err", err)
		return nil, err
	}

	snaps, err := backoff.Retry(e.ctx, op,
		backoff.WithBackOff(e.cfg.Retry.backOff()),
		backoff.WithMaxTries(uint(e.cfg.Retry.MaxRetries+1)),
	)
	if err != nil {
		return nil, fmt.Errorf("%s after %d attempts: %w", l.name, attempt, err)
	}
	return snaps, nil
}
