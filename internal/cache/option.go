package cache

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"quotecache/internal/metrics"
)

const (
	defaultCapacity         = 1000
	defaultFetchTimeout     = 3 * time.Second
	defaultSubscriberBuffer = 64
)

type config struct {
	capacity         int
	clock            clock.Clock
	executor         ExecutorConfig
	fallback         Fallback
	fetchTimeout     time.Duration
	metrics          *metrics.Metrics
	policy           PolicyConfig
	refresh          RefreshConfig
	refreshDisabled  bool
	subscriberBuffer int
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		capacity:         defaultCapacity,
		clock:            clock.New(),
		executor:         DefaultExecutorConfig(),
		fetchTimeout:     defaultFetchTimeout,
		policy:           DefaultPolicyConfig(),
		refresh:          DefaultRefreshConfig(),
		subscriberBuffer: defaultSubscriberBuffer,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d failed: %s", i, err)
		}
	}
	return cfg, nil
}

// WithCapacity sets the maximum number of cached entries.
//
// Default is 1000.
func WithCapacity(n int) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return fmt.Errorf("capacity must be positive, got %d", n)
		}
		cfg.capacity = n
		return nil
	}
}

// WithClock replaces the wall clock. Tests use a mock clock to control TTLs
// and the refresh ticker.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) error {
		if c != nil {
			cfg.clock = c
		}
		return nil
	}
}

// WithExecutor sets batching, worker and retry settings.
func WithExecutor(ec ExecutorConfig) Option {
	return func(cfg *config) error {
		cfg.executor = ec
		return nil
	}
}

// WithFallback sets the generator used when every provider failed.
//
// Default is a synthetic.Generator seeded from the clock.
func WithFallback(f Fallback) Option {
	return func(cfg *config) error {
		cfg.fallback = f
		return nil
	}
}

// WithFetchTimeout bounds how long a reader waits for a fetch before it gets
// the stale or synthetic value.
//
// Default is 3 seconds.
func WithFetchTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("fetch timeout must be positive, got %s", d)
		}
		cfg.fetchTimeout = d
		return nil
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *config) error {
		cfg.metrics = m
		return nil
	}
}

// WithPolicy sets the TTL table and delta thresholds.
func WithPolicy(pc PolicyConfig) Option {
	return func(cfg *config) error {
		cfg.policy = pc
		return nil
	}
}

// WithRefresh sets the background refresh settings.
func WithRefresh(rc RefreshConfig) Option {
	return func(cfg *config) error {
		cfg.refresh = rc
		return nil
	}
}

// WithoutRefreshLoop keeps the refresh queue but does not start its loop.
// Queued tasks only run when RunRefresh is called.
func WithoutRefreshLoop() Option {
	return func(cfg *config) error {
		cfg.refreshDisabled = true
		return nil
	}
}

// WithSubscriberBuffer sets how many events each subscriber buffers before
// the oldest is dropped.
//
// Default is 64.
func WithSubscriberBuffer(n int) Option {
	return func(cfg *config) error {
		if n <= 0 {
			return fmt.Errorf("subscriber buffer must be positive, got %d", n)
		}
		cfg.subscriberBuffer = n
		return nil
	}
}
