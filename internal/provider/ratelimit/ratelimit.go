// Package ratelimit gates provider calls with a token bucket.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"quotecache/internal/provider"
)

var ErrLimited = errors.New("rate limit exceeded")

// Limited wraps a provider and takes one token per Fetch. A caller waits at
// most MaxWait for a token; when the bucket cannot refill in time the call
// fails with a rate_limited error so the executor can back off or move to
// the next provider.
type Limited struct {
	P       provider.Provider
	Limiter *rate.Limiter
	MaxWait time.Duration
}

// PerMinute builds a limiter allowing rpm calls per minute with the given
// burst. rpm <= 0 disables limiting.
func PerMinute(rpm, burst int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60), burst)
}

// Wrap returns p unchanged when rpm <= 0.
func Wrap(p provider.Provider, rpm, burst int, maxWait time.Duration) provider.Provider {
	if rpm <= 0 {
		return p
	}
	return &Limited{P: p, Limiter: PerMinute(rpm, burst), MaxWait: maxWait}
}

func (l *Limited) Name() string { return l.P.Name() }

func (l *Limited) Fetch(ctx context.Context, symbols []string) ([]provider.Snapshot, error) {
	if l.Limiter != nil {
		if err := l.wait(ctx); err != nil {
			return nil, err
		}
	}
	return l.P.Fetch(ctx, symbols)
}

func (l *Limited) wait(ctx context.Context) error {
	r := l.Limiter.Reserve()
	if !r.OK() {
		return provider.RateLimited(l.Name(), ErrLimited)
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > l.MaxWait {
		r.Cancel()
		return provider.RateLimited(l.Name(), fmt.Errorf("%w: next token in %s", ErrLimited, delay.Round(time.Millisecond)))
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
