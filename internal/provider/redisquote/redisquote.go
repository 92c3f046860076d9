// Package redisquote shares quotes between instances through Redis. Mirror
// writes every real snapshot the cache accepts; Provider reads them back as
// the warm tier of another instance's provider chain.
package redisquote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"
	"quotecache/internal/cache"
	"quotecache/internal/provider"
)

var log = logging.Logger("provider/redis")

const (
	DefaultPrefix = "quote:"
	DefaultTTL    = time.Minute
)

// Client is the subset of redis.Cmdable used here.
type Client interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func key(prefix, symbol string) string { return prefix + strings.ToUpper(symbol) }

// Provider reads mirrored snapshots.
type Provider struct {
	client Client
	prefix string
	maxAge time.Duration
}

// NewProvider reads keys under prefix. Snapshots older than maxAge are
// ignored; zero accepts anything still in Redis.
func NewProvider(client Client, prefix string, maxAge time.Duration) *Provider {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Provider{client: client, prefix: prefix, maxAge: maxAge}
}

func (p *Provider) Name() string { return "redis" }

// Fetch reads all symbols with one MGET. Missing keys are left out.
func (p *Provider) Fetch(ctx context.Context, symbols []string) ([]provider.Snapshot, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = key(p.prefix, s)
	}

	vals, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, provider.Transient(p.Name(), fmt.Errorf("mget: %w", err))
	}

	now := time.Now()
	out := make([]provider.Snapshot, 0, len(symbols))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s provider.Snapshot
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			log.Warnw("Skipping malformed snapshot", "key", keys[i], "err", err)
			continue
		}
		if s.Degraded() || (p.maxAge > 0 && now.Sub(s.Timestamp) > p.maxAge) {
			continue
		}
		s.Symbol = symbols[i]
		s.Source = p.Name()
		s.Stale = false
		out = append(out, s)
	}
	return out, nil
}

// Mirror copies accepted snapshots into Redis.
type Mirror struct {
	client Client
	prefix string
	ttl    time.Duration
}

func NewMirror(client Client, prefix string, ttl time.Duration) *Mirror {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Mirror{client: client, prefix: prefix, ttl: ttl}
}

// Write stores s unless it is synthetic.
func (m *Mirror) Write(ctx context.Context, s provider.Snapshot) error {
	if s.Degraded() {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := m.client.Set(ctx, key(m.prefix, s.Symbol), b, m.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.Symbol, err)
	}
	return nil
}

// Run mirrors update events until events is closed or ctx is done.
func (m *Mirror) Run(ctx context.Context, events <-chan cache.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !mirrored(ev) {
				continue
			}
			if err := m.Write(ctx, ev.Snapshot); err != nil {
				log.Warnw("Mirror write failed", "symbol", ev.Key.Symbol, "err", err)
			}
		}
	}
}

// mirrored reports whether ev carries a newly fetched snapshot that did not
// come from Redis itself.
func mirrored(ev cache.ChangeEvent) bool {
	switch {
	case ev.Kind == cache.EventEvicted:
		return false
	case ev.Kind == cache.EventInvalidated && ev.Reason == cache.ReasonManual:
		return false
	}
	return ev.Snapshot.Source != "redis"
}
