// Package app builds the cache manager, its provider chain and its sinks
// from configuration. Binaries own exactly one App.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"quotecache/internal/cache"
	"quotecache/internal/config"
	"quotecache/internal/httpx"
	"quotecache/internal/metrics"
	"quotecache/internal/provider"
	"quotecache/internal/provider/finnhub"
	"quotecache/internal/provider/polygon"
	"quotecache/internal/provider/polygonadapter"
	"quotecache/internal/provider/ratelimit"
	"quotecache/internal/provider/redisquote"
	"quotecache/internal/provider/synthetic"
	"quotecache/internal/provider/yahoo"
	"quotecache/internal/sink/kafkasink"
)

var log = logging.Logger("app")

type App struct {
	Config   config.Config
	Manager  *cache.Manager
	Registry *prometheus.Registry
	// Links is the provider chain in fallback order.
	Links []cache.Link

	redis  *redis.Client
	kafka  *kafkasink.Publisher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option tweaks Build, mostly for tests and one-shot commands.
type Option func(*buildOptions)

type buildOptions struct {
	cacheOpts []cache.Option
	noSinks   bool
}

// WithCacheOptions appends manager options after the configured ones.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(o *buildOptions) { o.cacheOpts = append(o.cacheOpts, opts...) }
}

// WithoutSinks skips the Redis mirror and the Kafka publisher.
func WithoutSinks() Option {
	return func(o *buildOptions) { o.noSinks = true }
}

// Build wires everything. On error every resource opened so far is closed.
func Build(ctx context.Context, cfg config.Config, options ...Option) (_ *App, err error) {
	var bo buildOptions
	for _, o := range options {
		o(&bo)
	}

	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(a.Registry)
	if err != nil {
		return nil, err
	}

	if cfg.Providers.Redis.Enabled {
		a.redis, err = redisquote.Dial(ctx, cfg.Providers.Redis.Addr, cfg.Providers.Redis.Password, cfg.Providers.Redis.DB)
		if err != nil {
			return nil, err
		}
	}

	a.Links, err = a.buildLinks()
	if err != nil {
		return nil, err
	}

	cc := cfg.Cache
	policy, err := cc.PolicyConfig()
	if err != nil {
		return nil, err
	}
	opts := []cache.Option{
		cache.WithCapacity(cc.Capacity),
		cache.WithPolicy(policy),
		cache.WithExecutor(cc.ExecutorConfig()),
		cache.WithRefresh(cc.RefreshConfig()),
		cache.WithFetchTimeout(cc.FetchTimeout()),
		cache.WithSubscriberBuffer(cc.SubscriberBuffer),
		cache.WithFallback(synthetic.New(synthetic.Config{Seed: cfg.Providers.Synthetic.Seed})),
		cache.WithMetrics(m),
	}
	opts = append(opts, bo.cacheOpts...)
	a.Manager, err = cache.New(a.Links, opts...)
	if err != nil {
		return nil, fmt.Errorf("cache manager: %w", err)
	}

	if !bo.noSinks {
		if err := a.startSinks(); err != nil {
			return nil, err
		}
	}
	log.Infow("Quote cache ready", "providers", providerNames(a.Links), "capacity", cc.Capacity)
	return a, nil
}

func providerNames(links []cache.Link) []string {
	out := make([]string, len(links))
	for i, l := range links {
		out[i] = l.Provider.Name()
	}
	return out
}

func (a *App) buildLinks() ([]cache.Link, error) {
	pc := a.Config.Providers
	var links []cache.Link
	for _, name := range pc.Order {
		var (
			p      provider.Provider
			limits config.Limits
		)
		switch name {
		case "polygon":
			if !pc.Polygon.Enabled {
				continue
			}
			if pc.Polygon.APIKey == "" {
				log.Warnw("Skipping provider without api key", "provider", name)
				continue
			}
			limits = pc.Polygon.Limits
			client, err := polygon.NewClient(pc.Polygon.APIKey,
				polygon.WithBaseURL(pc.Polygon.BaseURL),
				polygon.WithHTTPClient(httpx.New(limits.Timeout()).HTTP),
				polygon.WithHeader(http.Header{"User-Agent": []string{httpx.UserAgent}}),
			)
			if err != nil {
				return nil, fmt.Errorf("polygon client: %w", err)
			}
			p = polygonadapter.New(polygonadapter.Config{
				MaxConcurrency: pc.Polygon.MaxConcurrency,
				DetailsTTL:     time.Duration(pc.Polygon.DetailsTTLSec) * time.Second,
			}, client)
		case "finnhub":
			if !pc.Finnhub.Enabled {
				continue
			}
			if pc.Finnhub.APIKey == "" {
				log.Warnw("Skipping provider without api key", "provider", name)
				continue
			}
			limits = pc.Finnhub.Limits
			p = finnhub.New(finnhub.Config{
				BaseURL:        pc.Finnhub.BaseURL,
				APIKey:         pc.Finnhub.APIKey,
				MaxConcurrency: pc.Finnhub.MaxConcurrency,
				ProfileTTL:     time.Duration(pc.Finnhub.ProfileTTLSec) * time.Second,
				ProfileRetries: 2,
			}, httpx.New(limits.Timeout()))
		case "yahoo":
			if !pc.Yahoo.Enabled {
				continue
			}
			limits = pc.Yahoo.Limits
			p = yahoo.New(yahoo.Config{
				URL:                pc.Yahoo.Endpoint,
				MaxItemsPerRequest: pc.Yahoo.MaxItemsPerRequest,
				MaxConcurrency:     pc.Yahoo.MaxConcurrency,
			}, httpx.New(limits.Timeout()))
		case "redis":
			if a.redis == nil {
				continue
			}
			p = redisquote.NewProvider(a.redis, pc.Redis.KeyPrefix, time.Duration(pc.Redis.MaxAgeSec)*time.Second)
			limits = config.Limits{TimeoutMs: 500}
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		p = ratelimit.Wrap(p, limits.MaxRequestsPerMinute, limits.Burst, limits.MaxWait())
		links = append(links, cache.Link{Provider: p, Timeout: limits.Timeout()})
	}
	if len(links) == 0 {
		return nil, errors.New("no provider enabled")
	}
	return links, nil
}

func (a *App) startSinks() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.redis != nil && a.Config.Providers.Redis.Mirror {
		sub, err := a.Manager.Subscribe("*")
		if err != nil {
			return err
		}
		mirror := redisquote.NewMirror(a.redis, a.Config.Providers.Redis.KeyPrefix,
			time.Duration(a.Config.Providers.Redis.MirrorTTLSec)*time.Second)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			mirror.Run(ctx, sub.Events())
		}()
	}

	if a.Config.Kafka.Enabled {
		sub, err := a.Manager.Subscribe("*")
		if err != nil {
			return err
		}
		a.kafka = kafkasink.NewPublisher(kafkasink.NewWriter(a.Config.Kafka.Brokers), a.Config.Kafka.Topic)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.kafka.Run(ctx, sub.Events())
		}()
	}
	return nil
}

// Close stops the manager first so sinks drain the final events, then
// releases the external connections.
func (a *App) Close() error {
	var errs *multierror.Error
	if a.Manager != nil {
		if err := a.Manager.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	a.wg.Wait()
	if a.cancel != nil {
		a.cancel()
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("kafka: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errs.ErrorOrNil()
}
