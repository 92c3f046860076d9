// Package finnhub reads real-time quotes from Finnhub. Quotes are fetched
// per symbol; the company profile, which carries the market cap, is looked
// up once per symbol and cached.
package finnhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	logging "github.com/ipfs/go-log/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"quotecache/internal/httpx"
	"quotecache/internal/provider"
)

var log = logging.Logger("provider/finnhub")

// errNoData is Finnhub's way of saying it does not know a symbol: a quote of
// all zeros.
var errNoData = errors.New("no data")

// Config controls the Finnhub provider.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Headers map[string]string
	// MaxConcurrency bounds parallel quote requests. Defaults to 4.
	MaxConcurrency int
	// ProfileTTL caches company profiles. Zero disables profile lookups.
	ProfileTTL time.Duration
	// ProfileRetries is how often a failed profile request is retried.
	ProfileRetries int
}

// Provider fetches quotes from Finnhub.
type Provider struct {
	cfg     Config
	client  *httpx.Client
	profile *http.Client

	profiles   map[string]profileEntry
	profilesMu sync.RWMutex

	// coalesce concurrent profile lookups per symbol
	sf singleflight.Group
}

type profileEntry struct {
	marketCap decimal.Decimal
	until     time.Time
}

func New(cfg Config, hc *httpx.Client) *Provider {
	if cfg.Name == "" {
		cfg.Name = "finnhub"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://finnhub.io/api/v1"
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.ProfileRetries < 0 {
		cfg.ProfileRetries = 0
	}
	rclient := &retryablehttp.Client{
		HTTPClient:   hc.HTTP,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: time.Second,
		RetryMax:     cfg.ProfileRetries,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
	}
	return &Provider{
		cfg:      cfg,
		client:   hc,
		profile:  rclient.StandardClient(),
		profiles: make(map[string]profileEntry),
	}
}

func (p *Provider) Name() string { return p.cfg.Name }

// Fetch requests every symbol concurrently. Symbols Finnhub does not know
// are left out; an error is returned only when nothing could be read.
func (p *Provider) Fetch(ctx context.Context, symbols []string) ([]provider.Snapshot, error) {
	if p.cfg.APIKey == "" {
		return nil, provider.Permanent(p.cfg.Name, errors.New("missing api key"))
	}

	var (
		mu      sync.Mutex
		out     = make([]provider.Snapshot, 0, len(symbols))
		lastErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrency)
	for _, sym := range symbols {
		g.Go(func() error {
			s, err := p.fetchQuote(gctx, sym)
			if err == nil && p.cfg.ProfileTTL > 0 {
				s.MarketCap = p.marketCap(gctx, sym)
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				out = append(out, s)
			case errors.Is(err, errNoData):
			default:
				lastErr = err
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

type quoteResponse struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	PercentChange float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PreviousClose float64 `json:"pc"`
	Time          int64   `json:"t"`
}

type profileResponse struct {
	Name string `json:"name"`
	// MarketCapitalization is in millions.
	MarketCapitalization float64 `json:"marketCapitalization"`
}

func (p *Provider) fetchQuote(ctx context.Context, symbol string) (provider.Snapshot, error) {
	var q quoteResponse
	if err := p.get(ctx, p.client.HTTP, "/quote", symbol, &q); err != nil {
		return provider.Snapshot{}, err
	}
	if q.Current == 0 {
		return provider.Snapshot{}, errNoData
	}
	ts := time.Now().UTC()
	if q.Time > 0 {
		ts = time.Unix(q.Time, 0).UTC()
	}
	return provider.Snapshot{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(q.Current),
		Timestamp: ts,
		Source:    p.cfg.Name,
	}, nil
}

// marketCap is best effort. Lookups are cached and concurrent lookups for a
// symbol share one request.
func (p *Provider) marketCap(ctx context.Context, symbol string) decimal.Decimal {
	p.profilesMu.RLock()
	e, ok := p.profiles[symbol]
	p.profilesMu.RUnlock()
	if ok && time.Now().Before(e.until) {
		return e.marketCap
	}

	v, err, _ := p.sf.Do(symbol, func() (any, error) {
		var prof profileResponse
		if err := p.get(ctx, p.profile, "/stock/profile2", symbol, &prof); err != nil {
			return nil, err
		}
		mc := decimal.NewFromFloat(prof.MarketCapitalization).Mul(decimal.NewFromInt(1_000_000)).Round(0)

		p.profilesMu.Lock()
		p.profiles[symbol] = profileEntry{marketCap: mc, until: time.Now().Add(p.cfg.ProfileTTL)}
		p.profilesMu.Unlock()
		return mc, nil
	})
	if err != nil {
		log.Debugw("Profile lookup failed", "symbol", symbol, "err", err)
		return decimal.Zero
	}
	return v.(decimal.Decimal)
}

func (p *Provider) get(ctx context.Context, hc *http.Client, path, symbol string, out any) error {
	u, err := url.Parse(p.cfg.BaseURL + path)
	if err != nil {
		return provider.Permanent(p.cfg.Name, err)
	}
	q := u.Query()
	q.Set("symbol", symbol)
	q.Set("token", p.cfg.APIKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return provider.Permanent(p.cfg.Name, err)
	}
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	if p.client.UserAgent != "" {
		req.Header.Set("User-Agent", p.client.UserAgent)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return provider.Transient(p.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return provider.StatusError(p.cfg.Name, resp.StatusCode, fmt.Sprintf("GET %s: %s", path, b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.Transient(p.cfg.Name, fmt.Errorf("decode: %w", err))
	}
	return nil
}
