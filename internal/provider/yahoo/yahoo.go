package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
	"quotecache/internal/httpx"
	"quotecache/internal/provider"
)

type Config struct {
	Name    string
	URL     string
	Headers map[string]string
	// MaxItemsPerRequest splits large symbol lists into several requests.
	// 0 or negative means a single request.
	MaxItemsPerRequest int
	// MaxConcurrency limits concurrent requests when splitting.
	// Defaults to 1 when <= 0.
	MaxConcurrency int
}

type Provider struct {
	cfg    Config
	client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Provider {
	if cfg.Name == "" {
		cfg.Name = "yahoo"
	}
	if cfg.URL == "" {
		cfg.URL = "https://query1.finance.yahoo.com/v7/finance/quote"
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Provider{cfg: cfg, client: hc}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) Fetch(ctx context.Context, symbols []string) ([]provider.Snapshot, error) {
	var (
		mu       sync.Mutex
		bySymbol = make(map[string]result, len(symbols))
		firstErr error
	)
	record := func(rs []result, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		for _, r := range rs {
			bySymbol[strings.ToUpper(r.Symbol)] = r
		}
	}

	batches := chunkStrings(symbols, p.cfg.MaxItemsPerRequest)
	if len(batches) == 1 {
		record(p.fetchBatch(ctx, batches[0]))
	} else {
		sem := semaphore.NewWeighted(int64(p.cfg.MaxConcurrency))
		var wg sync.WaitGroup
		for _, b := range batches {
			if err := sem.Acquire(ctx, 1); err != nil {
				record(nil, provider.Transient(p.cfg.Name, err))
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				record(p.fetchBatch(ctx, b))
			}()
		}
		wg.Wait()
	}

	now := time.Now().UTC()
	out := make([]provider.Snapshot, 0, len(symbols))
	for _, sym := range symbols {
		r, ok := bySymbol[strings.ToUpper(sym)]
		if !ok || r.RegularMarketPrice <= 0 {
			continue
		}
		ts := now
		if r.RegularMarketTime > 0 {
			ts = time.Unix(r.RegularMarketTime, 0).UTC()
		}
		out = append(out, provider.Snapshot{
			Symbol:    sym,
			Price:     decimal.NewFromFloat(r.RegularMarketPrice),
			Volume:    r.RegularMarketVolume,
			MarketCap: decimal.NewFromFloat(r.MarketCap).Round(0),
			Timestamp: ts,
			Source:    p.cfg.Name,
		})
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (p *Provider) fetchBatch(ctx context.Context, symbols []string) ([]result, error) {
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, provider.Permanent(p.cfg.Name, err)
	}
	q := u.Query()
	q.Set("symbols", strings.Join(symbols, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, provider.Permanent(p.cfg.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range p.cfg.Headers {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(ctx, req)
	if err != nil {
		return nil, provider.Transient(p.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return nil, provider.StatusError(p.cfg.Name, resp.StatusCode, string(b))
	}

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return nil, provider.Transient(p.cfg.Name, fmt.Errorf("decode: %w", err))
	}
	if api.QuoteResponse.Error != nil && len(api.QuoteResponse.Result) == 0 {
		return nil, provider.Transient(p.cfg.Name, fmt.Errorf("provider error: code=%s msg=%q",
			api.QuoteResponse.Error.Code, api.QuoteResponse.Error.Description))
	}
	return api.QuoteResponse.Result, nil
}

type apiResponse struct {
	QuoteResponse struct {
		Result []result   `json:"result"`
		Error  *errorBody `json:"error"`
	} `json:"quoteResponse"`
}

type result struct {
	Symbol              string  `json:"symbol"`
	RegularMarketPrice  float64 `json:"regularMarketPrice"`
	RegularMarketVolume int64   `json:"regularMarketVolume"`
	RegularMarketTime   int64   `json:"regularMarketTime"`
	MarketCap           float64 `json:"marketCap"`
}

type errorBody struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func chunkStrings(in []string, size int) [][]string {
	if size <= 0 || len(in) <= size {
		return [][]string{in}
	}
	out := make([][]string, 0, (len(in)+size-1)/size)
	for i := 0; i < len(in); i += size {
		j := min(i+size, len(in))
		out = append(out, in[i:j])
	}
	return out
}
