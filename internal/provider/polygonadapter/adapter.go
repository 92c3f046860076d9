// Package polygonadapter turns the Polygon REST client into a quote
// Provider.
package polygonadapter

import (
	"context"
	"errors"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"quotecache/internal/provider"
	"quotecache/internal/provider/polygon"
)

var log = logging.Logger("provider/polygon")

// Client is the part of polygon.Client the adapter uses.
type Client interface {
	GetSnapshot(ctx context.Context, ticker string, opts ...polygon.ClientOption) (*polygon.TickerSnapshot, error)
	GetTickerDetails(ctx context.Context, ticker string, opts ...polygon.ClientOption) (*polygon.TickerDetails, error)
}

type Config struct {
	Name string // default: polygon
	// MaxConcurrency bounds per-symbol requests. Defaults to 4.
	MaxConcurrency int
	// DetailsTTL caches ticker details (market cap). Zero disables the
	// details lookup.
	DetailsTTL time.Duration
}

type Adapter struct {
	cfg    Config
	client Client

	mu      sync.RWMutex
	details map[string]detailsEntry
}

type detailsEntry struct {
	marketCap decimal.Decimal
	until     time.Time
}

func New(cfg Config, client Client) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "polygon"
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Adapter{cfg: cfg, client: client, details: make(map[string]detailsEntry)}
}

func (a *Adapter) Name() string { return a.cfg.Name }

// Fetch reads the current snapshot of every symbol. Symbols Polygon has no
// intraday data for are left out. An error is returned only when nothing could be
// read.
func (a *Adapter) Fetch(ctx context.Context, symbols []string) ([]provider.Snapshot, error) {
	var (
		mu       sync.Mutex
		out      = make([]provider.Snapshot, 0, len(symbols))
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxConcurrency)
	for _, sym := range symbols {
		g.Go(func() error {
			s, err := a.fetchOne(gctx, sym)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				out = append(out, s)
			case errors.Is(err, polygon.ErrNoResults):
				log.Debugw("No data", "symbol", sym)
			case firstErr == nil:
				firstErr = err
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (a *Adapter) fetchOne(ctx context.Context, symbol string) (provider.Snapshot, error) {
	snap, err := a.client.GetSnapshot(ctx, symbol)
	if err != nil {
		return provider.Snapshot{}, a.classify(err)
	}

	price := snap.Price()
	s := provider.Snapshot{
		Symbol:    symbol,
		Price:     decimal.NewFromFloat(price),
		Volume:    int64(snap.Day.Volume),
		Timestamp: snap.Time(),
		Source:    a.cfg.Name,
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	if a.cfg.DetailsTTL > 0 {
		s.MarketCap = a.marketCap(ctx, symbol, price)
	}
	return s, nil
}

// marketCap is best effort: a failed lookup leaves the market cap zero.
func (a *Adapter) marketCap(ctx context.Context, symbol string, price float64) decimal.Decimal {
	now := time.Now()
	a.mu.RLock()
	d, ok := a.details[symbol]
	a.mu.RUnlock()
	if ok && now.Before(d.until) {
		return d.marketCap
	}

	details, err := a.client.GetTickerDetails(ctx, symbol)
	if err != nil {
		log.Debugw("Ticker details unavailable", "symbol", symbol, "err", err)
		return decimal.Zero
	}
	mc := details.MarketCap
	if mc <= 0 && details.WeightedSharesOutstanding > 0 {
		mc = details.WeightedSharesOutstanding * price
	}
	d = detailsEntry{marketCap: decimal.NewFromFloat(mc).Round(0), until: now.Add(a.cfg.DetailsTTL)}

	a.mu.Lock()
	a.details[symbol] = d
	a.mu.Unlock()
	return d.marketCap
}

func (a *Adapter) classify(err error) error {
	var apiErr *polygon.APIError
	switch {
	case errors.As(err, &apiErr):
		return provider.StatusError(a.cfg.Name, apiErr.StatusCode, apiErr.Message)
	case errors.Is(err, polygon.ErrNoResults):
		return err
	default:
		return provider.Transient(a.cfg.Name, err)
	}
}
