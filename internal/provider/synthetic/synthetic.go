// Package synthetic generates plausible quotes when no real provider can
// answer. Every snapshot it produces is tagged degraded-simulated.
package synthetic

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"quotecache/internal/provider"
)

const Name = "synthetic"

// Config bounds the generated values used when no prior snapshot exists.
type Config struct {
	// Seed makes output reproducible. Zero seeds from the clock.
	Seed         uint64
	MinPrice     float64
	MaxPrice     float64
	MinVolume    int64
	MaxVolume    int64
	MinMarketCap float64
	MaxMarketCap float64
	// Step is the maximum relative move of a random walk from a prior price.
	Step float64
}

// Generator is both a Provider and the cache fallback.
type Generator struct {
	cfg Config
	now func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// New fills unset bounds with microcap-style ranges.
func New(cfg Config) *Generator {
	if cfg.MaxPrice <= 0 {
		cfg.MinPrice, cfg.MaxPrice = 1, 25
	}
	if cfg.MaxVolume <= 0 {
		cfg.MinVolume, cfg.MaxVolume = 50_000, 2_000_000
	}
	if cfg.MaxMarketCap <= 0 {
		cfg.MinMarketCap, cfg.MaxMarketCap = 50_000_000, 1_800_000_000
	}
	if cfg.Step <= 0 {
		cfg.Step = 0.01
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Generator{
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
		rnd: rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

func (g *Generator) Name() string { return Name }

// Fetch never fails.
func (g *Generator) Fetch(_ context.Context, symbols []string) ([]provider.Snapshot, error) {
	out := make([]provider.Snapshot, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, g.Synthesize(s, nil))
	}
	return out, nil
}

// Synthesize walks from prior when there is one, otherwise draws from the
// configured ranges.
func (g *Generator) Synthesize(symbol string, prior *provider.Snapshot) provider.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := provider.Snapshot{
		Symbol:     symbol,
		Timestamp:  g.now(),
		Source:     Name,
		Confidence: provider.ConfidenceDegradedSimulated,
	}

	if prior != nil && prior.Price.IsPositive() {
		move := (g.rnd.Float64()*2 - 1) * g.cfg.Step
		s.Price = prior.Price.Mul(decimal.NewFromFloat(1 + move)).Round(4)
		s.Volume = prior.Volume
		s.MarketCap = prior.MarketCap
		return s
	}

	price := g.cfg.MinPrice + g.rnd.Float64()*(g.cfg.MaxPrice-g.cfg.MinPrice)
	s.Price = decimal.NewFromFloat(price).Round(2)
	s.Volume = g.cfg.MinVolume + g.rnd.Int64N(g.cfg.MaxVolume-g.cfg.MinVolume+1)
	mc := g.cfg.MinMarketCap + g.rnd.Float64()*(g.cfg.MaxMarketCap-g.cfg.MinMarketCap)
	s.MarketCap = decimal.NewFromFloat(mc).Round(0)
	return s
}
