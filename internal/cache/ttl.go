package cache

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"quotecache/internal/provider"
)

// UseCasePolicy is the base TTL and default priority of one use case.
type UseCasePolicy struct {
	TTL      time.Duration
	Priority Priority
}

// PolicyConfig configures a Policy. Zero fields fall back to defaults.
type PolicyConfig struct {
	UseCases map[UseCase]UseCasePolicy
	// PriorityCeilings caps the TTL of every entry at the given priority.
	PriorityCeilings map[Priority]time.Duration
	// PriceDelta is the relative price move that invalidates an entry.
	PriceDelta float64
	// VolumeDelta is the relative volume move that invalidates an entry.
	VolumeDelta float64
}

// DefaultPolicyConfig returns the production TTL table.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		UseCases: map[UseCase]UseCasePolicy{
			UseCaseActivePosition: {TTL: 30 * time.Second, Priority: PriorityHigh},
			UseCaseWatchlist:      {TTL: 120 * time.Second, Priority: PriorityMedium},
			UseCaseHighVolume:     {TTL: 60 * time.Second, Priority: PriorityHigh},
			UseCaseResearch:       {TTL: 300 * time.Second, Priority: PriorityLow},
			UseCaseHistorical:     {TTL: 900 * time.Second, Priority: PriorityLow},
		},
		PriorityCeilings: map[Priority]time.Duration{
			PriorityCritical: 30 * time.Second,
		},
		PriceDelta:  0.02,
		VolumeDelta: 0.5,
	}
}

// Policy maps (use case, priority) to a TTL and decides delta invalidation.
// It is immutable after construction.
type Policy struct {
	useCases    map[UseCase]UseCasePolicy
	ceilings    [numPriorities]time.Duration
	priceDelta  decimal.Decimal
	volumeDelta decimal.Decimal
}

// NewPolicy validates cfg. Every TTL must be positive.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	def := DefaultPolicyConfig()
	p := &Policy{useCases: make(map[UseCase]UseCasePolicy, len(UseCases))}

	for _, u := range UseCases {
		up, ok := cfg.UseCases[u]
		if !ok {
			up = def.UseCases[u]
		}
		if up.TTL <= 0 {
			return nil, fmt.Errorf("ttl for %s must be positive, got %s", u, up.TTL)
		}
		if !up.Priority.valid() {
			return nil, fmt.Errorf("%w for %s: %d", ErrUnknownPriority, u, up.Priority)
		}
		p.useCases[u] = up
	}

	ceilings := cfg.PriorityCeilings
	if ceilings == nil {
		ceilings = def.PriorityCeilings
	}
	for pr, d := range ceilings {
		if !pr.valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownPriority, pr)
		}
		if d <= 0 {
			return nil, fmt.Errorf("ttl ceiling for %s must be positive, got %s", pr, d)
		}
		p.ceilings[pr] = d
	}

	priceDelta, volumeDelta := cfg.PriceDelta, cfg.VolumeDelta
	if priceDelta <= 0 {
		priceDelta = def.PriceDelta
	}
	if volumeDelta <= 0 {
		volumeDelta = def.VolumeDelta
	}
	p.priceDelta = decimal.NewFromFloat(priceDelta)
	p.volumeDelta = decimal.NewFromFloat(volumeDelta)
	return p, nil
}

// TTL returns the lifetime of an entry for the use case at the priority.
func (p *Policy) TTL(u UseCase, pr Priority) time.Duration {
	ttl := p.useCases[u].TTL
	if pr.valid() {
		if ceiling := p.ceilings[pr]; ceiling > 0 && ceiling < ttl {
			ttl = ceiling
		}
	}
	return ttl
}

// DefaultPriority returns the priority a key gets when nobody overrode it.
func (p *Policy) DefaultPriority(u UseCase) Priority { return p.useCases[u].Priority }

// Invalidation reasons.
const (
	ReasonPriceDelta  = "price_delta"
	ReasonVolumeDelta = "volume_delta"
	ReasonManual      = "manual"
)

// ShouldInvalidate compares next against the reference values of the
// previous fetch. It reports the first threshold crossed. A zero reference
// disables that comparison, and so does a zero volume on next: some sources
// do not report volume.
func (p *Policy) ShouldInvalidate(refPrice decimal.Decimal, refVolume int64, next provider.Snapshot) (bool, string) {
	if !refPrice.IsZero() {
		limit := refPrice.Abs().Mul(p.priceDelta)
		if next.Price.Sub(refPrice).Abs().GreaterThan(limit) {
			return true, ReasonPriceDelta
		}
	}
	if refVolume != 0 && next.Volume != 0 {
		ref := decimal.NewFromInt(refVolume)
		limit := ref.Abs().Mul(p.volumeDelta)
		if decimal.NewFromInt(next.Volume).Sub(ref).Abs().GreaterThan(limit) {
			return true, ReasonVolumeDelta
		}
	}
	return false, ""
}
