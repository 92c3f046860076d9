package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Confidence tells consumers whether a snapshot came from a real market
// data source or was generated locally.
type Confidence string

const (
	ConfidenceNormal            Confidence = "normal"
	ConfidenceDegradedSimulated Confidence = "degraded-simulated"
)

// Snapshot is the normalized quote shape returned by all providers.
// Prices are decimals so delta checks never suffer float rounding.
type Snapshot struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Volume     int64           `json:"volume"`
	MarketCap  decimal.Decimal `json:"market_cap"`
	Timestamp  time.Time       `json:"timestamp"`
	Source     string          `json:"source"`
	Confidence Confidence      `json:"confidence"`
	// Stale is set on values handed back after a fetch wait timed out.
	Stale bool `json:"stale,omitempty"`
}

// Degraded reports whether the snapshot was produced by the synthetic fallback.
func (s Snapshot) Degraded() bool { return s.Confidence == ConfidenceDegradedSimulated }

// Provider fetches snapshots for a batch of symbols. A single symbol request
// is a one-element batch. Symbols the provider has no data for are simply
// absent from the result.
//
//go:generate mockgen -package=mockprovider -destination=mockprovider/mock_provider.go -source=provider.go Provider
type Provider interface {
	Name() string
	Fetch(ctx context.Context, symbols []string) ([]Snapshot, error)
}
