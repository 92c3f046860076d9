package cache

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidSymbol   = errors.New("invalid symbol")
	ErrUnknownUseCase  = errors.New("unknown use case")
	ErrUnknownPriority = errors.New("unknown priority")
	ErrClosed          = errors.New("cache closed")
	ErrInvalidFilter   = errors.New("invalid filter")
)

// UseCase describes why a caller needs a quote. It drives the TTL and
// the default priority of the cached entry.
type UseCase string

const (
	UseCaseActivePosition UseCase = "active_position"
	UseCaseWatchlist      UseCase = "watchlist"
	UseCaseHighVolume     UseCase = "high_volume"
	UseCaseResearch       UseCase = "research"
	UseCaseHistorical     UseCase = "historical"
)

// UseCases lists every known use case in table order.
var UseCases = []UseCase{
	UseCaseActivePosition,
	UseCaseWatchlist,
	UseCaseHighVolume,
	UseCaseResearch,
	UseCaseHistorical,
}

// ParseUseCase validates s.
func ParseUseCase(s string) (UseCase, error) {
	u := UseCase(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range UseCases {
		if u == known {
			return u, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownUseCase, s)
}

// RealTime reports whether reads for this use case take the trading path.
func (u UseCase) RealTime() bool {
	switch u {
	case UseCaseActivePosition, UseCaseWatchlist, UseCaseHighVolume:
		return true
	}
	return false
}

// Priority orders entries for eviction and refresh: Low < Medium < High < Critical.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical

	numPriorities = int(PriorityCritical) + 1
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func (p Priority) valid() bool { return p >= PriorityLow && p <= PriorityCritical }

// ParsePriority validates s.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Key identifies one cache entry.
type Key struct {
	Symbol  string  `json:"symbol"`
	UseCase UseCase `json:"use_case"`
}

func (k Key) String() string { return k.Symbol + "|" + string(k.UseCase) }

const maxSymbolLen = 10

// NormalizeSymbol upper-cases s and checks it is 1-10 alphanumeric characters.
func NormalizeSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if sym == "" || len(sym) > maxSymbolLen {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	for _, r := range sym {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
		}
	}
	return sym, nil
}

// NewKey validates symbol and use case.
func NewKey(symbol string, useCase UseCase) (Key, error) {
	sym, err := NormalizeSymbol(symbol)
	if err != nil {
		return Key{}, err
	}
	uc, err := ParseUseCase(string(useCase))
	if err != nil {
		return Key{}, err
	}
	return Key{Symbol: sym, UseCase: uc}, nil
}
