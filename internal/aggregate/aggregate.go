package aggregate

import (
	"sort"
	"strings"
	"time"

	"quotecache/internal/provider"
)

// aliasMap normalizes the spellings providers use for themselves.
var aliasMap = map[string]string{
	"polygon":       "polygon",
	"polygon.io":    "polygon",
	"finnhub":       "finnhub",
	"finnhub.io":    "finnhub",
	"yahoo":         "yahoo",
	"yfinance":      "yahoo",
	"yahoo finance": "yahoo",
	"redis":         "redis",
	"simulated":     "synthetic",
	"synthetic":     "synthetic",
}

// NormalizeSource reduces a snapshot Source to a canonical provider name.
// Rules:
//   - take the part before the first ':' ("polygon:prev" -> "polygon")
//   - trim and lower-case it
//   - map known aliases, pass unknown names through
func NormalizeSource(src string) string {
	s := strings.TrimSpace(src)
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if norm, ok := aliasMap[s]; ok {
		return norm
	}
	return s
}

// LatestBySymbol collapses snapshots by upper-cased symbol keeping the newest.
// For equal timestamps, later input wins. Zero timestamps are replaced with
// time.Now().UTC(). Sources are normalized.
func LatestBySymbol(snaps []provider.Snapshot) map[string]provider.Snapshot {
	now := time.Now().UTC()
	latest := make(map[string]provider.Snapshot, len(snaps))

	for _, s := range snaps {
		sym := strings.ToUpper(strings.TrimSpace(s.Symbol))
		if sym == "" {
			continue
		}
		if s.Timestamp.IsZero() {
			s.Timestamp = now
		}
		s.Symbol = sym
		if s.Source != "" {
			s.Source = NormalizeSource(s.Source)
		}
		if cur, ok := latest[sym]; ok && s.Timestamp.Before(cur.Timestamp) {
			continue
		}
		latest[sym] = s
	}
	return latest
}

// Latest is LatestBySymbol as a slice sorted by symbol.
func Latest(snaps []provider.Snapshot) []provider.Snapshot {
	m := LatestBySymbol(snaps)
	out := make([]provider.Snapshot, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
