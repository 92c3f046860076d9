package aggregate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"quotecache/internal/provider"
)

func TestLatest_NewestWinsAcrossSources(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	t2 := t1.Add(1 * time.Minute)

	in := []provider.Snapshot{
		{Symbol: "AAPL", Price: decimal.RequireFromString("10"), Source: "polygon:prev", Timestamp: t2},
		{Symbol: "aapl", Price: decimal.RequireFromString("9"), Source: "Yahoo", Timestamp: t1},
	}

	out := LatestBySymbol(in)
	if len(out) != 1 {
		t.Fatalf("want 1, got %d: %+v", len(out), out)
	}
	got := out["AAPL"]
	if !got.Price.Equal(decimal.RequireFromString("10")) || got.Source != "polygon" || !got.Timestamp.Equal(t2) {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestLatest_EqualTimestamps_LaterInputWins(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	in := []provider.Snapshot{
		{Symbol: "MSFT", Price: decimal.RequireFromString("1"), Timestamp: ts},
		{Symbol: "MSFT", Price: decimal.RequireFromString("2"), Timestamp: ts},
	}

	out := LatestBySymbol(in)
	if !out["MSFT"].Price.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("unexpected: %+v", out["MSFT"])
	}
}

func TestLatest_ZeroTimestampAndEmptySymbol(t *testing.T) {
	in := []provider.Snapshot{
		{Symbol: "", Price: decimal.RequireFromString("1")},
		{Symbol: " tsla ", Price: decimal.RequireFromString("2")},
	}

	out := Latest(in)
	if len(out) != 1 {
		t.Fatalf("want 1 row, got %d: %+v", len(out), out)
	}
	if out[0].Symbol != "TSLA" || out[0].Timestamp.IsZero() {
		t.Fatalf("unexpected: %+v", out[0])
	}
}

func TestLatest_SortedBySymbol(t *testing.T) {
	in := []provider.Snapshot{
		{Symbol: "ZZ", Price: decimal.RequireFromString("1")},
		{Symbol: "AA", Price: decimal.RequireFromString("1")},
		{Symbol: "MM", Price: decimal.RequireFromString("1")},
	}
	out := Latest(in)
	if out[0].Symbol != "AA" || out[1].Symbol != "MM" || out[2].Symbol != "ZZ" {
		t.Fatalf("not sorted: %+v", out)
	}
}

func TestNormalizeSource_Aliases(t *testing.T) {
	cases := map[string]string{
		"Polygon.io":   "polygon",
		"polygon:prev": "polygon",
		"yfinance":     "yahoo",
		"YAHOO":        "yahoo",
		" finnhub ":    "finnhub",
		"simulated":    "synthetic",
		"custom:feed":  "custom",
		"":             "",
	}
	for in, want := range cases {
		if got := NormalizeSource(in); got != want {
			t.Fatalf("NormalizeSource(%q) = %q, want %q", in, got, want)
		}
	}
}
