// Command probe calls every configured provider directly, bypassing the
// cache, and reports latency and error kind per provider.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"quotecache/internal/aggregate"
	"quotecache/internal/app"
	"quotecache/internal/cache"
	"quotecache/internal/config"
	qlog "quotecache/internal/logging"
	"quotecache/internal/provider"
	"quotecache/internal/provider/synthetic"
)

var log = logging.Logger("probe")

type report struct {
	Provider  string             `json:"provider"`
	LatencyMs int64              `json:"latency_ms"`
	Returned  int                `json:"returned"`
	Missing   []string           `json:"missing,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty"`
	Error     string             `json:"error,omitempty"`
	Sample    *provider.Snapshot `json:"sample,omitempty"`
}

func main() {
	var (
		symbolsCSV string
		timeout    int
		configPath string
		baseline   bool
	)
	flag.StringVar(&symbolsCSV, "symbols", "AAPL,MSFT,IBM", "comma-separated ticker symbols")
	flag.IntVar(&timeout, "timeout", 15, "per-provider timeout seconds")
	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_FILE"), "path to config.json (optional)")
	flag.BoolVar(&baseline, "synthetic", true, "append the synthetic fallback as a last row")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := qlog.Setup(cfg.Logging); err != nil {
		log.Fatalf("logging: %v", err)
	}
	symbols := splitCSV(symbolsCSV)
	if len(symbols) == 0 {
		log.Fatal("no symbols provided")
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, app.WithoutSinks(), app.WithCacheOptions(cache.WithoutRefreshLoop()))
	if err != nil {
		log.Fatalf("build: %v", err)
	}
	defer a.Close()

	links := a.Links
	if baseline {
		links = append(links, cache.Link{Provider: synthetic.New(synthetic.Config{Seed: cfg.Providers.Synthetic.Seed})})
	}
	reports := probe(ctx, links, symbols, time.Duration(timeout)*time.Second)
	b, _ := json.MarshalIndent(reports, "", "  ")
	fmt.Println(string(b))
}

// probe fans out to every link at once. Reports keep chain order.
func probe(ctx context.Context, links []cache.Link, symbols []string, timeout time.Duration) []report {
	type result struct {
		i int
		r report
	}
	ch := make(chan result, len(links))
	for i, l := range links {
		go func() {
			ch <- result{i, probeOne(ctx, l.Provider, symbols, timeout)}
		}()
	}
	out := make([]report, len(links))
	for range links {
		res := <-ch
		out[res.i] = res.r
	}
	return out
}

func probeOne(ctx context.Context, p provider.Provider, symbols []string, timeout time.Duration) report {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	snaps, err := p.Fetch(ctx, symbols)
	latest := aggregate.Latest(snaps)
	r := report{Provider: p.Name(), LatencyMs: time.Since(start).Milliseconds(), Returned: len(latest)}
	if err != nil {
		r.ErrorKind = provider.KindOf(err).String()
		r.Error = err.Error()
		log.Warnw("Provider failed", "provider", r.Provider, "kind", r.ErrorKind, "err", err)
	}
	got := make(map[string]bool, len(latest))
	for _, s := range latest {
		got[s.Symbol] = true
	}
	for _, s := range symbols {
		if !got[strings.ToUpper(s)] {
			r.Missing = append(r.Missing, s)
		}
	}
	if len(latest) > 0 {
		r.Sample = &latest[0]
	}
	return r
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
