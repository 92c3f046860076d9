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
	"quotecache/internal/app"
	"quotecache/internal/cache"
	"quotecache/internal/config"
	qlog "quotecache/internal/logging"
	"quotecache/internal/provider"
)

var log = logging.Logger("fetch")

func main() {
	var (
		symbolsCSV string
		useCase    string
		portfolio  bool
		timeout    int
		configPath string
	)
	flag.StringVar(&symbolsCSV, "symbols", getenv("SYMBOLS", "AAPL,MSFT"), "comma-separated ticker symbols")
	flag.StringVar(&useCase, "use-case", getenv("USE_CASE", string(cache.UseCaseResearch)), "use case (active_position, watchlist, high_volume, research, historical)")
	flag.BoolVar(&portfolio, "portfolio", false, "pick the use case per symbol from the configured sets")
	flag.IntVar(&timeout, "timeout", 15, "overall timeout seconds")
	flag.StringVar(&configPath, "config", getenv("CONFIG_FILE", ""), "path to config.json (optional)")
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
	uc, err := cache.ParseUseCase(useCase)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	a, err := app.Build(ctx, cfg, app.WithoutSinks(), app.WithCacheOptions(cache.WithoutRefreshLoop()))
	if err != nil {
		log.Fatalf("build: %v", err)
	}
	defer a.Close()

	var quotes map[string]provider.Snapshot
	if portfolio {
		quotes, err = a.Manager.GetPortfolio(ctx, symbols)
	} else {
		quotes, err = a.Manager.GetBatch(ctx, symbols, uc)
	}
	if err != nil {
		log.Errorw("Fetch failed", "err", err)
		return
	}

	out := struct {
		Quotes map[string]provider.Snapshot `json:"quotes"`
		Stats  cache.Stats                  `json:"stats"`
	}{Quotes: quotes, Stats: a.Manager.Stats()}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
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

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
