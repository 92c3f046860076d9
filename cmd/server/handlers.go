package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"quotecache/internal/cache"
	"quotecache/internal/metrics"
	"quotecache/internal/provider"
)

const (
	eventsPath = "/api/events"
	maxSymbols = 1000
)

type server struct {
	m        *cache.Manager
	gatherer prometheus.Gatherer
	timeout  time.Duration
}

func newServer(m *cache.Manager, g prometheus.Gatherer, timeout time.Duration) *server {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &server{m: m, gatherer: g, timeout: timeout}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler(s.gatherer))
	mux.HandleFunc("/api/quotes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s.handleGetQuotes(w, r)
		case http.MethodPost:
			s.handlePostQuotes(w, r)
		case http.MethodDelete:
			s.handleInvalidate(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("GET /api/trading", s.handleTrading)
	mux.HandleFunc("GET /api/analysis", s.handleAnalysis)
	mux.HandleFunc("GET /api/portfolio", s.handlePortfolio)
	mux.HandleFunc("POST /api/priority", s.handlePriority)
	mux.HandleFunc("POST /api/positions", s.handlePositions)
	mux.HandleFunc("PUT /api/watchlist", s.handleWatchlist)
	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.m.Stats())
	})
	mux.HandleFunc("GET "+eventsPath, s.handleEvents)
	return withJSONHeaders(withGzip(recoverPanic(limitBody(mux))))
}

type quotesResponse struct {
	Quotes []provider.Snapshot `json:"quotes"`
}

func (s *server) handleGetQuotes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("symbols")
	if strings.TrimSpace(q) == "" {
		http.Error(w, "missing symbols query param", http.StatusBadRequest)
		return
	}
	s.writeBatch(w, r, splitCSV(q), r.URL.Query().Get("use_case"))
}

type quotesBody struct {
	Symbols []string `json:"symbols"`
	UseCase string   `json:"use_case"`
}

func (s *server) handlePostQuotes(w http.ResponseWriter, r *http.Request) {
	var b quotesBody
	if !decode(w, r, &b) {
		return
	}
	if len(b.Symbols) == 0 {
		http.Error(w, "symbols cannot be empty", http.StatusBadRequest)
		return
	}
	s.writeBatch(w, r, b.Symbols, b.UseCase)
}

func (s *server) writeBatch(w http.ResponseWriter, r *http.Request, symbols []string, useCase string) {
	if len(symbols) > maxSymbols {
		http.Error(w, fmt.Sprintf("too many symbols (max %d)", maxSymbols), http.StatusBadRequest)
		return
	}
	uc := cache.UseCaseResearch
	if useCase != "" {
		var err error
		if uc, err = cache.ParseUseCase(useCase); err != nil {
			writeError(w, err)
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	res, err := s.m.GetBatch(ctx, symbols, uc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotesResponse{Quotes: sorted(res)})
}

func sorted(m map[string]provider.Snapshot) []provider.Snapshot {
	out := make([]provider.Snapshot, 0, len(m))
	for _, sym := range slices.Sorted(maps.Keys(m)) {
		out = append(out, m[sym])
	}
	return out
}

func (s *server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := s.m.Invalidate(q.Get("symbol"), cache.UseCase(q.Get("use_case")), q.Get("reason"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *server) handleTrading(w http.ResponseWriter, r *http.Request) {
	s.writeOne(w, r, s.m.GetForTrading)
}

func (s *server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	s.writeOne(w, r, s.m.GetForAnalysis)
}

func (s *server) writeOne(w http.ResponseWriter, r *http.Request, get func(context.Context, string) (provider.Snapshot, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	snap, err := get(ctx, r.URL.Query().Get("symbol"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	symbols := splitCSV(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		http.Error(w, "missing symbols query param", http.StatusBadRequest)
		return
	}
	if len(symbols) > maxSymbols {
		http.Error(w, fmt.Sprintf("too many symbols (max %d)", maxSymbols), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	res, err := s.m.GetPortfolio(ctx, symbols)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotesResponse{Quotes: sorted(res)})
}

type priorityBody struct {
	Symbol   string         `json:"symbol"`
	UseCase  cache.UseCase  `json:"use_case"`
	Priority cache.Priority `json:"priority"`
}

func (s *server) handlePriority(w http.ResponseWriter, r *http.Request) {
	var b priorityBody
	if !decode(w, r, &b) {
		return
	}
	if err := s.m.SetPriority(b.Symbol, b.UseCase, b.Priority); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type positionsBody struct {
	Symbols []string `json:"symbols"`
	Active  bool     `json:"active"`
}

func (s *server) handlePositions(w http.ResponseWriter, r *http.Request) {
	var b positionsBody
	if !decode(w, r, &b) {
		return
	}
	for _, sym := range b.Symbols {
		if err := s.m.SetActivePosition(sym, b.Active); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type watchlistBody struct {
	Symbols []string `json:"symbols"`
}

func (s *server) handleWatchlist(w http.ResponseWriter, r *http.Request) {
	var b watchlistBody
	if !decode(w, r, &b) {
		return
	}
	if err := s.m.SetWatchlist(b.Symbols); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams change events as server-sent events until the
// client goes away or the cache closes.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := s.m.Subscribe(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Unsubscribe()

	rc := http.NewResponseController(w)
	// the server write timeout would cut the stream
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, ": subscribed %s\n\n", sub.ID)
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				log.Warnw("Skipping event", "key", ev.Key.String(), "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, b); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, cache.ErrInvalidSymbol),
		errors.Is(err, cache.ErrUnknownUseCase),
		errors.Is(err, cache.ErrUnknownPriority),
		errors.Is(err, cache.ErrInvalidFilter):
		status = http.StatusBadRequest
	case errors.Is(err, cache.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
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
