package polygon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Bar is an OHLCV aggregate inside a ticker snapshot.
type Bar struct {
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
	VWAP   float64 `json:"vw"`
}

// Trade is the last trade of a ticker. Timestamp is in Unix nanoseconds.
type Trade struct {
	Price     float64 `json:"p"`
	Size      float64 `json:"s"`
	Timestamp int64   `json:"t"`
}

// TickerSnapshot is the current market state of one ticker.
type TickerSnapshot struct {
	Ticker    string `json:"ticker"`
	Day       Bar    `json:"day"`
	Minute    Bar    `json:"min"`
	PrevDay   Bar    `json:"prevDay"`
	LastTrade Trade  `json:"lastTrade"`
	// Updated is the last change of the snapshot in Unix nanoseconds.
	Updated int64 `json:"updated"`
}

// Price is the last trade price, or the latest minute or day close when
// the trade is missing. Zero means no intraday data.
func (s TickerSnapshot) Price() float64 {
	switch {
	case s.LastTrade.Price > 0:
		return s.LastTrade.Price
	case s.Minute.Close > 0:
		return s.Minute.Close
	default:
		return s.Day.Close
	}
}

// Time is the time of the last trade, falling back to the update time.
func (s TickerSnapshot) Time() time.Time {
	ns := s.LastTrade.Timestamp
	if ns <= 0 {
		ns = s.Updated
	}
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

type tickerSnapshotResponse struct {
	Status string          `json:"status"`
	Ticker *TickerSnapshot `json:"ticker"`
}

// GetSnapshot retrieves the current snapshot of ticker. A ticker without
// intraday data yields ErrNoResults.
func (c *Client) GetSnapshot(ctx context.Context, ticker string, opts ...ClientOption) (*TickerSnapshot, error) {
	override := c.override(opts)

	var body tickerSnapshotResponse
	path := fmt.Sprintf("/v2/snapshot/locale/us/markets/stocks/tickers/%s", url.PathEscape(ticker))
	if err := override.get(ctx, path, nil, &body); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", ticker, ErrNoResults)
		}
		return nil, err
	}
	if body.Ticker == nil || body.Ticker.Price() <= 0 {
		return nil, fmt.Errorf("%s: %w", ticker, ErrNoResults)
	}

	snap := body.Ticker
	if snap.Ticker == "" {
		snap.Ticker = ticker
	}
	return snap, nil
}
