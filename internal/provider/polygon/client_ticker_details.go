package polygon

import (
	"context"
	"fmt"
	"net/url"
)

// TickerDetails is the reference data of one ticker.
type TickerDetails struct {
	Ticker          string  `json:"ticker"`
	Name            string  `json:"name"`
	Market          string  `json:"market"`
	PrimaryExchange string  `json:"primary_exchange"`
	Active          bool    `json:"active"`
	CurrencyName    string  `json:"currency_name"`
	MarketCap       float64 `json:"market_cap"`
	// WeightedSharesOutstanding is used to estimate a market cap when
	// Polygon does not report one.
	WeightedSharesOutstanding float64 `json:"weighted_shares_outstanding"`
}

type tickerDetailsResponse struct {
	Status  string         `json:"status"`
	Results *TickerDetails `json:"results"`
}

// GetTickerDetails retrieves reference data for ticker.
func (c *Client) GetTickerDetails(ctx context.Context, ticker string, opts ...ClientOption) (*TickerDetails, error) {
	override := c.override(opts)

	var body tickerDetailsResponse
	path := fmt.Sprintf("/v3/reference/tickers/%s", url.PathEscape(ticker))
	if err := override.get(ctx, path, nil, &body); err != nil {
		return nil, err
	}
	if body.Results == nil {
		return nil, fmt.Errorf("%s: %w", ticker, ErrNoResults)
	}
	return body.Results, nil
}
