package polygon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
)

// ErrNoResults is returned when Polygon answered but had no data for the
// ticker.
var ErrNoResults = errors.New("no results")

// APIError is a non-200 answer from Polygon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code: %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// errorBody is the error envelope Polygon sends with 4xx answers.
type errorBody struct {
	Status  string `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) get(ctx context.Context, path string, extra url.Values, out any) error {
	query := maps.Clone(c.query)
	if query == nil {
		query = url.Values{}
	}
	for k, vs := range extra {
		for _, v := range vs {
			query.Add(k, v)
		}
	}

	u := fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.header.Clone()
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 2<<10))
		apiErr := &APIError{StatusCode: res.StatusCode}
		var body errorBody
		if json.Unmarshal(b, &body) == nil {
			apiErr.Message = strings.TrimSpace(body.Error + " " + body.Message)
		}
		return apiErr
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
