// Package clusters is the REST client for the liquidation-heatmap service
// that estimates where leveraged positions cluster around the market price.
package clusters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

const perSide = 2

// Client implements domain.ClusterProvider over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a cluster API client. baseURL is the service root, e.g.
// "https://heatmap.example.com". A zero timeout uses 8s.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// apiCluster is one level as returned by GET /v1/liquidation-clusters.
type apiCluster struct {
	Price    decimal.Decimal `json:"price"`
	Volume   decimal.Decimal `json:"volume"`
	Strength float64         `json:"strength"`
}

type apiResponse struct {
	Symbol   string       `json:"symbol"`
	Clusters []apiCluster `json:"clusters"`
}

// Clusters returns up to two clusters above and below price, nearest first.
// Levels exactly at price are ignored.
func (c *Client) Clusters(ctx context.Context, symbol string, price decimal.Decimal) (above, below []domain.LiquidationCluster, err error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doGet(ctx, "/v1/liquidation-clusters?"+params.Encode())
	if err != nil {
		return nil, nil, fmt.Errorf("clusters: get %s: %w", symbol, err)
	}

	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("clusters: decode %s: %w", symbol, err)
	}

	for _, ac := range resp.Clusters {
		if !ac.Price.IsPositive() {
			continue
		}
		lc := domain.LiquidationCluster{
			Price:    ac.Price,
			Strength: clampStrength(ac.Strength),
			Volume:   ac.Volume,
		}
		if price.IsPositive() {
			lc.Distance = ac.Price.Sub(price).Div(price).InexactFloat64()
		}
		switch ac.Price.Cmp(price) {
		case 1:
			lc.Side = domain.ClusterAbove
			above = append(above, lc)
		case -1:
			lc.Side = domain.ClusterBelow
			below = append(below, lc)
		}
	}

	sort.Slice(above, func(i, j int) bool { return above[i].Price.LessThan(above[j].Price) })
	sort.Slice(below, func(i, j int) bool { return below[i].Price.GreaterThan(below[j].Price) })
	return head(above), head(below), nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}

func head(cs []domain.LiquidationCluster) []domain.LiquidationCluster {
	if len(cs) > perSide {
		return cs[:perSide]
	}
	return cs
}

func clampStrength(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}

// Compile-time interface check.
var _ domain.ClusterProvider = (*Client)(nil)
