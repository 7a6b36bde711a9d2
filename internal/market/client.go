package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const defaultBaseURL = "https://api.coingecko.com/api/v3"

// Record is the market snapshot of one project
type Record struct {
	ID                       string    `json:"id"`
	Symbol                   string    `json:"symbol"`
	Name                     string    `json:"name"`
	CurrentPrice             float64   `json:"current_price"`
	MarketCap                float64   `json:"market_cap"`
	TotalVolume              float64   `json:"total_volume"`
	PriceChangePercentage24h float64   `json:"price_change_percentage_24h"`
	LastUpdated              time.Time `json:"last_updated"`
}

// Provider returns market data for project IDs
type Provider interface {
	GetMarketData(ctx context.Context, ids []string) ([]Record, error)
}

// Client talks to a CoinGecko-compatible REST API
type Client struct {
	client *resty.Client
	apiKey string
}

var _ Provider = (*Client)(nil)

// NewClient creates a client for baseURL. An empty baseURL uses the public API.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", "Crypto-Mentions-Bot/1.0"),
		apiKey: apiKey,
	}
}

// GetMarketData returns one record per known id
func (c *Client) GetMarketData(ctx context.Context, ids []string) ([]Record, error) {
	var clean []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			clean = append(clean, strings.ToLower(id))
		}
	}
	if len(clean) == 0 {
		return []Record{}, nil
	}

	req := c.client.R().
		SetContext(ctx).
		SetQueryParam("vs_currency", "usd").
		SetQueryParam("ids", strings.Join(clean, ","))
	if c.apiKey != "" {
		req.SetHeader("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := req.Get("/coins/markets")
	if err != nil {
		return nil, fmt.Errorf("market data request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("market data API returned status %d", resp.StatusCode())
	}

	var records []Record
	if err := json.Unmarshal(resp.Body(), &records); err != nil {
		return nil, fmt.Errorf("failed to parse market data: %w", err)
	}

	logrus.Debugf("Fetched market data for %d of %d projects", len(records), len(clean))
	return records, nil
}

// TriggerData returns the fields added to alert trigger data
func (r Record) TriggerData() map[string]interface{} {
	return map[string]interface{}{
		"price":          r.CurrentPrice,
		"priceChange24h": r.PriceChangePercentage24h,
		"marketCap":      r.MarketCap,
	}
}
