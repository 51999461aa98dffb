package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"helios/pkg/errors"
	"helios/pkg/logger"
)

const (
	defaultBaseURL = "https://api.binance.com"
	defaultTimeout = 10 * time.Second
)

// Config configures the market data client
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Snapshot is a point-in-time view of a symbol, formatted for prompting
type Snapshot struct {
	Symbol  string
	Price   decimal.Decimal
	Summary string
}

// Client fetches spot market snapshots from the exchange's public REST API.
// No credentials needed: the 24h ticker endpoint is unauthenticated.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

// NewClient creates a market data client
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		log:     log.With("component", "marketdata"),
	}
}

// ticker24h is the subset of the exchange's 24hr ticker payload we use.
// The exchange serializes numbers as strings.
type ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
}

// Snapshot fetches the 24h ticker for symbol and formats it for the prompt
func (c *Client) Snapshot(ctx context.Context, symbol string) (Snapshot, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	url := fmt.Sprintf("%s/api/v3/ticker/24hr?symbol=%s", c.baseURL, symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "build ticker request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Snapshot{}, errors.Wrapf(errors.ErrUnavailable, "ticker request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, errors.Wrapf(errors.ErrUnavailable, "ticker request returned %d", resp.StatusCode)
	}

	var ticker ticker24h
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode ticker response")
	}

	price, err := decimal.NewFromString(ticker.LastPrice)
	if err != nil {
		return Snapshot{}, errors.Wrapf(errors.ErrInvalidInput, "unparseable last price %q", ticker.LastPrice)
	}

	summary := fmt.Sprintf(
		"24h change: %s%%\n24h high: %s\n24h low: %s\n24h volume: %s",
		ticker.PriceChangePercent, ticker.HighPrice, ticker.LowPrice, ticker.Volume,
	)

	return Snapshot{
		Symbol:  symbol,
		Price:   price,
		Summary: summary,
	}, nil
}
