package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultBinanceHost   = "https://api.binance.com"
	defaultBinanceSymbol = "USDTBRL"
)

// BinanceClient reads the spot ticker for the USDT/BRL pair.
type BinanceClient struct {
	host       string
	symbol     string
	httpClient *http.Client
}

func NewBinanceClient(httpClient *http.Client, host, symbol string) *BinanceClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if host == "" {
		host = defaultBinanceHost
	}
	if symbol == "" {
		symbol = defaultBinanceSymbol
	}
	return &BinanceClient{
		host:       strings.TrimRight(host, "/"),
		symbol:     symbol,
		httpClient: httpClient,
	}
}

func (c *BinanceClient) FetchBaseRate(ctx context.Context) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("symbol", c.symbol)
	body, err := doRequest(ctx, c.httpClient, c.host+"/api/v3/ticker/price", query)
	if err != nil {
		return decimal.Zero, err
	}
	var payload struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode binance ticker: %w", err)
	}
	rate, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("binance price %q: %w", payload.Price, err)
	}
	return rate, nil
}
