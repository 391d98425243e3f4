package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultAwesomeHost = "https://economia.awesomeapi.com.br"
	defaultAwesomePair = "USD-BRL"
)

// CommercialDollarClient reads the commercial dollar quote from
// AwesomeAPI. The bid side is what desks publish as "dólar comercial".
type CommercialDollarClient struct {
	host       string
	pair       string
	httpClient *http.Client
}

func NewCommercialDollarClient(httpClient *http.Client, host, pair string) *CommercialDollarClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if host == "" {
		host = defaultAwesomeHost
	}
	if pair == "" {
		pair = defaultAwesomePair
	}
	return &CommercialDollarClient{
		host:       strings.TrimRight(host, "/"),
		pair:       pair,
		httpClient: httpClient,
	}
}

func (c *CommercialDollarClient) FetchBaseRate(ctx context.Context) (decimal.Decimal, error) {
	body, err := doRequest(ctx, c.httpClient, c.host+"/json/last/"+c.pair, nil)
	if err != nil {
		return decimal.Zero, err
	}
	var payload map[string]struct {
		Bid string `json:"bid"`
		Ask string `json:"ask"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("decode awesomeapi quote: %w", err)
	}
	quote, ok := payload[strings.ReplaceAll(c.pair, "-", "")]
	if !ok {
		return decimal.Zero, fmt.Errorf("pair %s missing from awesomeapi response", c.pair)
	}
	rate, err := decimal.NewFromString(quote.Bid)
	if err != nil {
		return decimal.Zero, fmt.Errorf("awesomeapi bid %q: %w", quote.Bid, err)
	}
	return rate, nil
}
