// Package pricefeed fetches the BRL/USDT base rate from the upstream
// markets a group can be configured to price against.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"otcdesk/internal/models"
	"otcdesk/internal/telemetry"
)

var ErrUnknownSource = errors.New("unknown pricing source")

// Source is one upstream market. FetchBaseRate returns the current
// BRL-per-USDT rate.
type Source interface {
	FetchBaseRate(ctx context.Context) (decimal.Decimal, error)
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("price feed error (%d): %s", e.Status, e.Body)
}

// Feeds picks the upstream matching a group's pricing source and folds
// every fetch into the telemetry counters.
type Feeds struct {
	Binance          Source
	CommercialDollar Source
}

func (f *Feeds) BaseRate(ctx context.Context, source string) (decimal.Decimal, error) {
	if f == nil {
		return decimal.Zero, ErrUnknownSource
	}
	var src Source
	switch source {
	case models.PricingSourceUSDTBinance:
		src = f.Binance
	case models.PricingSourceCommercialDollar:
		src = f.CommercialDollar
	default:
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	if src == nil {
		return decimal.Zero, fmt.Errorf("%w: %s has no client configured", ErrUnknownSource, source)
	}

	start := time.Now()
	rate, err := src.FetchBaseRate(ctx)
	telemetry.PriceFeedLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.PriceFeedRequests.WithLabelValues(source, outcome).Inc()
	if err != nil {
		return decimal.Zero, err
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s returned non-positive rate %s", source, rate)
	}
	return rate, nil
}

func doRequest(ctx context.Context, client *http.Client, fullURL string, query url.Values) ([]byte, error) {
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
