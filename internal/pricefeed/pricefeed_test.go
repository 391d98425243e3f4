package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"otcdesk/internal/models"
)

type fixedSource struct {
	rate decimal.Decimal
	err  error
}

func (s fixedSource) FetchBaseRate(ctx context.Context) (decimal.Decimal, error) {
	return s.rate, s.err
}

func TestBinanceClient_FetchBaseRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/price" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "USDTBRL" {
			t.Fatalf("symbol=%s", got)
		}
		w.Write([]byte(`{"symbol":"USDTBRL","price":"5.8432"}`))
	}))
	defer srv.Close()

	client := NewBinanceClient(srv.Client(), srv.URL, "")
	rate, err := client.FetchBaseRate(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !rate.Equal(decimal.RequireFromString("5.8432")) {
		t.Fatalf("rate=%s want=5.8432", rate)
	}
}

func TestBinanceClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "teapot", http.StatusTeapot)
	}))
	defer srv.Close()

	client := NewBinanceClient(srv.Client(), srv.URL, "")
	_, err := client.FetchBaseRate(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err=%v want APIError", err)
	}
	if apiErr.Status != http.StatusTeapot {
		t.Fatalf("status=%d", apiErr.Status)
	}
}

func TestBinanceClient_BadPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"USDTBRL","price":"n/a"}`))
	}))
	defer srv.Close()

	client := NewBinanceClient(srv.Client(), srv.URL, "")
	if _, err := client.FetchBaseRate(context.Background()); err == nil {
		t.Fatalf("expected error on unparseable price")
	}
}

func TestCommercialDollarClient_FetchBaseRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/last/USD-BRL" {
			t.Fatalf("path=%s", r.URL.Path)
		}
		w.Write([]byte(`{"USDBRL":{"bid":"5.4301","ask":"5.4399"}}`))
	}))
	defer srv.Close()

	client := NewCommercialDollarClient(srv.Client(), srv.URL, "")
	rate, err := client.FetchBaseRate(context.Background())
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if !rate.Equal(decimal.RequireFromString("5.4301")) {
		t.Fatalf("rate=%s want=5.4301", rate)
	}
}

func TestFeeds_BaseRate(t *testing.T) {
	binance := decimal.RequireFromString("5.85")
	dollar := decimal.RequireFromString("5.43")
	feeds := &Feeds{
		Binance:          fixedSource{rate: binance},
		CommercialDollar: fixedSource{rate: dollar},
	}

	got, err := feeds.BaseRate(context.Background(), models.PricingSourceUSDTBinance)
	if err != nil || !got.Equal(binance) {
		t.Fatalf("binance got=%s err=%v", got, err)
	}
	got, err = feeds.BaseRate(context.Background(), models.PricingSourceCommercialDollar)
	if err != nil || !got.Equal(dollar) {
		t.Fatalf("dollar got=%s err=%v", got, err)
	}

	if _, err := feeds.BaseRate(context.Background(), "parallel"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("err=%v want ErrUnknownSource", err)
	}
}

func TestFeeds_BaseRateRejectsNonPositive(t *testing.T) {
	feeds := &Feeds{Binance: fixedSource{rate: decimal.Zero}}
	if _, err := feeds.BaseRate(context.Background(), models.PricingSourceUSDTBinance); err == nil {
		t.Fatalf("expected error on zero rate")
	}
}

func TestFeeds_BaseRatePropagatesSourceError(t *testing.T) {
	upstream := errors.New("boom")
	feeds := &Feeds{Binance: fixedSource{err: upstream}}
	if _, err := feeds.BaseRate(context.Background(), models.PricingSourceUSDTBinance); !errors.Is(err, upstream) {
		t.Fatalf("err=%v want wrapped boom", err)
	}
}
