package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/domain"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/infra"
)

func newTestClient(baseURL string) *Client {
	return New(infra.ProviderConfig{BaseURL: baseURL, MaxRetries: 1})
}

func TestFetchBySymbols_MarketsEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/coins/markets" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("vs_currency"); got != "usd" {
			t.Errorf("expected vs_currency=usd, got %q", got)
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{"id": "bitcoin", "symbol": "btc", "current_price": 65000.0, "price_change_percentage_24h": 1.5},
			{"id": "tether", "symbol": "usdt", "current_price": 1.0},
			{"id": "broken", "symbol": "brk", "current_price": 0.0}, // discarded
		})
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	recs, err := c.FetchBySymbols(context.Background(), []string{"BTC", "USDT", "BRK"})
	if err != nil {
		t.Fatalf("FetchBySymbols failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(recs), recs)
	}

	byKey := map[string]domain.PriceRecord{}
	for _, r := range recs {
		byKey[r.AssetKey] = r
	}
	btc := byKey["BTC"]
	if btc.PriceUSD.String() != "65000" {
		t.Errorf("unexpected BTC price %s", btc.PriceUSD)
	}
	if btc.Change24h == nil || btc.Change24h.String() != "1.5" {
		t.Errorf("unexpected BTC change: %v", btc.Change24h)
	}
	if usdt := byKey["USDT"]; usdt.Change24h != nil {
		t.Error("USDT change must be absent when the provider omits it")
	}
	if btc.Source != domain.SourceCoinGecko {
		t.Errorf("expected coingecko source, got %q", btc.Source)
	}
}

func TestFetchBySymbols_FallsBackToSimplePrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/coins/markets":
			w.WriteHeader(http.StatusInternalServerError)
		case "/api/v3/simple/price":
			json.NewEncoder(w).Encode(map[string]any{
				"bitcoin": map[string]any{"usd": 64900.0, "usd_24h_change": -0.4},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := New(infra.ProviderConfig{BaseURL: server.URL, MaxRetries: 0})
	recs, err := c.FetchBySymbols(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("FetchBySymbols failed: %v", err)
	}
	if len(recs) != 1 || recs[0].AssetKey != "BTC" {
		t.Fatalf("expected BTC from simple-price, got %+v", recs)
	}
	if recs[0].PriceUSD.String() != "64900" {
		t.Errorf("unexpected price %s", recs[0].PriceUSD)
	}
}

func TestFetchBySymbols_ProAPIKeyHeader(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-cg-pro-api-key")
		json.NewEncoder(w).Encode([]map[string]any{})
	}))
	defer server.Close()

	c := New(infra.ProviderConfig{BaseURL: server.URL, APIKey: "pro-key", MaxRetries: 0})
	if _, err := c.FetchBySymbols(context.Background(), []string{"BTC"}); err != nil {
		t.Fatalf("FetchBySymbols failed: %v", err)
	}
	if gotKey != "pro-key" {
		t.Errorf("expected pro header, got %q", gotKey)
	}
}

func TestFetchBySymbols_NonRetriableErrorPropagates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := New(infra.ProviderConfig{BaseURL: server.URL, MaxRetries: 0})
	_, err := c.FetchBySymbols(context.Background(), []string{"BTC"})

	var perr *domain.ProviderError
	if !errors.As(err, &perr) || perr.Status != http.StatusNotFound {
		t.Fatalf("expected ProviderError 404, got %v", err)
	}
}
