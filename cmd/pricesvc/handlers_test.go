package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/domain"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/service"

	"github.com/shopspring/decimal"
)

type fakeResolver struct {
	result service.Result
	err    error
	status service.Status
}

func (f fakeResolver) Resolve(_ context.Context, symbols []string) (service.Result, error) {
	return f.result, f.err
}

func (f fakeResolver) Status(_ context.Context) service.Status {
	return f.status
}

func TestWritePricesOK(t *testing.T) {
	r := fakeResolver{result: service.Result{
		Prices: map[string]domain.PriceRecord{
			"BTC": {
				AssetKey:  "BTC",
				PriceUSD:  decimal.NewFromInt(65000),
				UpdatedAt: time.Now(),
				Source:    domain.SourceTokenMetrics,
			},
		},
	}}

	rr := httptest.NewRecorder()
	writePrices(rr, context.Background(), r, "BTC")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	var resp pricesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Prices) != 1 || resp.Prices["BTC"].Source != domain.SourceTokenMetrics {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if resp.Warning != "" {
		t.Errorf("unexpected warning: %q", resp.Warning)
	}
}

func TestWritePricesDegradedCarriesWarning(t *testing.T) {
	r := fakeResolver{result: service.Result{
		Prices:  map[string]domain.PriceRecord{},
		Warning: "price providers unavailable (tokenmetrics), serving last known prices",
	}}

	rr := httptest.NewRecorder()
	writePrices(rr, context.Background(), r, "BTC,ETH")
	if rr.Code != http.StatusOK {
		t.Fatalf("degraded resolution must still return 200, got %d", rr.Code)
	}
	var resp pricesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Warning == "" {
		t.Error("expected warning in degraded response")
	}
}

func TestWritePricesMissingSymbols(t *testing.T) {
	rr := httptest.NewRecorder()
	writePrices(rr, context.Background(), fakeResolver{}, " , ")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestWritePricesAuthErrorIs500(t *testing.T) {
	r := fakeResolver{err: &domain.AuthError{Provider: "tokenmetrics"}}
	rr := httptest.NewRecorder()
	writePrices(rr, context.Background(), r, "BTC")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for auth failure, got %d", rr.Code)
	}
}

func TestWriteStatus(t *testing.T) {
	r := fakeResolver{status: service.Status{
		Providers: []service.ProviderStatus{{Name: "tokenmetrics", Available: true, CallsRemaining: 42}},
	}}
	connected := true

	rr := httptest.NewRecorder()
	writeStatus(rr, context.Background(), r, &connected)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	var s statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(s.Providers) != 1 || s.Providers[0].CallsRemaining != 42 {
		t.Fatalf("unexpected status: %+v", s)
	}
	if s.StreamConnected == nil || !*s.StreamConnected {
		t.Errorf("expected stream_connected=true, got %v", s.StreamConnected)
	}
}

func TestWriteStatusOmitsStreamWhenUnconfigured(t *testing.T) {
	rr := httptest.NewRecorder()
	writeStatus(rr, context.Background(), fakeResolver{}, nil)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rr.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := raw["stream_connected"]; ok {
		t.Error("stream_connected should be omitted when no stream worker exists")
	}
}

func TestSplitSymbols(t *testing.T) {
	got := splitSymbols(" BTC , ,ETH,")
	if len(got) != 2 || got[0] != "BTC" || got[1] != "ETH" {
		t.Errorf("unexpected split: %v", got)
	}
}
