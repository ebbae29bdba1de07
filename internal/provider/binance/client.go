// Package binance fetches USD prices from the Binance ticker endpoints.
// Assets are quoted against USDT pairs; the websocket stream worker in
// stream.go keeps the local cache warm between REST refreshes.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/domain"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/infra"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/provider"

	"github.com/shopspring/decimal"
)

type ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
}

// Client is the Binance provider client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// New creates a Binance client. No credential is needed for public
// ticker data.
func New(cfg infra.ProviderConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: provider.NewHTTPClient(10 * time.Second),
		maxRetries: cfg.MaxRetries,
	}
}

func (c *Client) Name() string {
	return domain.SourceBinance
}

// FetchBySymbols resolves asset keys via their USDT pairs using the batch
// 24h ticker endpoint. Stablecoin quote assets (USDT itself) cannot be
// quoted against themselves and are skipped here; the resolver's fallback
// covers them.
func (c *Client) FetchBySymbols(ctx context.Context, symbols []string) ([]domain.PriceRecord, error) {
	pairs := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		key := domain.NormalizeAssetKey(s)
		if key == "" || key == "USDT" || seen[key] {
			continue
		}
		seen[key] = true
		pairs = append(pairs, key+"USDT")
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	tickers, err := c.fetchTickers(ctx, pairs)
	if err != nil {
		// A single unknown pair fails the whole batch with HTTP 400;
		// retry per symbol so one bad asset cannot sink the rest.
		var perr *domain.ProviderError
		if errors.As(err, &perr) && perr.Status == http.StatusBadRequest && len(pairs) > 1 {
			return c.fetchIndividually(ctx, pairs)
		}
		return nil, err
	}
	return toRecords(tickers), nil
}

func (c *Client) fetchTickers(ctx context.Context, pairs []string) ([]ticker24h, error) {
	// the symbols parameter is a JSON array, e.g. ["BTCUSDT","ETHUSDT"]
	arr, _ := json.Marshal(pairs)
	q := url.Values{}
	q.Set("symbols", string(arr))

	body, err := c.doRequest(ctx, c.baseURL+"/api/v3/ticker/24hr?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var tickers []ticker24h
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, domain.NewNetworkError("decode", err)
	}
	return tickers, nil
}

func (c *Client) fetchIndividually(ctx context.Context, pairs []string) ([]domain.PriceRecord, error) {
	var out []domain.PriceRecord
	for _, pair := range pairs {
		q := url.Values{}
		q.Set("symbol", pair)
		body, err := c.doRequest(ctx, c.baseURL+"/api/v3/ticker/24hr?"+q.Encode())
		if err != nil {
			slog.Debug("binance pair skipped", slog.String("pair", pair), slog.Any("error", err))
			continue
		}
		var t ticker24h
		if err := json.Unmarshal(body, &t); err != nil {
			continue
		}
		out = append(out, toRecords([]ticker24h{t})...)
	}
	return out, nil
}

func toRecords(tickers []ticker24h) []domain.PriceRecord {
	out := make([]domain.PriceRecord, 0, len(tickers))
	for _, t := range tickers {
		price, err := decimal.NewFromString(t.LastPrice)
		if err != nil || !price.IsPositive() {
			continue
		}
		key := domain.NormalizeAssetKey(strings.TrimSuffix(t.Symbol, "USDT"))
		if key == "" {
			continue
		}
		rec := domain.PriceRecord{
			AssetKey:  key,
			PriceUSD:  price,
			UpdatedAt: time.Now(),
			Source:    domain.SourceBinance,
		}
		if ch, err := decimal.NewFromString(t.PriceChangePercent); err == nil {
			rec.Change24h = &ch
		}
		out = append(out, rec)
	}
	return out
}

func (c *Client) doRequest(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := provider.SleepCtx(ctx, infra.CalculateBackoff(attempt-1)); err != nil {
				return nil, err
			}
		}

		body, err := c.doOnce(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !domain.IsRetriable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError("fetch", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, domain.NewNetworkError("read", err)
		}
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		// 418 is Binance's auto-ban status for repeat offenders
		return nil, &domain.RateLimitedError{Provider: c.Name(), RetryAfter: 2 * time.Minute}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &domain.ProviderError{Provider: c.Name(), Status: resp.StatusCode, Message: string(msg)}
	}
}
