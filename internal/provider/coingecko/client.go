// Package coingecko fetches USD prices from the CoinGecko REST API.
// The markets endpoint is the primary path (one call carries symbol,
// price and 24h change); the simple-price endpoint is the fallback when
// markets is unavailable.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
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

// slugs maps canonical asset keys to CoinGecko coin ids. Unknown keys
// fall back to the lower-cased key, which covers coins whose id equals
// their ticker.
var slugs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"BNB":   "binancecoin",
	"XRP":   "ripple",
	"ADA":   "cardano",
	"DOGE":  "dogecoin",
	"DOT":   "polkadot",
	"MATIC": "matic-network",
	"AVAX":  "avalanche-2",
	"LINK":  "chainlink",
	"LTC":   "litecoin",
	"UNI":   "uniswap",
	"ATOM":  "cosmos",
	"TRX":   "tron",
	"SHIB":  "shiba-inu",
	"NEAR":  "near",
	"APT":   "aptos",
	"ARB":   "arbitrum",
	"OP":    "optimism",
	"USDT":  "tether",
	"USDC":  "usd-coin",
	"DAI":   "dai",
	"BUSD":  "binance-usd",
}

type marketEntry struct {
	ID        string   `json:"id"`
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"current_price"`
	Change24h *float64 `json:"price_change_percentage_24h"`
}

// Client is the CoinGecko provider client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// New creates a CoinGecko client. The API key is optional; when present
// it is sent as the pro header.
func New(cfg infra.ProviderConfig) *Client {
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: provider.NewHTTPClient(10 * time.Second),
		maxRetries: cfg.MaxRetries,
	}
}

func (c *Client) Name() string {
	return domain.SourceCoinGecko
}

// FetchBySymbols resolves symbols through the markets endpoint, falling
// back to simple-price when markets fails with a retriable error.
func (c *Client) FetchBySymbols(ctx context.Context, symbols []string) ([]domain.PriceRecord, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	idToKey := make(map[string]string, len(symbols))
	ids := make([]string, 0, len(symbols))
	for _, s := range symbols {
		key := domain.NormalizeAssetKey(s)
		if key == "" {
			continue
		}
		id, ok := slugs[key]
		if !ok {
			id = strings.ToLower(key)
		}
		if _, dup := idToKey[id]; dup {
			continue
		}
		idToKey[id] = key
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	recs, err := c.fetchMarkets(ctx, ids, idToKey)
	if err == nil {
		return recs, nil
	}
	if !domain.IsRetriable(err) {
		return nil, err
	}
	slog.Warn("coingecko markets failed, trying simple-price", slog.Any("error", err))
	return c.fetchSimplePrice(ctx, ids, idToKey)
}

// fetchMarkets calls GET /api/v3/coins/markets.
func (c *Client) fetchMarkets(ctx context.Context, ids []string, idToKey map[string]string) ([]domain.PriceRecord, error) {
	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("ids", strings.Join(ids, ","))

	body, err := c.doRequest(ctx, c.baseURL+"/api/v3/coins/markets?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var entries []marketEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, domain.NewNetworkError("decode", err)
	}

	out := make([]domain.PriceRecord, 0, len(entries))
	for _, e := range entries {
		if e.Price == nil || *e.Price <= 0 {
			continue
		}
		key, ok := idToKey[e.ID]
		if !ok {
			key = domain.NormalizeAssetKey(e.Symbol)
		}
		if key == "" {
			continue
		}
		rec := domain.PriceRecord{
			AssetKey:  key,
			PriceUSD:  decimal.NewFromFloat(*e.Price),
			UpdatedAt: time.Now(),
			Source:    domain.SourceCoinGecko,
		}
		if e.Change24h != nil {
			ch := decimal.NewFromFloat(*e.Change24h)
			rec.Change24h = &ch
		}
		out = append(out, rec)
	}
	return out, nil
}

// fetchSimplePrice calls GET /api/v3/simple/price. The response is keyed
// by coin id, so ids are mapped back to asset keys.
func (c *Client) fetchSimplePrice(ctx context.Context, ids []string, idToKey map[string]string) ([]domain.PriceRecord, error) {
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")

	body, err := c.doRequest(ctx, c.baseURL+"/api/v3/simple/price?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp map[string]struct {
		USD       *float64 `json:"usd"`
		Change24h *float64 `json:"usd_24h_change"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewNetworkError("decode", err)
	}

	out := make([]domain.PriceRecord, 0, len(resp))
	for id, v := range resp {
		key, ok := idToKey[id]
		if !ok || v.USD == nil || *v.USD <= 0 {
			continue
		}
		rec := domain.PriceRecord{
			AssetKey:  key,
			PriceUSD:  decimal.NewFromFloat(*v.USD),
			UpdatedAt: time.Now(),
			Source:    domain.SourceCoinGecko,
		}
		if v.Change24h != nil {
			ch := decimal.NewFromFloat(*v.Change24h)
			rec.Change24h = &ch
		}
		out = append(out, rec)
	}
	return out, nil
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
	req.Header.Set("accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}

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
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &domain.AuthError{Provider: c.Name(), Reason: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &domain.RateLimitedError{Provider: c.Name(), RetryAfter: time.Minute}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &domain.ProviderError{Provider: c.Name(), Status: resp.StatusCode, Message: string(msg)}
	}
}
