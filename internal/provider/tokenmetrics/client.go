// Package tokenmetrics fetches USD prices from the TokenMetrics token
// list endpoint (GET /v3/tokens, header x-api-key). Requests are chunked,
// paginated, retried with backoff, and throttling arms the shared
// penalty box.
package tokenmetrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/domain"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/infra"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/provider"

	"github.com/shopspring/decimal"
)

type tokenEntry struct {
	TokenID     int64    `json:"TOKEN_ID"`
	TokenName   string   `json:"TOKEN_NAME"`
	TokenSymbol string   `json:"TOKEN_SYMBOL"`
	Price       *float64 `json:"CURRENT_PRICE"`
	Change24h   *float64 `json:"PRICE_CHANGE_PERCENTAGE_24H_IN_CURRENCY"`
}

type tokensResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    []tokenEntry `json:"data"`
}

// Client is the TokenMetrics provider client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	penalizer  provider.Penalizer
	maxBatch   int
	batchDelay time.Duration
	maxRetries int
	penalty    time.Duration
}

// New creates a TokenMetrics client from the provider config. penalizer
// may be nil when no limiter is wired (tests).
func New(cfg infra.ProviderConfig, penalizer provider.Penalizer) *Client {
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: provider.NewHTTPClient(10 * time.Second),
		penalizer:  penalizer,
		maxBatch:   cfg.MaxBatch,
		batchDelay: time.Duration(cfg.BatchDelaySec) * time.Second,
		maxRetries: cfg.MaxRetries,
		penalty:    cfg.Penalty(),
	}
}

func (c *Client) Name() string {
	return domain.SourceTokenMetrics
}

// FetchBySymbols resolves the given symbols. Batches beyond the provider
// cap are chunked with an inter-batch delay; a chunk that keeps failing
// degrades to whatever was collected so far instead of failing the call.
// Only a missing or rejected credential is surfaced as an error.
func (c *Client) FetchBySymbols(ctx context.Context, symbols []string) ([]domain.PriceRecord, error) {
	if c.apiKey == "" {
		return nil, &domain.AuthError{Provider: c.Name(), Reason: "missing api key"}
	}
	if len(symbols) == 0 {
		return nil, nil
	}

	var out []domain.PriceRecord
	var lastErr error
	seen := make(map[string]bool, len(symbols))

	for i, batch := range provider.Chunk(symbols, c.maxBatch) {
		if i > 0 {
			// spacing between batches keeps us out of provider-side throttling
			if err := provider.SleepCtx(ctx, c.batchDelay); err != nil {
				return out, nil
			}
		}

		entries, err := c.fetchBatch(ctx, batch)
		if err != nil {
			var authErr *domain.AuthError
			if errors.As(err, &authErr) {
				return nil, err
			}
			slog.Warn("tokenmetrics batch failed",
				slog.Int("batch", i),
				slog.Int("symbols", len(batch)),
				slog.Any("error", err))
			lastErr = err
			continue
		}

		for _, e := range entries {
			rec, ok := e.toRecord()
			if !ok || seen[rec.AssetKey] {
				continue
			}
			seen[rec.AssetKey] = true
			out = append(out, rec)
		}
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// fetchBatch pages through the token list until a short page.
func (c *Client) fetchBatch(ctx context.Context, symbols []string) ([]tokenEntry, error) {
	limit := c.maxBatch
	if limit <= 0 {
		limit = len(symbols)
	}

	var entries []tokenEntry
	for page := 0; ; page++ {
		q := url.Values{}
		q.Set("symbol", strings.Join(symbols, ","))
		q.Set("limit", strconv.Itoa(limit))
		q.Set("page", strconv.Itoa(page))

		body, err := c.doRequest(ctx, c.baseURL+"/v3/tokens?"+q.Encode())
		if err != nil {
			return nil, err
		}

		var resp tokensResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, domain.NewNetworkError("decode", err)
		}
		entries = append(entries, resp.Data...)
		if len(resp.Data) < limit {
			return entries, nil
		}
	}
}

// doRequest issues one GET with retries. Network errors and 429/5xx are
// retried with exponential backoff; exhausted 429 retries arm the
// penalty box so the orchestrator backs off too.
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

	var rl *domain.RateLimitedError
	if errors.As(lastErr, &rl) && c.penalizer != nil {
		c.penalizer.Penalize(c.Name(), c.penalty)
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

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
		return nil, &domain.RateLimitedError{Provider: c.Name(), RetryAfter: c.penalty}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &domain.ProviderError{Provider: c.Name(), Status: resp.StatusCode, Message: string(msg)}
	}
}

// toRecord normalizes one token entry; entries without a positive price
// are discarded.
func (e tokenEntry) toRecord() (domain.PriceRecord, bool) {
	if e.Price == nil || *e.Price <= 0 {
		return domain.PriceRecord{}, false
	}
	key := domain.NormalizeAssetKey(e.TokenSymbol)
	if key == "" {
		return domain.PriceRecord{}, false
	}
	rec := domain.PriceRecord{
		AssetKey:  key,
		PriceUSD:  decimal.NewFromFloat(*e.Price),
		UpdatedAt: time.Now(),
		Source:    domain.SourceTokenMetrics,
	}
	if e.Change24h != nil {
		ch := decimal.NewFromFloat(*e.Change24h)
		rec.Change24h = &ch
	}
	return rec, true
}
