// Package service orchestrates price resolution across the local cache,
// the shared store, the provider chain and the fallback tier.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/coalesce"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/domain"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/infra"
)

// refreshTimeout bounds a detached provider refresh. It has to cover the
// slowest chain member, a fully chunked TokenMetrics fetch with its
// inter-batch delays.
const refreshTimeout = 5 * time.Minute

// Result is the outcome of one Resolve call. Prices maps normalized
// asset keys to their best available record; keys that could not be
// resolved at any tier are absent. Warning carries a human-readable
// degradation notice when provider data could not be fetched.
type Result struct {
	Prices  map[string]domain.PriceRecord
	Warning string
}

// Resolver resolves asset prices through a tiered lookup:
// local cache, fresh store rows, rate-limit-gated provider chain,
// extended-age store rows, stablecoin fallback.
type Resolver struct {
	cache     domain.KVCache
	store     domain.PriceStore
	limiter   domain.CallLimiter
	providers []domain.PriceProvider
	metrics   *infra.Metrics
	group     coalesce.Group

	cacheTTL       time.Duration
	freshWindow    time.Duration
	extendedWindow time.Duration
}

// NewResolver wires a resolver over the given ports. Providers are
// consulted in slice order.
func NewResolver(
	cache domain.KVCache,
	store domain.PriceStore,
	limiter domain.CallLimiter,
	providers []domain.PriceProvider,
	metrics *infra.Metrics,
	cacheTTL, freshWindow, extendedWindow time.Duration,
) *Resolver {
	return &Resolver{
		cache:          cache,
		store:          store,
		limiter:        limiter,
		providers:      providers,
		metrics:        metrics,
		cacheTTL:       cacheTTL,
		freshWindow:    freshWindow,
		extendedWindow: extendedWindow,
	}
}

// fetchOutcome travels through the coalescer so that a degraded fetch
// (warning, no error) is shared with waiting callers exactly like a
// successful one. Only auth failures travel as errors.
type fetchOutcome struct {
	prices  map[string]domain.PriceRecord
	warning string
}

// Resolve returns the best available USD price for each requested symbol.
// A missing key in the result means the asset could not be priced at any
// tier; that alone is not an error. The only error Resolve returns is an
// authentication failure, which no amount of waiting will fix.
func (r *Resolver) Resolve(ctx context.Context, symbols []string) (Result, error) {
	keys := normalizeKeys(symbols)
	result := Result{Prices: make(map[string]domain.PriceRecord, len(keys))}
	if len(keys) == 0 {
		return result, nil
	}

	missing := r.resolveFromCache(keys, result.Prices)
	if len(missing) == 0 {
		return result, nil
	}

	missing = r.resolveFromStore(ctx, missing, result.Prices)
	if len(missing) == 0 {
		return result, nil
	}

	outcome, err := r.fetchMissing(ctx, missing)
	if err != nil {
		return Result{}, err
	}
	for key, rec := range outcome.prices {
		result.Prices[key] = rec
	}
	result.Warning = outcome.warning

	still := make([]string, 0, len(missing))
	for _, key := range missing {
		if _, ok := result.Prices[key]; !ok {
			still = append(still, key)
		}
	}
	if note := r.resolveDegraded(ctx, still, result.Prices); note != "" {
		if result.Warning != "" {
			result.Warning += "; " + note
		} else {
			result.Warning = note
		}
	}
	return result, nil
}

// resolveFromCache fills hits from the local cache and returns the keys
// still unresolved. Cached records are re-tagged so callers can tell a
// cache read from a live provider fetch.
func (r *Resolver) resolveFromCache(keys []string, out map[string]domain.PriceRecord) []string {
	missing := make([]string, 0, len(keys))
	for _, key := range keys {
		data, ok := r.cache.Get(key)
		if !ok {
			r.metrics.RecordCacheMiss()
			missing = append(missing, key)
			continue
		}
		var rec domain.PriceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			r.cache.Delete(key)
			r.metrics.RecordCacheMiss()
			missing = append(missing, key)
			continue
		}
		rec.Source = domain.SourceCache
		out[key] = rec
		r.metrics.RecordCacheHit()
	}
	return missing
}

// resolveFromStore fills hits from store rows inside the fresh window.
// Store failures degrade to a miss so the provider tier can still run.
func (r *Resolver) resolveFromStore(ctx context.Context, keys []string, out map[string]domain.PriceRecord) []string {
	rows, err := r.store.GetFresh(ctx, keys, r.freshWindow)
	if err != nil {
		slog.Warn("store read failed, continuing to providers", slog.Any("error", err))
		r.metrics.RecordError()
		return keys
	}

	missing := make([]string, 0, len(keys))
	for _, key := range keys {
		rec, ok := rows[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		rec.Source = domain.SourceCache
		out[key] = rec
		r.metrics.RecordStoreHit()
		r.cacheRecord(rec)
	}
	return missing
}

// fetchMissing runs the provider chain, coalescing concurrent requests
// for the same symbol set onto one in-flight fetch. The fetch runs on a
// context detached from the first caller's request deadline: once a
// refresh starts it runs to completion, and every coalesced waiter gets
// its outcome even if the caller that started it went away.
func (r *Resolver) fetchMissing(ctx context.Context, keys []string) (fetchOutcome, error) {
	v, shared, err := r.group.Do(coalesce.Key(keys), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return r.fetchFromProviders(fctx, keys)
	})
	if err != nil {
		return fetchOutcome{}, err
	}
	if shared {
		slog.Debug("refresh coalesced", slog.Int("symbols", len(keys)))
	}
	return v.(fetchOutcome), nil
}

// fetchFromProviders walks the provider chain in order. Each provider is
// skipped when the limiter vetoes it; a retriable failure moves on to the
// next provider; an auth failure aborts the chain. Fetched records are
// persisted and cached before being returned.
func (r *Resolver) fetchFromProviders(ctx context.Context, keys []string) (interface{}, error) {
	var failures []string
	for _, p := range r.providers {
		if !r.limiter.CanCall(p.Name()) {
			r.metrics.RecordRateLimitVeto()
			slog.Debug("provider vetoed by rate limiter",
				slog.String("provider", p.Name()),
				slog.Duration("retry_in", r.limiter.TimeUntilNext(p.Name())))
			continue
		}

		r.limiter.RecordCall(p.Name())
		r.metrics.RecordProviderCall()
		records, err := p.FetchBySymbols(ctx, keys)
		if err != nil {
			r.metrics.RecordError()
			var authErr *domain.AuthError
			if errors.As(err, &authErr) {
				return nil, err
			}
			var rlErr *domain.RateLimitedError
			if errors.As(err, &rlErr) {
				r.limiter.Penalize(p.Name(), rlErr.RetryAfter)
			}
			slog.Warn("provider fetch failed",
				slog.String("provider", p.Name()),
				slog.Any("error", err))
			failures = append(failures, p.Name())
			continue
		}
		if len(records) == 0 {
			continue
		}

		r.metrics.RecordRefresh()
		r.persist(ctx, records)
		prices := make(map[string]domain.PriceRecord, len(records))
		for _, rec := range records {
			prices[rec.AssetKey] = rec
			r.cacheRecord(rec)
		}
		return fetchOutcome{prices: prices}, nil
	}

	outcome := fetchOutcome{prices: map[string]domain.PriceRecord{}}
	if len(failures) > 0 {
		outcome.warning = fmt.Sprintf("price providers unavailable (%s), serving last known prices", strings.Join(failures, ", "))
	}
	return outcome, nil
}

// resolveDegraded serves what the live tiers could not: store rows inside
// the extended window marked stale, then $1.00 for known stablecoins.
// The returned note names every key that was degraded or left unresolved,
// so callers always learn when an answer is less than fresh.
func (r *Resolver) resolveDegraded(ctx context.Context, keys []string, out map[string]domain.PriceRecord) string {
	if len(keys) == 0 {
		return ""
	}

	rows, err := r.store.GetFresh(ctx, keys, r.extendedWindow)
	if err != nil {
		slog.Warn("extended store read failed", slog.Any("error", err))
		r.metrics.RecordError()
		rows = nil
	}

	var stale, fallback, unresolved []string
	for _, key := range keys {
		if rec, ok := rows[key]; ok {
			rec.Source = domain.SourceCache
			rec.IsStale = true
			out[key] = rec
			r.metrics.RecordStale()
			slog.Debug("serving stale price",
				slog.String("asset", key),
				slog.Duration("age", rec.Age()))
			stale = append(stale, key)
			continue
		}
		if domain.IsStablecoin(key) {
			out[key] = domain.StablecoinFallback(key)
			r.metrics.RecordFallback()
			fallback = append(fallback, key)
			continue
		}
		unresolved = append(unresolved, key)
	}

	var parts []string
	if len(stale) > 0 {
		parts = append(parts, "serving stale prices for "+strings.Join(stale, ", "))
	}
	if len(fallback) > 0 {
		parts = append(parts, "using $1.00 fallback for "+strings.Join(fallback, ", "))
	}
	if len(unresolved) > 0 {
		parts = append(parts, "no price available for "+strings.Join(unresolved, ", "))
	}
	return strings.Join(parts, "; ")
}

func (r *Resolver) persist(ctx context.Context, records []domain.PriceRecord) {
	if err := r.store.Upsert(ctx, records); err != nil {
		slog.Warn("price upsert failed", slog.Any("error", err))
		r.metrics.RecordError()
	}
}

func (r *Resolver) cacheRecord(rec domain.PriceRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	r.cache.Set(rec.AssetKey, data, r.cacheTTL)
}

func normalizeKeys(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	keys := make([]string, 0, len(symbols))
	for _, s := range symbols {
		key := domain.NormalizeAssetKey(s)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}
