package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/cache"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/domain"
	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/infra"

	"github.com/shopspring/decimal"
)

// fakeProvider serves a fixed price set and records its call count.
type fakeProvider struct {
	mu      sync.Mutex
	name    string
	prices  map[string]decimal.Decimal
	err     error
	calls   int
	blockCh chan struct{} // when set, FetchBySymbols waits on it
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) FetchBySymbols(ctx context.Context, symbols []string) ([]domain.PriceRecord, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.blockCh != nil {
		<-f.blockCh
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.PriceRecord
	for _, s := range symbols {
		if price, ok := f.prices[s]; ok {
			out = append(out, domain.PriceRecord{
				AssetKey:  s,
				PriceUSD:  price,
				UpdatedAt: time.Now(),
				Source:    f.name,
			})
		}
	}
	return out, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStore is an in-memory PriceStore.
type fakeStore struct {
	mu   sync.Mutex
	rows map[string]domain.PriceRecord
	err  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]domain.PriceRecord)}
}

func (s *fakeStore) GetFresh(ctx context.Context, assetKeys []string, maxAge time.Duration) (map[string]domain.PriceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]domain.PriceRecord)
	cutoff := time.Now().Add(-maxAge)
	for _, key := range assetKeys {
		if rec, ok := s.rows[key]; ok && !rec.UpdatedAt.Before(cutoff) {
			out[key] = rec
		}
	}
	return out, nil
}

func (s *fakeStore) Upsert(ctx context.Context, records []domain.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for _, rec := range records {
		s.rows[rec.AssetKey] = rec
	}
	return nil
}

func (s *fakeStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *fakeStore) LastUpdate(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, rec := range s.rows {
		if rec.UpdatedAt.After(last) {
			last = rec.UpdatedAt
		}
	}
	return last, nil
}

// fakeLimiter permits or vetoes all providers uniformly.
type fakeLimiter struct {
	mu        sync.Mutex
	allow     bool
	recorded  []string
	penalized map[string]time.Duration
}

func newFakeLimiter(allow bool) *fakeLimiter {
	return &fakeLimiter{allow: allow, penalized: make(map[string]time.Duration)}
}

func (l *fakeLimiter) CanCall(provider string) bool { return l.allow }
func (l *fakeLimiter) TimeUntilNext(provider string) time.Duration {
	if l.allow {
		return 0
	}
	return time.Minute
}

func (l *fakeLimiter) RecordCall(provider string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recorded = append(l.recorded, provider)
}

func (l *fakeLimiter) Penalize(provider string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.penalized[provider] = d
}

func (l *fakeLimiter) CallsRemaining(provider string) int { return -1 }

func newTestResolver(store *fakeStore, limiter *fakeLimiter, providers ...domain.PriceProvider) *Resolver {
	return NewResolver(
		cache.NewMemory(),
		store,
		limiter,
		providers,
		&infra.Metrics{},
		2*time.Hour,
		time.Hour,
		24*time.Hour,
	)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestResolveFallbackChain(t *testing.T) {
	p := &fakeProvider{name: "tokenmetrics", prices: map[string]decimal.Decimal{"BTC": dec("65000")}}
	store := newFakeStore()
	r := newTestResolver(store, newFakeLimiter(true), p)

	result, err := r.Resolve(context.Background(), []string{"BTC", "USDT", "UNKNOWNCOIN"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	btc, ok := result.Prices["BTC"]
	if !ok || !btc.PriceUSD.Equal(dec("65000")) {
		t.Fatalf("expected BTC from provider, got %+v", result.Prices)
	}
	if btc.Source != "tokenmetrics" {
		t.Errorf("expected provider source, got %q", btc.Source)
	}

	usdt, ok := result.Prices["USDT"]
	if !ok || !usdt.PriceUSD.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected USDT stablecoin fallback, got %+v", result.Prices)
	}
	if usdt.Source != domain.SourceFallback {
		t.Errorf("expected fallback source, got %q", usdt.Source)
	}

	if _, ok := result.Prices["UNKNOWNCOIN"]; ok {
		t.Error("unresolvable asset should be absent, not invented")
	}

	// a partially resolved answer must carry a non-fatal note even though
	// the provider itself succeeded
	if result.Warning == "" {
		t.Fatal("expected a degradation note, got empty warning")
	}
	if !strings.Contains(result.Warning, "UNKNOWNCOIN") {
		t.Errorf("note should name the unresolved asset: %q", result.Warning)
	}
	if !strings.Contains(result.Warning, "USDT") {
		t.Errorf("note should name the fallback-served asset: %q", result.Warning)
	}
}

func TestResolveFallbackIsNeverPersisted(t *testing.T) {
	store := newFakeStore()
	p := &fakeProvider{name: "tokenmetrics", prices: map[string]decimal.Decimal{}}
	r := newTestResolver(store, newFakeLimiter(true), p)

	if _, err := r.Resolve(context.Background(), []string{"USDT"}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if count, _ := store.Count(context.Background()); count != 0 {
		t.Errorf("fallback price leaked into the store, %d rows", count)
	}
}

func TestResolveCacheHitSkipsProvider(t *testing.T) {
	p := &fakeProvider{name: "tokenmetrics", prices: map[string]decimal.Decimal{"BTC": dec("65000")}}
	r := newTestResolver(newFakeStore(), newFakeLimiter(true), p)

	ctx := context.Background()
	if _, err := r.Resolve(ctx, []string{"BTC"}); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	result, err := r.Resolve(ctx, []string{"BTC"})
	if err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}

	if p.callCount() != 1 {
		t.Errorf("expected 1 provider call, got %d", p.callCount())
	}
	if result.Prices["BTC"].Source != domain.SourceCache {
		t.Errorf("expected cache source on second read, got %q", result.Prices["BTC"].Source)
	}
}

func TestResolveFreshStoreRowSkipsProvider(t *testing.T) {
	store := newFakeStore()
	store.Upsert(context.Background(), []domain.PriceRecord{{
		AssetKey:  "ETH",
		PriceUSD:  dec("3200"),
		UpdatedAt: time.Now().Add(-10 * time.Minute),
		Source:    "coingecko",
	}})
	p := &fakeProvider{name: "tokenmetrics", prices: map[string]decimal.Decimal{"ETH": dec("9999")}}
	r := newTestResolver(store, newFakeLimiter(true), p)

	result, err := r.Resolve(context.Background(), []string{"ETH"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if p.callCount() != 0 {
		t.Errorf("fresh store row should preempt the provider, got %d calls", p.callCount())
	}
	eth := result.Prices["ETH"]
	if !eth.PriceUSD.Equal(dec("3200")) || eth.Source != domain.SourceCache {
		t.Errorf("unexpected record: %+v", eth)
	}
	if eth.IsStale {
		t.Error("row inside the fresh window must not be marked stale")
	}
}

func TestResolveRateLimitVeto(t *testing.T) {
	store := newFakeStore()
	store.Upsert(context.Background(), []domain.PriceRecord{{
		AssetKey:  "ETH",
		PriceUSD:  dec("3200"),
		UpdatedAt: time.Now().Add(-20 * time.Hour),
		Source:    "coingecko",
	}})
	p := &fakeProvider{name: "tokenmetrics", prices: map[string]decimal.Decimal{"ETH": dec("9999")}}
	r := newTestResolver(store, newFakeLimiter(false), p)

	result, err := r.Resolve(context.Background(), []string{"ETH"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if p.callCount() != 0 {
		t.Errorf("vetoed provider must never be invoked, got %d calls", p.callCount())
	}

	eth, ok := result.Prices["ETH"]
	if !ok {
		t.Fatal("expected extended-window row to be served under a veto")
	}
	if !eth.IsStale {
		t.Error("20h-old row must be marked stale")
	}
	if !eth.PriceUSD.Equal(dec("3200")) {
		t.Errorf("unexpected price: %s", eth.PriceUSD)
	}
	if !strings.Contains(result.Warning, "ETH") {
		t.Errorf("expected stale note naming ETH, got %q", result.Warning)
	}
}

func TestResolveProviderFailureDegrades(t *testing.T) {
	store := newFakeStore()
	store.Upsert(context.Background(), []domain.PriceRecord{{
		AssetKey:  "ETH",
		PriceUSD:  dec("3200"),
		UpdatedAt: time.Now().Add(-20 * time.Hour),
		Source:    "coingecko",
	}})
	p := &fakeProvider{name: "tokenmetrics", err: domain.NewNetworkError("fetch", errors.New("connection refused"))}
	r := newTestResolver(store, newFakeLimiter(true), p)

	result, err := r.Resolve(context.Background(), []string{"ETH"})
	if err != nil {
		t.Fatalf("network failure must degrade, not error: %v", err)
	}
	if result.Warning == "" || !strings.Contains(result.Warning, "tokenmetrics") {
		t.Errorf("expected degradation warning naming the provider, got %q", result.Warning)
	}
	eth, ok := result.Prices["ETH"]
	if !ok || !eth.IsStale {
		t.Fatalf("expected stale extended-window row, got %+v", result.Prices)
	}
}

func TestResolveAuthErrorPropagates(t *testing.T) {
	p := &fakeProvider{name: "tokenmetrics", err: &domain.AuthError{Provider: "tokenmetrics"}}
	r := newTestResolver(newFakeStore(), newFakeLimiter(true), p)

	_, err := r.Resolve(context.Background(), []string{"BTC"})
	var authErr *domain.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestResolveRateLimitedErrorArmsPenalty(t *testing.T) {
	p := &fakeProvider{name: "tokenmetrics", err: &domain.RateLimitedError{Provider: "tokenmetrics", RetryAfter: 5 * time.Minute}}
	limiter := newFakeLimiter(true)
	r := newTestResolver(newFakeStore(), limiter, p)

	if _, err := r.Resolve(context.Background(), []string{"BTC"}); err != nil {
		t.Fatalf("rate limit must degrade, not error: %v", err)
	}
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if limiter.penalized["tokenmetrics"] != 5*time.Minute {
		t.Errorf("expected 5m penalty, got %v", limiter.penalized["tokenmetrics"])
	}
}

func TestResolveProviderChainOrder(t *testing.T) {
	first := &fakeProvider{name: "tokenmetrics", err: domain.NewNetworkError("fetch", errors.New("down"))}
	second := &fakeProvider{name: "coingecko", prices: map[string]decimal.Decimal{"BTC": dec("64900")}}
	limiter := newFakeLimiter(true)
	r := newTestResolver(newFakeStore(), limiter, first, second)

	result, err := r.Resolve(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result.Prices["BTC"].Source != "coingecko" {
		t.Errorf("expected second provider to serve, got %q", result.Prices["BTC"].Source)
	}
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.recorded) != 2 {
		t.Errorf("expected both chain attempts recorded, got %v", limiter.recorded)
	}
}

func TestResolveNormalizesSymbols(t *testing.T) {
	p := &fakeProvider{name: "tokenmetrics", prices: map[string]decimal.Decimal{"BTC": dec("65000")}}
	r := newTestResolver(newFakeStore(), newFakeLimiter(true), p)

	result, err := r.Resolve(context.Background(), []string{"btc", "BTC/USDT", "BTC"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(result.Prices) != 1 {
		t.Fatalf("expected one deduplicated key, got %v", result.Prices)
	}
	if _, ok := result.Prices["BTC"]; !ok {
		t.Error("expected canonical BTC key")
	}
	if p.callCount() != 1 {
		t.Errorf("expected a single provider call, got %d", p.callCount())
	}
}

func TestResolveCoalescesConcurrentRequests(t *testing.T) {
	block := make(chan struct{})
	p := &fakeProvider{
		name:    "tokenmetrics",
		prices:  map[string]decimal.Decimal{"BTC": dec("65000")},
		blockCh: block,
	}
	r := newTestResolver(newFakeStore(), newFakeLimiter(true), p)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), []string{"BTC"})
			if err != nil {
				t.Errorf("Resolve failed: %v", err)
				return
			}
			results[i] = res
		}(i)
	}

	// let everyone reach the coalescer before the fetch completes
	time.Sleep(100 * time.Millisecond)
	close(block)
	wg.Wait()

	if got := p.callCount(); got != 1 {
		t.Fatalf("expected 1 coalesced fetch, got %d", got)
	}
	for i, res := range results {
		if !res.Prices["BTC"].PriceUSD.Equal(dec("65000")) {
			t.Errorf("caller %d got %+v", i, res.Prices["BTC"])
		}
	}
}

// holdingProvider blocks until released, then reports whether the context
// it was handed had been cancelled in the meantime.
type holdingProvider struct {
	entered chan struct{}
	release chan struct{}
}

func (h *holdingProvider) Name() string { return "tokenmetrics" }

func (h *holdingProvider) FetchBySymbols(ctx context.Context, symbols []string) ([]domain.PriceRecord, error) {
	close(h.entered)
	<-h.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []domain.PriceRecord{{
		AssetKey:  "BTC",
		PriceUSD:  dec("65000"),
		UpdatedAt: time.Now(),
		Source:    "tokenmetrics",
	}}, nil
}

func TestResolveRefreshSurvivesCallerCancellation(t *testing.T) {
	p := &holdingProvider{entered: make(chan struct{}), release: make(chan struct{})}
	r := newTestResolver(newFakeStore(), newFakeLimiter(true), p)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.Resolve(ctx, []string{"BTC"})
		done <- outcome{res, err}
	}()

	// cancel the initiating caller while the fetch is in flight
	<-p.entered
	cancel()
	close(p.release)

	got := <-done
	if got.err != nil {
		t.Fatalf("Resolve failed: %v", got.err)
	}
	btc, ok := got.res.Prices["BTC"]
	if !ok || !btc.PriceUSD.Equal(dec("65000")) {
		t.Fatalf("refresh should run to completion despite cancellation, got %+v", got.res)
	}
	if got.res.Warning != "" {
		t.Errorf("unexpected warning: %q", got.res.Warning)
	}
}

func TestStatusSnapshot(t *testing.T) {
	store := newFakeStore()
	store.Upsert(context.Background(), []domain.PriceRecord{{
		AssetKey:  "BTC",
		PriceUSD:  dec("65000"),
		UpdatedAt: time.Now(),
		Source:    "tokenmetrics",
	}})
	p := &fakeProvider{name: "tokenmetrics"}
	r := newTestResolver(store, newFakeLimiter(true), p)

	s := r.Status(context.Background())
	if len(s.Providers) != 1 || s.Providers[0].Name != "tokenmetrics" {
		t.Fatalf("unexpected providers: %+v", s.Providers)
	}
	if !s.Providers[0].Available {
		t.Error("expected provider to be available")
	}
	if s.StoredAssets != 1 {
		t.Errorf("expected 1 stored asset, got %d", s.StoredAssets)
	}
	if s.LastStoreWrite == nil {
		t.Error("expected last store write to be set")
	}
}
