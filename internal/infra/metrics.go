package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	providerCalls   atomic.Uint64
	cacheHits       atomic.Uint64
	cacheMisses     atomic.Uint64
	storeHits       atomic.Uint64
	staleServed     atomic.Uint64
	fallbacksServed atomic.Uint64
	rateLimitVetoes atomic.Uint64
	errorsTotal     atomic.Uint64

	// Last successful provider refresh, unix nanos. 0 = never.
	lastRefreshNs atomic.Int64
}

// RecordProviderCall records one outbound provider request.
func (m *Metrics) RecordProviderCall() {
	m.providerCalls.Add(1)
}

// RecordCacheHit records a local-cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordCacheMiss records a local-cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

// RecordStoreHit records a fresh shared-store read.
func (m *Metrics) RecordStoreHit() {
	m.storeHits.Add(1)
}

// RecordStale records a price served beyond the fresh window.
func (m *Metrics) RecordStale() {
	m.staleServed.Add(1)
}

// RecordFallback records a synthesized fallback price.
func (m *Metrics) RecordFallback() {
	m.fallbacksServed.Add(1)
}

// RecordRateLimitVeto records a provider call blocked by the local limiter.
func (m *Metrics) RecordRateLimitVeto() {
	m.rateLimitVetoes.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// RecordRefresh marks a successful provider refresh.
func (m *Metrics) RecordRefresh() {
	m.lastRefreshNs.Store(time.Now().UnixNano())
}

// LastRefresh returns the time of the last successful provider refresh,
// or the zero time if none happened yet.
func (m *Metrics) LastRefresh() time.Time {
	ns := m.lastRefreshNs.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	ProviderCalls   uint64
	CacheHits       uint64
	CacheMisses     uint64
	StoreHits       uint64
	StaleServed     uint64
	FallbacksServed uint64
	RateLimitVetoes uint64
	ErrorsTotal     uint64
	LastRefresh     time.Time
	Timestamp       time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ProviderCalls:   m.providerCalls.Load(),
		CacheHits:       m.cacheHits.Load(),
		CacheMisses:     m.cacheMisses.Load(),
		StoreHits:       m.storeHits.Load(),
		StaleServed:     m.staleServed.Load(),
		FallbacksServed: m.fallbacksServed.Load(),
		RateLimitVetoes: m.rateLimitVetoes.Load(),
		ErrorsTotal:     m.errorsTotal.Load(),
		LastRefresh:     m.LastRefresh(),
		Timestamp:       time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.providerCalls.Store(0)
	m.cacheHits.Store(0)
	m.cacheMisses.Store(0)
	m.storeHits.Store(0)
	m.staleServed.Store(0)
	m.fallbacksServed.Store(0)
	m.rateLimitVetoes.Store(0)
	m.errorsTotal.Store(0)
	m.lastRefreshNs.Store(0)
}
