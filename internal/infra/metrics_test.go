package infra

import (
	"testing"
	"time"
)

func TestMetrics_Counters(t *testing.T) {
	m := &Metrics{}

	m.RecordProviderCall()
	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordRateLimitVeto()
	m.RecordFallback()

	snap := m.Snapshot()

	if snap.ProviderCalls != 1 {
		t.Errorf("Expected 1 provider call, got %d", snap.ProviderCalls)
	}
	if snap.CacheHits != 2 {
		t.Errorf("Expected 2 cache hits, got %d", snap.CacheHits)
	}
	if snap.CacheMisses != 1 {
		t.Errorf("Expected 1 cache miss, got %d", snap.CacheMisses)
	}
	if snap.RateLimitVetoes != 1 {
		t.Errorf("Expected 1 veto, got %d", snap.RateLimitVetoes)
	}
	if snap.FallbacksServed != 1 {
		t.Errorf("Expected 1 fallback, got %d", snap.FallbacksServed)
	}
}

func TestMetrics_LastRefresh(t *testing.T) {
	m := &Metrics{}

	if !m.LastRefresh().IsZero() {
		t.Error("Expected zero last refresh before any refresh")
	}

	before := time.Now()
	m.RecordRefresh()
	got := m.LastRefresh()

	if got.Before(before) || got.After(time.Now()) {
		t.Errorf("LastRefresh %v out of range", got)
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}
	m.RecordProviderCall()
	m.RecordError()
	m.RecordRefresh()

	m.Reset()
	snap := m.Snapshot()

	if snap.ProviderCalls != 0 || snap.ErrorsTotal != 0 || !snap.LastRefresh.IsZero() {
		t.Errorf("Expected cleared metrics, got %+v", snap)
	}
}

func TestCalculateBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{10, 60 * time.Second},
		{-1, 1 * time.Second},
	}
	for _, c := range cases {
		if got := CalculateBackoff(c.attempt); got != c.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}
