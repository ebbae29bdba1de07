package service

import (
	"context"
	"time"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/infra"
)

// ProviderStatus reports one provider's limiter state.
type ProviderStatus struct {
	Name           string  `json:"name"`
	Available      bool    `json:"available"`
	NextCallInSec  float64 `json:"next_call_in_sec"`
	CallsRemaining int     `json:"calls_remaining"` // -1 when the provider has no hourly budget
}

// Status is the service health snapshot served by the status endpoint.
type Status struct {
	Providers      []ProviderStatus      `json:"providers"`
	CacheEntries   int                   `json:"cache_entries"`
	CacheSizeBytes int64                 `json:"cache_size_bytes"`
	StoredAssets   int64                 `json:"stored_assets"`
	LastStoreWrite *time.Time            `json:"last_store_write,omitempty"`
	Metrics        infra.MetricsSnapshot `json:"metrics"`
}

// Status reports limiter, cache and store health in one snapshot.
func (r *Resolver) Status(ctx context.Context) Status {
	s := Status{
		Providers:      make([]ProviderStatus, 0, len(r.providers)),
		CacheEntries:   r.cache.Len(),
		CacheSizeBytes: r.cache.SizeBytes(),
		Metrics:        r.metrics.Snapshot(),
	}

	for _, p := range r.providers {
		s.Providers = append(s.Providers, ProviderStatus{
			Name:           p.Name(),
			Available:      r.limiter.CanCall(p.Name()),
			NextCallInSec:  r.limiter.TimeUntilNext(p.Name()).Seconds(),
			CallsRemaining: r.limiter.CallsRemaining(p.Name()),
		})
	}

	if count, err := r.store.Count(ctx); err == nil {
		s.StoredAssets = count
	}
	if last, err := r.store.LastUpdate(ctx); err == nil && !last.IsZero() {
		s.LastStoreWrite = &last
	}
	return s
}
