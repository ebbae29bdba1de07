package domain

import (
	"context"
	"time"
)

// PriceProvider defines the interface for external price sources
type PriceProvider interface {
	Name() string
	FetchBySymbols(ctx context.Context, symbols []string) ([]PriceRecord, error)
}

// PriceStore defines access to the shared, durable price table.
// Rows are upserted last-write-wins per asset key and never deleted.
type PriceStore interface {
	GetFresh(ctx context.Context, assetKeys []string, maxAge time.Duration) (map[string]PriceRecord, error)
	Upsert(ctx context.Context, records []PriceRecord) error
	Count(ctx context.Context) (int64, error)
	LastUpdate(ctx context.Context) (time.Time, error)
}

// KVCache is the local cache port: per-entry TTL, lazy expiry on read,
// failures degrade to a miss. The same resolver logic runs against the
// in-memory implementation in tests and the persistent one in production.
type KVCache interface {
	Set(key string, value []byte, ttl time.Duration)
	Get(key string) ([]byte, bool)
	Delete(key string)
	Has(key string) bool
	Len() int
	SizeBytes() int64
}

// CallLimiter gates outbound provider calls.
type CallLimiter interface {
	CanCall(provider string) bool
	TimeUntilNext(provider string) time.Duration
	RecordCall(provider string)
	Penalize(provider string, d time.Duration)
	CallsRemaining(provider string) int
}
