package cache

import (
	"log/slog"
	"time"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/infra/storage"
)

// Namespace prefixes every persistent cache key so price entries never
// collide with unrelated rows in the shared cache table.
const Namespace = "price:"

// Persistent is a TTL cache backed by the storage layer's cache table.
// Every storage failure degrades to a miss: the cache is an optimization,
// never a source of errors.
type Persistent struct {
	store *storage.Storage
}

// NewPersistent creates a cache over the given storage.
func NewPersistent(store *storage.Storage) *Persistent {
	return &Persistent{store: store}
}

// Set stores value under the namespaced key for ttl.
func (p *Persistent) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := p.store.PutCacheEntry(Namespace+key, value, time.Now().Add(ttl)); err != nil {
		slog.Warn("cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Get returns the value for key; expired entries are deleted lazily.
func (p *Persistent) Get(key string) ([]byte, bool) {
	entry, err := p.store.GetCacheEntry(Namespace + key)
	if err != nil {
		slog.Warn("cache read failed", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	if entry == nil {
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		if err := p.store.DeleteCacheEntry(Namespace + key); err != nil {
			slog.Warn("cache expiry delete failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	return entry.Value, true
}

// Delete removes key.
func (p *Persistent) Delete(key string) {
	if err := p.store.DeleteCacheEntry(Namespace + key); err != nil {
		slog.Warn("cache delete failed", slog.String("key", key), slog.Any("error", err))
	}
}

// Has reports whether key holds an unexpired entry.
func (p *Persistent) Has(key string) bool {
	_, ok := p.Get(key)
	return ok
}

// Len returns the number of unexpired entries in the namespace.
func (p *Persistent) Len() int {
	count, _, err := p.store.CacheStats(Namespace)
	if err != nil {
		return 0
	}
	return count
}

// SizeBytes returns the payload size of unexpired entries in the namespace.
func (p *Persistent) SizeBytes() int64 {
	_, size, err := p.store.CacheStats(Namespace)
	if err != nil {
		return 0
	}
	return size
}
