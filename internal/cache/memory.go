// Package cache implements the local price cache: per-entry TTL, lazy
// expiry on read, no eviction policy beyond TTL. The in-memory variant is
// used in tests and as a fallback; the persistent variant survives
// restarts via the storage layer.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process TTL cache guarded by a RWMutex.
type Memory struct {
	mu    sync.RWMutex
	items map[string]entry
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]entry)}
}

// Set stores value under key for ttl. A non-positive ttl is a no-op.
func (m *Memory) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	m.items[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
}

// Get returns the value for key. An expired entry is deleted and reported
// as a miss (lazy expiry, no background sweep).
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		// re-check under the write lock: a concurrent Set may have renewed it
		if cur, ok := m.items[key]; ok && time.Now().After(cur.expiresAt) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Delete removes key.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// Has reports whether key holds an unexpired entry.
func (m *Memory) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Len returns the number of unexpired entries.
func (m *Memory) Len() int {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.items {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// SizeBytes returns the total payload size of unexpired entries.
func (m *Memory) SizeBytes() int64 {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var size int64
	for _, e := range m.items {
		if now.Before(e.expiresAt) {
			size += int64(len(e.value))
		}
	}
	return size
}
