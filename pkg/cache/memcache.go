package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/simplelru"
)

// memCache is a local in-memory caching layer with per-entry expiry.
// It backs a namespace while the broker is down and is never pushed back
// into the broker on reconnect.
type memCache struct {
	mu  sync.Mutex
	lru *lru.LRU
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

func newMemCache(size int) (*memCache, error) {
	l, err := lru.NewLRU(size, nil)
	if err != nil {
		return nil, err
	}
	return &memCache{lru: l}, nil
}

// Get returns an item in the cache, ignoring expired items.
func (m *memCache) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entryI, ok := m.lru.Get(key)
	if !ok {
		return nil, false
	}
	entry := entryI.(*memEntry)
	if time.Now().After(entry.expiresAt) {
		m.lru.Remove(key)
		m.gcLocked()
		return nil, false
	}
	return entry.data, true
}

// Set stores an item with a TTL.
func (m *memCache) Set(key string, data []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Add(key, &memEntry{data: data, expiresAt: time.Now().Add(ttl)})
}

// Remove drops a single key.
func (m *memCache) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Remove(key)
}

// Purge drops every entry.
func (m *memCache) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Purge()
}

// gcLocked removes expired entries from the cold end of the LRU.
func (m *memCache) gcLocked() {
	now := time.Now()
	for {
		key, entryI, ok := m.lru.GetOldest()
		if !ok {
			return
		}
		if now.Before(entryI.(*memEntry).expiresAt) {
			return
		}
		m.lru.Remove(key)
	}
}
