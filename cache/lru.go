package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultLRUSize = 1024

// LRU is a bounded store that evicts the least recently used entry and,
// when ttl > 0, entries older than ttl.
type LRU struct {
	cache *lru.LRU[string, []byte]
}

// NewLRU constructs a bounded store. size <= 0 selects a default.
func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = defaultLRUSize
	}
	return &LRU{cache: lru.NewLRU[string, []byte](size, nil, ttl)}
}

// Get returns the value if present and not expired.
func (l *LRU) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := l.cache.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), v...), nil
}

// Set stores a value, possibly evicting the oldest entry.
func (l *LRU) Set(_ context.Context, key string, value []byte) error {
	l.cache.Add(key, append([]byte(nil), value...))
	return nil
}

// Len reports the number of live entries.
func (l *LRU) Len() int {
	return l.cache.Len()
}
