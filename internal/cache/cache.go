package cache

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"LinguaChat/internal/session"
)

// DefaultMaxEntries bounds a TokenCache before it is flushed
const DefaultMaxEntries = 4096

// CachedCount represents a memoised token count
type CachedCount struct {
	Tokens    int
	Timestamp time.Time
}

// GenerateCacheKey generates a cache key from messages
func GenerateCacheKey(messages ...session.Message) string {
	h := sha256.New()
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// TokenCache memoises a token counting function per message. History is
// re-counted on every turn, so most lookups after the first turn are hits.
type TokenCache struct {
	count      func(session.Message) int
	entries    sync.Map
	size       atomic.Int64
	maxEntries int64
	hits       atomic.Int64
	misses     atomic.Int64
}

// NewTokenCache wraps count. maxEntries <= 0 uses DefaultMaxEntries.
func NewTokenCache(count func(session.Message) int, maxEntries int) *TokenCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &TokenCache{count: count, maxEntries: int64(maxEntries)}
}

// CountTokens returns the cached count for msg, computing it on a miss
func (c *TokenCache) CountTokens(msg session.Message) int {
	key := GenerateCacheKey(msg)
	if val, ok := c.entries.Load(key); ok {
		c.hits.Add(1)
		return val.(CachedCount).Tokens
	}

	c.misses.Add(1)
	tokens := c.count(msg)
	if _, loaded := c.entries.LoadOrStore(key, CachedCount{Tokens: tokens, Timestamp: time.Now()}); !loaded {
		if c.size.Add(1) > c.maxEntries {
			c.flush()
		}
	}
	return tokens
}

// Stats reports hits and misses since creation
func (c *TokenCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Len reports the approximate number of cached entries
func (c *TokenCache) Len() int {
	return int(c.size.Load())
}

func (c *TokenCache) flush() {
	c.entries.Range(func(key, _ any) bool {
		c.entries.Delete(key)
		return true
	})
	c.size.Store(0)
}
