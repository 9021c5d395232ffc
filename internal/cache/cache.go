package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxEntries = 1024
	DefaultTTL        = 5 * time.Minute
)

// Loader fills a cache miss.
type Loader[V any] func(ctx context.Context) (V, error)

// Cache is a bounded TTL cache whose misses are collapsed per key, so a burst
// of readers for the same entry issues one load.
type Cache[V any] struct {
	entries *lru.LRU[string, V]
	group   singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
}

func New[V any](maxEntries int, ttl time.Duration) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[V]{entries: lru.NewLRU[string, V](maxEntries, nil, ttl)}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	value, ok := c.entries.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return value, ok
}

func (c *Cache[V]) Set(key string, value V) {
	c.entries.Add(key, value)
}

// GetOrLoad returns the cached value for key or runs load once for all
// concurrent callers. Errors are not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load Loader[V]) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	result, err, _ := c.group.Do(key, func() (any, error) {
		if value, ok := c.entries.Get(key); ok {
			return value, nil
		}
		value, err := load(ctx)
		if err != nil {
			return value, err
		}
		c.entries.Add(key, value)
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}

func (c *Cache[V]) Invalidate(key string) {
	c.entries.Remove(key)
}

func (c *Cache[V]) Purge() {
	c.entries.Purge()
}

func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.entries.Len(),
	}
}

// Key joins trimmed, lower-cased parts with "|" and skips blanks.
func Key(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
