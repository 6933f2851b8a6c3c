package tools

import (
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultCacheTTL = 5 * time.Minute
)

// CacheConfig configures the tool result cache.
type CacheConfig struct {
	// MaxSize is the maximum number of cached results. Zero disables caching.
	MaxSize int
	// TTL is how long a cached result remains valid.
	TTL time.Duration
}

type cacheEntry struct {
	result   json.RawMessage
	storedAt time.Time
}

type resultCache struct {
	lru *lru.Cache[string, cacheEntry]
	ttl time.Duration
	now func() time.Time
}

func newResultCache(cfg CacheConfig) *resultCache {
	if cfg.MaxSize <= 0 {
		return nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	c, err := lru.New[string, cacheEntry](cfg.MaxSize)
	if err != nil {
		return nil
	}
	return &resultCache{lru: c, ttl: cfg.TTL, now: time.Now}
}

func (c *resultCache) get(key string) (json.RawMessage, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.result, true
}

func (c *resultCache) add(key string, result json.RawMessage) {
	c.lru.Add(key, cacheEntry{result: result, storedAt: c.now()})
}

// cacheKey is deterministic because json.Marshal sorts map keys at every level.
func cacheKey(name string, args map[string]any) string {
	if len(args) == 0 {
		return name + ":{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%s:%v", name, args)
	}
	return name + ":" + string(data)
}
