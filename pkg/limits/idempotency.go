package limits

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// IdempotencyCache remembers the reply for a mutating envelope keyed by
// (agent, ref). A repeat within the TTL returns the cached reply instead
// of re-executing the operation.
type IdempotencyCache struct {
	cache *expirable.LRU[string, []byte]
}

// NewIdempotencyCache creates the cache with a hard size bound and TTL.
func NewIdempotencyCache(size int, ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{
		cache: expirable.NewLRU[string, []byte](size, nil, ttl),
	}
}

// Get returns the cached reply for (agent, ref), if any.
func (c *IdempotencyCache) Get(agentID, ref string) ([]byte, bool) {
	if ref == "" {
		return nil, false
	}
	return c.cache.Get(agentID + "/" + ref)
}

// Put caches the reply for (agent, ref).
func (c *IdempotencyCache) Put(agentID, ref string, reply []byte) {
	if ref == "" {
		return
	}
	c.cache.Add(agentID+"/"+ref, reply)
}
