// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package simulate

import (
	"time"

	"github.com/decred/dcrd/container/lru"
	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultCacheSize = 10_000
	DefaultCacheTTL  = 10 * time.Minute
)

type cacheKey struct {
	entryPoint common.Address
	boopHash   common.Hash
}

// Cache holds successful simulation results by (entry point, boop hash).
// The cache is bounded, least-recently-used entries are evicted first, and
// entries expire after the TTL. A miss is always safe.
type Cache struct {
	m *lru.Map[cacheKey, *Output]
}

// NewCache creates a Cache.
func NewCache(size uint32, ttl time.Duration) *Cache {
	if size == 0 {
		size = DefaultCacheSize
	}
	if ttl == 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{m: lru.NewMapWithDefaultTTL[cacheKey, *Output](size, ttl)}
}

// Put stores the result.
func (c *Cache) Put(entryPoint common.Address, boopHash common.Hash, out *Output) {
	c.m.Put(cacheKey{entryPoint, boopHash}, out)
}

// Get retrieves a result, if cached and not expired.
func (c *Cache) Get(entryPoint common.Address, boopHash common.Hash) (*Output, bool) {
	return c.m.Get(cacheKey{entryPoint, boopHash})
}

// Find looks for any entry point's result for the boop. The entry points are
// candidates to check, in order.
func (c *Cache) Find(boopHash common.Hash, entryPoints ...common.Address) (*Output, bool) {
	for _, ep := range entryPoints {
		if out, found := c.Get(ep, boopHash); found {
			return out, true
		}
	}
	return nil, false
}

// Delete removes a result.
func (c *Cache) Delete(entryPoint common.Address, boopHash common.Hash) {
	c.m.Delete(cacheKey{entryPoint, boopHash})
}

// Len is the number of cached results, possibly including expired ones that
// have not yet been evicted.
func (c *Cache) Len() int {
	return int(c.m.Len())
}

// EvictExpired removes expired results now.
func (c *Cache) EvictExpired() {
	c.m.EvictExpiredNow()
}
