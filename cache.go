package guard

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// PERMISSION CACHE
// ============================================================================

// CacheConfig sizes the backing ristretto cache.
type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

func defaultCacheConfig() CacheConfig {
	return CacheConfig{NumCounters: 100_000, MaxCost: 10_000, BufferItems: 64}
}

// PermissionCache caches computed effective permission sets per tenant.
//
// Coherence is epoch based. Every tenant carries a monotonically increasing
// epoch counter; any mutation that can change evaluation output bumps the
// tenant's epoch before the mutating call returns. A cached set records the
// epoch observed before its computation read the stores, and a lookup only
// returns entries whose epoch matches the tenant's current one, so a set
// computed against pre-mutation state is never served after the mutation.
type PermissionCache struct {
	cache  *ristretto.Cache
	mu     sync.Mutex
	epochs map[string]*atomic.Uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	recovered atomic.Uint64
}

func NewPermissionCache(cfg CacheConfig) (*PermissionCache, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		cfg = defaultCacheConfig()
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &PermissionCache{
		cache:  rc,
		epochs: make(map[string]*atomic.Uint64),
	}, nil
}

func (c *PermissionCache) epochCounter(tenantID string) *atomic.Uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.epochs[tenantID]
	if !ok {
		e = &atomic.Uint64{}
		c.epochs[tenantID] = e
	}
	return e
}

// Epoch returns the tenant's current invalidation epoch. Evaluators snapshot
// it before reading the stores and store the snapshot alongside the result.
func (c *PermissionCache) Epoch(tenantID string) uint64 {
	return c.epochCounter(tenantID).Load()
}

// Invalidate bumps the tenant's epoch, instantly orphaning every cached set
// for that tenant. It must be called before the triggering mutation returns.
func (c *PermissionCache) Invalidate(tenantID string) {
	c.epochCounter(tenantID).Add(1)
}

func cacheKey(tenantID, principalID, scopeKey string) string {
	return tenantID + "\x00" + principalID + "\x00" + scopeKey
}

// Get returns the cached effective set for the principal and scope, or nil
// on a miss. A stored set whose epoch no longer matches is dropped and
// reported as a miss. A value of the wrong type under a live key is an
// internal inconsistency reported as ErrCacheInconsistency; the caller is
// expected to Recover the tenant.
func (c *PermissionCache) Get(tenantID, principalID string, scope Scope) (*EffectiveSet, error) {
	key := cacheKey(tenantID, principalID, scope.Key())
	v, ok := c.cache.Get(key)
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	set, ok := v.(*EffectiveSet)
	if !ok || set == nil {
		c.cache.Del(key)
		c.misses.Add(1)
		return nil, fmt.Errorf("cache entry %s/%s at %s: %w", tenantID, principalID, scope.Key(), ErrCacheInconsistency)
	}
	if set.epoch != c.Epoch(tenantID) {
		c.cache.Del(key)
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	return set, nil
}

// Put stores a computed set stamped with epoch, the value snapshotted before
// the computation read the stores. If the tenant's epoch has moved since,
// the result was computed against superseded state and is discarded.
func (c *PermissionCache) Put(set *EffectiveSet, epoch uint64) {
	if set == nil {
		return
	}
	if epoch != c.Epoch(set.TenantID) {
		return
	}
	set.epoch = epoch
	key := cacheKey(set.TenantID, set.PrincipalID, set.Scope.Key())
	c.cache.Set(key, set, 1)
	c.cache.Wait()
}

// Recover handles a detected cache inconsistency: the tenant's epoch is
// bumped so every outstanding entry is orphaned, and the event is counted.
// Evaluation continues against the stores.
func (c *PermissionCache) Recover(tenantID string) {
	c.recovered.Add(1)
	c.Invalidate(tenantID)
}

// CacheStats reports hit and miss counters plus recoveries performed.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Recovered uint64 `json:"recovered"`
}

func (c *PermissionCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Recovered: c.recovered.Load(),
	}
}

// Close releases the backing cache.
func (c *PermissionCache) Close() {
	c.cache.Close()
}
