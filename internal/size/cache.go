package size

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/google/uuid"

	"github.com/neondatabase/pageserver-go/internal/lsn"
)

// DefaultCacheSize bounds a SizeCache to a handful of retained LSNs
// per active branch point; a tenant with a few hundred branches still
// fits comfortably.
const DefaultCacheSize = 4096

type cacheKey struct {
	timelineID uuid.UUID
	lsn        lsn.Lsn
}

// SizeCache memoizes logical sizes fetched from an Oracle, keyed by
// (timeline, LSN), so a size calculation run over a tenant's history
// doesn't have to re-walk the layer map for LSNs it has already
// looked up. One instance is meant to live for the lifetime of one
// tenant's size calculations; sharing it across tenants defeats
// Retain's pruning, which assumes every key still present belongs to
// the tenant whose GatherInputs call is running.
//
// Grounded on the original implementation's logical_size_cache
// HashMap, replaced here with hashicorp/golang-lru so a tenant with
// unbounded branch history can't grow the cache without limit.
type SizeCache struct {
	lru *lru.Cache
}

// NewSizeCache builds a SizeCache holding up to size entries.
func NewSizeCache(size int) (*SizeCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &SizeCache{lru: c}, nil
}

// Get returns the cached logical size for (timelineID, at), if present.
func (c *SizeCache) Get(timelineID uuid.UUID, at lsn.Lsn) (uint64, bool) {
	v, ok := c.lru.Get(cacheKey{timelineID, at})
	if !ok {
		return 0, false
	}
	return v.(uint64), true
}

// Put records the logical size for (timelineID, at).
func (c *SizeCache) Put(timelineID uuid.UUID, at lsn.Lsn, size uint64) {
	c.lru.Add(cacheKey{timelineID, at}, size)
}

// Retain drops every cached entry keep reports false for. Called
// after each GatherInputs run with the set of keys that round's DAG
// actually needed, so the cache doesn't keep sizes for branch points
// and GC cutoffs that have since moved or been GC'd away, mirroring
// the original implementation's post-run HashMap::retain.
func (c *SizeCache) Retain(keep func(timelineID uuid.UUID, at lsn.Lsn) bool) {
	for _, k := range c.lru.Keys() {
		ck := k.(cacheKey)
		if !keep(ck.timelineID, ck.lsn) {
			c.lru.Remove(ck)
		}
	}
}

// Len reports the number of entries currently cached.
func (c *SizeCache) Len() int { return c.lru.Len() }
