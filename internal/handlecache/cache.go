package handlecache

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"
)

// Errors returned by Cache.Get.
var (
	ErrTimelineGateClosed       = errors.New("handlecache: timeline gate closed")
	ErrPerTimelineStateShutDown = errors.New("handlecache: timeline already shut down")
)

// HandleInner is the cache's actual cached state for one resolved
// timeline: a gate guard that keeps the timeline's shutdown waiting,
// and the shut_down flag PerTimelineState.Shutdown flips so that
// cached entries get evicted rather than handed out after the fact.
//
// HandleInner is referenced strongly by PerTimelineState's registry
// (until Shutdown runs) and weakly by every Cache that has resolved
// it; once nothing strong reaches it, the attached cleanup releases
// its gate guard, mirroring the original's Drop for HandleInner.
type HandleInner struct {
	shutDown atomic.Bool
	timeline Timeline
}

// Handle is a short-lived reference to a resolved Timeline, embedding
// it directly so callers invoke Timeline methods on the Handle value
// itself. The returned Timeline's gate stays open for as long as
// inner is reachable; callers should not retain a Handle past the one
// request it was obtained for.
type Handle struct {
	Timeline
	inner *HandleInner
}

// Cache maps ShardTimelineId to a weakly-held HandleInner, so that
// caching a handle never by itself keeps a (possibly large) Timeline
// object, or its gate, alive past shutdown. It is not safe for
// concurrent use by multiple goroutines, matching its per-connection
// scope (spec.md §5's shared-resource policy).
type Cache struct {
	mp map[ShardTimelineId]weak.Pointer[HandleInner]
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{mp: make(map[ShardTimelineId]weak.Pointer[HandleInner])}
}

// Close prunes every still-live entry this cache resolved out of its
// timeline's PerTimelineState registry, so a departing connection
// doesn't keep stale bookkeeping around on timelines it once touched.
// It does not affect entries whose timeline has already shut down.
func (c *Cache) Close() {
	for stid, w := range c.mp {
		if inner := w.Value(); inner != nil {
			inner.timeline.PerTimelineState().remove(inner)
		}
		delete(c.mp, stid)
	}
}

// Get returns a Handle for the timeline identified by timelineID and
// selector, resolving through tenantManager on a miss. The manager is
// taken per call, not fixed at construction, since the cache must
// keep working across a live shard split: the manager that used to
// resolve the parent starts resolving children instead.
//
// This will not fail merely because the timeline is stopping or
// cancelled, only because it has been fully shut down (or the tenant
// manager fails to resolve it, or its gate has already closed). A
// caller invoking methods through the returned Handle remains
// responsible for checking those conditions itself.
func (c *Cache) Get(ctx context.Context, timelineID uuid.UUID, selector ShardSelector, tenantManager TenantManager) (Handle, error) {
	// Terminates because every iteration either returns or removes an
	// entry from the map.
	for {
		h, err := c.getImpl(ctx, timelineID, selector, tenantManager)
		if err != nil {
			return Handle{}, err
		}
		if h.inner.shutDown.Load() {
			delete(c.mp, h.inner.timeline.ShardTimelineID())
			continue
		}
		return h, nil
	}
}

func (c *Cache) getImpl(ctx context.Context, timelineID uuid.UUID, selector ShardSelector, tenantManager TenantManager) (Handle, error) {
	handle, slowKey, needConsult := c.shardRouting(timelineID, selector)
	if handle != nil {
		return *handle, nil
	}
	if !needConsult {
		if w, ok := c.mp[slowKey]; ok {
			if inner := w.Value(); inner != nil {
				return Handle{Timeline: inner.timeline, inner: inner}, nil
			}
			delete(c.mp, slowKey)
		}
		return c.getMiss(ctx, timelineID, SelectorKnown(slowKey.ShardIndex), tenantManager)
	}
	return c.getMiss(ctx, timelineID, selector, tenantManager)
}

// shardRouting inspects an arbitrary entry already in the map to
// learn the shard count this cache is currently pinned to, and
// computes whether selector needs that same entry (fast path), a
// different, specifically-keyed entry (slow path), or a tenant
// manager consult (cache empty). Grounded on the original's
// shard_routing, including its choice of an arbitrary "first" map
// entry as the shard-count oracle: Go map iteration order is
// unspecified, same as the property the original relies on.
func (c *Cache) shardRouting(timelineID uuid.UUID, selector ShardSelector) (handle *Handle, slowKey ShardTimelineId, needConsult bool) {
	for {
		var firstKey ShardTimelineId
		var firstWeak weak.Pointer[HandleInner]
		found := false
		for k, w := range c.mp {
			firstKey, firstWeak = k, w
			found = true
			break
		}
		if !found {
			return nil, ShardTimelineId{}, true
		}
		firstInner := firstWeak.Value()
		if firstInner == nil {
			delete(c.mp, firstKey)
			continue
		}

		firstIdentity := firstInner.timeline.ShardIdentity()
		var neededIdx ShardIndex
		switch selector.Kind {
		case SelectByPage:
			neededIdx = ShardIndex{Number: firstIdentity.ShardIndex(selector.Page), Count: firstIdentity.Count}
		case SelectZero:
			neededIdx = ShardIndex{Number: 0, Count: firstIdentity.Count}
		case SelectKnown:
			neededIdx = selector.Known
		}
		needed := ShardTimelineId{ShardIndex: neededIdx, TimelineID: timelineID}

		if needed == firstInner.timeline.ShardTimelineID() {
			return &Handle{Timeline: firstInner.timeline, inner: firstInner}, ShardTimelineId{}, false
		}
		return nil, needed, false
	}
}

func (c *Cache) getMiss(ctx context.Context, timelineID uuid.UUID, selector ShardSelector, tenantManager TenantManager) (Handle, error) {
	timeline, err := tenantManager.Resolve(ctx, timelineID, selector)
	if err != nil {
		return Handle{}, err
	}
	if selector.Kind == SelectZero && timeline.ShardTimelineID().ShardIndex.Number != 0 {
		return Handle{}, errors.New("handlecache: tenant manager returned non-zero shard for SelectZero")
	}

	guard, err := timeline.Gate().Enter()
	if err != nil {
		return Handle{}, ErrTimelineGateClosed
	}
	inner := &HandleInner{timeline: timeline}
	runtime.AddCleanup(inner, func(g *GateGuard) { g.Close() }, guard)

	state := timeline.PerTimelineState()
	stid := timeline.ShardTimelineID()

	// This should not happen in practice, since a connection's Cache
	// is not used concurrently, but deal with it so this stays a
	// correct generic cache: reuse any handle that raced us in.
	if existing, ok := c.mp[stid]; ok {
		if existingInner := existing.Value(); existingInner != nil {
			guard.Close()
			return Handle{Timeline: existingInner.timeline, inner: existingInner}, nil
		}
	}

	if !state.push(inner) {
		guard.Close()
		return Handle{}, ErrPerTimelineStateShutDown
	}
	c.mp[stid] = weak.Make(inner)
	return Handle{Timeline: inner.timeline, inner: inner}, nil
}
