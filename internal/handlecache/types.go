// Package handlecache implements the per-connection handle cache
// (C11): a fast-path lookup from (timeline, shard selector) to an
// already-resolved timeline, so a hot getpage request doesn't have to
// consult the tenant manager on every call. Grounded on the original
// implementation's tenant/timeline/handle.rs.
package handlecache

import (
	"context"

	"github.com/google/uuid"

	"github.com/neondatabase/pageserver-go/internal/key"
)

// ShardIndex pairs a shard number with the shard count it was
// computed under, so a cache entry from before a shard split is never
// confused with one from after: the same timeline ID can legitimately
// appear under two different counts while a split is in flight.
type ShardIndex struct {
	Number key.ShardNumber
	Count  key.ShardCount
}

// ShardTimelineId is the handle cache's map key.
type ShardTimelineId struct {
	ShardIndex ShardIndex
	TimelineID uuid.UUID
}

// ShardSelectorKind discriminates the three ways a caller asks for a
// timeline.
type ShardSelectorKind int

const (
	// SelectByPage routes by the key a getpage request is about to
	// touch, using whatever shard identity the cache or tenant
	// manager knows.
	SelectByPage ShardSelectorKind = iota
	// SelectZero always routes to shard zero, for catalog-style reads
	// that are replicated to every shard.
	SelectZero
	// SelectKnown routes to an already-resolved shard index, used on
	// the cache's internal slow-path retry.
	SelectKnown
)

// ShardSelector is a tagged union over ShardSelectorKind: exactly one
// of Page or Known carries meaning, chosen by Kind.
type ShardSelector struct {
	Kind  ShardSelectorKind
	Page  key.Key
	Known ShardIndex
}

// SelectorByPage builds a selector that routes by k.
func SelectorByPage(k key.Key) ShardSelector {
	return ShardSelector{Kind: SelectByPage, Page: k}
}

// SelectorZero builds a selector that always routes to shard zero.
func SelectorZero() ShardSelector {
	return ShardSelector{Kind: SelectZero}
}

// SelectorKnown builds a selector that routes to an already-known
// shard index.
func SelectorKnown(idx ShardIndex) ShardSelector {
	return ShardSelector{Kind: SelectKnown, Known: idx}
}

// Timeline is the subset of a resolved timeline's behavior the handle
// cache needs: a gate to keep open while a Handle exists, the shard
// identity that drives routing, and the PerTimelineState it shares
// with every Cache that has ever resolved it.
type Timeline interface {
	Gate() *Gate
	ShardTimelineID() ShardTimelineId
	ShardIdentity() key.ShardIdentity
	PerTimelineState() *PerTimelineState
}

// TenantManager resolves a (timeline, shard selector) pair to a
// concrete Timeline on a cache miss. Implementations should return an
// error wrapping the underlying cause; the cache does not interpret
// it and returns it from Get unchanged.
type TenantManager interface {
	Resolve(ctx context.Context, timelineID uuid.UUID, selector ShardSelector) (Timeline, error)
}
