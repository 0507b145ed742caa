// Package size implements the synthetic size model (C13): it turns a
// tenant's timeline topology into a DAG of Segments tagged with
// logical sizes, then reduces that DAG to one billable byte count.
// Grounded on the original implementation's tenant/size.rs.
package size

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/neondatabase/pageserver-go/internal/lsn"
)

// LsnKind tags why a Segment's LSN is interesting enough to appear in
// the DAG at all.
type LsnKind int

const (
	// BranchStart is where a timeline begins: either the tenant's
	// initdb LSN, or the LSN it branched off its ancestor at.
	BranchStart LsnKind = iota
	// BranchPoint is an LSN a child timeline branched off at.
	BranchPoint
	// GcCutOff is the timeline's next GC cutoff LSN.
	GcCutOff
	// BranchEnd is the timeline's last record LSN.
	BranchEnd
)

func (k LsnKind) String() string {
	switch k {
	case BranchStart:
		return "BranchStart"
	case BranchPoint:
		return "BranchPoint"
	case GcCutOff:
		return "GcCutOff"
	case BranchEnd:
		return "BranchEnd"
	default:
		return "Unknown"
	}
}

// Segment is one point on a timeline's LSN axis: a parent edge (its
// immediate predecessor, by index into ModelInputs.Segments, or
// another timeline's BranchPoint segment for a BranchStart), the LSN
// itself, an optional logical size, and whether the size is actually
// needed for the calculation.
type Segment struct {
	Parent *int
	Lsn    lsn.Lsn
	Size   *uint64
	Needed bool
}

// SegmentMeta pairs a Segment with the timeline and LsnKind it came
// from, for display and for deciding which segments need a size.
type SegmentMeta struct {
	Segment    Segment
	TimelineID uuid.UUID
	Kind       LsnKind
}

// sizeNeeded reports whether this segment benefits from having a
// logical size attached: BranchPoint and GcCutOff always do, since the
// model needs to know how much data existed at those cut points;
// BranchStart only does when it has no ancestor and is itself past its
// own GC horizon (the root of a tenant with no retained history
// before it); BranchEnd never does, since the tip's size is whatever
// the running total adds up to.
func (m SegmentMeta) sizeNeeded() bool {
	switch m.Kind {
	case BranchStart:
		return m.Segment.Needed && m.Segment.Parent == nil
	case BranchPoint, GcCutOff:
		return true
	default:
		return false
	}
}

// TimelineInputs records, for one timeline, the raw LSNs that went
// into its segments, kept alongside the DAG purely for explaining the
// calculation to a caller (an API response, a debug dump); it doesn't
// participate in Calculate.
type TimelineInputs struct {
	TimelineID           uuid.UUID
	AncestorID           *uuid.UUID
	AncestorLsn          lsn.Lsn
	LastRecord           lsn.Lsn
	LatestGcCutoff       lsn.Lsn
	HorizonCutoff        lsn.Lsn
	PitrCutoff           lsn.Lsn
	NextGcCutoff         lsn.Lsn
	RetentionParamCutoff *lsn.Lsn
}

// TimelineGcInfo is the subset of a timeline's GC bookkeeping the
// model needs: the retention horizon candidates and the LSNs of any
// child timelines still branched off it.
type TimelineGcInfo struct {
	HorizonCutoff lsn.Lsn
	PitrCutoff    lsn.Lsn
	RetainLsns    []lsn.Lsn
}

// TimelineDescriptor is the minimal view of one active timeline the
// model needs to place it in the DAG; a caller assembles one per
// active timeline from its own tenant bookkeeping.
type TimelineDescriptor struct {
	TimelineID     uuid.UUID
	AncestorID     *uuid.UUID
	AncestorLsn    lsn.Lsn
	InitdbLsn      lsn.Lsn
	LastRecordLsn  lsn.Lsn
	LatestGcCutoff lsn.Lsn
	GcInfo         TimelineGcInfo
}

// ModelInputs is the complete DAG plus its explanatory TimelineInputs,
// ready for Calculate.
type ModelInputs struct {
	Segments       []SegmentMeta
	TimelineInputs []TimelineInputs
}

// Oracle fetches a timeline's logical size at a given LSN when it
// isn't already in a SizeCache; implementations typically walk the
// layer map (C5) and reconstruct (C6) a relation-size catalog entry.
type Oracle interface {
	LogicalSize(ctx context.Context, timelineID uuid.UUID, at lsn.Lsn) (uint64, error)
}

type lsnKindPair struct {
	lsn  lsn.Lsn
	kind LsnKind
}

// GatherInputs builds the segment DAG for one tenant's active
// timelines, fetching any logical sizes the DAG needs from cache
// first, falling back to oracle. maxRetentionPeriod, if non-nil,
// shortens every timeline's GC cutoff to at most this many bytes
// behind its last record LSN, matching a caller-supplied retention
// override.
func GatherInputs(ctx context.Context, timelines []TimelineDescriptor, maxRetentionPeriod *uint64, cache *SizeCache, oracle Oracle) (ModelInputs, error) {
	if len(timelines) == 0 {
		return ModelInputs{}, nil
	}

	branchpoints := make(map[uuid.UUID]map[lsn.Lsn]struct{})
	for _, tl := range timelines {
		if tl.AncestorID == nil {
			continue
		}
		set, ok := branchpoints[*tl.AncestorID]
		if !ok {
			set = make(map[lsn.Lsn]struct{})
			branchpoints[*tl.AncestorID] = set
		}
		set[tl.AncestorLsn] = struct{}{}
	}

	timelineInputs := make([]TimelineInputs, 0, len(timelines))
	segments := make([]SegmentMeta, 0)

	type branchStartSegment struct {
		segID    int
		ancestor *ancestorRef
	}
	type ancestorRef struct {
		timelineID uuid.UUID
		lsn        lsn.Lsn
	}

	branchpointSegments := make(map[uuid.UUID]map[lsn.Lsn]int)
	branchstartSegments := make([]branchStartSegment, 0, len(timelines))

	for _, tl := range timelines {
		nextGcCutoff := lsn.Min(tl.GcInfo.HorizonCutoff, tl.GcInfo.PitrCutoff)

		var retentionParamCutoff *lsn.Lsn
		if maxRetentionPeriod != nil {
			paramCutoff := lsn.Lsn(0)
			if uint64(tl.LastRecordLsn) > *maxRetentionPeriod {
				paramCutoff = lsn.Lsn(uint64(tl.LastRecordLsn) - *maxRetentionPeriod)
			}
			if nextGcCutoff < paramCutoff {
				nextGcCutoff = paramCutoff
			}
			retentionParamCutoff = &paramCutoff
		}

		branchStartLsn := lsn.Max(tl.AncestorLsn, tl.InitdbLsn)

		lsns := make([]lsnKindPair, 0, len(tl.GcInfo.RetainLsns)+1)
		for _, l := range tl.GcInfo.RetainLsns {
			if l > tl.AncestorLsn {
				lsns = append(lsns, lsnKindPair{l, BranchPoint})
			}
		}
		if set, ok := branchpoints[tl.TimelineID]; ok {
			for l := range set {
				lsns = append(lsns, lsnKindPair{l, BranchPoint})
			}
		}

		branchStartNeeded := nextGcCutoff <= branchStartLsn
		if !branchStartNeeded {
			lsns = append(lsns, lsnKindPair{nextGcCutoff, GcCutOff})
		}

		lsns = sortDedupLsns(lsns)

		var ancestor *ancestorRef
		if tl.AncestorID != nil {
			ancestor = &ancestorRef{timelineID: *tl.AncestorID, lsn: tl.AncestorLsn}
		}
		branchstartSegments = append(branchstartSegments, branchStartSegment{segID: len(segments), ancestor: ancestor})
		segments = append(segments, SegmentMeta{
			Segment: Segment{
				Parent: nil,
				Lsn:    branchStartLsn,
				Needed: branchStartNeeded,
			},
			TimelineID: tl.TimelineID,
			Kind:       BranchStart,
		})

		parent := len(segments) - 1
		for _, p := range lsns {
			if p.kind == BranchPoint {
				m, ok := branchpointSegments[tl.TimelineID]
				if !ok {
					m = make(map[lsn.Lsn]int)
					branchpointSegments[tl.TimelineID] = m
				}
				m[p.lsn] = len(segments)
			}
			parentIdx := parent
			segments = append(segments, SegmentMeta{
				Segment: Segment{
					Parent: &parentIdx,
					Lsn:    p.lsn,
					Needed: p.lsn > nextGcCutoff,
				},
				TimelineID: tl.TimelineID,
				Kind:       p.kind,
			})
			parent = len(segments) - 1
		}

		endParent := parent
		segments = append(segments, SegmentMeta{
			Segment: Segment{
				Parent: &endParent,
				Lsn:    tl.LastRecordLsn,
				Needed: true,
			},
			TimelineID: tl.TimelineID,
			Kind:       BranchEnd,
		})

		timelineInputs = append(timelineInputs, TimelineInputs{
			TimelineID:           tl.TimelineID,
			AncestorID:           tl.AncestorID,
			AncestorLsn:          tl.AncestorLsn,
			LastRecord:           tl.LastRecordLsn,
			LatestGcCutoff:       tl.LatestGcCutoff,
			HorizonCutoff:        tl.GcInfo.HorizonCutoff,
			PitrCutoff:           tl.GcInfo.PitrCutoff,
			NextGcCutoff:         nextGcCutoff,
			RetentionParamCutoff: retentionParamCutoff,
		})
	}

	for _, bs := range branchstartSegments {
		if bs.ancestor == nil {
			continue
		}
		m, ok := branchpointSegments[bs.ancestor.timelineID]
		if !ok {
			return ModelInputs{}, fmt.Errorf("size: no branch point segment recorded for ancestor %s at %s", bs.ancestor.timelineID, bs.ancestor.lsn)
		}
		parentID, ok := m[bs.ancestor.lsn]
		if !ok {
			return ModelInputs{}, fmt.Errorf("size: no branch point segment recorded for ancestor %s at %s", bs.ancestor.timelineID, bs.ancestor.lsn)
		}
		segments[bs.segID].Segment.Parent = &parentID
	}

	if err := fillLogicalSizes(ctx, segments, cache, oracle); err != nil {
		return ModelInputs{}, err
	}

	return ModelInputs{Segments: segments, TimelineInputs: timelineInputs}, nil
}

func sortDedupLsns(lsns []lsnKindPair) []lsnKindPair {
	sort.Slice(lsns, func(i, j int) bool {
		if lsns[i].lsn != lsns[j].lsn {
			return lsns[i].lsn < lsns[j].lsn
		}
		return lsns[i].kind < lsns[j].kind
	})
	out := lsns[:0]
	for i, p := range lsns {
		if i == 0 || p != lsns[i-1] {
			out = append(out, p)
		}
	}
	return out
}

// fillLogicalSizes populates Size on every segment that sizeNeeded
// reports true for, consulting cache before calling oracle, and
// writing freshly fetched sizes back into cache. Grounded on the
// original implementation's fill_logical_sizes, simplified from its
// concurrent per-size task spawning to a sequential loop since this
// module's Oracle call is already the caller's I/O boundary.
func fillLogicalSizes(ctx context.Context, segments []SegmentMeta, cache *SizeCache, oracle Oracle) error {
	type cacheKey struct {
		timelineID uuid.UUID
		lsn        lsn.Lsn
	}
	fetched := make(map[cacheKey]uint64)

	for i := range segments {
		seg := &segments[i]
		if !seg.sizeNeeded() {
			continue
		}
		key := cacheKey{seg.TimelineID, seg.Segment.Lsn}
		if v, ok := fetched[key]; ok {
			size := v
			seg.Segment.Size = &size
			continue
		}

		var value uint64
		if cache != nil {
			if v, ok := cache.Get(seg.TimelineID, seg.Segment.Lsn); ok {
				value = v
			} else {
				v, err := oracle.LogicalSize(ctx, seg.TimelineID, seg.Segment.Lsn)
				if err != nil {
					return fmt.Errorf("size: logical size at %s in timeline %s: %w", seg.Segment.Lsn, seg.TimelineID, err)
				}
				value = v
				cache.Put(seg.TimelineID, seg.Segment.Lsn, value)
			}
		} else {
			v, err := oracle.LogicalSize(ctx, seg.TimelineID, seg.Segment.Lsn)
			if err != nil {
				return fmt.Errorf("size: logical size at %s in timeline %s: %w", seg.Segment.Lsn, seg.TimelineID, err)
			}
			value = v
		}

		fetched[key] = value
		size := value
		seg.Segment.Size = &size
	}

	if cache != nil {
		cache.Retain(func(timelineID uuid.UUID, l lsn.Lsn) bool {
			_, ok := fetched[cacheKey{timelineID, l}]
			return ok
		})
	}

	return nil
}
