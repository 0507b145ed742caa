package size

// Calculate reduces a ModelInputs DAG to one total byte count: the
// logical size actually attributable to the tenant, counting shared
// ancestor history only once no matter how many branches descend from
// it.
//
// The reduction walks the segments in slice order (each parent is
// taken to precede its children) and, for every segment that carries a
// Size, adds the growth since its nearest "sized" ancestor
// (max(size-parentSize, 0), to absorb WAL replay noise that can make
// a later LSN report a marginally smaller logical size than an
// earlier one). A segment with no sized ancestor contributes its full
// size. The Needed flag is not consulted here.
//
// The tenant_size_model crate the original implementation delegates
// to isn't part of this module's retrieval pack, so this is this
// module's own reduction, built to the contract the spec requires:
// construction of the DAG matters, the model fed from it is a
// downstream concern.
func (mi ModelInputs) Calculate() uint64 {
	// nearestSized[i] is the most recent ancestor size already folded
	// into total along segment i's chain, propagated through segments
	// that carry no Size of their own (BranchEnd, and any BranchStart
	// that isn't itself needed) so a descendant's growth is still
	// measured against the right baseline.
	nearestSized := make([]uint64, len(mi.Segments))
	hasNearestSized := make([]bool, len(mi.Segments))
	var total uint64

	for i, seg := range mi.Segments {
		var parentSize uint64
		var hasParent bool
		if seg.Segment.Parent != nil {
			parentSize, hasParent = nearestSized[*seg.Segment.Parent], hasNearestSized[*seg.Segment.Parent]
		}

		if seg.Segment.Size == nil {
			nearestSized[i], hasNearestSized[i] = parentSize, hasParent
			continue
		}

		size := *seg.Segment.Size
		if hasParent {
			if size > parentSize {
				total += size - parentSize
			}
		} else {
			total += size
		}

		nearestSized[i], hasNearestSized[i] = size, true
	}

	return total
}
