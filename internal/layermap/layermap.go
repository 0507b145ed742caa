// Package layermap holds the set of persistent layer descriptors for
// one timeline and answers "which layer covers key K at LSN L".
//
// Grounded on spec.md §4.5 and the original layer_map.rs; the
// newest-wins search and the L0 (full key range) distinction follow
// that implementation directly, generalized onto the Layer interface
// so image and delta layers share one search path.
package layermap

import (
	"fmt"
	"io"
	"sync"

	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

// ReconstructResultKind tells the reconstruction loop in
// internal/reconstruct how to proceed after consulting one layer.
type ReconstructResultKind int

const (
	// Complete means state.Img now holds a usable base image.
	Complete ReconstructResultKind = iota
	// Continue means more (older) layers must be consulted, starting
	// at NewLsn.
	Continue
	// Missing means the layer covers the key but holds no data for
	// it; reconstruction fails without consulting older layers.
	Missing
)

// ReconstructResult is returned by Layer.GetValueReconstructData.
type ReconstructResult struct {
	Kind   ReconstructResultKind
	NewLsn lsn.Lsn // valid when Kind == Continue
}

// WALRecordEntry is one accumulated delta-layer chain entry, in the
// order layers are consulted (newest layer first; within a layer,
// newest LSN first).
type WALRecordEntry struct {
	LSN     lsn.Lsn
	Payload []byte
}

// ReconstructState accumulates what page reconstruction has found so
// far: at most one base image, plus WAL records to apply on top of
// it, read off in decreasing LSN order (the caller reverses them
// before handing them to WAL redo).
type ReconstructState struct {
	Img     []byte
	Records []WALRecordEntry
}

// Layer is the interface layer map entries implement, letting image
// and delta layers share one search and reconstruction path.
type Layer interface {
	KeyRange() key.Range
	LSNRange() lsn.Range
	IsDelta() bool
	// GetValueReconstructData accumulates whatever this layer knows
	// about k at LSNs in (-inf, upTo] into state.
	GetValueReconstructData(k key.Key, upTo lsn.Lsn, state *ReconstructState) (ReconstructResult, error)
}

// IsL0 reports whether l is an L0 delta: a delta layer whose key
// range spans the entire key space. L0s are direct flush output and
// the primary compaction input.
func IsL0(l Layer) bool {
	return l.IsDelta() && l.KeyRange().IsFullRange()
}

// Map is the mutable, concurrency-safe set of layers for one
// timeline.
type Map struct {
	mu     sync.RWMutex
	layers []Layer
}

// New returns an empty layer map.
func New() *Map {
	return &Map{}
}

// Insert adds a layer to the map.
func (m *Map) Insert(l Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers = append(m.layers, l)
}

// Remove drops a layer from the map. It is a no-op if l is not
// present.
func (m *Map) Remove(l Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.layers {
		if x == l {
			m.layers = append(m.layers[:i:i], m.layers[i+1:]...)
			return
		}
	}
}

// Search returns the newest layer whose key range contains k and
// whose LSN range intersects (-inf, upTo], or nil if none does.
// "Newest" is the layer with the greatest LSN range start.
func (m *Map) Search(k key.Key, upTo lsn.Lsn) Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best Layer
	var bestStart lsn.Lsn
	for _, l := range m.layers {
		if !l.KeyRange().Contains(k) {
			continue
		}
		lr := l.LSNRange()
		if lr.Start > upTo {
			continue
		}
		if best == nil || lr.Start > bestStart {
			best = l
			bestStart = lr.Start
		}
	}
	return best
}

// IterNewestOlderThan returns every layer covering k with an LSN
// range start at or below upTo, ordered newest (greatest Start) first. This
// is the traversal reconstruction and compaction planning use when
// they need more than just the single newest layer.
func (m *Map) IterNewestOlderThan(k key.Key, upTo lsn.Lsn) []Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Layer
	for _, l := range m.layers {
		if !l.KeyRange().Contains(k) {
			continue
		}
		if l.LSNRange().Start > upTo {
			continue
		}
		matches = append(matches, l)
	}
	for i := 1; i < len(matches); i++ {
		for j := i; j > 0 && matches[j].LSNRange().Start > matches[j-1].LSNRange().Start; j-- {
			matches[j], matches[j-1] = matches[j-1], matches[j]
		}
	}
	return matches
}

// IsInFuture reports whether l could only have been written after
// diskConsistentLsn, the watermark recorded at the last successful
// flush. Such a layer is a startup-time artifact of a flush that
// raced a crash and must be discarded.
func IsInFuture(l Layer, diskConsistentLsn lsn.Lsn) bool {
	if l.IsDelta() {
		return l.LSNRange().End > diskConsistentLsn+1
	}
	return l.LSNRange().Start > diskConsistentLsn
}

// All returns a snapshot of every layer currently in the map.
func (m *Map) All() []Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Layer, len(m.layers))
	copy(out, m.layers)
	return out
}

// Dump renders the layer map as ASCII rows of key-range/LSN-range
// boxes, one layer per line, sorted oldest to newest. Useful in tests
// and for operator debugging of layer stacking.
//
// Grounded on the original draw_timeline_dir tool, reimplemented here
// as a library function instead of a standalone binary.
func (m *Map) Dump(w io.Writer) error {
	m.mu.RLock()
	layers := make([]Layer, len(m.layers))
	copy(layers, m.layers)
	m.mu.RUnlock()

	for i := 1; i < len(layers); i++ {
		for j := i; j > 0 && layers[j].LSNRange().Start < layers[j-1].LSNRange().Start; j-- {
			layers[j], layers[j-1] = layers[j-1], layers[j]
		}
	}

	for _, l := range layers {
		kind := "image"
		if l.IsDelta() {
			kind = "delta"
			if IsL0(l) {
				kind = "L0"
			}
		}
		kr := l.KeyRange()
		lr := l.LSNRange()
		if _, err := fmt.Fprintf(w, "[%-5s] key=%s..%s lsn=%s..%s\n", kind, kr.Start, kr.End, lr.Start, lr.End); err != nil {
			return err
		}
	}
	return nil
}
