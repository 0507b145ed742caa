// Package layer implements the self-describing on-disk layer file
// format: a summary header, a values area, and a B-tree index area,
// for both image layers (one page image per key) and delta layers
// (per-key chains of WAL-derived records).
//
// Grounded on spec.md §3-4.4 and on the original image_layer.rs /
// filename.rs shape; the bottom-up index construction reuses
// internal/btree the way the teacher's triedb/pathdb reuses a shared
// low-level disk structure across layer kinds.
package layer

import (
	"fmt"
	"strings"

	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

// Generation stamps the writer that produced an object; it is embedded
// in every remote object name to fence stale writers after a failover.
type Generation uint32

// NoGeneration is the sentinel for a legacy, generation-less name.
const NoGeneration Generation = 0

// HasGeneration reports whether g denotes a present (non-legacy)
// generation. Generation 0 is reserved for "no generation", matching
// the filename grammar's "absence = no generation" rule.
func (g Generation) HasGeneration() bool { return g != NoGeneration }

// Name is a parsed layer filename, covering both image and delta
// layers.
type Name struct {
	KeyRange key.Range
	LSN      lsn.Range // image: Start==at, End==at+1; delta: Start<End
	IsDelta  bool
	Gen      Generation
}

// String renders the canonical filename.
//
//	image: <hex36 key_start>-<hex36 key_end>__<hex16 lsn>
//	delta: <hex36 key_start>-<hex36 key_end>__<hex16 lsn_start>-<hex16 lsn_end>
//
// with an optional trailing -v1-<hex8 generation> suffix.
func (n Name) String() string {
	var b strings.Builder
	b.WriteString(n.KeyRange.Start.String())
	b.WriteByte('-')
	b.WriteString(n.KeyRange.End.String())
	b.WriteString("__")
	if n.IsDelta {
		b.WriteString(n.LSN.Start.Hex16())
		b.WriteByte('-')
		b.WriteString(n.LSN.End.Hex16())
	} else {
		b.WriteString(n.LSN.Start.Hex16())
	}
	if n.Gen.HasGeneration() {
		fmt.Fprintf(&b, "-v1-%08x", uint32(n.Gen))
	}
	return b.String()
}

// Parse parses a canonical layer filename, with or without the
// trailing generation suffix. A name with no suffix parses to
// NoGeneration, which must still be accepted (spec.md §3).
func Parse(s string) (Name, error) {
	gen := NoGeneration
	if idx := strings.LastIndex(s, "-v1-"); idx >= 0 {
		suffix := s[idx+4:]
		var g uint32
		if _, err := fmt.Sscanf(suffix, "%08x", &g); err != nil || len(suffix) != 8 {
			return Name{}, fmt.Errorf("layer: bad generation suffix %q", suffix)
		}
		gen = Generation(g)
		s = s[:idx]
	}

	keyPart, lsnPart, ok := cutLast(s, "__")
	if !ok {
		return Name{}, fmt.Errorf("layer: malformed filename %q", s)
	}
	ks, ke, ok := cutFirst(keyPart, "-")
	if !ok {
		return Name{}, fmt.Errorf("layer: malformed key range %q", keyPart)
	}
	startKey, err := key.Parse(ks)
	if err != nil {
		return Name{}, err
	}
	endKey, err := key.Parse(ke)
	if err != nil {
		return Name{}, err
	}

	if strings.Contains(lsnPart, "-") {
		ls, le, _ := cutFirst(lsnPart, "-")
		start, err := lsn.ParseHex16(ls)
		if err != nil {
			return Name{}, err
		}
		end, err := lsn.ParseHex16(le)
		if err != nil {
			return Name{}, err
		}
		if !(start < end) {
			return Name{}, fmt.Errorf("layer: delta lsn range must be increasing, got %s-%s", ls, le)
		}
		return Name{KeyRange: key.Range{Start: startKey, End: endKey}, LSN: lsn.Range{Start: start, End: end}, IsDelta: true, Gen: gen}, nil
	}

	at, err := lsn.ParseHex16(lsnPart)
	if err != nil {
		return Name{}, err
	}
	return Name{KeyRange: key.Range{Start: startKey, End: endKey}, LSN: lsn.SingleImage(at), IsDelta: false, Gen: gen}, nil
}

func cutFirst(s, sep string) (before, after string, ok bool) {
	idx := strings.Index(s, sep)
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+len(sep):], true
}

func cutLast(s, sep string) (before, after string, ok bool) {
	idx := strings.LastIndex(s, sep)
	if idx < 0 {
		return "", "", false
	}
	return s[:idx], s[idx+len(sep):], true
}
