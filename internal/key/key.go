// Package key implements the fixed-width key that partitions the page
// server's logical key space, plus the shard-identity mapping that
// assigns keys to shards.
package key

import (
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Size is the width in bytes of a Key.
const Size = 18

// Key is an opaque, totally ordered 18-byte identifier for one logical
// page (or a catalog-style metadata entry).
type Key [Size]byte

// DBDIR is the reserved key naming catalog-style directory metadata.
// Field0 is set to a sentinel tag unused by any real relation key.
var DBDIR = Key{0xFF, 0xFF, 0xFF, 0xFF}

// Min and Max bound the entire key space.
var (
	Min = Key{}
	Max = func() Key {
		var k Key
		for i := range k {
			k[i] = 0xFF
		}
		return k
	}()
)

// Compare returns -1, 0 or 1 as a is less than, equal to, or greater than b.
func Compare(a, b Key) int {
	for i := 0; i < Size; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether a sorts before b.
func Less(a, b Key) bool { return Compare(a, b) < 0 }

// String renders the key as the canonical 36 hex digit filename form.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Parse parses the canonical 36 hex digit filename form.
func Parse(s string) (Key, error) {
	var k Key
	if len(s) != Size*2 {
		return k, fmt.Errorf("key: bad hex length %d, want %d", len(s), Size*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("key: %w", err)
	}
	copy(k[:], b)
	return k, nil
}

// Next returns the key immediately following k in key order. It panics
// if k is Max, since there is no successor.
func (k Key) Next() Key {
	n := k
	for i := Size - 1; i >= 0; i-- {
		if n[i] != 0xFF {
			n[i]++
			return n
		}
		n[i] = 0
	}
	panic("key: Next() overflow of Key.Max")
}

// Range is a half-open key range [Start, End).
type Range struct {
	Start Key
	End   Key
}

// Contains reports whether k falls in [Start, End).
func (r Range) Contains(k Key) bool {
	return !Less(k, r.Start) && Less(k, r.End)
}

// Intersects reports whether two ranges overlap.
func (r Range) Intersects(o Range) bool {
	return Less(r.Start, o.End) && Less(o.Start, r.End)
}

// IsFullRange reports whether r spans the entire key space, the
// defining property of an L0 delta layer (see layermap.IsL0).
func (r Range) IsFullRange() bool {
	return r.Start == Min && r.End == Max
}

// ShardCount is the number of shards a tenant is split across. A count
// of 0 or 1 means the tenant is unsharded.
type ShardCount uint8

// ShardNumber identifies one shard within a ShardCount-way split.
type ShardNumber uint8

// ShardIdentity captures how a tenant's key space is partitioned:
// every StripeSize consecutive blocks of a relation form a stripe, and
// each stripe is assigned to one of Count shards by hashing the key's
// leading bytes together with the stripe number.
type ShardIdentity struct {
	Number     ShardNumber
	Count      ShardCount
	StripeSize uint32 // in keys; 0 means the default stripe size
}

// DefaultStripeSize matches the original implementation's default of
// 32768 relation pages (256 MiB) per stripe.
const DefaultStripeSize = 32768

// IsUnsharded reports whether this identity describes a whole,
// unsplit tenant.
func (s ShardIdentity) IsUnsharded() bool {
	return s.Count <= 1
}

// stripeSize returns the effective stripe size, substituting the
// default when unset.
func (s ShardIdentity) stripeSize() uint32 {
	if s.StripeSize == 0 {
		return DefaultStripeSize
	}
	return s.StripeSize
}

// blockNumber extracts the relation block number (last 4 bytes) used
// to compute the stripe a key falls into. DBDIR is the only key treated
// as non-relation; it always maps to shard 0.
func blockNumber(k Key) (uint32, bool) {
	if k == DBDIR {
		return 0, false
	}
	return uint32(k[14])<<24 | uint32(k[15])<<16 | uint32(k[16])<<8 | uint32(k[17]), true
}

// ShardIndex computes which shard owns k under this identity.
func (s ShardIdentity) ShardIndex(k Key) ShardNumber {
	if s.IsUnsharded() {
		return 0
	}
	blk, isRel := blockNumber(k)
	if !isRel {
		return 0
	}
	stripe := blk / s.stripeSize()

	h := xxhash.New()
	_, _ = h.Write(k[:14])
	var stripeBuf [4]byte
	stripeBuf[0] = byte(stripe)
	stripeBuf[1] = byte(stripe >> 8)
	stripeBuf[2] = byte(stripe >> 16)
	stripeBuf[3] = byte(stripe >> 24)
	_, _ = h.Write(stripeBuf[:])

	return ShardNumber(h.Sum64() % uint64(s.Count))
}

// IsOwnedBy reports whether this shard owns k.
func (s ShardIdentity) IsOwnedBy(k Key) bool {
	return s.ShardIndex(k) == s.Number
}
