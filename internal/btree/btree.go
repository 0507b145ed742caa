// Package btree implements the immutable, page-structured B-tree used
// as the index inside every layer file (image and delta). Trees are
// built bottom-up from keys appended in strictly increasing order, and are
// read-only once built.
//
// Grounded on the teacher's bottom-up disk structures (triedb/pathdb)
// generalized to a fixed-width on-disk index, and on the original
// disk_btree.rs shape described in spec.md §4.2.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/neondatabase/pageserver-go/internal/blobio"
)

const pageSize = blobio.PageSize

// nodeHeader is the fixed-size prefix of every btree block.
//
//	byte 0:    1 if leaf, 0 if internal
//	bytes 1-2: number of entries (big-endian uint16)
//	bytes 3-6: next-leaf block number, only meaningful for leaves
//	           (^uint32(0) when there is no next leaf)
const nodeHeaderSize = 7

type separator struct {
	key []byte
	blk uint32
}

// Builder constructs a B-tree bottom-up over fixed-width keys mapping
// to u64 values (byte offsets into the owning layer file).
type Builder struct {
	keySize   int
	entrySize int
	maxLeaf   int
	maxInner  int

	leaf  []byte // accumulating current leaf page payload
	leafN int

	blocks  [][]byte // finished blocks, in emission order
	nextBlk uint32

	leafSeparators []separator

	lastKey  []byte
	haveLast bool
	finished bool
}

// NewBuilder creates a builder for fixed keySize-byte keys.
func NewBuilder(keySize int) *Builder {
	entrySize := keySize + 8
	maxEntries := (pageSize - nodeHeaderSize) / entrySize
	if maxEntries < 2 {
		maxEntries = 2
	}
	return &Builder{
		keySize:   keySize,
		entrySize: entrySize,
		maxLeaf:   maxEntries,
		maxInner:  maxEntries,
	}
}

// Append adds one (key, value) pair. Keys must be appended in strictly
// increasing order.
func (b *Builder) Append(key []byte, value uint64) error {
	if b.finished {
		return fmt.Errorf("btree: Append after Finish")
	}
	if len(key) != b.keySize {
		return fmt.Errorf("btree: key length %d, want %d", len(key), b.keySize)
	}
	if b.haveLast && compareBytes(key, b.lastKey) <= 0 {
		return fmt.Errorf("btree: keys must be appended in increasing order")
	}
	b.lastKey = append(b.lastKey[:0], key...)
	b.haveLast = true

	if b.leafN == b.maxLeaf {
		b.flushLeaf()
	}
	b.leaf = append(b.leaf, key...)
	b.leaf = appendUint64(b.leaf, value)
	b.leafN++
	return nil
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func appendUint64(dst []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(dst, tmp[:]...)
}

// flushLeaf packs the in-progress leaf buffer into a page and records
// a separator (its first key, its block number) for the level above.
func (b *Builder) flushLeaf() {
	if b.leafN == 0 {
		return
	}
	firstKey := append([]byte(nil), b.leaf[:b.keySize]...)
	blk := b.emit(true, b.leafN, b.leaf)
	b.leafSeparators = append(b.leafSeparators, separator{key: firstKey, blk: blk})
	b.leaf = nil
	b.leafN = 0
}

// emit finalizes one page (leaf or internal) and appends it to the
// block list, returning its block number.
func (b *Builder) emit(isLeaf bool, n int, entries []byte) uint32 {
	page := make([]byte, pageSize)
	if isLeaf {
		page[0] = 1
	}
	binary.BigEndian.PutUint16(page[1:3], uint16(n))
	binary.BigEndian.PutUint32(page[3:7], ^uint32(0)) // next-leaf link patched in Finish
	copy(page[nodeHeaderSize:], entries)

	blk := b.nextBlk
	b.nextBlk++
	b.blocks = append(b.blocks, page)
	return blk
}

// linkLeaves patches the next-leaf block number of every leaf page so
// Visit can walk forward without re-descending the tree.
func (b *Builder) linkLeaves() {
	prevLeaf := -1
	for i, page := range b.blocks {
		if page[0] != 1 {
			continue
		}
		if prevLeaf >= 0 {
			binary.BigEndian.PutUint32(b.blocks[prevLeaf][3:7], uint32(i))
		}
		prevLeaf = i
	}
}

// collapseLevel groups a level's separators into pages of at most maxInner
// entries, emitting one internal page per group and returning the
// separators for the level above. A single surviving separator needs
// no further wrapping — its block is the root.
func (b *Builder) collapseLevel(level []separator) []separator {
	var next []separator
	for start := 0; start < len(level); start += b.maxInner {
		end := start + b.maxInner
		if end > len(level) {
			end = len(level)
		}
		group := level[start:end]
		var buf []byte
		for _, s := range group {
			buf = append(buf, s.key...)
			buf = appendUint64(buf, uint64(s.blk))
		}
		blk := b.emit(false, len(group), buf)
		next = append(next, separator{key: group[0].key, blk: blk})
	}
	return next
}

// Finish completes the tree and returns the root block number (among
// the builder's own block numbering, starting at 0) plus the flat
// sequence of pages the caller must write out contiguously starting
// at its chosen index_start_blk.
func (b *Builder) Finish() (rootBlock uint32, blocks [][]byte, err error) {
	if b.finished {
		return 0, nil, fmt.Errorf("btree: Finish called twice")
	}
	b.finished = true
	b.flushLeaf()

	if len(b.leafSeparators) == 0 {
		blk := b.emit(true, 0, nil)
		b.linkLeaves()
		return blk, b.blocks, nil
	}

	level := b.leafSeparators
	for len(level) > 1 {
		level = b.collapseLevel(level)
	}
	b.linkLeaves()
	return level[0].blk, b.blocks, nil
}
