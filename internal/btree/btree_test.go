package btree

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// memBlocks serves pages straight out of a slice built by a Builder.
type memBlocks struct {
	pages [][]byte
}

func (m *memBlocks) ReadBlk(blockNumber uint32) ([]byte, error) {
	if int(blockNumber) >= len(m.pages) {
		return nil, fmt.Errorf("memBlocks: block %d out of range", blockNumber)
	}
	return m.pages[blockNumber], nil
}

func keyOf(i int) []byte {
	var k [4]byte
	k[0] = byte(i >> 24)
	k[1] = byte(i >> 16)
	k[2] = byte(i >> 8)
	k[3] = byte(i)
	return k[:]
}

func buildTree(t *testing.T, n int) (*Reader, []int) {
	t.Helper()
	keys := make([]int, n)
	for i := range keys {
		keys[i] = i * 3
	}
	b := NewBuilder(4)
	for _, k := range keys {
		require.NoError(t, b.Append(keyOf(k), uint64(k)*2+1))
	}
	root, blocks, err := b.Finish()
	require.NoError(t, err)
	return NewReader(&memBlocks{pages: blocks}, root, 4), keys
}

func TestBTreeGetRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 10, 500, 5000} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			r, keys := buildTree(t, n)
			for _, k := range keys {
				v, ok, err := r.Get(keyOf(k))
				require.NoError(t, err)
				require.True(t, ok)
				require.Equal(t, uint64(k)*2+1, v)
			}
			// Keys never inserted must miss.
			_, ok, err := r.Get(keyOf(-1))
			require.NoError(t, err)
			require.False(t, ok)

			if n > 0 {
				_, ok, err = r.Get(keyOf(keys[len(keys)-1] + 1))
				require.NoError(t, err)
				require.False(t, ok)
			}
		})
	}
}

func TestBTreeVisitForwardAndBackward(t *testing.T) {
	r, keys := buildTree(t, 300)

	var forward []int
	require.NoError(t, r.Visit(keyOf(0), Forward, func(k []byte, v uint64) bool {
		forward = append(forward, int(v-1)/2)
		return true
	}))
	require.Equal(t, keys, forward)

	var backward []int
	lastKey := keys[len(keys)-1]
	require.NoError(t, r.Visit(keyOf(lastKey), Backward, func(k []byte, v uint64) bool {
		backward = append(backward, int(v-1)/2)
		return true
	}))
	reversed := append([]int(nil), keys...)
	sort.Sort(sort.Reverse(sort.IntSlice(reversed)))
	require.Equal(t, reversed, backward)
}

func TestBTreeVisitBackwardSpansMultipleLeaves(t *testing.T) {
	// Large enough that the tree has several leaves, so a backward
	// visit from a key in a later leaf must still pick up every entry
	// from earlier leaves, not just the leaf containing start.
	r, keys := buildTree(t, 5000)

	mid := keys[len(keys)/2]
	var backward []int
	require.NoError(t, r.Visit(keyOf(mid), Backward, func(k []byte, v uint64) bool {
		backward = append(backward, int(v-1)/2)
		return true
	}))

	var want []int
	for _, k := range keys {
		if k <= mid {
			want = append(want, k)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(want)))
	require.Equal(t, want, backward)
}

func TestBTreeVisitEarlyStop(t *testing.T) {
	r, _ := buildTree(t, 100)
	count := 0
	require.NoError(t, r.Visit(keyOf(0), Forward, func(k []byte, v uint64) bool {
		count++
		return count < 5
	}))
	require.Equal(t, 5, count)
}

func TestBTreeRandomizedSubset(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const n = 2000
	present := make(map[int]uint64, n)
	b := NewBuilder(4)
	last := -1
	for len(present) < n {
		last += 1 + rng.Intn(3)
		present[last] = uint64(last)
		require.NoError(t, b.Append(keyOf(last), uint64(last)))
	}
	root, blocks, err := b.Finish()
	require.NoError(t, err)
	r := NewReader(&memBlocks{pages: blocks}, root, 4)

	for k, v := range present {
		got, ok, err := r.Get(keyOf(k))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, v, got)
	}
	for k := 0; k < last; k++ {
		if _, ok := present[k]; !ok {
			_, found, err := r.Get(keyOf(k))
			require.NoError(t, err)
			require.False(t, found)
		}
	}
}
