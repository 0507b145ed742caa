package layermap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

// fakeLayer is a minimal in-memory Layer for exercising Map's search
// logic without going through the on-disk format.
type fakeLayer struct {
	kr      key.Range
	lr      lsn.Range
	isDelta bool
	img     map[key.Key][]byte
}

func (f *fakeLayer) KeyRange() key.Range { return f.kr }
func (f *fakeLayer) LSNRange() lsn.Range { return f.lr }
func (f *fakeLayer) IsDelta() bool       { return f.isDelta }

func (f *fakeLayer) GetValueReconstructData(k key.Key, upTo lsn.Lsn, state *ReconstructState) (ReconstructResult, error) {
	if img, ok := f.img[k]; ok {
		state.Img = img
		return ReconstructResult{Kind: Complete}, nil
	}
	if f.isDelta {
		return ReconstructResult{Kind: Continue, NewLsn: f.lr.Start}, nil
	}
	return ReconstructResult{Kind: Missing}, nil
}

func kN(n byte) key.Key {
	var k key.Key
	k[17] = n
	return k
}

func fullRange() key.Range { return key.Range{Start: key.Min, End: key.Max} }

func TestSearchPicksNewestCoveringLayer(t *testing.T) {
	m := New()
	old := &fakeLayer{kr: key.Range{Start: kN(0), End: kN(20)}, lr: lsn.Range{Start: 100, End: 200}, isDelta: true}
	mid := &fakeLayer{kr: key.Range{Start: kN(0), End: kN(20)}, lr: lsn.Range{Start: 200, End: 300}, isDelta: true}
	newImg := &fakeLayer{kr: key.Range{Start: kN(0), End: kN(20)}, lr: lsn.SingleImage(350)}
	m.Insert(old)
	m.Insert(mid)
	m.Insert(newImg)

	require.Equal(t, Layer(newImg), m.Search(kN(5), 400))
	require.Equal(t, Layer(mid), m.Search(kN(5), 250))
	require.Equal(t, Layer(old), m.Search(kN(5), 150))
	require.Nil(t, m.Search(kN(5), 50))
}

func TestSearchIgnoresNonCoveringKeyRange(t *testing.T) {
	m := New()
	l := &fakeLayer{kr: key.Range{Start: kN(10), End: kN(20)}, lr: lsn.SingleImage(100)}
	m.Insert(l)
	require.Nil(t, m.Search(kN(5), 200))
}

func TestIterNewestOlderThanOrdersDescending(t *testing.T) {
	m := New()
	a := &fakeLayer{kr: fullRange(), lr: lsn.Range{Start: 100, End: 200}, isDelta: true}
	b := &fakeLayer{kr: fullRange(), lr: lsn.Range{Start: 200, End: 300}, isDelta: true}
	c := &fakeLayer{kr: fullRange(), lr: lsn.Range{Start: 50, End: 100}, isDelta: true}
	m.Insert(a)
	m.Insert(b)
	m.Insert(c)

	got := m.IterNewestOlderThan(kN(1), 1000)
	require.Equal(t, []Layer{b, a, c}, got)
}

func TestRemove(t *testing.T) {
	m := New()
	l := &fakeLayer{kr: fullRange(), lr: lsn.SingleImage(10)}
	m.Insert(l)
	require.Len(t, m.All(), 1)
	m.Remove(l)
	require.Len(t, m.All(), 0)
}

func TestIsL0(t *testing.T) {
	l0 := &fakeLayer{kr: fullRange(), lr: lsn.Range{Start: 1, End: 2}, isDelta: true}
	notL0 := &fakeLayer{kr: key.Range{Start: kN(0), End: kN(5)}, lr: lsn.Range{Start: 1, End: 2}, isDelta: true}
	img := &fakeLayer{kr: fullRange(), lr: lsn.SingleImage(1)}
	require.True(t, IsL0(l0))
	require.False(t, IsL0(notL0))
	require.False(t, IsL0(img))
}

func TestIsInFuture(t *testing.T) {
	delta := &fakeLayer{lr: lsn.Range{Start: 100, End: 200}, isDelta: true}
	require.True(t, IsInFuture(delta, 198))
	require.False(t, IsInFuture(delta, 199))

	img := &fakeLayer{lr: lsn.SingleImage(150)}
	require.True(t, IsInFuture(img, 149))
	require.False(t, IsInFuture(img, 150))
}

func TestDumpRendersSortedRows(t *testing.T) {
	m := New()
	m.Insert(&fakeLayer{kr: fullRange(), lr: lsn.Range{Start: 200, End: 300}, isDelta: true})
	m.Insert(&fakeLayer{kr: fullRange(), lr: lsn.Range{Start: 100, End: 200}, isDelta: true})
	var buf strings.Builder
	require.NoError(t, m.Dump(&buf))
	out := buf.String()
	require.Less(t, strings.Index(out, "00000000/00000064"), strings.Index(out, "00000000/000000C8"))
}
