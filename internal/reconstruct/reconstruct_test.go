package reconstruct

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/layermap"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

type stubLayer struct {
	kr       key.Range
	lr       lsn.Range
	isDelta  bool
	image    []byte
	records  []layermap.WALRecordEntry
	willInit bool
	hasData  bool
}

func (s *stubLayer) KeyRange() key.Range { return s.kr }
func (s *stubLayer) LSNRange() lsn.Range { return s.lr }
func (s *stubLayer) IsDelta() bool       { return s.isDelta }

func (s *stubLayer) GetValueReconstructData(k key.Key, upTo lsn.Lsn, state *layermap.ReconstructState) (layermap.ReconstructResult, error) {
	if !s.hasData {
		if s.isDelta {
			return layermap.ReconstructResult{Kind: layermap.Continue, NewLsn: s.lr.Start}, nil
		}
		return layermap.ReconstructResult{Kind: layermap.Missing}, nil
	}
	if s.image != nil {
		state.Img = s.image
		return layermap.ReconstructResult{Kind: layermap.Complete}, nil
	}
	state.Records = append(state.Records, s.records...)
	if s.willInit {
		return layermap.ReconstructResult{Kind: layermap.Complete}, nil
	}
	return layermap.ReconstructResult{Kind: layermap.Continue, NewLsn: s.lr.Start}, nil
}

func kN(n byte) key.Key {
	var k key.Key
	k[17] = n
	return k
}

func fullRange() key.Range { return key.Range{Start: key.Min, End: key.Max} }

func TestGetPageWalksLayersAndAppliesInOldestFirstOrder(t *testing.T) {
	m := layermap.New()
	base := &stubLayer{kr: fullRange(), lr: lsn.SingleImage(100), image: []byte("base"), hasData: true}
	mid := &stubLayer{kr: fullRange(), lr: lsn.Range{Start: 100, End: 200}, isDelta: true, hasData: true,
		records: []layermap.WALRecordEntry{{LSN: 150, Payload: []byte("r150")}}}
	top := &stubLayer{kr: fullRange(), lr: lsn.Range{Start: 200, End: 300}, isDelta: true, hasData: true,
		records: []layermap.WALRecordEntry{{LSN: 250, Payload: []byte("r250")}}}
	m.Insert(base)
	m.Insert(mid)
	m.Insert(top)

	var gotImg []byte
	var gotRecords []layermap.WALRecordEntry
	apply := func(k key.Key, img []byte, records []layermap.WALRecordEntry) ([]byte, error) {
		gotImg = img
		gotRecords = records
		return []byte("reconstructed"), nil
	}

	r := New("t1", m, apply, nil)
	page, err := r.GetPage(kN(1), 280)
	require.NoError(t, err)
	require.Equal(t, []byte("reconstructed"), page)
	require.Equal(t, []byte("base"), gotImg)
	require.Equal(t, []layermap.WALRecordEntry{{LSN: 150, Payload: []byte("r150")}, {LSN: 250, Payload: []byte("r250")}}, gotRecords)
}

func TestGetPageNotFound(t *testing.T) {
	m := layermap.New()
	apply := func(k key.Key, img []byte, records []layermap.WALRecordEntry) ([]byte, error) {
		t.Fatal("apply should not be called")
		return nil, nil
	}
	r := New("t1", m, apply, nil)
	_, err := r.GetPage(kN(1), 100)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetPageMissingData(t *testing.T) {
	m := layermap.New()
	m.Insert(&stubLayer{kr: fullRange(), lr: lsn.SingleImage(50), hasData: false})
	apply := func(k key.Key, img []byte, records []layermap.WALRecordEntry) ([]byte, error) {
		t.Fatal("apply should not be called")
		return nil, nil
	}
	r := New("t1", m, apply, nil)
	_, err := r.GetPage(kN(1), 100)
	require.ErrorIs(t, err, ErrMissingData)
}

func TestGetPageCachesResult(t *testing.T) {
	m := layermap.New()
	m.Insert(&stubLayer{kr: fullRange(), lr: lsn.SingleImage(10), image: []byte("x"), hasData: true})

	calls := 0
	apply := func(k key.Key, img []byte, records []layermap.WALRecordEntry) ([]byte, error) {
		calls++
		return []byte("page"), nil
	}
	r := New("t1", m, apply, NewCache(1<<20))

	_, err := r.GetPage(kN(1), 10)
	require.NoError(t, err)
	_, err = r.GetPage(kN(1), 10)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
