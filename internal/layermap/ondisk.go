package layermap

import (
	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/layer"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

// ImageLayer adapts an on-disk image layer reader to the Layer
// interface.
type ImageLayer struct {
	Name   layer.Name
	Reader *layer.ImageReader
}

func (l *ImageLayer) KeyRange() key.Range { return l.Name.KeyRange }
func (l *ImageLayer) LSNRange() lsn.Range { return l.Name.LSN }
func (l *ImageLayer) IsDelta() bool       { return false }

// GetValueReconstructData returns Complete with the stored image when
// present, or Missing otherwise — an image layer never needs an older
// layer underneath it for the key it claims to cover.
func (l *ImageLayer) GetValueReconstructData(k key.Key, upTo lsn.Lsn, state *ReconstructState) (ReconstructResult, error) {
	img, ok, err := l.Reader.GetImage(k)
	if err != nil {
		return ReconstructResult{}, err
	}
	if !ok {
		return ReconstructResult{Kind: Missing}, nil
	}
	state.Img = img
	return ReconstructResult{Kind: Complete}, nil
}

// DeltaLayer adapts an on-disk delta layer reader to the Layer
// interface.
type DeltaLayer struct {
	Name   layer.Name
	Reader *layer.DeltaReader
}

func (l *DeltaLayer) KeyRange() key.Range { return l.Name.KeyRange }
func (l *DeltaLayer) LSNRange() lsn.Range { return l.Name.LSN }
func (l *DeltaLayer) IsDelta() bool       { return true }

// GetValueReconstructData walks k's chain in this layer from upTo
// downward, accumulating WAL records until it hits a will-init record
// or a full image (Complete), or exhausts the chain without one
// (Continue, at this layer's own LSN floor).
func (l *DeltaLayer) GetValueReconstructData(k key.Key, upTo lsn.Lsn, state *ReconstructState) (ReconstructResult, error) {
	done := false
	err := l.Reader.VisitKey(k, upTo, func(e layer.ChainEntry) bool {
		if e.Kind == layer.ValueImage {
			state.Img = append([]byte(nil), e.Payload...)
			done = true
			return false
		}
		state.Records = append(state.Records, WALRecordEntry{
			LSN:     e.LSN,
			Payload: append([]byte(nil), e.Payload...),
		})
		if e.WillInit {
			done = true
			return false
		}
		return true
	})
	if err != nil {
		return ReconstructResult{}, err
	}
	if done {
		return ReconstructResult{Kind: Complete}, nil
	}
	return ReconstructResult{Kind: Continue, NewLsn: l.Name.LSN.Start}, nil
}
