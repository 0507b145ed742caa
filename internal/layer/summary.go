package layer

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/neondatabase/pageserver-go/internal/blobio"
	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

// MagicImage and MagicDelta distinguish the two layer kinds at the
// byte level, so a reader never has to trust the filename.
const (
	MagicImage uint32 = 0x4E494D47 // "NIMG"
	MagicDelta uint32 = 0x4E444C54 // "NDLT"

	FormatVersion uint16 = 1
)

// Summary is block 0 of every layer file.
type Summary struct {
	Magic         uint32
	FormatVersion uint16
	TenantID      uuid.UUID
	TimelineID    uuid.UUID
	KeyRange      key.Range
	LSN           lsn.Range // image: lsn..lsn+1; delta: start..end
	IndexStartBlk uint32
	IndexRootBlk  uint32
}

// ErrBadMagic is returned by DecodeSummary when the block 0 magic is
// neither MagicImage nor MagicDelta, or the format version isn't
// FormatVersion.
var ErrBadMagic = fmt.Errorf("layer: summary magic/version mismatch")

// Encode serializes s into one PageSize-sized block.
func (s Summary) Encode() []byte {
	buf := make([]byte, blobio.PageSize)
	binary.BigEndian.PutUint32(buf[0:4], s.Magic)
	binary.BigEndian.PutUint16(buf[4:6], s.FormatVersion)
	copy(buf[8:24], s.TenantID[:])
	copy(buf[24:40], s.TimelineID[:])
	copy(buf[40:58], s.KeyRange.Start[:])
	copy(buf[58:76], s.KeyRange.End[:])
	binary.BigEndian.PutUint64(buf[76:84], uint64(s.LSN.Start))
	binary.BigEndian.PutUint64(buf[84:92], uint64(s.LSN.End))
	binary.BigEndian.PutUint32(buf[92:96], s.IndexStartBlk)
	binary.BigEndian.PutUint32(buf[96:100], s.IndexRootBlk)
	return buf
}

// DecodeSummary parses block 0, requiring the magic to be one of
// MagicImage/MagicDelta and the format version to match exactly.
func DecodeSummary(buf []byte) (Summary, error) {
	if len(buf) != blobio.PageSize {
		return Summary{}, fmt.Errorf("layer: summary block must be %d bytes, got %d", blobio.PageSize, len(buf))
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	version := binary.BigEndian.Uint16(buf[4:6])
	if (magic != MagicImage && magic != MagicDelta) || version != FormatVersion {
		return Summary{}, ErrBadMagic
	}
	var s Summary
	s.Magic = magic
	s.FormatVersion = version
	copy(s.TenantID[:], buf[8:24])
	copy(s.TimelineID[:], buf[24:40])
	copy(s.KeyRange.Start[:], buf[40:58])
	copy(s.KeyRange.End[:], buf[58:76])
	s.LSN.Start = lsn.Lsn(binary.BigEndian.Uint64(buf[76:84]))
	s.LSN.End = lsn.Lsn(binary.BigEndian.Uint64(buf[84:92]))
	s.IndexStartBlk = binary.BigEndian.Uint32(buf[92:96])
	s.IndexRootBlk = binary.BigEndian.Uint32(buf[96:100])
	return s, nil
}

// IsDelta reports whether the summary describes a delta layer.
func (s Summary) IsDelta() bool { return s.Magic == MagicDelta }

// Filename derives the canonical Name this layer must be renamed to.
func (s Summary) Filename(gen Generation) Name {
	return Name{KeyRange: s.KeyRange, LSN: s.LSN, IsDelta: s.IsDelta(), Gen: gen}
}
