package walrecord

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFPIRecord encodes one XLOG record carrying a single full-page
// image block, with the BKPIMAGE_APPLY bit placed according to
// pgVersion, followed by a short main-data payload.
func buildFPIRecord(t *testing.T, pgVersion int) []byte {
	t.Helper()

	const (
		bimgLen    = 100
		holeOffset = 50
		mainLen    = 5
	)
	total := 24 + 1 + 1 + 2 + 4 + 1 + 12 + 4 + 1 + 1 + bimgLen + mainLen

	raw := make([]byte, total)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(total))
	binary.LittleEndian.PutUint32(raw[4:8], 0xCAFE)
	binary.LittleEndian.PutUint64(raw[8:16], 0x1000)
	raw[16] = 0 // info
	raw[17] = byte(RMHeap2)
	binary.LittleEndian.PutUint32(raw[20:24], 0xDEADBEEF)

	pos := 24
	raw[pos] = 0 // block id 0
	pos++
	raw[pos] = BKPBlockHasImage
	pos++
	binary.LittleEndian.PutUint16(raw[pos:pos+2], 0) // data_len, unconditionally present
	pos += 2
	binary.LittleEndian.PutUint16(raw[pos:pos+2], bimgLen)
	pos += 2
	binary.LittleEndian.PutUint16(raw[pos:pos+2], holeOffset)
	pos += 2
	raw[pos] = BKPImageHasHole | bkpImageApplyBit(pgVersion)
	pos++
	binary.LittleEndian.PutUint32(raw[pos:pos+4], 1)
	pos += 4
	binary.LittleEndian.PutUint32(raw[pos:pos+4], 2)
	pos += 4
	binary.LittleEndian.PutUint32(raw[pos:pos+4], 3)
	pos += 4
	binary.LittleEndian.PutUint32(raw[pos:pos+4], 7) // block num
	pos += 4
	raw[pos] = BlockIDDataShort
	pos++
	raw[pos] = mainLen
	pos++
	for i := 0; i < bimgLen; i++ {
		raw[pos+i] = byte(i)
	}
	pos += bimgLen
	for i := 0; i < mainLen; i++ {
		raw[pos+i] = byte(0xA0 + i)
	}

	return raw
}

func TestDecodeFPICrossVersion(t *testing.T) {
	for _, v := range []int{14, 15} {
		raw := buildFPIRecord(t, v)
		rec, err := Decode(raw, Options{PGVersion: v})
		require.NoError(t, err)

		require.Len(t, rec.Blocks, 1)
		b := rec.Blocks[0]
		require.True(t, b.HasImage)
		require.True(t, b.ApplyImage)
		require.Equal(t, uint32(7), b.BlockNum)
		require.Equal(t, RelFileNode{SpcNode: 1, DbNode: 2, RelNode: 3}, b.RelNode)
		require.Equal(t, uint16(8192-100), b.HoleLength)

		require.Equal(t, int(rec.MainDataOffset+int(rec.MainDataLen)), len(rec.Raw))
		require.Equal(t, []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4}, rec.MainData())
	}
}

func TestDecodeLengthExact(t *testing.T) {
	raw := buildFPIRecord(t, 15)
	rec, err := Decode(raw, Options{PGVersion: 15})
	require.NoError(t, err)
	require.EqualValues(t, len(raw), rec.TotalLength)
	require.Equal(t, rec.MainDataOffset+int(rec.MainDataLen), int(rec.TotalLength))
}

func TestDecodeRejectsTruncated(t *testing.T) {
	raw := buildFPIRecord(t, 15)
	_, err := Decode(raw[:len(raw)-10], Options{PGVersion: 15})
	require.Error(t, err)
}

func TestSameRelInheritance(t *testing.T) {
	// Two blocks: first sets the relation, second reuses it via
	// SAME_REL with no image/data, just a bare block reference.
	total := 24 + (1 + 1 + 2 + 12 + 4) + (1 + 1 + 2 + 4) + 1 + 1
	raw := make([]byte, total)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(total))
	raw[17] = byte(RMHeap)

	pos := 24
	raw[pos] = 0
	pos++
	raw[pos] = 0 // fork_flags: no image, no data, not same-rel
	pos++
	binary.LittleEndian.PutUint16(raw[pos:pos+2], 0) // data_len, unconditionally present
	pos += 2
	binary.LittleEndian.PutUint32(raw[pos:pos+4], 9)
	pos += 4
	binary.LittleEndian.PutUint32(raw[pos:pos+4], 8)
	pos += 4
	binary.LittleEndian.PutUint32(raw[pos:pos+4], 7)
	pos += 4
	binary.LittleEndian.PutUint32(raw[pos:pos+4], 1) // block num
	pos += 4

	raw[pos] = 1
	pos++
	raw[pos] = BKPBlockSameRel
	pos++
	binary.LittleEndian.PutUint16(raw[pos:pos+2], 0) // data_len, unconditionally present
	pos += 2
	binary.LittleEndian.PutUint32(raw[pos:pos+4], 2) // block num
	pos += 4

	raw[pos] = BlockIDDataShort
	pos++
	raw[pos] = 0 // zero-length main data
	pos++

	rec, err := Decode(raw, Options{PGVersion: 15})
	require.NoError(t, err)
	require.Len(t, rec.Blocks, 2)
	require.Equal(t, rec.Blocks[0].RelNode, rec.Blocks[1].RelNode)
}

func TestSameRelWithoutPriorBlockFails(t *testing.T) {
	total := 24 + (1 + 1 + 2 + 4) + 1 + 1
	raw := make([]byte, total)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(total))
	pos := 24
	raw[pos] = 0
	pos++
	raw[pos] = BKPBlockSameRel
	pos++
	binary.LittleEndian.PutUint16(raw[pos:pos+2], 0) // data_len, unconditionally present
	pos += 2
	binary.LittleEndian.PutUint32(raw[pos:pos+4], 1)
	pos += 4
	raw[pos] = BlockIDDataShort
	pos++
	raw[pos] = 0

	_, err := Decode(raw, Options{PGVersion: 15})
	require.Error(t, err)
}

func TestSkipDroppedStats(t *testing.T) {
	rest := make([]byte, DroppedStatsSkipLen*2+4)
	for i := range rest {
		rest[i] = byte(i)
	}
	after, err := SkipDroppedStats(rest, 2)
	require.NoError(t, err)
	require.Equal(t, rest[DroppedStatsSkipLen*2:], after)

	_, err = SkipDroppedStats(rest, 100)
	require.Error(t, err)
}

func TestParseHeapInsert(t *testing.T) {
	data := []byte{0x05, 0x00, 0x03, 0x00}
	h, err := ParseHeapInsert(data)
	require.NoError(t, err)
	require.Equal(t, uint16(5), h.OffsetNumber)
	require.Equal(t, uint8(3), h.Flags)
}
