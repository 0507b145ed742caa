package blobio

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// memFile is a minimal in-memory BlockReader/BlockWriter used to
// round-trip blobs without touching disk.
type memFile struct {
	buf bytes.Buffer
}

func (m *memFile) Write(p []byte) (int, error) { return m.buf.Write(p) }

func (m *memFile) ReadBlk(blockNumber uint32) ([]byte, error) {
	start := int(blockNumber) * PageSize
	end := start + PageSize
	if end > m.buf.Len() {
		return nil, fmt.Errorf("memFile: block %d out of range", blockNumber)
	}
	return m.buf.Bytes()[start:end], nil
}

func TestWriteReadBlobRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 126, 127, 128, 129, 8191, 8192, 8193, 20000}
	for _, n := range sizes {
		t.Run(fmt.Sprintf("size=%d", n), func(t *testing.T) {
			f := &memFile{}
			w := NewWriter(f, 0)

			payload := bytes.Repeat([]byte{0xAB}, n)
			offset, err := w.WriteBlob(payload)
			require.NoError(t, err)

			// Pad out to a full page so ReadBlk never sees a short block.
			_, err = w.PadToNextPage()
			require.NoError(t, err)
			require.NoError(t, w.FlushBuffer())

			cur := NewCursor(f)
			got, err := cur.ReadBlob(offset)
			require.NoError(t, err)
			require.Equal(t, payload, got)
		})
	}
}

func TestWriteBlobTooLarge(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f, 0)
	_, err := w.WriteBlob(make([]byte, maxBlobLen+1))
	require.ErrorIs(t, err, ErrBlobTooLarge)
}

func TestBufferNeverFullBetweenWrites(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f, 0)
	for i := 0; i < 50; i++ {
		_, err := w.WriteBlob(bytes.Repeat([]byte{byte(i)}, 200))
		require.NoError(t, err)
		require.Less(t, w.bufOff, PageSize)
	}
}

func TestMultipleBlobsRoundTrip(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f, 0)

	var offsets []uint64
	var payloads [][]byte
	for i := 0; i < 20; i++ {
		p := bytes.Repeat([]byte{byte(i)}, i*37+3)
		off, err := w.WriteBlob(p)
		require.NoError(t, err)
		offsets = append(offsets, off)
		payloads = append(payloads, p)
	}
	_, err := w.PadToNextPage()
	require.NoError(t, err)
	require.NoError(t, w.FlushBuffer())

	cur := NewCursor(f)
	for i, off := range offsets {
		got, err := cur.ReadBlob(off)
		require.NoError(t, err)
		require.Equal(t, payloads[i], got)
	}
}
