package layer

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the smallest payload worth attempting to
// compress; zstd's frame overhead usually erases any gain below it.
const compressThreshold = 256

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("layer: zstd encoder: %v", err))
	}
	zstdEncoder = enc

	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("layer: zstd decoder: %v", err))
	}
	zstdDecoder = dec
}

// maybeCompress zstd-compresses payload when it's both large enough
// to bother with and actually shrinks, returning the (possibly
// unchanged) bytes and whether compression was applied. EncodeAll is
// safe to call from multiple goroutines at once.
func maybeCompress(payload []byte) ([]byte, bool) {
	if len(payload) < compressThreshold {
		return payload, false
	}
	compressed := zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)))
	if len(compressed) >= len(payload) {
		return payload, false
	}
	return compressed, true
}

// decompress reverses a maybeCompress that reported true. DecodeAll
// is safe to call from multiple goroutines at once.
func decompress(payload []byte) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("layer: zstd decompress: %w", err)
	}
	return out, nil
}
