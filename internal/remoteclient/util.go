package remoteclient

import (
	"bytes"
	"io"
	"sync/atomic"
)

func newByteReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

var tempCounter uint64

// randSuffix produces a process-unique suffix for temp download file
// names. Distinctness, not unpredictability, is all that's required:
// concurrent downloads of the same key must not collide.
func randSuffix() string {
	return itoa(atomic.AddUint64(&tempCounter, 1))
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
