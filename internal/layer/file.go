package layer

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/neondatabase/pageserver-go/internal/blobio"
)

// fileBlockReader adapts an *os.File to blobio.BlockReader and
// btree.BlockReader, both of which read one fixed PageSize block by
// absolute block number.
type fileBlockReader struct {
	f *os.File
}

func (r *fileBlockReader) ReadBlk(blockNumber uint32) ([]byte, error) {
	buf := make([]byte, blobio.PageSize)
	if _, err := r.f.ReadAt(buf, int64(blockNumber)*blobio.PageSize); err != nil {
		return nil, err
	}
	return buf, nil
}

// fsyncDir fsyncs a directory so that a preceding rename into it is
// durable, matching the original implementation's durable_rename.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// tempName picks a not-yet-visible filename for a layer under
// construction, in the same directory it will finally be renamed
// into (so the rename is same-filesystem and atomic).
func tempName(dir, prefix string) string {
	return filepath.Join(dir, prefix+"-"+randSuffix())
}

var tempCounter uint64

// randSuffix produces a process-unique suffix without relying on
// time or crypto/rand, since concurrent temp writers only need
// distinctness, not unpredictability.
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
