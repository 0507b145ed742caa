package layer

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/neondatabase/pageserver-go/internal/blobio"
	"github.com/neondatabase/pageserver-go/internal/btree"
	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

// imageHeaderSize is the one-byte compressed flag prefixed to every
// stored page image.
const imageHeaderSize = 1

// ImageWriter builds one image layer: a full page image per key in a
// key range, all pinned at a single LSN.
//
// Keys must be put in strictly increasing order, matching the values
// area ordering of the original image_layer.rs writer so the index
// B-tree can be built bottom-up in one pass.
type ImageWriter struct {
	dir        string
	tenantID   uuid.UUID
	timelineID uuid.UUID
	keyRange   key.Range
	at         lsn.Lsn

	tmpPath string
	file    *os.File
	blob    *blobio.Writer
	index   *btree.Builder

	lastKey  key.Key
	haveLast bool
	finished bool
}

// NewImageWriter creates a new image layer under construction in dir.
// The file is invisible (a temp name) until Finish renames it into
// the canonical filename.
func NewImageWriter(dir string, tenantID, timelineID uuid.UUID, keyRange key.Range, at lsn.Lsn) (*ImageWriter, error) {
	tmpPath := tempName(dir, ".tmp-image")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("layer: create image temp file: %w", err)
	}
	if _, err := f.Write(make([]byte, blobio.PageSize)); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("layer: reserve summary block: %w", err)
	}
	return &ImageWriter{
		dir:        dir,
		tenantID:   tenantID,
		timelineID: timelineID,
		keyRange:   keyRange,
		at:         at,
		tmpPath:    tmpPath,
		file:       f,
		blob:       blobio.NewWriter(f, blobio.PageSize),
		index:      btree.NewBuilder(key.Size),
	}, nil
}

// PutImage appends the page image for k. Keys must be put in strictly
// increasing order and must lie within the writer's key range.
func (w *ImageWriter) PutImage(k key.Key, img []byte) error {
	if w.finished {
		return fmt.Errorf("layer: PutImage after Finish")
	}
	if !w.keyRange.Contains(k) {
		return fmt.Errorf("layer: key %s outside layer range", k)
	}
	if w.haveLast && !key.Less(w.lastKey, k) {
		return fmt.Errorf("layer: image keys must be appended in increasing order")
	}

	stored, compressed := maybeCompress(img)
	framed := make([]byte, imageHeaderSize+len(stored))
	if compressed {
		framed[0] = 1
	}
	copy(framed[imageHeaderSize:], stored)

	offset, err := w.blob.WriteBlob(framed)
	if err != nil {
		return err
	}
	if err := w.index.Append(k[:], offset); err != nil {
		return err
	}
	w.lastKey = k
	w.haveLast = true
	return nil
}

// Finish flushes the values area, writes and links the index B-tree,
// writes the summary at block 0, fsyncs, and renames the file into
// its canonical, generation-stamped name. The rename is the commit
// point: a crash before it leaves only an orphaned temp file, which
// startup recovery removes.
func (w *ImageWriter) Finish(gen Generation) (Name, error) {
	if w.finished {
		return Name{}, fmt.Errorf("layer: Finish called twice")
	}
	w.finished = true

	indexStartBlk, err := w.blob.PadToNextPage()
	if err != nil {
		return Name{}, err
	}
	root, blocks, err := w.index.Finish()
	if err != nil {
		return Name{}, err
	}
	for _, blk := range blocks {
		if _, err := w.file.Write(blk); err != nil {
			return Name{}, err
		}
	}

	summary := Summary{
		Magic:         MagicImage,
		FormatVersion: FormatVersion,
		TenantID:      w.tenantID,
		TimelineID:    w.timelineID,
		KeyRange:      w.keyRange,
		LSN:           lsn.SingleImage(w.at),
		IndexStartBlk: indexStartBlk,
		IndexRootBlk:  indexStartBlk + root,
	}
	if _, err := w.file.WriteAt(summary.Encode(), 0); err != nil {
		return Name{}, err
	}
	if err := w.file.Sync(); err != nil {
		return Name{}, err
	}
	if err := w.file.Close(); err != nil {
		return Name{}, err
	}

	name := Name{KeyRange: w.keyRange, LSN: lsn.SingleImage(w.at), IsDelta: false, Gen: gen}
	finalPath := w.dir + string(os.PathSeparator) + name.String()
	if err := os.Rename(w.tmpPath, finalPath); err != nil {
		return Name{}, err
	}
	if err := fsyncDir(w.dir); err != nil {
		return Name{}, err
	}
	return name, nil
}

// Abort discards an in-progress image layer, removing its temp file.
// Safe to call after Finish (a no-op).
func (w *ImageWriter) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.file.Close()
	return os.Remove(w.tmpPath)
}

// ImageReader is a lazily opened, read-only handle onto an on-disk
// image layer. The underlying file descriptor is not opened until the
// first Get call, matching the handle cache's split between a cheap
// in-memory descriptor and an expensive loaded state (see
// internal/handlecache).
type ImageReader struct {
	path string

	mu      sync.Mutex
	file    *os.File
	summary Summary
	index   *btree.Reader
}

// OpenImageReader creates a reader for the image layer at path without
// touching the filesystem yet.
func OpenImageReader(path string) *ImageReader {
	return &ImageReader{path: path}
}

func (r *ImageReader) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return nil
	}
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	block0 := make([]byte, blobio.PageSize)
	if _, err := f.ReadAt(block0, 0); err != nil {
		f.Close()
		return fmt.Errorf("layer: read summary block: %w", err)
	}
	summary, err := DecodeSummary(block0)
	if err != nil {
		f.Close()
		return err
	}
	if summary.Magic != MagicImage {
		f.Close()
		return fmt.Errorf("layer: %s is not an image layer", r.path)
	}
	r.file = f
	r.summary = summary
	r.index = btree.NewReader(&fileBlockReader{f: f}, summary.IndexRootBlk, key.Size)
	return nil
}

// Summary returns the layer's block-0 header, loading the file if
// necessary.
func (r *ImageReader) Summary() (Summary, error) {
	if err := r.load(); err != nil {
		return Summary{}, err
	}
	return r.summary, nil
}

// GetImage returns the page image for k, if present in this layer.
func (r *ImageReader) GetImage(k key.Key) ([]byte, bool, error) {
	if err := r.load(); err != nil {
		return nil, false, err
	}
	offset, ok, err := r.index.Get(k[:])
	if err != nil || !ok {
		return nil, ok, err
	}
	cur := blobio.NewCursor(&fileBlockReader{f: r.file})
	raw, err := cur.ReadBlob(offset)
	if err != nil {
		return nil, false, err
	}
	img := raw[imageHeaderSize:]
	if raw[0] == 1 {
		img, err = decompress(img)
		if err != nil {
			return nil, false, err
		}
	}
	return img, true, nil
}

// Close releases the underlying file descriptor. A closed reader
// reopens transparently on the next Get call.
func (r *ImageReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.index = nil
	return err
}
