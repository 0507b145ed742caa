package layer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/neondatabase/pageserver-go/internal/blobio"
	"github.com/neondatabase/pageserver-go/internal/btree"
	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

// compositeKeySize is the width of a delta layer's index key: the
// 18-byte page key followed by an 8-byte big-endian LSN, so byte
// comparison orders entries first by key, then by LSN.
const compositeKeySize = key.Size + 8

// ValueKind distinguishes a delta layer chain entry that replaces the
// whole page (an image) from one that must be combined with an older
// value (a WAL record fragment).
type ValueKind uint8

const (
	ValueImage     ValueKind = 1
	ValueWALRecord ValueKind = 2
)

const valueHeaderSize = 3 // kind (1 byte) + will_init flag (1 byte) + compressed flag (1 byte)

// DeltaWriter builds one delta layer: per-key chains of either full
// page images or WAL record fragments, covering one key range over
// one half-open LSN range.
//
// Entries must be put in non-decreasing key order and, within a key,
// strictly increasing LSN order, mirroring the original
// delta_layer.rs writer's single forward pass.
type DeltaWriter struct {
	dir        string
	tenantID   uuid.UUID
	timelineID uuid.UUID
	keyRange   key.Range
	lsnRange   lsn.Range

	tmpPath string
	file    *os.File
	blob    *blobio.Writer
	index   *btree.Builder

	lastKey  key.Key
	lastLsn  lsn.Lsn
	haveLast bool
	finished bool
}

// NewDeltaWriter creates a new delta layer under construction in dir.
func NewDeltaWriter(dir string, tenantID, timelineID uuid.UUID, keyRange key.Range, lsnRange lsn.Range) (*DeltaWriter, error) {
	tmpPath := tempName(dir, ".tmp-delta")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("layer: create delta temp file: %w", err)
	}
	if _, err := f.Write(make([]byte, blobio.PageSize)); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("layer: reserve summary block: %w", err)
	}
	return &DeltaWriter{
		dir:        dir,
		tenantID:   tenantID,
		timelineID: timelineID,
		keyRange:   keyRange,
		lsnRange:   lsnRange,
		tmpPath:    tmpPath,
		file:       f,
		blob:       blobio.NewWriter(f, blobio.PageSize),
		index:      btree.NewBuilder(compositeKeySize),
	}, nil
}

// PutValue appends one chain entry for (k, at). willInit marks an
// entry (an image, or a WAL record that initializes the page) that
// replaces the page wholesale (so older chain entries
// and any underlying image layer become irrelevant to reconstruction
// once this entry is reached).
func (w *DeltaWriter) PutValue(k key.Key, at lsn.Lsn, kind ValueKind, willInit bool, payload []byte) error {
	if w.finished {
		return fmt.Errorf("layer: PutValue after Finish")
	}
	if !w.keyRange.Contains(k) {
		return fmt.Errorf("layer: key %s outside layer range", k)
	}
	if !w.lsnRange.Contains(at) {
		return fmt.Errorf("layer: lsn %s outside layer range", at)
	}
	if w.haveLast {
		if key.Less(k, w.lastKey) {
			return fmt.Errorf("layer: delta keys must be appended in non-decreasing order")
		}
		if k == w.lastKey && at <= w.lastLsn {
			return fmt.Errorf("layer: delta lsn must increase within a key's chain")
		}
	}

	stored, compressed := maybeCompress(payload)

	framed := make([]byte, valueHeaderSize+len(stored))
	framed[0] = byte(kind)
	if willInit {
		framed[1] = 1
	}
	if compressed {
		framed[2] = 1
	}
	copy(framed[valueHeaderSize:], stored)

	offset, err := w.blob.WriteBlob(framed)
	if err != nil {
		return err
	}

	var ck [compositeKeySize]byte
	copy(ck[:key.Size], k[:])
	binary.BigEndian.PutUint64(ck[key.Size:], uint64(at))
	if err := w.index.Append(ck[:], offset); err != nil {
		return err
	}

	w.lastKey = k
	w.lastLsn = at
	w.haveLast = true
	return nil
}

// Finish completes the layer the same way ImageWriter.Finish does:
// index, then summary, then fsync, then the commit-point rename.
func (w *DeltaWriter) Finish(gen Generation) (Name, error) {
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
		Magic:         MagicDelta,
		FormatVersion: FormatVersion,
		TenantID:      w.tenantID,
		TimelineID:    w.timelineID,
		KeyRange:      w.keyRange,
		LSN:           w.lsnRange,
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

	name := Name{KeyRange: w.keyRange, LSN: w.lsnRange, IsDelta: true, Gen: gen}
	finalPath := w.dir + string(os.PathSeparator) + name.String()
	if err := os.Rename(w.tmpPath, finalPath); err != nil {
		return Name{}, err
	}
	if err := fsyncDir(w.dir); err != nil {
		return Name{}, err
	}
	return name, nil
}

// Abort discards an in-progress delta layer.
func (w *DeltaWriter) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.file.Close()
	return os.Remove(w.tmpPath)
}

// ChainEntry is one value in a key's chain, as returned by VisitKey.
type ChainEntry struct {
	LSN      lsn.Lsn
	Kind     ValueKind
	WillInit bool
	Payload  []byte
}

// DeltaReader is a lazily opened, read-only handle onto an on-disk
// delta layer.
type DeltaReader struct {
	path string

	mu      sync.Mutex
	file    *os.File
	summary Summary
	index   *btree.Reader
}

// OpenDeltaReader creates a reader for the delta layer at path without
// touching the filesystem yet.
func OpenDeltaReader(path string) *DeltaReader {
	return &DeltaReader{path: path}
}

func (r *DeltaReader) load() error {
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
	if summary.Magic != MagicDelta {
		f.Close()
		return fmt.Errorf("layer: %s is not a delta layer", r.path)
	}
	r.file = f
	r.summary = summary
	r.index = btree.NewReader(&fileBlockReader{f: f}, summary.IndexRootBlk, compositeKeySize)
	return nil
}

// Summary returns the layer's block-0 header, loading the file if
// necessary.
func (r *DeltaReader) Summary() (Summary, error) {
	if err := r.load(); err != nil {
		return Summary{}, err
	}
	return r.summary, nil
}

// VisitKey walks k's chain within this layer from upTo downward,
// newest entry first, invoking visit for each. Reconstruction stops
// the walk (returns false) as soon as it reaches a self-sufficient
// entry: an image, or a record with WillInit set.
func (r *DeltaReader) VisitKey(k key.Key, upTo lsn.Lsn, visit func(ChainEntry) bool) error {
	if err := r.load(); err != nil {
		return err
	}
	var start [compositeKeySize]byte
	copy(start[:key.Size], k[:])
	binary.BigEndian.PutUint64(start[key.Size:], uint64(upTo))

	cur := blobio.NewCursor(&fileBlockReader{f: r.file})
	var callbackErr error
	err := r.index.Visit(start[:], btree.Backward, func(ck []byte, offset uint64) bool {
		if !bytes.Equal(ck[:key.Size], k[:]) {
			return false
		}
		raw, err := cur.ReadBlob(offset)
		if err != nil {
			callbackErr = err
			return false
		}
		payload := raw[valueHeaderSize:]
		if raw[2] == 1 {
			payload, err = decompress(payload)
			if err != nil {
				callbackErr = err
				return false
			}
		}
		entry := ChainEntry{
			LSN:      lsn.Lsn(binary.BigEndian.Uint64(ck[key.Size:])),
			Kind:     ValueKind(raw[0]),
			WillInit: raw[1] == 1,
			Payload:  payload,
		}
		return visit(entry)
	})
	if err != nil {
		return err
	}
	return callbackErr
}

// Close releases the underlying file descriptor.
func (r *DeltaReader) Close() error {
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
