// Package deletion implements the two-stage deletion queue (C9):
// deletes accumulate in a frontend, get persisted as a DeletionList to
// remote storage, then a backend validates each list's tenants against
// a control-plane generation map before executing the actual
// DeleteObjects calls, coalescing across tenants and retrying failed
// batches.
//
// Grounded on the original implementation's deletion_queue.rs /
// deletion_queue/backend.rs, generalized from its mpsc-channel shape
// into idiomatic Go channels and goroutines the way the teacher
// structures its own background workers (see triedb/pathdb's
// journal/flush goroutines).
package deletion

import (
	"time"

	"github.com/google/uuid"

	"github.com/neondatabase/pageserver-go/internal/layer"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

// TargetSize bounds how many layer entries accumulate in memory before
// the frontend proactively flushes a DeletionList to remote storage.
const TargetSize = 16

// AutoflushInterval is how long the frontend waits before flushing a
// non-empty pending list even if TargetSize hasn't been reached, and
// separately how long the backend waits before validating whatever
// lists it has accumulated even if AutoflushKeyCount hasn't been
// reached.
const AutoflushInterval = 10 * time.Second

// ExplicitDeadline is how long the frontend waits to accumulate more
// entries once an explicit Flush has been requested, rather than
// flushing the single pending entry immediately.
const ExplicitDeadline = 100 * time.Millisecond

// AutoflushKeyCount is the backend's key-count threshold for starting
// validation of accumulated lists, independent of the auto-flush
// interval.
const AutoflushKeyCount = 16384

// MaxKeysPerDelete is the object store's per-request DeleteObjects
// limit.
const MaxKeysPerDelete = 1024

// DeletionListPrefix is the well-known remote key prefix deletion
// lists are uploaded under.
const DeletionListPrefix = "deletion/"

// Generation is the control plane's per-tenant attach generation.
// A list's tenant entries are only executed once their generation
// matches the control plane's current view, fencing a node that has
// been superseded by a newer attachment.
type Generation uint32

// TenantDeletions holds one tenant's pending layer deletions within a
// DeletionList, tagged with the generation the deleting node believed
// it held at push time.
type TenantDeletions struct {
	Generation Generation                 `json:"generation"`
	Timelines  map[uuid.UUID][]layer.Name `json:"timelines"`
}

// DeletionList is the persisted unit of work: a sequence number (used
// to compose its remote object name and to order execution) plus the
// tenants/timelines/layers it covers.
type DeletionList struct {
	Sequence  uint64                        `json:"sequence"`
	Validated bool                          `json:"validated"`
	Tenants   map[uuid.UUID]TenantDeletions `json:"tenants"`
}

// NewDeletionList creates an empty list at the given sequence number.
func NewDeletionList(sequence uint64) *DeletionList {
	return &DeletionList{Sequence: sequence, Tenants: make(map[uuid.UUID]TenantDeletions)}
}

// Add appends layers for one tenant/timeline, merging into any
// existing entry for that tenant (the generation is overwritten each
// time, matching the "last occurrence wins" rule the backend's
// validation pass relies on).
func (d *DeletionList) Add(tenantID, timelineID uuid.UUID, generation Generation, layers []layer.Name) {
	t, ok := d.Tenants[tenantID]
	if !ok {
		t = TenantDeletions{Generation: generation, Timelines: make(map[uuid.UUID][]layer.Name)}
	}
	t.Generation = generation
	t.Timelines[timelineID] = append(t.Timelines[timelineID], layers...)
	d.Tenants[tenantID] = t
}

// Empty reports whether the list has no entries left to execute.
func (d *DeletionList) Empty() bool {
	return len(d.Tenants) == 0
}

// KeyCount returns the total number of layer entries across every
// tenant/timeline in the list.
func (d *DeletionList) KeyCount() int {
	n := 0
	for _, t := range d.Tenants {
		for _, layers := range t.Timelines {
			n += len(layers)
		}
	}
	return n
}

// ObjectName returns the well-known remote object name a list with
// this sequence number is uploaded under.
func ObjectName(sequence uint64) string {
	return DeletionListPrefix + itoa64(sequence)
}

func itoa64(v uint64) string {
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

// Header is the queue's crash-recovery bookmark: lists at or below
// ValidatedSequence have already passed control-plane validation and
// can go straight to execution on restart without re-validating.
type Header struct {
	ValidatedSequence uint64 `json:"validated_sequence"`
}

// VisibleLsnUpdate is one message on the backend's visible-LSN side
// channel (Backend.NotifyVisibleLsn), mirroring the original
// implementation's visible_lsn_updates receiver. The backend buffers
// these updates; they do not affect which tenants or generations a
// list validates against.
type VisibleLsnUpdate struct {
	TenantID   uuid.UUID
	TimelineID uuid.UUID
	Lsn        lsn.Lsn
}

// DeletionOp is one frontend-facing delete request.
type DeletionOp struct {
	TenantID   uuid.UUID
	TimelineID uuid.UUID
	Generation Generation
	Layers     []layer.Name
}

// FlushOp carries an acknowledgement channel that fires once the
// requested durability point has been reached.
type FlushOp struct {
	ack chan struct{}
}

func newFlushOp() FlushOp {
	return FlushOp{ack: make(chan struct{})}
}

func (f FlushOp) fire() {
	close(f.ack)
}

func (f FlushOp) wait() {
	<-f.ack
}
