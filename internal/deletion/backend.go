package deletion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/neondatabase/pageserver-go/internal/layer"
	"github.com/neondatabase/pageserver-go/internal/logging"
	"github.com/neondatabase/pageserver-go/internal/remoteclient"
)

type backendMsg interface{ isBackendMsg() }

type backendDeleteMsg struct{ list *DeletionList }

func (backendDeleteMsg) isBackendMsg() {}

type backendFlushMsg struct{ op FlushOp }

func (backendFlushMsg) isBackendMsg() {}

// ControlPlaneValidator answers whether tenants at their claimed
// generations are still valid attachments. A tenant missing from the
// response is treated as valid (spec.md §4.9: "missing tenants mean
// deleted").
type ControlPlaneValidator interface {
	Validate(ctx context.Context, generations map[uuid.UUID]Generation) (map[uuid.UUID]bool, error)
}

// AlwaysValid is a ControlPlaneValidator stand-in for tests and
// single-node deployments with no fencing control plane: every tenant
// validates unconditionally.
type AlwaysValid struct{}

// Validate implements ControlPlaneValidator.
func (AlwaysValid) Validate(_ context.Context, generations map[uuid.UUID]Generation) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool, len(generations))
	for id := range generations {
		out[id] = true
	}
	return out, nil
}

// remotePath composes the remote key for one tenant/timeline/layer,
// mirroring the original implementation's timeline-relative layer
// path convention.
func remotePath(tenantID, timelineID uuid.UUID, name layer.Name) string {
	return "tenants/" + tenantID.String() + "/timelines/" + timelineID.String() + "/" + name.String()
}

// Backend receives persisted DeletionLists, accumulates them unvalidated
// until either AutoflushInterval elapses or their combined key count
// reaches AutoflushKeyCount, validates each accumulated list's tenants
// against a ControlPlaneValidator, executes validated
// entries in batches of MaxKeysPerDelete, and removes a list's on-disk
// record once fully executed. Object deletes are expensive per-call,
// so both stages coalesce as much work as they can before doing it.
type Backend struct {
	remote    *remoteclient.Client
	validator ControlPlaneValidator
	store     *Store
	rx        <-chan backendMsg
	log       zerolog.Logger

	pendingLists    []*DeletionList // persisted, awaiting validation
	pendingKeyCount int
	deadline        time.Time

	accumulator       []string
	accumulatorLists  []*DeletionList // lists contributing to the current accumulator, in order
	visibleLsnUpdates []VisibleLsnUpdate
}

// NewBackend constructs a Backend reading from rx.
func NewBackend(remote *remoteclient.Client, validator ControlPlaneValidator, store *Store, rx <-chan backendMsg) *Backend {
	return &Backend{
		remote:    remote,
		validator: validator,
		store:     store,
		rx:        rx,
		log:       logging.WithComponent("deletion-backend"),
		deadline:  time.Now().Add(AutoflushInterval),
	}
}

// NotifyVisibleLsn records one update from the visible-LSN side
// channel, mirroring the original implementation's visible_lsn_updates
// receiver. The backend only buffers these updates: neither validation
// nor execution reads them.
func (b *Backend) NotifyVisibleLsn(u VisibleLsnUpdate) {
	b.visibleLsnUpdates = append(b.visibleLsnUpdates, u)
}

// Run drives the backend loop until ctx is cancelled or its inbound
// channel is closed.
func (b *Backend) Run(ctx context.Context) {
	for {
		delay := time.Until(b.deadline)
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case msg, ok := <-b.rx:
			timer.Stop()
			if !ok {
				return
			}
			switch m := msg.(type) {
			case backendDeleteMsg:
				b.ingest(ctx, m.list)
			case backendFlushMsg:
				b.flushValidation(ctx)
				for len(b.accumulator) > 0 {
					b.executeBatch(ctx)
				}
				m.op.fire()
			}
		case <-timer.C:
			b.deadline = time.Now().Add(AutoflushInterval)
			if len(b.pendingLists) > 0 {
				b.log.Debug().Msg("flushing validation for deadline")
				b.flushValidation(ctx)
			}
		}
	}
}

// ingest persists a freshly arrived list and either queues it for
// validation (accumulating until AutoflushKeyCount or the next
// deadline tick) or, if it's already validated (e.g. replayed from
// the store on restart), hands it straight to execution.
func (b *Backend) ingest(ctx context.Context, list *DeletionList) {
	if list.Empty() {
		b.log.Warn().Uint64("sequence", list.Sequence).Msg("empty deletion list passed to backend")
		_ = b.store.DeleteList(list.Sequence)
		return
	}

	if list.Validated {
		b.enqueueExecution(ctx, list)
		return
	}

	if err := b.store.PutList(list); err != nil {
		b.log.Error().Err(err).Uint64("sequence", list.Sequence).Msg("failed to persist deletion list for validation")
	}

	b.pendingLists = append(b.pendingLists, list)
	b.pendingKeyCount += list.KeyCount()

	if b.pendingKeyCount >= AutoflushKeyCount {
		b.log.Debug().Int("keys", b.pendingKeyCount).Msg("flushing validation for key count threshold")
		b.flushValidation(ctx)
	}
}

// flushValidation validates the accumulated pending lists in order,
// persists each validated list and advances the header past it, and
// queues it for execution. If validation of a list fails, that list
// and every later one stay pending for the next pass. Called on the
// autoflush deadline, once the key-count threshold is crossed, and on
// an explicit FlushExecute.
func (b *Backend) flushValidation(ctx context.Context) {
	lists := b.pendingLists
	b.pendingLists = nil
	b.pendingKeyCount = 0

	for i, list := range lists {
		b.validate(ctx, list)
		if !list.Validated {
			b.pendingLists = lists[i:]
			for _, l := range b.pendingLists {
				b.pendingKeyCount += l.KeyCount()
			}
			return
		}
		if err := b.store.PutList(list); err != nil {
			b.log.Error().Err(err).Uint64("sequence", list.Sequence).Msg("failed to persist validated deletion list")
		}
		if err := b.store.PutHeader(Header{ValidatedSequence: list.Sequence}); err != nil {
			b.log.Error().Err(err).Msg("failed to persist deletion queue header")
		}
		b.enqueueExecution(ctx, list)
	}
}

// validate asks the ControlPlaneValidator about one list's tenants at
// their recorded generations, drops the tenants reported invalid, keeps
// tenants missing from the response, and marks the list Validated; on
// a validator error the list is left unvalidated (a tenant appearing in more
// than one pending list is validated once per list it appears in,
// rather than merged to a single max-generation lookup — see
// DESIGN.md's Open Question decision for why that simplification
// holds for this implementation).
func (b *Backend) validate(ctx context.Context, list *DeletionList) {
	generations := make(map[uuid.UUID]Generation, len(list.Tenants))
	for id, t := range list.Tenants {
		generations[id] = t.Generation
	}

	valid, err := b.validator.Validate(ctx, generations)
	if err != nil {
		b.log.Warn().Err(err).Msg("control plane validation failed, deferring list")
		// Leave the list's tenants untouched; it will be reconsidered
		// (re-validated) the next time the backend processes it, e.g.
		// after a restart recovery replay.
		return
	}

	for id := range list.Tenants {
		ok, present := valid[id]
		if !present {
			// Missing means "deleted" at the control plane: treat as
			// valid, the tenant's objects are free to go.
			continue
		}
		if !ok {
			delete(list.Tenants, id)
		}
	}

	list.Validated = true
}

// enqueueExecution drains list's layer entries into the shared
// accumulator, issuing a batch every time it fills to
// MaxKeysPerDelete, and tracks which lists the accumulator's pending
// bytes belong to so they can be purged once flushed.
func (b *Backend) enqueueExecution(ctx context.Context, list *DeletionList) {
	for tenantID, t := range list.Tenants {
		for timelineID, layers := range t.Timelines {
			for _, name := range layers {
				b.accumulator = append(b.accumulator, remotePath(tenantID, timelineID, name))
				if len(b.accumulator) >= MaxKeysPerDelete {
					b.executeBatch(ctx)
				}
			}
		}
	}

	if len(b.accumulator) > 0 {
		b.accumulatorLists = append(b.accumulatorLists, list)
	} else {
		_ = b.store.DeleteList(list.Sequence)
	}
}

// executeBatch issues one DeleteObjects call for the current
// accumulator. On success, every list that contributed to it is
// purged from the store; on failure, the accumulator is left intact
// for a retry on the next pass.
func (b *Backend) executeBatch(ctx context.Context) {
	if len(b.accumulator) == 0 {
		return
	}
	if err := b.remote.DeleteObjects(ctx, b.accumulator); err != nil {
		b.log.Warn().Err(err).Int("count", len(b.accumulator)).Msg("batch deletion failed, will retry")
		return
	}
	for _, list := range b.accumulatorLists {
		if err := b.store.DeleteList(list.Sequence); err != nil {
			b.log.Error().Err(err).Uint64("sequence", list.Sequence).Msg("failed to purge executed deletion list")
		}
	}
	b.accumulator = b.accumulator[:0]
	b.accumulatorLists = b.accumulatorLists[:0]
}
