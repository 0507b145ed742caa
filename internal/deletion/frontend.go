package deletion

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/neondatabase/pageserver-go/internal/logging"
	"github.com/neondatabase/pageserver-go/internal/remoteclient"
)

type frontendMsg interface{ isFrontendMsg() }

type deleteMsg struct{ op DeletionOp }

func (deleteMsg) isFrontendMsg() {}

type flushMsg struct{ op FlushOp }

func (flushMsg) isFrontendMsg() {}

type flushExecuteMsg struct{ op FlushOp }

func (flushExecuteMsg) isFrontendMsg() {}

// Queue is the public, cloneable handle onto a running deletion queue:
// tenants and timelines push deletions and request flushes through it
// without knowing about the frontend/backend split behind it.
type Queue struct {
	tx chan<- frontendMsg
}

// Push submits a fully formed DeletionOp for eventual deletion,
// blocking until accepted by the frontend or ctx is cancelled.
// Returning does not mean the deletion is durable yet: callers must
// only push layers once they are certain the layers are unreferenced,
// since the queue may execute the delete at any point after this call
// returns.
func (q *Queue) Push(ctx context.Context, op DeletionOp) error {
	select {
	case q.tx <- deleteMsg{op: op}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every previously pushed deletion is durable,
// either executed or written into a persisted DeletionList.
func (q *Queue) Flush(ctx context.Context) error {
	op := newFlushOp()
	select {
	case q.tx <- flushMsg{op: op}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-op.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushExecute waits until every previously pushed deletion has
// actually been executed against remote storage.
func (q *Queue) FlushExecute(ctx context.Context) error {
	op := newFlushOp()
	select {
	case q.tx <- flushExecuteMsg{op: op}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-op.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Frontend accumulates DeletionOps into a DeletionList, persists it to
// remote storage on list-full or on a deadline, and forwards the
// persisted list to the backend over a bounded channel.
type Frontend struct {
	remote    *remoteclient.Client
	rx        <-chan frontendMsg
	txBackend chan<- backendMsg
	log       zerolog.Logger

	pending        *DeletionList
	pendingFlushes []FlushOp
	deadline       time.Time
}

// NewFrontend constructs a Frontend reading from rx and forwarding
// persisted lists to txBackend. startSequence should be recovered from
// the store (one past the highest persisted sequence) on restart.
func NewFrontend(remote *remoteclient.Client, rx <-chan frontendMsg, txBackend chan<- backendMsg, startSequence uint64) *Frontend {
	return &Frontend{
		remote:    remote,
		rx:        rx,
		txBackend: txBackend,
		log:       logging.WithComponent("deletion-frontend"),
		pending:   NewDeletionList(startSequence),
		deadline:  time.Now().Add(AutoflushInterval),
	}
}

// Run drives the frontend loop until ctx is cancelled or its inbound
// channel is closed.
func (f *Frontend) Run(ctx context.Context) {
	for {
		delay := time.Until(f.deadline)
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case msg, ok := <-f.rx:
			timer.Stop()
			if !ok {
				return
			}
			f.handle(ctx, msg)
		case <-timer.C:
			f.deadline = time.Now().Add(AutoflushInterval)
			if !f.pending.Empty() {
				f.log.Debug().Msg("flushing for deadline")
				f.flush(ctx)
			}
		}
	}
}

func (f *Frontend) handle(ctx context.Context, msg frontendMsg) {
	switch m := msg.(type) {
	case deleteMsg:
		f.pending.Add(m.op.TenantID, m.op.TimelineID, m.op.Generation, m.op.Layers)
	case flushMsg:
		if f.pending.Empty() {
			m.op.fire()
		} else {
			f.pendingFlushes = append(f.pendingFlushes, m.op)
			if time.Until(f.deadline) > ExplicitDeadline {
				f.deadline = time.Now().Add(ExplicitDeadline)
			}
		}
	case flushExecuteMsg:
		// The client is expected to have sent a Flush first; this just
		// forwards a flush-to-completion request to the backend.
		select {
		case f.txBackend <- backendFlushMsg{op: m.op}:
		case <-ctx.Done():
		}
	}

	if f.pending.KeyCount() > TargetSize {
		f.log.Debug().Uint64("sequence", f.pending.Sequence).Msg("flushing for target size")
		f.flush(ctx)
	}
}

// flush serializes and uploads the pending list, then hands it to the
// backend and starts a fresh list at the next sequence number. Errors
// are not returned: a failed flush is retried on the next deadline
// tick, matching the original implementation's "no state is lost"
// guarantee.
func (f *Frontend) flush(ctx context.Context) {
	raw, err := json.Marshal(f.pending)
	if err != nil {
		f.log.Error().Err(err).Msg("failed to serialize deletion list")
		return
	}

	key := ObjectName(f.pending.Sequence)
	if err := f.remote.UploadBytes(ctx, key, raw); err != nil {
		f.log.Warn().Err(err).Uint64("sequence", f.pending.Sequence).Msg("failed to flush deletion list, will retry later")
		return
	}

	for _, op := range f.pendingFlushes {
		op.fire()
	}
	f.pendingFlushes = nil

	onward := f.pending
	f.pending = NewDeletionList(onward.Sequence + 1)

	select {
	case f.txBackend <- backendDeleteMsg{list: onward}:
	case <-ctx.Done():
	}
}
