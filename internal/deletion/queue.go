package deletion

import (
	"github.com/neondatabase/pageserver-go/internal/remoteclient"
)

// New opens the on-disk store at storePath, replays any lists left
// over from a previous run, and returns a Queue plus the Frontend and
// Backend workers whose Run methods the caller should spawn in
// goroutines of its own choosing — mirroring the original
// implementation's split between constructing workers and letting the
// caller own their runtime.
//
// Replay: lists already marked Validated in the store are sent
// straight to the backend's execution path (skipping re-validation,
// per spec.md §4.9's crash-safety rule); unvalidated lists are
// re-validated from scratch.
func New(remote *remoteclient.Client, validator ControlPlaneValidator, storePath string) (*Queue, *Frontend, *Backend, error) {
	store, err := OpenStore(storePath)
	if err != nil {
		return nil, nil, nil, err
	}

	frontendCh := make(chan frontendMsg, 16384)
	backendCh := make(chan backendMsg, 16384)

	existing, err := store.ListAll()
	if err != nil {
		return nil, nil, nil, err
	}
	startSequence := uint64(0)
	for _, l := range existing {
		if l.Sequence >= startSequence {
			startSequence = l.Sequence + 1
		}
	}

	frontend := NewFrontend(remote, frontendCh, backendCh, startSequence)
	backend := NewBackend(remote, validator, store, backendCh)

	queue := &Queue{tx: frontendCh}

	// Queue replay onto the backend channel; the caller's Backend.Run
	// goroutine will drain these once started. Using the channel
	// itself (rather than calling ingest directly) keeps replay and
	// steady-state ingestion on one code path.
	go func() {
		for _, l := range existing {
			backendCh <- backendDeleteMsg{list: l}
		}
	}()

	return queue, frontend, backend, nil
}
