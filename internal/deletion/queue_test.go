package deletion

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/layer"
	"github.com/neondatabase/pageserver-go/internal/lsn"
	"github.com/neondatabase/pageserver-go/internal/remoteclient"
)

func fullRangeImage(at lsn.Lsn) layer.Name {
	return layer.Name{
		KeyRange: key.Range{Start: key.Min, End: key.Max},
		LSN:      lsn.Range{Start: at, End: at + 1},
	}
}

// TestDeletionQueueSmoke exercises spec.md §8 S1: push a layer, assert
// it survives a push and a Flush (only durable, not yet executed),
// then assert it is gone after FlushExecute.
func TestDeletionQueueSmoke(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := remoteclient.NewMemStore()
	client := remoteclient.New(store, remoteclient.Config{})

	tenantID := uuid.New()
	timelineID := uuid.New()
	name := fullRangeImage(100)
	victimKey := remotePath(tenantID, timelineID, name)
	require.NoError(t, client.UploadBytes(ctx, victimKey, []byte("victim contents")))
	require.True(t, store.Has(victimKey))

	dbPath := filepath.Join(t.TempDir(), "deletion.db")
	queue, frontend, backend, err := New(client, AlwaysValid{}, dbPath)
	require.NoError(t, err)
	go frontend.Run(ctx)
	go backend.Run(ctx)

	require.NoError(t, queue.Push(ctx, DeletionOp{
		TenantID:   tenantID,
		TimelineID: timelineID,
		Generation: 1,
		Layers:     []layer.Name{name},
	}))
	require.True(t, store.Has(victimKey), "pushing alone must not execute a delete")

	require.NoError(t, queue.Flush(ctx))
	require.True(t, store.Has(victimKey), "a persisted-but-unexecuted list must not have deleted yet")
	require.True(t, store.Has(ObjectName(0)), "flush must persist the deletion list to remote storage")

	require.NoError(t, queue.FlushExecute(ctx))
	require.False(t, store.Has(victimKey), "flush_execute must have executed the pending delete")
}

// TestDeletionQueueControlPlaneRejection verifies a tenant whose
// generation the control plane rejects is not executed.
func TestDeletionQueueControlPlaneRejection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := remoteclient.NewMemStore()
	client := remoteclient.New(store, remoteclient.Config{})

	tenantID := uuid.New()
	timelineID := uuid.New()
	name := fullRangeImage(200)
	victimKey := remotePath(tenantID, timelineID, name)
	require.NoError(t, client.UploadBytes(ctx, victimKey, []byte("fenced victim")))

	dbPath := filepath.Join(t.TempDir(), "deletion.db")
	queue, frontend, backend, err := New(client, rejectAll{}, dbPath)
	require.NoError(t, err)
	go frontend.Run(ctx)
	go backend.Run(ctx)

	require.NoError(t, queue.Push(ctx, DeletionOp{
		TenantID:   tenantID,
		TimelineID: timelineID,
		Generation: 1,
		Layers:     []layer.Name{name},
	}))
	require.NoError(t, queue.Flush(ctx))
	require.NoError(t, queue.FlushExecute(ctx))

	require.True(t, store.Has(victimKey), "a fenced tenant's objects must not be deleted")
}

type rejectAll struct{}

func (rejectAll) Validate(_ context.Context, generations map[uuid.UUID]Generation) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool, len(generations))
	for id := range generations {
		out[id] = false
	}
	return out, nil
}

func TestDeletionListAddMergesTimelines(t *testing.T) {
	tenantID := uuid.New()
	timelineID := uuid.New()
	l := NewDeletionList(0)
	l.Add(tenantID, timelineID, 1, []layer.Name{fullRangeImage(1)})
	l.Add(tenantID, timelineID, 2, []layer.Name{fullRangeImage(2)})
	require.Equal(t, 2, l.KeyCount())
	require.Equal(t, Generation(2), l.Tenants[tenantID].Generation)
}

func TestStoreRoundTripAndRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "deletion.db")
	store, err := OpenStore(dbPath)
	require.NoError(t, err)

	tenantID := uuid.New()
	timelineID := uuid.New()
	l := NewDeletionList(7)
	l.Add(tenantID, timelineID, 3, []layer.Name{fullRangeImage(1)})
	require.NoError(t, store.PutList(l))
	require.NoError(t, store.PutHeader(Header{ValidatedSequence: 7}))
	require.NoError(t, store.Close())

	store2, err := OpenStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	all, err := store2.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, uint64(7), all[0].Sequence)

	h, err := store2.GetHeader()
	require.NoError(t, err)
	require.Equal(t, uint64(7), h.ValidatedSequence)
}

func TestFrontendFlushesAtTargetSize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := remoteclient.NewMemStore()
	client := remoteclient.New(store, remoteclient.Config{})

	dbPath := filepath.Join(t.TempDir(), "deletion.db")
	queue, frontend, backend, err := New(client, AlwaysValid{}, dbPath)
	require.NoError(t, err)
	go frontend.Run(ctx)
	go backend.Run(ctx)

	tenantID := uuid.New()
	timelineID := uuid.New()
	for i := 0; i < TargetSize+1; i++ {
		require.NoError(t, queue.Push(ctx, DeletionOp{
			TenantID:   tenantID,
			TimelineID: timelineID,
			Generation: 1,
			Layers:     []layer.Name{fullRangeImage(lsn.Lsn(i + 1))},
		}))
	}

	require.Eventually(t, func() bool {
		return store.Has(ObjectName(0))
	}, time.Second, 5*time.Millisecond, "exceeding target size must trigger an implicit flush")
}
