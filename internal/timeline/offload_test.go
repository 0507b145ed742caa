package timeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/remoteclient"
)

type stubRegistry struct {
	liveChildren  bool
	offloaded     []uuid.UUID
	unevicted     []uuid.UUID
	offloadErr    error
	unevictErr    error
	markOffloaded func(uuid.UUID) error
}

func (r *stubRegistry) HasLiveChildren(uuid.UUID) bool { return r.liveChildren }

func (r *stubRegistry) MarkOffloaded(id uuid.UUID) error {
	if r.offloadErr != nil {
		return r.offloadErr
	}
	r.offloaded = append(r.offloaded, id)
	return nil
}

func (r *stubRegistry) MarkUnevicted(id uuid.UUID, _ *Timeline) error {
	if r.unevictErr != nil {
		return r.unevictErr
	}
	r.unevicted = append(r.unevicted, id)
	return nil
}

func newTestTimeline(t *testing.T) (*Timeline, *remoteclient.MemStore) {
	t.Helper()
	store := remoteclient.NewMemStore()
	client := remoteclient.New(store, remoteclient.Config{})

	dir := filepath.Join(t.TempDir(), "tl")
	tl, err := NewTimeline(uuid.New(), uuid.New(), key.ShardIdentity{Count: 1}, dir, client, 16<<20)
	require.NoError(t, err)
	return tl, store
}

func TestOffloadRequiresArchived(t *testing.T) {
	tl, _ := newTestTimeline(t)
	err := Offload(context.Background(), tl, &stubRegistry{})
	require.ErrorIs(t, err, ErrNotArchived)
}

func TestOffloadRejectsLiveChildren(t *testing.T) {
	tl, _ := newTestTimeline(t)
	tl.Archive()
	err := Offload(context.Background(), tl, &stubRegistry{liveChildren: true})
	require.ErrorIs(t, err, ErrHasLiveChildren)
}

func TestOffloadRemovesLocalDirAndMarksRegistry(t *testing.T) {
	tl, _ := newTestTimeline(t)
	tl.Archive()
	reg := &stubRegistry{}

	require.NoError(t, Offload(context.Background(), tl, reg))

	_, statErr := os.Stat(tl.LocalDir)
	require.True(t, os.IsNotExist(statErr))
	require.Equal(t, []uuid.UUID{tl.TimelineID}, reg.offloaded)
}

func TestUnevictRestoresLocalDirAndRegistry(t *testing.T) {
	tl, _ := newTestTimeline(t)
	tl.Archive()
	reg := &stubRegistry{}
	require.NoError(t, Offload(context.Background(), tl, reg))

	require.NoError(t, Unevict(tl, reg))

	_, statErr := os.Stat(tl.LocalDir)
	require.NoError(t, statErr)
	require.False(t, tl.IsArchived())
	require.Equal(t, []uuid.UUID{tl.TimelineID}, reg.unevicted)
}
