package layer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

func keyN(n byte) key.Key {
	var k key.Key
	k[17] = n
	return k
}

func TestImageLayerWriteRead(t *testing.T) {
	dir := t.TempDir()
	tenant, timeline := uuid.New(), uuid.New()
	kr := key.Range{Start: keyN(0), End: keyN(20)}

	w, err := NewImageWriter(dir, tenant, timeline, kr, lsn.Lsn(0x100))
	require.NoError(t, err)

	images := map[key.Key][]byte{
		keyN(1): []byte("page one"),
		keyN(5): []byte("page five, a bit longer to exercise multi-page blobs"),
		keyN(9): make([]byte, 9000),
	}
	for i := range images[keyN(9)] {
		images[keyN(9)][i] = byte(i)
	}
	for _, k := range []key.Key{keyN(1), keyN(5), keyN(9)} {
		require.NoError(t, w.PutImage(k, images[k]))
	}

	name, err := w.Finish(NoGeneration)
	require.NoError(t, err)
	require.False(t, name.IsDelta)
	require.Equal(t, kr, name.KeyRange)

	path := filepath.Join(dir, name.String())
	_, err = os.Stat(path)
	require.NoError(t, err)

	r := OpenImageReader(path)
	defer r.Close()

	sum, err := r.Summary()
	require.NoError(t, err)
	require.Equal(t, MagicImage, sum.Magic)
	require.Equal(t, tenant, sum.TenantID)
	require.Equal(t, timeline, sum.TimelineID)

	for k, want := range images {
		got, ok, err := r.GetImage(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, got)
	}

	_, ok, err := r.GetImage(keyN(3))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestImageLayerCompressesRepetitiveLargeImages(t *testing.T) {
	dir := t.TempDir()
	w, err := NewImageWriter(dir, uuid.New(), uuid.New(), key.Range{Start: keyN(0), End: keyN(20)}, lsn.Lsn(1))
	require.NoError(t, err)

	img := bytes.Repeat([]byte("neondatabase-page-server"), 1000)
	require.NoError(t, w.PutImage(keyN(5), img))
	name, err := w.Finish(NoGeneration)
	require.NoError(t, err)

	r := OpenImageReader(filepath.Join(dir, name.String()))
	defer r.Close()
	got, ok, err := r.GetImage(keyN(5))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, img, got)
}

func TestImageWriterRejectsOutOfOrderKeys(t *testing.T) {
	dir := t.TempDir()
	w, err := NewImageWriter(dir, uuid.New(), uuid.New(), key.Range{Start: keyN(0), End: keyN(20)}, lsn.Lsn(1))
	require.NoError(t, err)
	require.NoError(t, w.PutImage(keyN(5), []byte("a")))
	require.Error(t, w.PutImage(keyN(5), []byte("b")))
	require.Error(t, w.PutImage(keyN(2), []byte("c")))
}

func TestImageWriterRejectsKeyOutsideRange(t *testing.T) {
	dir := t.TempDir()
	w, err := NewImageWriter(dir, uuid.New(), uuid.New(), key.Range{Start: keyN(10), End: keyN(20)}, lsn.Lsn(1))
	require.NoError(t, err)
	require.Error(t, w.PutImage(keyN(1), []byte("a")))
}

func TestImageWriterAbortRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewImageWriter(dir, uuid.New(), uuid.New(), key.Range{Start: keyN(0), End: keyN(20)}, lsn.Lsn(1))
	require.NoError(t, err)
	tmp := w.tmpPath
	require.NoError(t, w.Abort())
	_, err = os.Stat(tmp)
	require.True(t, os.IsNotExist(err))
}
