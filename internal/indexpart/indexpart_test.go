package indexpart

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/layer"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

func sampleLayerName() layer.Name {
	return layer.Name{
		KeyRange: key.Range{Start: key.Min, End: key.Max},
		LSN:      lsn.SingleImage(0x1234),
		IsDelta:  false,
		Gen:      layer.Generation(7),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ip := New(1000)
	name := sampleLayerName()
	ip.AddLayer(name, 8192, 0)

	raw, err := ip.Encode()
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, got.Version)
	require.Equal(t, lsn.Lsn(1000), got.DiskConsistentLsn)
	require.Contains(t, got.LayerMetadata, logicalName(name))
	require.Equal(t, uint64(8192), got.LayerMetadata[logicalName(name)].FileSize)
	require.Equal(t, layer.Generation(7), got.LayerMetadata[logicalName(name)].Generation)
}

func TestAddLayerSupersedesOnNewGeneration(t *testing.T) {
	ip := New(1)
	name := sampleLayerName()
	ip.AddLayer(name, 100, 0)
	require.Len(t, ip.LayerMetadata, 1)

	reuploaded := name
	reuploaded.Gen = layer.Generation(9)
	ip.AddLayer(reuploaded, 200, 0)

	require.Len(t, ip.LayerMetadata, 1)
	entry := ip.LayerMetadata[logicalName(name)]
	require.Equal(t, uint64(200), entry.FileSize)
	require.Equal(t, layer.Generation(9), entry.Generation)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	raw := []byte(`{"version": 99, "metadata": {"disk_consistent_lsn": 1}, "disk_consistent_lsn": 1, "layer_metadata": {}}`)
	_, err := Decode(raw)
	require.Error(t, err)
	var uv ErrUnknownVersion
	require.ErrorAs(t, err, &uv)
	require.Equal(t, 99, uv.Version)
}

func TestDecodeRejectsLsnDisagreement(t *testing.T) {
	raw := []byte(`{"version": 3, "metadata": {"disk_consistent_lsn": 1}, "disk_consistent_lsn": 2, "layer_metadata": {}}`)
	_, err := Decode(raw)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestRemoveLayer(t *testing.T) {
	ip := New(1)
	name := sampleLayerName()
	ip.AddLayer(name, 100, 0)
	require.Len(t, ip.LayerMetadata, 1)
	ip.RemoveLayer(name)
	require.Len(t, ip.LayerMetadata, 0)
}

func TestObjectNameRoundTrip(t *testing.T) {
	require.Equal(t, "index_part.json", ObjectName(layer.NoGeneration))
	gen, err := ParseObjectName("index_part.json")
	require.NoError(t, err)
	require.Equal(t, layer.NoGeneration, gen)

	name := ObjectName(layer.Generation(0xabcd1234))
	require.Equal(t, "index_part.json-abcd1234", name)
	gen, err = ParseObjectName(name)
	require.NoError(t, err)
	require.Equal(t, layer.Generation(0xabcd1234), gen)
}

func TestPickNewestPrefersHighestGeneration(t *testing.T) {
	names := []string{
		"index_part.json",
		"index_part.json-00000001",
		"index_part.json-00000005",
		"index_part.json-00000003",
	}
	best, gen, ok := PickNewest(names)
	require.True(t, ok)
	require.Equal(t, "index_part.json-00000005", best)
	require.Equal(t, layer.Generation(5), gen)
}

func TestPickNewestGenerationlessIsOldest(t *testing.T) {
	names := []string{"index_part.json", "index_part.json-00000001"}
	best, _, ok := PickNewest(names)
	require.True(t, ok)
	require.Equal(t, "index_part.json-00000001", best)
}
