package layer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/neondatabase/pageserver-go/internal/key"
	"github.com/neondatabase/pageserver-go/internal/lsn"
)

func rangeOf(a, b byte) key.Range {
	start, end := key.Min, key.Max
	start[17] = a
	end[17] = b
	return key.Range{Start: start, End: end}
}

func TestFilenameRoundTripImage(t *testing.T) {
	n := Name{KeyRange: rangeOf(1, 2), LSN: lsn.SingleImage(0x1234), IsDelta: false}
	s := n.String()
	got, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestFilenameRoundTripDelta(t *testing.T) {
	n := Name{
		KeyRange: rangeOf(3, 9),
		LSN:      lsn.Range{Start: 0x1000, End: 0x2000},
		IsDelta:  true,
	}
	s := n.String()
	got, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestFilenameRoundTripWithGeneration(t *testing.T) {
	n := Name{
		KeyRange: rangeOf(1, 2),
		LSN:      lsn.Range{Start: 0x10, End: 0x20},
		IsDelta:  true,
		Gen:      Generation(0xABCDEF01),
	}
	s := n.String()
	require.Contains(t, s, "-v1-abcdef01")
	got, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestFilenameParseWithoutGenerationSuffix(t *testing.T) {
	n := Name{KeyRange: rangeOf(1, 2), LSN: lsn.SingleImage(0x1), IsDelta: false}
	s := n.String()
	require.NotContains(t, s, "-v1-")
	got, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, NoGeneration, got.Gen)
}

func TestFilenameRejectsMalformed(t *testing.T) {
	_, err := Parse("not-a-layer-name")
	require.Error(t, err)
}

func TestFilenameRejectsBackwardsDeltaRange(t *testing.T) {
	bad := rangeOf(1, 2).Start.String() + "-" + rangeOf(1, 2).End.String() + "__" +
		lsn.Lsn(0x2000).Hex16() + "-" + lsn.Lsn(0x1000).Hex16()
	_, err := Parse(bad)
	require.Error(t, err)
}
