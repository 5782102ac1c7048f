package wire

import (
	"io"
	"testing"

	"github.com/perch-labs/perch/version"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	out := NewOutput(64)
	out.WriteUint32(12345)
	out.WriteUint64(987654321012345678)
	out.WriteString("internal:tcp/handshake")
	out.WriteBytesReference([]byte{1, 2, 3, 4, 5})
	out.WriteVersion(version.LegacyV7_10_2)

	in := NewInput(out.Bytes(), version.Current)
	u32, err := in.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(12345), u32)
	u64, err := in.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(987654321012345678), u64)
	s, err := in.ReadString()
	require.NoError(t, err)
	require.Equal(t, "internal:tcp/handshake", s)
	blob, err := in.ReadBytesReference()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5}, blob)
	v, err := in.ReadVersion()
	require.NoError(t, err)
	require.Equal(t, version.LegacyV7_10_2, v)
	require.Equal(t, 0, in.Available())
}

func TestReadPastEndReturnsEOF(t *testing.T) {
	in := NewInput([]byte{1, 2}, version.Current)
	_, err := in.ReadUint32()
	require.Equal(t, io.EOF, err)
	// the failed read consumed nothing
	require.Equal(t, 2, in.Available())

	_, err = in.ReadUint64()
	require.Equal(t, io.EOF, err)
	_, err = in.ReadVersion()
	require.Equal(t, io.EOF, err)
}

func TestReadBytesReferenceTruncatedBody(t *testing.T) {
	out := NewOutput(16)
	out.WriteBytesReference([]byte{1, 2, 3, 4})
	truncated := out.Bytes()[:6]
	in := NewInput(truncated, version.Current)
	_, err := in.ReadBytesReference()
	require.Equal(t, io.EOF, err)
}

func TestEmptyBytesReference(t *testing.T) {
	out := NewOutput(4)
	out.WriteBytesReference(nil)
	in := NewInput(out.Bytes(), version.Current)
	blob, err := in.ReadBytesReference()
	require.NoError(t, err)
	require.Equal(t, 0, len(blob))
	require.Equal(t, 0, in.Available())
}

func TestSubInputPreservesVersion(t *testing.T) {
	in := NewInput(nil, version.LegacyES7Wire)
	sub := in.SubInput([]byte{0, 0, 0, 1})
	require.Equal(t, version.LegacyES7Wire, sub.Version())
	require.Equal(t, 4, sub.Available())
}

func TestInputVersion(t *testing.T) {
	in := NewInput(nil, version.MinCompatV2Marker)
	require.Equal(t, version.MinCompatV2Marker, in.Version())
}
