package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromIDDerivesParts(t *testing.T) {
	v := FromID(2050099 ^ Mask)
	require.Equal(t, byte(2), v.Major)
	require.Equal(t, byte(5), v.Minor)
	require.Equal(t, byte(0), v.Revision)
	require.Equal(t, byte(99), v.Build)
	require.False(t, v.IsLegacy())

	legacy := FromID(7100299)
	require.Equal(t, byte(7), legacy.Major)
	require.Equal(t, byte(10), legacy.Minor)
	require.Equal(t, byte(2), legacy.Revision)
	require.True(t, legacy.IsLegacy())
}

func TestTotalOrder(t *testing.T) {
	v1_3_0 := FromID(1030099 ^ Mask)
	v2_0_0 := V2_0_0
	legacy7_10_2 := LegacyV7_10_2

	require.True(t, v1_3_0.Before(v2_0_0))
	require.True(t, v2_0_0.After(v1_3_0))
	require.True(t, v2_0_0.OnOrAfter(v2_0_0))
	require.True(t, v1_3_0.Equals(v1_3_0))
	require.Equal(t, 0, v1_3_0.CompareTo(v1_3_0))
	require.Equal(t, -1, v1_3_0.CompareTo(v2_0_0))
	require.Equal(t, 1, v2_0_0.CompareTo(v1_3_0))

	// every perch version orders above every legacy version
	require.True(t, legacy7_10_2.Before(V1_0_0))
	require.True(t, v1_3_0.After(legacy7_10_2))
}

func TestMinimumCompatibilityVersion(t *testing.T) {
	// perch 1.x is wire compatible back to legacy 6.8.0
	require.Equal(t, int32(6080099), FromID(1030099^Mask).MinimumCompatibilityVersion().ID)
	// perch 2.x is wire compatible back to legacy 7.10.0
	require.Equal(t, int32(7100099), FromID(2050099^Mask).MinimumCompatibilityVersion().ID)
	// perch 3.x is wire compatible back to perch 2.0.0
	require.Equal(t, V2_0_0.ID, FromID(3010099^Mask).MinimumCompatibilityVersion().ID)
	// legacy 7.x is wire compatible back to legacy 6.8.0
	require.Equal(t, int32(6080099), LegacyV7_10_2.MinimumCompatibilityVersion().ID)
	// legacy 6.x is wire compatible back to legacy 5.6.0
	require.Equal(t, int32(5060099), FromID(6080099).MinimumCompatibilityVersion().ID)
}

func TestIsCompatible(t *testing.T) {
	v1_3_0 := FromID(1030099 ^ Mask)
	v2_0_0 := V2_0_0
	v2_5_0 := FromID(2050099 ^ Mask)
	legacy7_10_2 := LegacyV7_10_2
	legacy6_8_0 := FromID(6080099)

	require.True(t, v2_5_0.IsCompatible(v2_5_0))
	// rolling upgrade: perch 1.x still talks to legacy 7.10.x
	require.True(t, v1_3_0.IsCompatible(legacy7_10_2))
	require.True(t, legacy7_10_2.IsCompatible(v1_3_0))
	// perch 2.x dropped the legacy 6.8 wire
	require.False(t, v2_0_0.IsCompatible(legacy6_8_0))
	require.False(t, legacy6_8_0.IsCompatible(v2_0_0))
	// adjacent perch majors interoperate
	require.True(t, v1_3_0.IsCompatible(v2_5_0))
}

func TestVersionCodecRoundTrip(t *testing.T) {
	versions := []Version{
		V1_0_0,
		V2_0_0,
		V3_0_0,
		FromID(2050099 ^ Mask),
		LegacyV7_10_2,
		MinCompatV1Marker,
		MinCompatV2Marker,
		LegacyES7Wire,
		LegacyES68Wire,
	}
	for _, v := range versions {
		buff := AppendVersion(nil, v)
		require.Equal(t, 4, len(buff))
		read, off, err := ReadVersion(buff, 0)
		require.NoError(t, err)
		require.Equal(t, 4, off)
		require.Equal(t, v, read)
	}
}

func TestReadVersionInsufficientBytes(t *testing.T) {
	_, _, err := ReadVersion([]byte{1, 2}, 0)
	require.Error(t, err)
}

func TestMarkerConstants(t *testing.T) {
	// the sent markers and the recognised-on-receive markers are distinct, deliberately
	require.Equal(t, int32(6079999), MinCompatV1Marker.ID)
	require.Equal(t, int32(7099999), MinCompatV2Marker.ID)
	require.Equal(t, int32(6080099), LegacyES7Wire.ID)
	require.Equal(t, int32(5060099), LegacyES68Wire.ID)
	require.Equal(t, int32(7100299), LegacyV7_10_2.ID)
}

func TestString(t *testing.T) {
	require.Equal(t, "2.5.0", FromID(2050099^Mask).String())
	require.Equal(t, "7.10.2", LegacyV7_10_2.String())
}
