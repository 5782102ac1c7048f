package version

import (
	"encoding/binary"
	"fmt"

	"github.com/perch-labs/perch/common"
)

// Mask is the family bit carried by perch version ids. Ids without the bit belong to the legacy lineage perch
// forked from; they order below every perch id so a single integer comparison gives a total order across both
// families.
const Mask = 0x08000000

// Version identifies a release of perch or of the legacy lineage on the wire. The identity is the ID; the
// broken-out parts are derived from it. Two versions with the same ID are the same version.
type Version struct {
	ID       int32
	Major    byte
	Minor    byte
	Revision byte
	Build    byte
}

// FromID builds the Version for a raw wire id. The decimal digit pairs of the unmasked id carry
// major/minor/revision/build.
func FromID(id int32) Version {
	rel := id &^ Mask
	return Version{
		ID:       id,
		Major:    byte(rel / 1000000 % 100),
		Minor:    byte(rel / 10000 % 100),
		Revision: byte(rel / 100 % 100),
		Build:    byte(rel % 100),
	}
}

var (
	V1_0_0 = FromID(1000099 ^ Mask)
	V2_0_0 = FromID(2000099 ^ Mask)
	// V3_0_0 bounds the legacy response override window on the receive path.
	V3_0_0 = FromID(3000099 ^ Mask)

	// MinCompatV1Marker is sent as the advertised minimum compatible version by perch 1.x instead of its true
	// minimum (legacy 6.8.0). Legacy 7.x nodes also advertise 6.8.0, so a distinct id is the only way a receiver
	// can tell a perch 1.x sender from a legacy 7.x one. Receivers never see this id from legacy senders: those
	// put LegacyES7Wire / LegacyES68Wire on the wire instead.
	MinCompatV1Marker = FromID(6079999)
	// MinCompatV2Marker is the same trick at the 2.x boundary: perch 2.x advertises this instead of legacy
	// 7.10.0 so 7.10.x-family peers can pick a decodable reply version.
	MinCompatV2Marker = FromID(7099999)

	// LegacyES7Wire is the stream version a legacy 7.x sender puts on a handshake request (its advertised
	// minimum, 6.8.0). Counterpart of MinCompatV1Marker on the receive path.
	LegacyES7Wire = FromID(6080099)
	// LegacyES68Wire is the stream version a legacy 6.8 sender puts on a handshake request (5.6.0).
	LegacyES68Wire = FromID(5060099)

	// LegacyV7_10_2 is the fixed version sent in handshake responses to legacy-wire peers for rolling upgrade
	// support.
	LegacyV7_10_2 = FromID(7100299)

	legacyV7_10_0 = FromID(7100099)
	legacyV6_8_0  = FromID(6080099)
	legacyV5_6_0  = FromID(5060099)

	// Current is the version of this build.
	Current = FromID(2050099 ^ Mask)
)

// IsLegacy reports whether v belongs to the legacy lineage rather than to perch.
func (v Version) IsLegacy() bool {
	return v.ID&Mask == 0
}

func (v Version) Equals(other Version) bool {
	return v.ID == other.ID
}

func (v Version) Before(other Version) bool {
	return v.ID < other.ID
}

func (v Version) OnOrAfter(other Version) bool {
	return v.ID >= other.ID
}

func (v Version) After(other Version) bool {
	return v.ID > other.ID
}

// CompareTo returns -1, 0 or 1 if v is older than, the same as, or newer than other.
func (v Version) CompareTo(other Version) int {
	if v.ID < other.ID {
		return -1
	}
	if v.ID > other.ID {
		return 1
	}
	return 0
}

// MinimumCompatibilityVersion returns the oldest version a node of version v accepts on a transport connection.
// Note this is the true minimum: the handshake deliberately advertises a different value for perch nodes, see
// MinCompatV1Marker / MinCompatV2Marker.
func (v Version) MinimumCompatibilityVersion() Version {
	if !v.IsLegacy() {
		switch v.Major {
		case 1:
			return legacyV6_8_0
		case 2:
			return legacyV7_10_0
		default:
			// wire compatible with the previous perch major only
			return FromID(Mask | (int32(v.Major-1)*1000000 + 99))
		}
	}
	switch v.Major {
	case 7:
		return legacyV6_8_0
	case 6:
		return legacyV5_6_0
	default:
		return FromID(int32(v.Major)*1000000 + 99)
	}
}

// IsCompatible reports whether nodes of versions v and other can talk to each other. The predicate is
// symmetric: each side must be on or after the other's minimum compatibility version.
func (v Version) IsCompatible(other Version) bool {
	return v.OnOrAfter(other.MinimumCompatibilityVersion()) && other.OnOrAfter(v.MinimumCompatibilityVersion())
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

// AppendVersion appends the wire encoding of v - the raw id as a big-endian 32 bit integer.
func AppendVersion(buff []byte, v Version) []byte {
	return binary.BigEndian.AppendUint32(buff, uint32(v.ID))
}

// ReadVersion reads a wire encoded version from buff at offset and returns it with the new offset.
func ReadVersion(buff []byte, offset int) (Version, int, error) {
	if offset+4 > len(buff) {
		return Version{}, 0, common.NewPerchErrorf(common.ProtocolError, "insufficient bytes to read version: available %d",
			len(buff)-offset)
	}
	id := binary.BigEndian.Uint32(buff[offset:])
	return FromID(int32(id)), offset + 4, nil
}
