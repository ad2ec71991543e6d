package protocol

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// 16-bit identifiers carried in bytes 2-3 of the vendor base UUID.
const (
	ServiceShort   uint16 = 0xB500
	NotifyShort    uint16 = 0xB501
	SignShort      uint16 = 0xB502
	RssiShort      uint16 = 0xB503
	HealthShort    uint16 = 0xB504
	TimeShort      uint16 = 0xB505
	MacShort       uint16 = 0xB506
	ConfigSvcShort uint16 = 0xB700
)

// BleamIDSize is the length of the per-peer identifier embedded in the
// service UUID.
const BleamIDSize = 10

// BaseUUID is the vendor base: 0000xxxx-0000-0000-0000-00000000ffff, with
// the 16-bit identifier in bytes 2-3 and the BLEAM id in bytes 4-13. Over the
// air the UUID is sent in reverse byte order.
var BaseUUID = uuid.UUID{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF}

// BleamID is the identifier a BLEAM embeds in its service UUID.
type BleamID [BleamIDSize]byte

// Type returns the BLEAM type byte.
func (id BleamID) Type() BleamType { return BleamType(id[0]) }

// Addressee returns the node id a TOOLS bleam is talking to.
func (id BleamID) Addressee() uint16 { return binary.BigEndian.Uint16(id[2:4]) }

// BleamType distinguishes the BLEAM flavours.
type BleamType byte

const (
	BleamAOS   BleamType = 0x00
	BleamTools BleamType = 0x01
	BleamBkgd  BleamType = 0x02
	BleamIOS   BleamType = 0xFF
)

// WithShort returns BaseUUID carrying the 16-bit identifier s.
func WithShort(s uint16) uuid.UUID {
	u := BaseUUID
	binary.BigEndian.PutUint16(u[2:4], s)
	return u
}

// ServiceUUID returns the service UUID advertised by the BLEAM with id.
func ServiceUUID(id BleamID) uuid.UUID {
	u := WithShort(ServiceShort)
	copy(u[4:14], id[:])
	return u
}

// Short extracts the 16-bit identifier of a vendor UUID.
func Short(u uuid.UUID) uint16 { return binary.BigEndian.Uint16(u[2:4]) }

// IsService reports whether u carries the BLEAM service pattern.
func IsService(u uuid.UUID) bool { return Short(u) == ServiceShort }

// IDFromUUID extracts the BLEAM id from a service UUID.
func IDFromUUID(u uuid.UUID) BleamID {
	var id BleamID
	copy(id[:], u[4:14])
	return id
}

// UUIDFromWire converts a 16-byte little-endian on-air UUID to canonical form.
func UUIDFromWire(b []byte) uuid.UUID {
	var u uuid.UUID
	for i := 0; i < 16 && i < len(b); i++ {
		u[15-i] = b[i]
	}
	return u
}

// UUIDToWire converts a canonical UUID to its on-air byte order.
func UUIDToWire(u uuid.UUID) []byte {
	b := make([]byte, 16)
	for i := range 16 {
		b[i] = u[15-i]
	}
	return b
}
