package protocol

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Advertising data field types used for classification.
const (
	ADSomeUUID128   = 0x06
	ADAllUUID128    = 0x07
	ADManufacturer  = 0xFF
	appleCompanyID  = 0x004C
	fingerprintSize = 16
)

// ADField is one length/type/value structure of an advertising payload.
type ADField struct {
	Type  byte
	Value []byte
}

// ParseAD walks an advertising or scan response payload. Parsing stops at
// the first zero-length or truncated structure.
func ParseAD(data []byte) []ADField {
	var fields []ADField
	for i := 0; i < len(data); {
		l := int(data[i])
		if l == 0 || i+1+l > len(data) {
			break
		}
		fields = append(fields, ADField{Type: data[i+1], Value: data[i+2 : i+1+l]})
		i += 1 + l
	}
	return fields
}

// AppendAD appends one AD structure to buf.
func AppendAD(buf []byte, typ byte, value []byte) []byte {
	buf = append(buf, byte(len(value)+1), typ)
	return append(buf, value...)
}

// AdvKind is the outcome of classifying an advertisement.
type AdvKind int

const (
	AdvOther AdvKind = iota // not a peer of interest
	AdvBleam                // address-stable BLEAM advertising its service UUID
	AdvIOS                  // iOS background advert, service moved to the overflow area
)

func (k AdvKind) String() string {
	switch k {
	case AdvBleam:
		return "bleam"
	case AdvIOS:
		return "ios"
	}
	return "other"
}

// Advert is a classified advertisement.
type Advert struct {
	Kind        AdvKind
	Bleam       BleamID   // set for AdvBleam
	Fingerprint uuid.UUID // set for AdvIOS
}

// ClassifyOptions are the node-specific inputs to Classify.
type ClassifyOptions struct {
	NodeID    uint16
	RssiLimit int8
}

// Classify decides whether an advertisement comes from a BLEAM.
//
// A BLEAM advertises a 128-bit service UUID carrying ServiceShort. TOOLS
// bleams are accepted only when addressed to opts.NodeID, regardless of
// signal strength; the other types must be heard above opts.RssiLimit. An
// iOS device advertising in the background carries the service in Apple
// manufacturer data, whose 16 bytes after the company id are used as a
// correlation fingerprint.
func Classify(data []byte, rssi int8, opts ClassifyOptions) Advert {
	fields := ParseAD(data)

	for _, f := range fields {
		if f.Type != ADAllUUID128 && f.Type != ADSomeUUID128 {
			continue
		}
		for off := 0; off+16 <= len(f.Value); off += 16 {
			u := UUIDFromWire(f.Value[off : off+16])
			if !IsService(u) {
				continue
			}
			id := IDFromUUID(u)
			switch id.Type() {
			case BleamTools:
				if id.Addressee() == opts.NodeID {
					return Advert{Kind: AdvBleam, Bleam: id}
				}
			case BleamAOS, BleamBkgd, BleamIOS:
				if rssi > opts.RssiLimit {
					return Advert{Kind: AdvBleam, Bleam: id}
				}
			}
			return Advert{Kind: AdvOther}
		}
	}

	if rssi <= opts.RssiLimit {
		return Advert{Kind: AdvOther}
	}
	for _, f := range fields {
		if f.Type != ADManufacturer || len(f.Value) < 2+fingerprintSize {
			continue
		}
		if binary.LittleEndian.Uint16(f.Value) != appleCompanyID {
			continue
		}
		var fp uuid.UUID
		copy(fp[:], f.Value[2:2+fingerprintSize])
		return Advert{Kind: AdvIOS, Fingerprint: fp}
	}
	return Advert{Kind: AdvOther}
}
