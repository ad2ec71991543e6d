package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Configuration service characteristics, numbered from the service short.
const (
	ConfigVersionShort  = ConfigSvcShort | 1 // read
	ConfigStatusShort   = ConfigSvcShort | 2 // read, write, notify
	ConfigLocalKeyShort = ConfigSvcShort | 3 // read, notify
	ConfigBleamKeyShort = ConfigSvcShort | 4 // write
	ConfigNodeIDShort   = ConfigSvcShort | 5 // write
)

const (
	// ConfigDeviceName is the local name advertised in configuration mode.
	ConfigDeviceName = "BLESc"

	// KeyChunkSize is the key payload carried by one key chunk.
	KeyChunkSize = 16
	// KeyChunks is the number of chunks a 64-byte public key is split into.
	KeyChunks = 64 / KeyChunkSize

	versionSize  = 4
	keyChunkSize = 1 + KeyChunkSize
	nodeIDSize   = 2
)

// ConfigStatus is the value of the configuration status characteristic.
type ConfigStatus uint8

const (
	ConfigWaiting ConfigStatus = iota // keys and node id not stored yet
	ConfigSet                         // keys and node id stored
	ConfigDone                        // the tools app registered the node
	ConfigFail
)

func (s ConfigStatus) String() string {
	switch s {
	case ConfigWaiting:
		return "waiting"
	case ConfigSet:
		return "set"
	case ConfigDone:
		return "done"
	case ConfigFail:
		return "fail"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ConfigServiceUUID returns the configuration service UUID.
func ConfigServiceUUID() uuid.UUID { return WithShort(ConfigSvcShort) }

// MarshalVersion encodes the version characteristic.
//
//	[protocol u8][firmware u16][hardware u8]
func MarshalVersion(hardware uint8) []byte {
	buf := make([]byte, 0, versionSize)
	buf = append(buf, ProtocolNumber)
	buf = binary.LittleEndian.AppendUint16(buf, FirmwareID)
	return append(buf, hardware)
}

// MarshalKeyChunk encodes chunk n (1-based) of a public key.
//
//	[n u8][16 bytes of key]
func MarshalKeyChunk(n int, key []byte) ([]byte, error) {
	if n < 1 || n > KeyChunks {
		return nil, fmt.Errorf("%w: key chunk %d out of range", ErrFraming, n)
	}
	if len(key) != KeyChunks*KeyChunkSize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrFraming, KeyChunks*KeyChunkSize, len(key))
	}
	buf := make([]byte, 0, keyChunkSize)
	buf = append(buf, byte(n))
	return append(buf, key[(n-1)*KeyChunkSize:n*KeyChunkSize]...), nil
}

// UnmarshalKeyChunk decodes a key chunk written by a peer and returns its
// 1-based number and key bytes.
func UnmarshalKeyChunk(data []byte) (int, []byte, error) {
	if len(data) < keyChunkSize {
		return 0, nil, fmt.Errorf("%w: key chunk needs %d bytes, got %d", errShort, keyChunkSize, len(data))
	}
	n := int(data[0])
	if n < 1 || n > KeyChunks {
		return 0, nil, fmt.Errorf("%w: key chunk %d out of range", ErrFraming, n)
	}
	return n, data[1:keyChunkSize], nil
}

// UnmarshalNodeID decodes the node id characteristic. Unlike the rest of
// the protocol it is big-endian. Zero is not a valid node id.
func UnmarshalNodeID(data []byte) (uint16, error) {
	if len(data) < nodeIDSize {
		return 0, fmt.Errorf("%w: node id needs %d bytes, got %d", errShort, nodeIDSize, len(data))
	}
	id := binary.BigEndian.Uint16(data)
	if id == 0 {
		return 0, fmt.Errorf("%w: node id 0", ErrFraming)
	}
	return id, nil
}
