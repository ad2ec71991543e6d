// Package protocol implements the BLEAM wire protocol: chunk framing, the
// payload layouts carried on each characteristic, the service UUID layout and
// advertisement classification. All multi-byte integers on the wire are
// little-endian unless noted otherwise.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command is the first byte of every payload a BLEAM sends on the notify
// characteristic.
type Command byte

const (
	CmdSalt      Command = 0x00
	CmdSign      Command = 0x01
	CmdDfu       Command = 0x02
	CmdReboot    Command = 0x03
	CmdUnconfig  Command = 0x04
	CmdIdle      Command = 0x05
	CmdRssiLimit Command = 0x06
	CmdTrust     Command = 0x10
)

func (c Command) String() string {
	switch c {
	case CmdSalt:
		return "salt"
	case CmdSign:
		return "sign"
	case CmdDfu:
		return "dfu"
	case CmdReboot:
		return "reboot"
	case CmdUnconfig:
		return "unconfig"
	case CmdIdle:
		return "idle"
	case CmdRssiLimit:
		return "rssi-limit"
	case CmdTrust:
		return "trust"
	}
	return fmt.Sprintf("cmd(0x%02x)", byte(c))
}

// Administrative reports whether c must be authorised by a signature
// exchange before it runs.
func (c Command) Administrative() bool {
	switch c {
	case CmdDfu, CmdReboot, CmdUnconfig, CmdIdle, CmdRssiLimit:
		return true
	}
	return false
}

const (
	SaltSize      = 16
	SignatureSize = 64

	// FirmwareID identifies this build in health reports.
	FirmwareID = 13
	// ProtocolNumber is the BLEAM protocol revision implemented here.
	ProtocolNumber = 3
)

// Health message types.
const (
	MsgHealth byte = 0x01
	MsgFault  byte = 0x02
)

const (
	healthSize  = 19
	faultSize   = 9
	macSize     = 8
	timeSize    = 4
	readingSize = 2
)

var errShort = errors.New("protocol: short payload")

// Request is a decoded notify payload.
type Request struct {
	Command Command
	Params  []byte
}

// ParseRequest splits a reassembled notify payload into command and params.
func ParseRequest(payload []byte) (Request, error) {
	if len(payload) == 0 {
		return Request{}, fmt.Errorf("%w: empty request", ErrFraming)
	}
	return Request{Command: Command(payload[0]), Params: payload[1:]}, nil
}

// MarshalRequest encodes a command and its params.
func MarshalRequest(cmd Command, params []byte) []byte {
	buf := make([]byte, 0, 1+len(params))
	buf = append(buf, byte(cmd))
	return append(buf, params...)
}

// IdleMinutes decodes the u16 minutes parameter of an Idle request.
func (r Request) IdleMinutes() (uint16, error) {
	if len(r.Params) < 2 {
		return 0, fmt.Errorf("%w: idle needs 2 bytes, got %d", errShort, len(r.Params))
	}
	return binary.LittleEndian.Uint16(r.Params), nil
}

// RssiLimit decodes the signed threshold parameter of an RssiLimit request.
func (r Request) RssiLimit() (int8, error) {
	if len(r.Params) < 1 {
		return 0, fmt.Errorf("%w: rssi limit needs 1 byte", errShort)
	}
	return int8(r.Params[0]), nil
}

// Health is the general health record sent after a successful signature.
//
//	[0x01][fw u16][battery u8][uptime u32][sleep u32][system time u32][err id u16][err kind u8]
//
// followed, when Fault is set, by
//
//	[0x02][code u32][file u16][line u16]
type Health struct {
	FirmwareID uint16
	Battery    uint8  // centivolts above 2.0 V, board specific
	Uptime     uint32 // minutes since boot
	SleepTime  uint32 // seconds spent idle
	SystemTime uint32 // seconds since midnight
	ErrID      uint16
	ErrKind    uint8
	Fault      *FaultInfo
}

// FaultInfo is the optional error sub-record of a health report.
type FaultInfo struct {
	Code   uint32
	FileID uint16
	Line   uint16
}

// MarshalBinary encodes h in its little-endian wire layout.
func (h Health) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, healthSize+faultSize)
	buf = append(buf, MsgHealth)
	buf = binary.LittleEndian.AppendUint16(buf, h.FirmwareID)
	buf = append(buf, h.Battery)
	buf = binary.LittleEndian.AppendUint32(buf, h.Uptime)
	buf = binary.LittleEndian.AppendUint32(buf, h.SleepTime)
	buf = binary.LittleEndian.AppendUint32(buf, h.SystemTime)
	buf = binary.LittleEndian.AppendUint16(buf, h.ErrID)
	buf = append(buf, h.ErrKind)
	if h.Fault != nil {
		buf = append(buf, MsgFault)
		buf = binary.LittleEndian.AppendUint32(buf, h.Fault.Code)
		buf = binary.LittleEndian.AppendUint16(buf, h.Fault.FileID)
		buf = binary.LittleEndian.AppendUint16(buf, h.Fault.Line)
	}
	return buf, nil
}

// UnmarshalBinary decodes a health record produced by MarshalBinary.
func (h *Health) UnmarshalBinary(data []byte) error {
	if len(data) < healthSize {
		return fmt.Errorf("%w: health needs %d bytes, got %d", errShort, healthSize, len(data))
	}
	if data[0] != MsgHealth {
		return fmt.Errorf("protocol: health message type 0x%02x, want 0x%02x", data[0], MsgHealth)
	}
	h.FirmwareID = binary.LittleEndian.Uint16(data[1:])
	h.Battery = data[3]
	h.Uptime = binary.LittleEndian.Uint32(data[4:])
	h.SleepTime = binary.LittleEndian.Uint32(data[8:])
	h.SystemTime = binary.LittleEndian.Uint32(data[12:])
	h.ErrID = binary.LittleEndian.Uint16(data[16:])
	h.ErrKind = data[18]
	h.Fault = nil

	rest := data[healthSize:]
	if len(rest) == 0 {
		return nil
	}
	if len(rest) < faultSize || rest[0] != MsgFault {
		return fmt.Errorf("protocol: malformed fault sub-record (%d bytes)", len(rest))
	}
	h.Fault = &FaultInfo{
		Code:   binary.LittleEndian.Uint32(rest[1:]),
		FileID: binary.LittleEndian.Uint16(rest[5:]),
		Line:   binary.LittleEndian.Uint16(rest[7:]),
	}
	return nil
}

// Reading is one proximity sample as sent in an RSSI burst.
type Reading struct {
	RSSI int8
	AoA  uint8
}

// MarshalReadings encodes an RSSI burst as [rssi int8][aoa u8] pairs.
func MarshalReadings(rs []Reading) []byte {
	buf := make([]byte, 0, len(rs)*readingSize)
	for _, r := range rs {
		buf = append(buf, byte(r.RSSI), r.AoA)
	}
	return buf
}

// UnmarshalReadings decodes an RSSI burst.
func UnmarshalReadings(data []byte) ([]Reading, error) {
	if len(data)%readingSize != 0 {
		return nil, fmt.Errorf("protocol: rssi burst length %d is not a multiple of %d", len(data), readingSize)
	}
	rs := make([]Reading, 0, len(data)/readingSize)
	for i := 0; i < len(data); i += readingSize {
		rs = append(rs, Reading{RSSI: int8(data[i]), AoA: data[i+1]})
	}
	return rs, nil
}

// MacBlock identifies this node to address-randomizing peers.
// MAC is stored least significant byte first, as on air.
type MacBlock struct {
	MAC    [6]byte
	NodeID uint16
}

// MarshalBinary encodes m as [mac 6][node id u16].
func (m MacBlock) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, macSize)
	buf = append(buf, m.MAC[:]...)
	return binary.LittleEndian.AppendUint16(buf, m.NodeID), nil
}

// UnmarshalBinary decodes a MAC/node-id block.
func (m *MacBlock) UnmarshalBinary(data []byte) error {
	if len(data) != macSize {
		return fmt.Errorf("%w: mac block needs %d bytes, got %d", errShort, macSize, len(data))
	}
	copy(m.MAC[:], data[:6])
	m.NodeID = binary.LittleEndian.Uint16(data[6:])
	return nil
}

// MarshalTime encodes milliseconds since midnight.
func MarshalTime(ms uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, ms)
}

// UnmarshalTime decodes the time characteristic value (milliseconds since
// midnight).
func UnmarshalTime(data []byte) (uint32, error) {
	if len(data) < timeSize {
		return 0, fmt.Errorf("%w: time needs %d bytes, got %d", errShort, timeSize, len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}
