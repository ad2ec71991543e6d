// Package ble connects the scanner core to a BLE central stack. The stack is
// hidden behind Radio, which accepts requests and reports everything that
// happens on air as Events through a single handler, so the core can process
// them one at a time on its own event loop.
package ble

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/chaz8081/blesc/internal/ble/protocol"
)

// ConnHandle identifies a live link. Handles are assigned by the radio and
// may be reused after a disconnect.
type ConnHandle uint16

// HandleRange is an inclusive range of attribute handles.
type HandleRange struct {
	Start, End uint16
}

// FullRange covers every attribute handle.
var FullRange = HandleRange{Start: 0x0001, End: 0xFFFF}

func (r HandleRange) String() string { return fmt.Sprintf("0x%04x-0x%04x", r.Start, r.End) }

// ATT status codes reported in discovery responses.
const (
	StatusSuccess           uint8 = 0x00
	StatusReadNotPermitted  uint8 = 0x02
	StatusAttributeNotFound uint8 = 0x0A
	StatusUnlikelyError     uint8 = 0x0E
)

// Radio abstracts the BLE central stack. Requests return immediately; their
// outcome arrives later as an Event.
type Radio interface {
	// Enable powers on the adapter.
	Enable() error
	// SetEventHandler registers the sink for every radio event.
	SetEventHandler(h func(Event))

	StartScan() error
	StopScan() error
	Connect(addr protocol.Address) error
	Disconnect(conn ConnHandle) error

	// DiscoverServices lists primary services starting in r.
	DiscoverServices(conn ConnHandle, r HandleRange) error
	// DiscoverCharacteristics lists characteristics declared in r.
	DiscoverCharacteristics(conn ConnHandle, r HandleRange) error

	// Write writes without response; WriteComplete follows.
	Write(conn ConnHandle, handle uint16, data []byte) error
	Read(conn ConnHandle, handle uint16) error
	// EnableNotifications writes the CCCD at cccd; NotifyStateChanged follows.
	EnableNotifications(conn ConnHandle, cccd uint16) error
}

// Event is anything the radio (or a board collaborator) reports.
type Event interface{ isEvent() }

// ConnEvent is an Event bound to one link.
type ConnEvent interface {
	Event
	Link() ConnHandle
}

// AdvReport is one received advertisement or scan response.
type AdvReport struct {
	Addr protocol.Address
	RSSI int8
	Data []byte
}

// Connected reports a new link to Addr.
type Connected struct {
	Conn ConnHandle
	Addr protocol.Address
}

// ConnectFailed reports that a Connect request did not produce a link.
type ConnectFailed struct {
	Addr protocol.Address
	Err  error
}

// Disconnected reports a link going down.
type Disconnected struct {
	Conn   ConnHandle
	Reason error
}

// Service is one discovered primary service.
type Service struct {
	Range HandleRange
	UUID  uuid.UUID
}

// ServicesDiscovered answers DiscoverServices. More is set when the
// response was truncated and further services may follow.
type ServicesDiscovered struct {
	Conn     ConnHandle
	Status   uint8
	Services []Service
	More     bool
}

// Characteristic is one discovered characteristic. CCCD is zero when the
// characteristic cannot notify.
type Characteristic struct {
	UUID        uuid.UUID
	ValueHandle uint16
	CCCD        uint16
}

// CharacteristicsDiscovered answers DiscoverCharacteristics.
type CharacteristicsDiscovered struct {
	Conn   ConnHandle
	Status uint8
	Chars  []Characteristic
	More   bool
}

// Notification carries a value notified by the peer.
type Notification struct {
	Conn   ConnHandle
	Handle uint16
	Data   []byte
}

// WriteComplete reports that a Write left the local stack.
type WriteComplete struct {
	Conn   ConnHandle
	Handle uint16
	Err    error
}

// ReadResponse answers Read.
type ReadResponse struct {
	Conn   ConnHandle
	Handle uint16
	Data   []byte
	Err    error
}

// NotifyStateChanged answers EnableNotifications.
type NotifyStateChanged struct {
	Conn    ConnHandle
	CCCD    uint16
	Enabled bool
	Err     error
}

// BatteryLevel is posted by the board collaborator after a reading.
type BatteryLevel struct {
	Level uint8
}

func (AdvReport) isEvent()                 {}
func (Connected) isEvent()                 {}
func (ConnectFailed) isEvent()             {}
func (Disconnected) isEvent()              {}
func (ServicesDiscovered) isEvent()        {}
func (CharacteristicsDiscovered) isEvent() {}
func (Notification) isEvent()              {}
func (WriteComplete) isEvent()             {}
func (ReadResponse) isEvent()              {}
func (NotifyStateChanged) isEvent()        {}
func (BatteryLevel) isEvent()              {}

func (e Connected) Link() ConnHandle                 { return e.Conn }
func (e Disconnected) Link() ConnHandle              { return e.Conn }
func (e ServicesDiscovered) Link() ConnHandle        { return e.Conn }
func (e CharacteristicsDiscovered) Link() ConnHandle { return e.Conn }
func (e Notification) Link() ConnHandle              { return e.Conn }
func (e WriteComplete) Link() ConnHandle             { return e.Conn }
func (e ReadResponse) Link() ConnHandle              { return e.Conn }
func (e NotifyStateChanged) Link() ConnHandle        { return e.Conn }
