// Package bletest provides a scripted ble.Radio for tests.
package bletest

import (
	"slices"
	"sync"

	"github.com/chaz8081/blesc/internal/ble"
	"github.com/chaz8081/blesc/internal/ble/protocol"
)

// Op names a Radio request.
type Op string

const (
	OpEnable          Op = "enable"
	OpStartScan       Op = "start-scan"
	OpStopScan        Op = "stop-scan"
	OpConnect         Op = "connect"
	OpDisconnect      Op = "disconnect"
	OpDiscoverSvcs    Op = "discover-services"
	OpDiscoverChars   Op = "discover-characteristics"
	OpWrite           Op = "write"
	OpRead            Op = "read"
	OpEnableNotifying Op = "enable-notifications"
)

// Call is one recorded request.
type Call struct {
	Op     Op
	Conn   ble.ConnHandle
	Addr   protocol.Address
	Handle uint16
	Range  ble.HandleRange
	Data   []byte
}

// Radio records every request and returns the error configured for its op.
// Nothing is answered automatically; tests inject responses with Emit.
type Radio struct {
	mu      sync.Mutex
	calls   []Call
	errs    map[Op]error
	handler func(ble.Event)
}

// NewRadio returns an empty recorder.
func NewRadio() *Radio {
	return &Radio{errs: make(map[Op]error)}
}

// FailWith makes every later op request return err. A nil err clears it.
func (r *Radio) FailWith(op Op, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.errs, op)
		return
	}
	r.errs[op] = err
}

// Emit delivers ev to the registered handler.
func (r *Radio) Emit(ev ble.Event) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Calls returns every recorded request.
func (r *Radio) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// CallsOf returns the recorded requests of op.
func (r *Radio) CallsOf(op Op) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Call
	for _, c := range r.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Writes returns the payloads written to handle, in order.
func (r *Radio) Writes(handle uint16) [][]byte {
	var out [][]byte
	for _, c := range r.CallsOf(OpWrite) {
		if c.Handle == handle {
			out = append(out, c.Data)
		}
	}
	return out
}

// Last returns the most recent request.
func (r *Radio) Last() (Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return Call{}, false
	}
	return r.calls[len(r.calls)-1], true
}

// Reset forgets the recorded requests.
func (r *Radio) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

func (r *Radio) record(c Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.errs[c.Op]
}

func (r *Radio) SetEventHandler(h func(ble.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *Radio) Enable() error    { return r.record(Call{Op: OpEnable}) }
func (r *Radio) StartScan() error { return r.record(Call{Op: OpStartScan}) }
func (r *Radio) StopScan() error  { return r.record(Call{Op: OpStopScan}) }

func (r *Radio) Connect(addr protocol.Address) error {
	return r.record(Call{Op: OpConnect, Addr: addr})
}

func (r *Radio) Disconnect(conn ble.ConnHandle) error {
	return r.record(Call{Op: OpDisconnect, Conn: conn})
}

func (r *Radio) DiscoverServices(conn ble.ConnHandle, hr ble.HandleRange) error {
	return r.record(Call{Op: OpDiscoverSvcs, Conn: conn, Range: hr})
}

func (r *Radio) DiscoverCharacteristics(conn ble.ConnHandle, hr ble.HandleRange) error {
	return r.record(Call{Op: OpDiscoverChars, Conn: conn, Range: hr})
}

func (r *Radio) Write(conn ble.ConnHandle, handle uint16, data []byte) error {
	return r.record(Call{Op: OpWrite, Conn: conn, Handle: handle, Data: slices.Clone(data)})
}

func (r *Radio) Read(conn ble.ConnHandle, handle uint16) error {
	return r.record(Call{Op: OpRead, Conn: conn, Handle: handle})
}

func (r *Radio) EnableNotifications(conn ble.ConnHandle, cccd uint16) error {
	return r.record(Call{Op: OpEnableNotifying, Conn: conn, Handle: cccd})
}

var _ ble.Radio = (*Radio)(nil)
