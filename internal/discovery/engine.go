// Package discovery resolves the GATT handles of the BLEAM service on a new
// link.
//
// The Engine is a pure state machine: it issues requests through a
// Requester and advances on each discovery response handed to Handle. It
// reports either a complete handle table or no table at all.
package discovery

import (
	"errors"
	"fmt"

	"github.com/chaz8081/blesc/internal/ble"
	"github.com/chaz8081/blesc/internal/ble/protocol"
)

// State is the progress of one discovery.
type State int

const (
	Idle State = iota
	DiscoveringServices
	DiscoveringCharacteristics
	Found
	NotFound
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case DiscoveringServices:
		return "discovering-services"
	case DiscoveringCharacteristics:
		return "discovering-characteristics"
	case Found:
		return "found"
	case NotFound:
		return "not-found"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Done reports whether s is terminal.
func (s State) Done() bool { return s == Found || s == NotFound || s == Failed }

// ErrAccess is returned by Handle when the peer answers a discovery request
// with an error status other than "attribute not found".
var ErrAccess = errors.New("discovery: access error")

// Handles is the resolved handle table of one link. Mac is zero unless the
// MAC characteristic was required.
type Handles struct {
	Service    ble.HandleRange
	Notify     uint16
	NotifyCCCD uint16
	Sign       uint16
	Rssi       uint16
	Health     uint16
	Time       uint16
	Mac        uint16
}

// Requester issues discovery requests on a link.
type Requester interface {
	DiscoverServices(conn ble.ConnHandle, r ble.HandleRange) error
	DiscoverCharacteristics(conn ble.ConnHandle, r ble.HandleRange) error
}

// Options configures one discovery.
type Options struct {
	MaxRounds  int  // requests per phase before giving up
	RequireMac bool // correlated peers must expose the MAC characteristic
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{MaxRounds: 8}
}

// Engine walks the services and characteristics of one link.
type Engine struct {
	req  Requester
	conn ble.ConnHandle
	opts Options

	state   State
	rounds  int
	code    uint8
	service ble.HandleRange
	chars   map[uint16]ble.Characteristic // by 16-bit id
	handles Handles
}

// New creates an idle engine for conn.
func New(req Requester, conn ble.ConnHandle, opts Options) *Engine {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultOptions().MaxRounds
	}
	return &Engine{req: req, conn: conn, opts: opts}
}

// State returns the current state.
func (e *Engine) State() State { return e.state }

// Code returns the ATT status that failed the discovery.
func (e *Engine) Code() uint8 { return e.code }

// Handles returns the table once the state is Found.
func (e *Engine) Handles() (Handles, bool) {
	if e.state != Found {
		return Handles{}, false
	}
	return e.handles, true
}

// Start queries the full handle range for primary services.
func (e *Engine) Start() error {
	if e.state != Idle {
		return fmt.Errorf("discovery: start in state %s", e.state)
	}
	e.state = DiscoveringServices
	return e.queryServices(ble.FullRange)
}

func (e *Engine) queryServices(r ble.HandleRange) error {
	e.rounds++
	if err := e.req.DiscoverServices(e.conn, r); err != nil {
		e.state = Failed
		return fmt.Errorf("discovery: services %s: %w", r, err)
	}
	return nil
}

func (e *Engine) queryCharacteristics(r ble.HandleRange) error {
	e.rounds++
	if err := e.req.DiscoverCharacteristics(e.conn, r); err != nil {
		e.state = Failed
		return fmt.Errorf("discovery: characteristics %s: %w", r, err)
	}
	return nil
}

// Handle advances the engine with a discovery response. Responses that do
// not match the current phase are ignored. The returned error is non-nil
// only when the engine moved to Failed.
func (e *Engine) Handle(ev ble.Event) (State, error) {
	switch ev := ev.(type) {
	case ble.ServicesDiscovered:
		if e.state == DiscoveringServices {
			return e.state, e.onServices(ev)
		}
	case ble.CharacteristicsDiscovered:
		if e.state == DiscoveringCharacteristics {
			return e.state, e.onCharacteristics(ev)
		}
	}
	return e.state, nil
}

func (e *Engine) fail(code uint8) error {
	e.state = Failed
	e.code = code
	return fmt.Errorf("%w: status 0x%02x", ErrAccess, code)
}

func (e *Engine) onServices(ev ble.ServicesDiscovered) error {
	switch ev.Status {
	case ble.StatusSuccess:
	case ble.StatusAttributeNotFound:
		e.state = NotFound
		return nil
	default:
		return e.fail(ev.Status)
	}

	var last uint16
	for _, svc := range ev.Services {
		if protocol.IsService(svc.UUID) {
			e.service = svc.Range
			e.rounds = 0
			e.chars = make(map[uint16]ble.Characteristic)
			e.state = DiscoveringCharacteristics
			return e.queryCharacteristics(svc.Range)
		}
		last = max(last, svc.Range.End)
	}

	if !ev.More || len(ev.Services) == 0 || last == 0xFFFF || e.rounds >= e.opts.MaxRounds {
		e.state = NotFound
		return nil
	}
	return e.queryServices(ble.HandleRange{Start: last + 1, End: 0xFFFF})
}

func (e *Engine) onCharacteristics(ev ble.CharacteristicsDiscovered) error {
	switch ev.Status {
	case ble.StatusSuccess:
	case ble.StatusAttributeNotFound:
		e.resolve()
		return nil
	default:
		return e.fail(ev.Status)
	}

	var last uint16
	for _, c := range ev.Chars {
		last = max(last, c.ValueHandle)
		id := protocol.Short(c.UUID)
		if _, dup := e.chars[id]; !dup {
			e.chars[id] = c
		}
	}

	if ev.More && len(ev.Chars) > 0 && last < e.service.End && e.rounds < e.opts.MaxRounds {
		return e.queryCharacteristics(ble.HandleRange{Start: last + 1, End: e.service.End})
	}
	e.resolve()
	return nil
}

// resolve fills the table or moves to NotFound if anything required is
// missing.
func (e *Engine) resolve() {
	get := func(id uint16) uint16 { return e.chars[id].ValueHandle }

	notify := e.chars[protocol.NotifyShort]
	h := Handles{
		Service:    e.service,
		Notify:     notify.ValueHandle,
		NotifyCCCD: notify.CCCD,
		Sign:       get(protocol.SignShort),
		Rssi:       get(protocol.RssiShort),
		Health:     get(protocol.HealthShort),
		Time:       get(protocol.TimeShort),
	}
	if e.opts.RequireMac {
		h.Mac = get(protocol.MacShort)
	}

	required := []uint16{h.Notify, h.NotifyCCCD, h.Sign, h.Rssi, h.Health, h.Time}
	if e.opts.RequireMac {
		required = append(required, h.Mac)
	}
	for _, v := range required {
		if v == 0 {
			e.state = NotFound
			return
		}
	}
	e.handles = h
	e.state = Found
}
