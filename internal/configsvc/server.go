// Package configsvc runs the configuration-mode GATT server an
// unprovisioned node exposes to the tools app.
//
// The tools app connects, reads the version characteristic, subscribes to
// the node's public key (published in four chunks), writes the BLEAM public
// key in four chunks and the node id, then confirms with a Done status. The
// keys and node id are stored as soon as both are complete; the status
// characteristic moves to Set at that point. Done ends configuration mode.
//
// A Fail status written by the peer, bad data, a store failure or peer
// inactivity end the attempt. Store failures erase the provisioning records
// and ask for a restart; every other failure drops the link and the server
// advertises again.
package configsvc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/blesc/internal/ble/crypto"
	"github.com/chaz8081/blesc/internal/ble/protocol"
	"github.com/chaz8081/blesc/internal/config"
)

// ErrStore is returned by Run after a failed write of the configuration.
// The provisioning records have been erased and the node should restart.
var ErrStore = errors.New("configsvc: storing configuration failed")

// FailReason records why a configuration attempt failed.
type FailReason int

const (
	FailNone    FailReason = iota
	FailBleam              // reported by the peer
	FailData               // invalid chunk number or node id
	FailStore              // provisioning store write failed
	FailTimeout            // peer went quiet
)

func (r FailReason) String() string {
	switch r {
	case FailBleam:
		return "bleam"
	case FailData:
		return "data"
	case FailStore:
		return "store"
	case FailTimeout:
		return "timeout"
	}
	return "none"
}

// Peripheral is the GATT server side of the radio.
type Peripheral interface {
	SetEventHandler(h func(Event))
	// Advertise (re)starts connectable advertising of the service.
	Advertise() error
	StopAdvertising() error
	// Publish sets the value of the characteristic identified by its short
	// and notifies a subscribed peer. Completion is reported as Published.
	Publish(char uint16, value []byte) error
	// Disconnect drops the current peer, if any.
	Disconnect() error
}

// Options tunes a Server.
type Options struct {
	HardwareID        uint8
	InactivityTimeout time.Duration
	WireOrder         crypto.WireOrder
	QueueSize         int
	Now               func() time.Time
}

// Server is the configuration-mode state machine. Handle and Tick must be
// called from a single goroutine; Run does that.
type Server struct {
	p    Peripheral
	prov *config.Provisioning
	opts Options
	log  *slog.Logger

	events chan Event

	status    protocol.ConfigStatus
	reason    FailReason
	connected bool
	deadline  time.Time

	local     crypto.KeyPair
	localWire []byte
	sent      int // local key chunks published
	bleamKey  [crypto.PublicKeySize]byte
	received  uint8 // bitmask of bleam key chunks
	nodeID    uint16

	done  bool
	fatal error
}

// New creates a server storing into prov.
func New(p Peripheral, prov *config.Provisioning, opts Options, logger *slog.Logger) *Server {
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = 30 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		p:      p,
		prov:   prov,
		opts:   opts,
		log:    logger,
		events: make(chan Event, opts.QueueSize),
	}
}

// Post queues an event for Run. It is safe for concurrent use.
func (s *Server) Post(ev Event) { s.events <- ev }

// Status returns the current configuration status.
func (s *Server) Status() protocol.ConfigStatus { return s.status }

// Reason returns why the last attempt failed.
func (s *Server) Reason() FailReason { return s.reason }

// Done reports whether configuration completed.
func (s *Server) Done() bool { return s.done }

// Err returns the error that ended configuration mode, if any.
func (s *Server) Err() error { return s.fatal }

// Run advertises the configuration service and serves peers until the node
// is configured (nil), the store fails (ErrStore) or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	s.p.SetEventHandler(s.Post)
	if err := s.p.Advertise(); err != nil {
		return fmt.Errorf("configsvc: advertise: %w", err)
	}
	s.log.Info("[CONFIG] waiting to be configured")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.p.StopAdvertising(); err != nil {
				s.log.Debug("[CONFIG] stop advertising", "error", err)
			}
			return context.Cause(ctx)
		case ev := <-s.events:
			s.Handle(ev)
		case <-ticker.C:
			s.Tick()
		}
		if s.fatal != nil {
			return s.fatal
		}
		if s.done {
			if err := s.p.StopAdvertising(); err != nil {
				s.log.Debug("[CONFIG] stop advertising", "error", err)
			}
			s.log.Info("[CONFIG] leaving config mode")
			return nil
		}
	}
}

// Handle applies one peripheral event.
func (s *Server) Handle(ev Event) {
	if s.done || s.fatal != nil {
		return
	}
	now := s.opts.Now()

	switch ev := ev.(type) {
	case Connected:
		s.log.Info("[CONFIG] peer connected")
		s.connected = true
		s.reset()
		s.publish(protocol.ConfigVersionShort, protocol.MarshalVersion(s.opts.HardwareID))
		s.arm(now)

	case Disconnected:
		s.log.Info("[CONFIG] peer disconnected")
		s.connected = false
		s.deadline = time.Time{}
		s.reset()
		if err := s.p.Advertise(); err != nil {
			s.log.Error("[CONFIG] advertise failed", "error", err)
		}

	case Subscribed:
		s.deadline = time.Time{}
		switch ev.Char {
		case protocol.ConfigStatusShort:
			s.publish(protocol.ConfigStatusShort, []byte{byte(s.status)})
		case protocol.ConfigLocalKeyShort:
			s.onSubscribeLocalKey()
		}
		s.arm(now)

	case Published:
		switch {
		case ev.Char == protocol.ConfigStatusShort && s.status == protocol.ConfigFail:
			s.onFail()
		case ev.Char == protocol.ConfigLocalKeyShort && s.status == protocol.ConfigWaiting:
			s.deadline = time.Time{}
			s.nextChunk()
			s.arm(now)
		}

	case Written:
		s.deadline = time.Time{}
		switch ev.Char {
		case protocol.ConfigBleamKeyShort:
			s.onBleamKey(ev.Data)
		case protocol.ConfigNodeIDShort:
			s.onNodeID(ev.Data)
		case protocol.ConfigStatusShort:
			s.onStatus(ev.Data)
		default:
			s.log.Debug("[CONFIG] unhandled write", "char", fmt.Sprintf("0x%04x", ev.Char))
		}
		s.arm(now)
	}
}

// Tick fails the attempt once the peer has been quiet for the inactivity
// timeout.
func (s *Server) Tick() {
	if !s.connected || s.deadline.IsZero() || s.done || s.fatal != nil {
		return
	}
	if s.opts.Now().Before(s.deadline) {
		return
	}
	s.deadline = time.Time{}
	s.log.Warn("[CONFIG] peer inactive", "timeout", s.opts.InactivityTimeout)
	s.fail(FailTimeout)
}

func (s *Server) arm(now time.Time) {
	if s.connected && !s.done {
		s.deadline = now.Add(s.opts.InactivityTimeout)
	}
}

// reset zeroes every piece of an attempt. The stored records are untouched.
func (s *Server) reset() {
	s.status = protocol.ConfigWaiting
	s.reason = FailNone
	s.local = crypto.KeyPair{}
	s.localWire = nil
	s.sent = 0
	s.bleamKey = [crypto.PublicKeySize]byte{}
	s.received = 0
	s.nodeID = 0
}

func (s *Server) publish(char uint16, value []byte) {
	if err := s.p.Publish(char, value); err != nil {
		s.log.Warn("[CONFIG] publish failed", "char", fmt.Sprintf("0x%04x", char), "error", err)
	}
}

func (s *Server) setStatus(v protocol.ConfigStatus) {
	s.log.Info("[CONFIG] status", "status", v)
	s.status = v
	s.publish(protocol.ConfigStatusShort, []byte{byte(v)})
}

func (s *Server) onSubscribeLocalKey() {
	if err := s.ensureLocalKey(); err != nil {
		s.log.Error("[CONFIG] key generation failed", "error", err)
		s.fail(FailData)
		return
	}
	s.sent = 0
	s.nextChunk()
}

func (s *Server) ensureLocalKey() error {
	if s.localWire != nil {
		return nil
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	wire, err := s.opts.WireOrder.Convert(kp.Public[:])
	if err != nil {
		return err
	}
	s.local, s.localWire = kp, wire
	return nil
}

// nextChunk publishes the next chunk of the local public key.
func (s *Server) nextChunk() {
	if s.localWire == nil || s.sent >= protocol.KeyChunks {
		return
	}
	s.sent++
	data, err := protocol.MarshalKeyChunk(s.sent, s.localWire)
	if err != nil {
		s.log.Error("[CONFIG] key chunk", "error", err)
		return
	}
	s.log.Debug("[CONFIG] publishing key chunk", "chunk", s.sent)
	s.publish(protocol.ConfigLocalKeyShort, data)
}

func (s *Server) onBleamKey(data []byte) {
	if s.status != protocol.ConfigWaiting {
		s.log.Info("[CONFIG] already set, erase provisioning to change keys")
		return
	}
	n, part, err := protocol.UnmarshalKeyChunk(data)
	if err != nil {
		s.log.Warn("[CONFIG] bad key chunk", "error", err)
		s.fail(FailData)
		return
	}
	copy(s.bleamKey[(n-1)*protocol.KeyChunkSize:], part)
	s.received |= 1 << (n - 1)
	s.log.Debug("[CONFIG] bleam key chunk", "chunk", n)
	if s.keyComplete() {
		s.log.Info("[CONFIG] bleam key received")
		s.commit()
	}
}

func (s *Server) keyComplete() bool { return s.received == 1<<protocol.KeyChunks-1 }

func (s *Server) onNodeID(data []byte) {
	if s.status != protocol.ConfigWaiting {
		s.log.Info("[CONFIG] already set, erase provisioning to change the node id")
		return
	}
	id, err := protocol.UnmarshalNodeID(data)
	if err != nil {
		s.log.Warn("[CONFIG] bad node id", "error", err)
		s.fail(FailData)
		return
	}
	s.nodeID = id
	s.log.Info("[CONFIG] node id received", "node", fmt.Sprintf("%04X", id))
	s.commit()
}

// commit stores the configuration once the key and node id are both in.
func (s *Server) commit() {
	if !s.keyComplete() || s.nodeID == 0 {
		return
	}
	if err := s.ensureLocalKey(); err != nil {
		s.log.Error("[CONFIG] key generation failed", "error", err)
		s.fail(FailData)
		return
	}
	keys := config.Keys{Local: s.local, Counterpart: bytes.Clone(s.bleamKey[:])}
	if err := s.prov.SetKeys(keys); err != nil {
		s.log.Error("[CONFIG] storing keys failed", "error", err)
		s.fail(FailStore)
		return
	}
	if err := s.prov.SetNodeID(s.nodeID); err != nil {
		s.log.Error("[CONFIG] storing node id failed", "error", err)
		s.fail(FailStore)
		return
	}
	s.setStatus(protocol.ConfigSet)
}

func (s *Server) onStatus(data []byte) {
	if len(data) == 0 {
		return
	}
	switch v := protocol.ConfigStatus(data[0]); {
	case v == protocol.ConfigDone && s.status == protocol.ConfigSet:
		s.status = protocol.ConfigDone
		s.done = true
		s.deadline = time.Time{}
		s.log.Info("[CONFIG] configuration confirmed", "node", fmt.Sprintf("%04X", s.nodeID))
		if err := s.p.Disconnect(); err != nil {
			s.log.Debug("[CONFIG] disconnect", "error", err)
		}
	case v == protocol.ConfigFail:
		if s.reason == FailNone {
			s.reason = FailBleam
		}
		s.log.Warn("[CONFIG] peer reported failure", "reason", s.reason)
		s.onFail()
	}
}

// fail records reason and publishes the Fail status. The failure is acted
// on once the status notification completes.
func (s *Server) fail(reason FailReason) {
	if s.reason == FailNone {
		s.reason = reason
	}
	s.setStatus(protocol.ConfigFail)
}

func (s *Server) onFail() {
	if s.reason == FailStore {
		s.log.Error("[CONFIG] store failure, erasing provisioning")
		if err := s.prov.Erase(); err != nil {
			s.fatal = fmt.Errorf("%w: erase: %w", ErrStore, err)
			return
		}
		s.fatal = ErrStore
		return
	}
	s.log.Info("[CONFIG] configuration failed, disconnecting", "reason", s.reason)
	if err := s.p.Disconnect(); err != nil {
		s.log.Debug("[CONFIG] disconnect", "error", err)
	}
}
