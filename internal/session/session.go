// Package session runs the BLEAM protocol over one link: it resolves the
// service handles, answers or issues the signature handshake, streams health
// and RSSI data, and executes administrative commands once the peer has
// proven itself.
//
// A Session is driven by radio events on the event loop and reports its
// progress as Events to a Sink. It never touches admission state; the
// application decides what a failure means for the peer.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/blesc/internal/admission"
	"github.com/chaz8081/blesc/internal/ble"
	"github.com/chaz8081/blesc/internal/ble/protocol"
	"github.com/chaz8081/blesc/internal/discovery"
)

var (
	// ErrStale is returned for an event bearing another link's handle or
	// arriving after the session ended.
	ErrStale = errors.New("session: stale event")
	// ErrUnknownCommand is reported for a command byte this node does not
	// implement.
	ErrUnknownCommand = errors.New("session: unknown command")
	// ErrUnexpected is reported for a command that is valid but not in the
	// current state.
	ErrUnexpected = errors.New("session: unexpected command")
	// ErrBusy is reported when a payload must be sent while another is
	// still in flight.
	ErrBusy = errors.New("session: transfer in progress")
)

// Mode is what a session is exchanging with its peer.
type Mode int

const (
	ModeNone Mode = iota
	ModeRssi
	ModeCmd
)

func (m Mode) String() string {
	switch m {
	case ModeRssi:
		return "rssi"
	case ModeCmd:
		return "cmd"
	}
	return "none"
}

// ParseMode maps "none", "rssi" or "cmd" to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return ModeNone, nil
	case "rssi":
		return ModeRssi, nil
	case "cmd":
		return ModeCmd, nil
	}
	return ModeNone, fmt.Errorf("session: unknown mode %q", s)
}

// State is the lifecycle position of a session.
type State int

const (
	StateConnected State = iota
	StateDiscovering
	StateAuthenticating
	StateStreaming
	StateExecuting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDiscovering:
		return "discovering"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	case StateExecuting:
		return "executing"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transport is the part of the radio a session uses.
type Transport interface {
	discovery.Requester
	Write(conn ble.ConnHandle, handle uint16, data []byte) error
	Read(conn ble.ConnHandle, handle uint16) error
	EnableNotifications(conn ble.ConnHandle, cccd uint16) error
}

// Telemetry supplies the data streamed to an authenticated peer.
type Telemetry interface {
	Health() protocol.Health
	Readings(peer admission.PeerIdentity) []protocol.Reading
}

// CommandHandler executes an administrative command once the peer's
// signature has been verified.
type CommandHandler interface {
	Execute(peer admission.PeerIdentity, req protocol.Request) error
}

// Config holds the per-session tunables.
type Config struct {
	MaxDataLen        int
	DefaultMode       Mode
	InactivityTimeout time.Duration
	Discovery         discovery.Options
	NodeID            uint16
	LocalMAC          protocol.Address
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxDataLen:        protocol.DefaultMaxDataLen,
		DefaultMode:       ModeNone,
		InactivityTimeout: 3 * time.Second,
		Discovery:         discovery.DefaultOptions(),
	}
}

// Deps are the collaborators shared by every session. Transport, Signer and
// Telemetry are required.
type Deps struct {
	Transport Transport
	Signer    *SigningContext
	Trust     *TrustLedger
	Telemetry Telemetry
	Commands  CommandHandler
	Sink      Sink
	Logger    *slog.Logger
}

type transferKind int

const (
	txMac transferKind = iota
	txSignature
	txSalt
	txHealth
	txRssi
)

func (k transferKind) String() string {
	return [...]string{"mac", "signature", "salt", "health", "rssi"}[k]
}

// inboundCapacity bounds a reassembled notify payload: a command byte plus
// the largest parameter, a signature.
const inboundCapacity = 1 + protocol.SignatureSize

// Session is the protocol state of one link. It is not safe for concurrent
// use.
type Session struct {
	conn ble.ConnHandle
	peer admission.PeerIdentity
	cfg  Config
	deps Deps
	log  *slog.Logger

	state   State
	mode    Mode
	disc    *discovery.Engine
	handles discovery.Handles

	rx     *protocol.Reassembler
	tx     *protocol.Sender
	txKind transferKind

	pending *protocol.Request // administrative command awaiting a signature
	last    time.Time
	events  []Event
}

// New creates a session for a link that just came up.
func New(conn ble.ConnHandle, peer admission.PeerIdentity, cfg Config, deps Deps) *Session {
	def := DefaultConfig()
	if cfg.MaxDataLen <= 0 {
		cfg.MaxDataLen = def.MaxDataLen
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	cfg.Discovery.RequireMac = peer.Kind == admission.KindCorrelated
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sink == nil {
		deps.Sink = SinkFunc(func(*Session, Event) {})
	}
	return &Session{
		conn:  conn,
		peer:  peer,
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger.With("conn", conn, "peer", peer),
		state: StateConnected,
		rx:    protocol.NewReassembler(cfg.MaxDataLen, inboundCapacity),
	}
}

// Conn returns the link handle.
func (s *Session) Conn() ble.ConnHandle { return s.conn }

// Peer returns the identity the link was opened for.
func (s *Session) Peer() admission.PeerIdentity { return s.peer }

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// Mode returns what the session is exchanging.
func (s *Session) Mode() Mode { return s.mode }

// Handles returns the resolved handle table, if discovery completed.
func (s *Session) Handles() (discovery.Handles, bool) {
	return s.handles, s.handles.Notify != 0
}

// Expired reports whether the session has been silent for longer than the
// inactivity timeout.
func (s *Session) Expired(now time.Time) bool {
	return s.state != StateDisconnected && now.Sub(s.last) > s.cfg.InactivityTimeout
}

func (s *Session) emit(ev Event) { s.events = append(s.events, ev) }

// flush delivers queued events in order. Sink callbacks may call back into
// the session; their events are appended behind the ones already queued.
func (s *Session) flush() {
	for len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		s.deps.Sink.SessionEvent(s, ev)
	}
}

// Start reports the connection and begins service discovery.
func (s *Session) Start(now time.Time) error {
	defer s.flush()
	if s.state != StateConnected {
		return fmt.Errorf("session: start in state %s", s.state)
	}
	s.last = now
	s.emit(Connected{})
	s.state = StateDiscovering
	s.disc = discovery.New(s.deps.Transport, s.conn, s.cfg.Discovery)
	if err := s.disc.Start(); err != nil {
		s.disc = nil
		s.emit(BadConnection{Err: err})
	}
	return nil
}

// Handle processes one radio event for this link.
func (s *Session) Handle(ev ble.ConnEvent, now time.Time) error {
	if s.state == StateDisconnected || ev.Link() != s.conn {
		return ErrStale
	}
	defer s.flush()
	s.last = now

	switch ev := ev.(type) {
	case ble.Disconnected:
		s.close(ev.Reason)
	case ble.ServicesDiscovered, ble.CharacteristicsDiscovered:
		s.onDiscovery(ev, now)
	case ble.NotifyStateChanged:
		s.onNotifyState(ev)
	case ble.Notification:
		s.onNotification(ev, now)
	case ble.WriteComplete:
		s.onWriteComplete(ev, now)
	case ble.ReadResponse:
		s.onRead(ev)
	}
	return nil
}

// Close ends the session as if the link had gone down.
func (s *Session) Close(reason error) {
	if s.state == StateDisconnected {
		return
	}
	defer s.flush()
	s.close(reason)
}

func (s *Session) close(reason error) {
	s.state = StateDisconnected
	s.mode = ModeNone
	s.disc = nil
	s.tx = nil
	s.pending = nil
	s.rx.Reset()
	if s.deps.Signer != nil {
		s.deps.Signer.Reset()
	}
	s.log.Debug("[SESSION] disconnected", "reason", reason)
	s.emit(Disconnected{Reason: reason})
}

// RequestTime reads the peer's clock; TimeReceived follows.
func (s *Session) RequestTime() error {
	defer s.flush()
	if s.state == StateDisconnected {
		return ErrStale
	}
	if s.handles.Time == 0 {
		return fmt.Errorf("session: time characteristic not resolved")
	}
	if err := s.deps.Transport.Read(s.conn, s.handles.Time); err != nil {
		return fmt.Errorf("session: read time: %w", err)
	}
	return nil
}

func (s *Session) onDiscovery(ev ble.Event, now time.Time) {
	if s.state != StateDiscovering || s.disc == nil {
		return
	}
	st, err := s.disc.Handle(ev)
	switch st {
	case discovery.Found:
		s.handles, _ = s.disc.Handles()
		s.disc = nil
		s.log.Debug("[SESSION] discovery complete", "service", s.handles.Service)
		s.emit(DiscoveryComplete{Handles: s.handles})
		s.begin(now)
	case discovery.NotFound:
		s.disc = nil
		s.log.Info("[SESSION] bleam service not found")
		s.emit(ServiceNotFound{})
	case discovery.Failed:
		s.disc = nil
		s.log.Warn("[SESSION] discovery failed", "error", err)
		s.emit(BadConnection{Err: err})
	}
}

// begin identifies this node to a correlated peer, or enables notifications
// straight away.
func (s *Session) begin(now time.Time) {
	if s.peer.Kind != admission.KindCorrelated {
		s.enableNotify()
		return
	}
	block, _ := protocol.MacBlock{MAC: s.cfg.LocalMAC.OnAir(), NodeID: s.cfg.NodeID}.MarshalBinary()
	s.send(txMac, s.handles.Mac, block, now)
}

func (s *Session) enableNotify() {
	if err := s.deps.Transport.EnableNotifications(s.conn, s.handles.NotifyCCCD); err != nil {
		s.emit(BadConnection{Err: fmt.Errorf("session: enable notifications: %w", err)})
	}
}

func (s *Session) onNotifyState(ev ble.NotifyStateChanged) {
	if ev.CCCD != s.handles.NotifyCCCD || s.handles.NotifyCCCD == 0 {
		return
	}
	if ev.Err != nil {
		s.emit(BadConnection{Err: fmt.Errorf("session: notifications: %w", ev.Err)})
		return
	}
	if !ev.Enabled {
		s.emit(NotificationDisabled{})
		return
	}
	s.state = StateAuthenticating
	s.mode = s.cfg.DefaultMode
	s.emit(NotificationEnabled{})
}

func (s *Session) onNotification(ev ble.Notification, now time.Time) {
	if ev.Handle != s.handles.Notify || s.state < StateAuthenticating {
		s.log.Debug("[SESSION] notification ignored", "handle", ev.Handle, "state", s.state)
		return
	}
	done, err := s.rx.Push(ev.Data)
	if err != nil {
		s.log.Warn("[SESSION] framing error", "error", err)
		s.emit(ProtocolError{Err: err})
		return
	}
	if done {
		s.dispatch(s.rx.Take(), now)
	}
}

func (s *Session) onWriteComplete(ev ble.WriteComplete, now time.Time) {
	if s.tx == nil || ev.Handle != s.tx.Handle() {
		return
	}
	if ev.Err != nil {
		s.tx = nil
		s.emit(BadConnection{Err: fmt.Errorf("session: write %s: %w", s.txKind, ev.Err)})
		return
	}
	s.pump(now)
}

func (s *Session) onRead(ev ble.ReadResponse) {
	if ev.Handle != s.handles.Time || s.handles.Time == 0 {
		return
	}
	if ev.Err != nil {
		s.emit(BadConnection{Err: fmt.Errorf("session: read time: %w", ev.Err)})
		return
	}
	ms, err := protocol.UnmarshalTime(ev.Data)
	if err != nil {
		s.emit(ProtocolError{Err: err})
		return
	}
	s.emit(TimeReceived{Millis: ms})
}

// send starts an outbound transfer and writes its first chunk.
func (s *Session) send(kind transferKind, handle uint16, payload []byte, now time.Time) {
	if s.tx != nil {
		s.emit(ProtocolError{Err: fmt.Errorf("%w: %s while sending %s", ErrBusy, kind, s.txKind)})
		return
	}
	tx, err := protocol.NewSender(handle, payload, s.cfg.MaxDataLen)
	if err != nil {
		s.emit(ProtocolError{Err: err})
		return
	}
	s.tx, s.txKind = tx, kind
	s.pump(now)
}

// pump writes the next chunk, or completes the transfer once the last chunk
// has been acknowledged by the local stack.
func (s *Session) pump(now time.Time) {
	chunk, ok := s.tx.Next()
	if !ok {
		kind := s.txKind
		s.tx = nil
		s.finish(kind, now)
		return
	}
	if err := s.deps.Transport.Write(s.conn, s.tx.Handle(), chunk); err != nil {
		s.tx = nil
		s.emit(BadConnection{Err: fmt.Errorf("session: write %s: %w", s.txKind, err)})
	}
}

func (s *Session) finish(kind transferKind, now time.Time) {
	switch kind {
	case txMac:
		s.emit(PublishReady{})
		s.enableNotify()
	case txSignature:
		if s.deps.Trust != nil {
			s.deps.Trust.Record(s.peer, now)
		}
		s.streaming(now)
	case txSalt:
		s.emit(DoneSendingSignature{Mode: ModeCmd})
	case txHealth:
		s.emit(DoneSendingHealth{})
		s.send(txRssi, s.handles.Rssi, protocol.MarshalReadings(s.deps.Telemetry.Readings(s.peer)), now)
	case txRssi:
		s.emit(DoneSendingRssi{})
	}
}

// streaming reports the completed handshake and sends the health record.
func (s *Session) streaming(now time.Time) {
	s.state = StateStreaming
	s.mode = ModeRssi
	s.emit(DoneSendingSignature{Mode: ModeRssi})
	payload, err := s.deps.Telemetry.Health().MarshalBinary()
	if err != nil {
		s.emit(ProtocolError{Err: err})
		return
	}
	s.send(txHealth, s.handles.Health, payload, now)
}

func (s *Session) dispatch(payload []byte, now time.Time) {
	req, err := protocol.ParseRequest(payload)
	if err != nil {
		s.emit(ProtocolError{Err: err})
		return
	}
	s.log.Debug("[SESSION] command", "cmd", req.Command, "params", len(req.Params))

	switch {
	case req.Command == protocol.CmdSalt:
		s.onSalt(req, now)
	case req.Command == protocol.CmdTrust:
		s.onTrust(now)
	case req.Command == protocol.CmdSign:
		s.onSign(req, now)
	case req.Command.Administrative():
		s.onAdministrative(req, now)
	default:
		s.log.Warn("[SESSION] unknown command", "cmd", req.Command)
		s.emit(ProtocolError{Err: fmt.Errorf("%w: %s", ErrUnknownCommand, req.Command)})
	}
}

func (s *Session) onSalt(req protocol.Request, now time.Time) {
	if len(req.Params) != protocol.SaltSize {
		s.emit(ProtocolError{Err: fmt.Errorf("%w: salt of %d bytes", protocol.ErrFraming, len(req.Params))})
		return
	}
	s.pending = nil
	s.mode = ModeRssi
	s.state = StateAuthenticating
	s.emit(SaltReceived{Salt: req.Params})

	sig, err := s.deps.Signer.SignSalt(req.Params)
	if err != nil {
		s.emit(AuthRejected{Err: err})
		return
	}
	s.send(txSignature, s.handles.Sign, sig, now)
}

func (s *Session) onTrust(now time.Time) {
	if s.deps.Trust == nil || !s.deps.Trust.Trusted(s.peer, now) {
		s.log.Info("[SESSION] trust refused, no recent exchange")
		s.emit(AuthRejected{Err: fmt.Errorf("%w: trust without a recent exchange", ErrAuth)})
		return
	}
	s.pending = nil
	s.streaming(now)
}

func (s *Session) onAdministrative(req protocol.Request, now time.Time) {
	var err error
	switch req.Command {
	case protocol.CmdIdle:
		_, err = req.IdleMinutes()
	case protocol.CmdRssiLimit:
		_, err = req.RssiLimit()
	}
	if err != nil {
		s.emit(ProtocolError{Err: err})
		return
	}
	s.log.Info("[SESSION] command requested", "cmd", req.Command)
	s.pending = &req
	s.mode = ModeCmd
	s.state = StateAuthenticating
	s.sendSalt(now)
}

func (s *Session) sendSalt(now time.Time) {
	salt, err := s.deps.Signer.NewSalt()
	if err != nil {
		s.emit(ProtocolError{Err: err})
		return
	}
	s.send(txSalt, s.handles.Sign, salt, now)
}

func (s *Session) onSign(req protocol.Request, now time.Time) {
	if s.pending == nil {
		s.emit(AuthRejected{Err: fmt.Errorf("%w: %w: sign without a pending command", ErrAuth, ErrUnexpected)})
		return
	}
	if len(req.Params) == 0 {
		s.sendSalt(now)
		return
	}

	cmd := *s.pending
	s.pending = nil
	if err := s.deps.Signer.Verify(req.Params); err != nil {
		s.deps.Signer.Reset()
		s.log.Warn("[SESSION] signature rejected", "cmd", cmd.Command, "error", err)
		s.emit(AuthRejected{Err: err})
		return
	}
	s.deps.Signer.Reset()
	if s.deps.Trust != nil {
		s.deps.Trust.Record(s.peer, now)
	}

	s.state = StateExecuting
	var err error
	if s.deps.Commands == nil {
		err = fmt.Errorf("session: no handler for %s", cmd.Command)
	} else {
		err = s.deps.Commands.Execute(s.peer, cmd)
	}
	s.log.Info("[SESSION] command executed", "cmd", cmd.Command, "error", err)
	s.emit(CommandExecuted{Request: cmd, Err: err})
}
