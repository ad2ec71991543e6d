package app

import (
	"errors"
	"fmt"

	"github.com/chaz8081/blesc/internal/admission"
	"github.com/chaz8081/blesc/internal/ble/protocol"
	"github.com/chaz8081/blesc/internal/session"
)

// errUnsupported is returned for a command this node cannot carry out.
var errUnsupported = errors.New("app: command not supported")

// SessionEvent reacts to the progress of the live session.
func (a *App) SessionEvent(s *session.Session, ev session.Event) {
	now := a.now()
	peer := s.Peer()

	switch ev := ev.(type) {
	case session.ServiceNotFound:
		a.log.Info("[SESSION] not a bleam, blacklisting", "peer", peer)
		a.reject(s)
	case session.BadConnection:
		a.log.Warn("[SESSION] bad connection", "peer", peer, "error", ev.Err)
		a.reject(s)
	case session.AuthRejected:
		a.log.Warn("[SESSION] authentication rejected", "peer", peer, "error", ev.Err)
		a.reject(s)
	case session.ProtocolError:
		a.log.Warn("[SESSION] protocol error", "peer", peer, "error", ev.Err)

	case session.DoneSendingRssi:
		if e, ok := a.store.Lookup(peer); ok {
			a.filter.Allow(peer, e.Raw, now)
		}
		a.store.Clear(peer)
		if a.clock.NeedsUpdate() {
			err := s.RequestTime()
			if err == nil {
				return
			}
			a.log.Warn("[SESSION] time request failed", "error", err)
		}
		a.disconnect(s)
	case session.TimeReceived:
		a.clock.Update(ev.Millis)
		a.log.Info("[CLOCK] time updated", "seconds", a.clock.SystemTime())
		a.disconnect(s)
	case session.CommandExecuted:
		if ev.Err != nil {
			a.log.Warn("[SESSION] command failed", "cmd", ev.Request.Command, "error", ev.Err)
		}
		a.disconnect(s)

	case session.Disconnected:
		a.filter.MarkDisconnected(peer)
		if a.sess == s {
			a.sess = nil
		}
		if a.closing == s {
			a.closing = nil
		}
		a.client.Release()
		a.log.Info("[SESSION] closed", "peer", peer, "reason", ev.Reason)
		if a.unconfigured {
			if err := a.deps.Board.Reboot(); err != nil {
				a.log.Error("[APP] restart after unconfig failed", "error", err)
			}
		}

	default:
		a.log.Debug("[SESSION] event", "peer", peer, "event", fmt.Sprintf("%T", ev))
	}
}

// reject blacklists the session's peer, forgets its samples and drops the
// link.
func (a *App) reject(s *session.Session) {
	a.filter.Reject(s.Peer(), a.now())
	a.store.Clear(s.Peer())
	a.disconnect(s)
}

// fail ends an unresponsive session as a bad connection.
func (a *App) fail(s *session.Session, err error) {
	a.log.Warn("[SESSION] bad connection", "peer", s.Peer(), "error", err)
	a.reject(s)
}

// disconnect asks the radio to drop the link, once per session. If it
// cannot, the session is closed locally so the node does not wait on a link
// it cannot end.
func (a *App) disconnect(s *session.Session) {
	if a.closing == s {
		return
	}
	a.closing = s
	if err := a.client.Disconnect(s.Conn()); err != nil {
		a.log.Warn("[SESSION] disconnect failed, closing locally", "error", err)
		s.Close(err)
	}
}

// Health implements session.Telemetry.
func (a *App) Health() protocol.Health {
	h := protocol.Health{
		FirmwareID: protocol.FirmwareID,
		Battery:    a.battery,
		Uptime:     a.clock.Uptime(),
		SleepTime:  a.clock.SleepTime(),
		SystemTime: a.clock.SystemTime(),
	}
	if rec, ok := a.deps.Faults.Last(); ok {
		h.ErrID = rec.ID
		h.ErrKind = uint8(rec.Kind)
		h.Fault = &protocol.FaultInfo{Code: rec.Code, FileID: rec.FileID, Line: rec.Line}
	}
	return h
}

// Readings implements session.Telemetry.
func (a *App) Readings(peer admission.PeerIdentity) []protocol.Reading {
	return a.store.Samples(peer)
}

// Execute implements session.CommandHandler.
func (a *App) Execute(peer admission.PeerIdentity, req protocol.Request) error {
	a.log.Info("[APP] executing command", "cmd", req.Command, "peer", peer)
	switch req.Command {
	case protocol.CmdDfu:
		if a.deps.Updater == nil {
			return errUnsupported
		}
		return a.deps.Updater.EnterDFU()
	case protocol.CmdReboot:
		return a.deps.Board.Reboot()
	case protocol.CmdUnconfig:
		if err := a.deps.Provisioning.Erase(); err != nil {
			return fmt.Errorf("app: unconfig: %w", err)
		}
		a.signer.Forget()
		a.trust.Clear()
		a.store.Reset()
		a.unconfigured = true
		a.log.Warn("[APP] provisioning erased, restarting once the link drops")
		return nil
	case protocol.CmdIdle:
		minutes, err := req.IdleMinutes()
		if err != nil {
			return err
		}
		a.clock.IdleFor(minutes)
		a.clock.Invalidate()
		a.idle = true
		a.client.Pause()
		a.log.Info("[APP] idling", "minutes", minutes, "wakeup_uptime", a.clock.Wakeup())
		return nil
	case protocol.CmdRssiLimit:
		limit, err := req.RssiLimit()
		if err != nil {
			return err
		}
		if err := a.deps.Provisioning.SetRssiLimit(limit); err != nil {
			return fmt.Errorf("app: rssi limit: %w", err)
		}
		a.rssiLimit = limit
		a.log.Info("[APP] rssi limit set", "limit", limit)
		return nil
	}
	return fmt.Errorf("%w: %s", errUnsupported, req.Command)
}

var (
	_ session.Sink           = (*App)(nil)
	_ session.Telemetry      = (*App)(nil)
	_ session.CommandHandler = (*App)(nil)
)
