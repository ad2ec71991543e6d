package app

import (
	"errors"
	"time"

	"github.com/chaz8081/blesc/internal/admission"
	"github.com/chaz8081/blesc/internal/ble"
	"github.com/chaz8081/blesc/internal/ble/protocol"
	"github.com/chaz8081/blesc/internal/rssi"
	"github.com/chaz8081/blesc/internal/session"
)

// classify applies the node's id and RSSI limit to an advertisement.
func (a *App) classify(ev ble.AdvReport) protocol.Advert {
	return protocol.Classify(ev.Data, ev.RSSI, protocol.ClassifyOptions{
		NodeID:    a.nodeID,
		RssiLimit: a.rssiLimit,
	})
}

// onAdvert runs the scan policy: bleams advertising the service are
// provisioned into the whitelist, every admitted sighting is sampled, and a
// connection starts once a peer's sample ring is full (at once for a TOOLS
// bleam addressed to this node).
func (a *App) onAdvert(ev ble.AdvReport, now time.Time) {
	if a.idle {
		return
	}
	adv := a.classify(ev)

	var id admission.PeerIdentity
	switch adv.Kind {
	case protocol.AdvBleam:
		id = admission.AddressIdentity(ev.Addr)
		if !a.filter.Allow(id, ev.Data, now) {
			return
		}
	case protocol.AdvIOS:
		id = admission.CorrelatedIdentity(adv.Fingerprint)
	default:
		return
	}

	switch a.filter.Evaluate(admission.Observation{Identity: id, Raw: ev.Data, RSSI: ev.RSSI}, now) {
	case admission.Ignore, admission.AlreadyConnected:
		return
	}

	full := a.store.Ingest(rssi.Sample{
		Identity: id,
		Bleam:    adv.Bleam,
		Addr:     ev.Addr,
		RSSI:     ev.RSSI,
		Raw:      ev.Data,
	}, now)
	if full || (adv.Kind == protocol.AdvBleam && adv.Bleam.Type() == protocol.BleamTools) {
		a.connect(id, ev.Addr, adv.Bleam)
	}
}

// scanConnect connects to the best stored candidate when nothing else is
// in progress and the candidate is still admissible.
func (a *App) scanConnect() {
	if a.idle || a.client.Busy() {
		return
	}
	best, ok := a.store.Best()
	if !ok {
		return
	}
	if !a.filter.Admissible(best.Identity, a.now()) {
		return
	}
	a.connect(best.Identity, best.Addr, best.Bleam)
}

func (a *App) connect(id admission.PeerIdentity, addr protocol.Address, bleam protocol.BleamID) {
	if a.client.Busy() {
		return
	}
	if err := a.client.Connect(addr); err != nil {
		if !errors.Is(err, ble.ErrBusy) {
			a.log.Warn("[SCAN] connect failed", "peer", id, "error", err)
		}
		return
	}
	a.filter.MarkConnected(id)
	a.pending = &pendingConn{id: id, addr: addr, bleam: bleam}
	a.log.Info("[SCAN] connecting", "peer", id, "addr", addr)
}

func (a *App) onConnected(ev ble.Connected, now time.Time) {
	p := a.pending
	a.pending = nil
	if p == nil || p.addr != ev.Addr {
		a.log.Warn("[SCAN] unexpected connection, dropping", "addr", ev.Addr)
		a.client.Linked(ev.Conn)
		_ = a.client.Disconnect(ev.Conn)
		if p != nil {
			a.filter.MarkDisconnected(p.id)
		}
		return
	}

	a.client.Linked(ev.Conn)
	a.log.Info("[SCAN] connected", "peer", p.id, "conn", ev.Conn)
	a.sess = session.New(ev.Conn, p.id, a.sessCfg, session.Deps{
		Transport: a.client.Radio(),
		Signer:    a.signer,
		Trust:     a.trust,
		Telemetry: a,
		Commands:  a,
		Sink:      a,
		Logger:    a.log,
	})
	if err := a.sess.Start(now); err != nil {
		a.log.Warn("[SESSION] start failed", "error", err)
	}
}

func (a *App) onConnectFailed(ev ble.ConnectFailed) {
	if a.pending != nil {
		a.filter.MarkDisconnected(a.pending.id)
		a.pending = nil
	}
	a.log.Info("[SCAN] connection failed", "addr", ev.Addr, "error", ev.Err)
	a.client.Release()
}
