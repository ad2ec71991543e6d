package session

import (
	"time"

	"github.com/chaz8081/blesc/internal/admission"
)

// TrustLedger remembers peers that completed a signature exchange, so a
// Trust command can skip the handshake for TrustTimeout afterwards. It is
// shared by every session and owned by the event loop.
type TrustLedger struct {
	timeout time.Duration
	last    map[admission.Key]time.Time
}

// NewTrustLedger creates an empty ledger.
func NewTrustLedger(timeout time.Duration) *TrustLedger {
	return &TrustLedger{timeout: timeout, last: make(map[admission.Key]time.Time)}
}

// Record notes a valid exchange with peer at now.
func (l *TrustLedger) Record(peer admission.PeerIdentity, now time.Time) {
	l.last[peer.Key()] = now
}

// Trusted reports whether peer completed an exchange within the timeout.
func (l *TrustLedger) Trusted(peer admission.PeerIdentity, now time.Time) bool {
	t, ok := l.last[peer.Key()]
	return ok && now.Sub(t) <= l.timeout
}

// Forget drops peer from the ledger.
func (l *TrustLedger) Forget(peer admission.PeerIdentity) { delete(l.last, peer.Key()) }

// Clear drops every record.
func (l *TrustLedger) Clear() { clear(l.last) }

// Prune drops every expired record and returns how many were dropped.
func (l *TrustLedger) Prune(now time.Time) int {
	n := 0
	for k, t := range l.last {
		if now.Sub(t) > l.timeout {
			delete(l.last, k)
			n++
		}
	}
	return n
}
