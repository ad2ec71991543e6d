package admission

import (
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blesc/internal/ble/protocol"
)

// Kind says how a peer is recognised across advertisements.
type Kind uint8

const (
	KindAddress    Kind = iota + 1 // stable device address
	KindCorrelated                 // randomized address, matched by payload fingerprint
)

func (k Kind) String() string {
	switch k {
	case KindAddress:
		return "address"
	case KindCorrelated:
		return "correlated"
	}
	return "unknown"
}

// PeerIdentity identifies an advertiser. Only the field matching Kind is set.
type PeerIdentity struct {
	Kind        Kind
	Addr        protocol.Address
	Correlation uuid.UUID
}

// AddressIdentity identifies an address-stable peer.
func AddressIdentity(a protocol.Address) PeerIdentity {
	return PeerIdentity{Kind: KindAddress, Addr: a}
}

// CorrelatedIdentity identifies an address-randomizing peer by fingerprint.
func CorrelatedIdentity(fp uuid.UUID) PeerIdentity {
	return PeerIdentity{Kind: KindCorrelated, Correlation: fp}
}

// Key is the map key derived from a PeerIdentity.
type Key struct {
	kind Kind
	id   [16]byte
}

// Key returns the admission list key of p.
func (p PeerIdentity) Key() Key {
	k := Key{kind: p.Kind}
	switch p.Kind {
	case KindAddress:
		copy(k.id[:], p.Addr[:])
	case KindCorrelated:
		k.id = p.Correlation
	}
	return k
}

func (p PeerIdentity) String() string {
	if p.Kind == KindCorrelated {
		return "ios:" + p.Correlation.String()
	}
	return p.Addr.String()
}

// Entry is one admission list record.
type Entry struct {
	Identity PeerIdentity
	Active   bool
	Raw      []byte
	LastSeen time.Time
}

// timely reports whether e is active and was seen within window.
func (e *Entry) timely(now time.Time, window time.Duration) bool {
	return e != nil && e.Active && now.Sub(e.LastSeen) <= window
}
