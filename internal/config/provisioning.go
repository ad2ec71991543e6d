package config

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chaz8081/blesc/internal/ble/crypto"
)

// Provisioning record names.
const (
	RecordNodeID    = "node_id"
	RecordKeys      = "keys"
	RecordRssiLimit = "rssi_limit"
	RecordMode      = "mode"
)

// Keys is the provisioned signing material. Counterpart is the BLEAM
// public key in wire order, or nil if none was provisioned.
type Keys struct {
	Local       crypto.KeyPair
	Counterpart []byte
}

// Provisioning encodes the node's persistent records on top of a Store.
type Provisioning struct {
	store Store
}

// NewProvisioning wraps s.
func NewProvisioning(s Store) *Provisioning {
	return &Provisioning{store: s}
}

// NodeID returns the provisioned node id.
func (p *Provisioning) NodeID() (uint16, error) {
	b, err := p.store.Get(RecordNodeID)
	if err != nil {
		return 0, err
	}
	if len(b) != 2 {
		return 0, fmt.Errorf("config: node_id record has %d bytes, want 2", len(b))
	}
	return binary.LittleEndian.Uint16(b), nil
}

// SetNodeID stores the node id.
func (p *Provisioning) SetNodeID(id uint16) error {
	return p.store.Set(RecordNodeID, binary.LittleEndian.AppendUint16(nil, id))
}

// Keys returns the provisioned signing keys.
func (p *Provisioning) Keys() (Keys, error) {
	b, err := p.store.Get(RecordKeys)
	if err != nil {
		return Keys{}, err
	}
	const local = crypto.PrivateKeySize + crypto.PublicKeySize
	if len(b) != local && len(b) != local+crypto.PublicKeySize {
		return Keys{}, fmt.Errorf("config: keys record has %d bytes", len(b))
	}
	var k Keys
	copy(k.Local.Private[:], b[:crypto.PrivateKeySize])
	copy(k.Local.Public[:], b[crypto.PrivateKeySize:local])
	if len(b) > local {
		k.Counterpart = append([]byte(nil), b[local:]...)
	}
	return k, nil
}

// SetKeys stores k. A counterpart, if set, must be a raw public key.
func (p *Provisioning) SetKeys(k Keys) error {
	if n := len(k.Counterpart); n != 0 && n != crypto.PublicKeySize {
		return fmt.Errorf("config: counterpart key must be %d bytes, got %d", crypto.PublicKeySize, n)
	}
	b := make([]byte, 0, crypto.PrivateKeySize+2*crypto.PublicKeySize)
	b = append(b, k.Local.Private[:]...)
	b = append(b, k.Local.Public[:]...)
	b = append(b, k.Counterpart...)
	return p.store.Set(RecordKeys, b)
}

// RssiLimit returns the stored admission threshold.
func (p *Provisioning) RssiLimit() (int8, error) {
	b, err := p.store.Get(RecordRssiLimit)
	if err != nil {
		return 0, err
	}
	if len(b) != 1 {
		return 0, fmt.Errorf("config: rssi_limit record has %d bytes, want 1", len(b))
	}
	return int8(b[0]), nil
}

// SetRssiLimit stores the admission threshold.
func (p *Provisioning) SetRssiLimit(v int8) error {
	return p.store.Set(RecordRssiLimit, []byte{byte(v)})
}

// Mode returns the stored default session mode.
func (p *Provisioning) Mode() (uint8, error) {
	b, err := p.store.Get(RecordMode)
	if err != nil {
		return 0, err
	}
	if len(b) != 1 {
		return 0, fmt.Errorf("config: mode record has %d bytes, want 1", len(b))
	}
	return b[0], nil
}

// SetMode stores the default session mode.
func (p *Provisioning) SetMode(m uint8) error {
	return p.store.Set(RecordMode, []byte{m})
}

// Provisioned reports whether a node id and keys are stored.
func (p *Provisioning) Provisioned() bool {
	if _, err := p.NodeID(); err != nil {
		return false
	}
	_, err := p.Keys()
	return err == nil
}

// Erase removes every provisioning record.
func (p *Provisioning) Erase() error {
	var errs []error
	for _, name := range []string{RecordNodeID, RecordKeys, RecordRssiLimit, RecordMode} {
		if err := p.store.Erase(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
