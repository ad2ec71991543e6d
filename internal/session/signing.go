package session

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/chaz8081/blesc/internal/ble/crypto"
	"github.com/chaz8081/blesc/internal/ble/protocol"
)

// ErrAuth is reported when a signature exchange fails or arrives out of
// order.
var ErrAuth = errors.New("session: authentication failed")

// SigningContext runs both halves of the salt/signature handshake: it signs
// salts sent by a BLEAM with the local key and checks a BLEAM's signature
// over a salt this node generated.
type SigningContext struct {
	priv        *ecdsa.PrivateKey
	counterpart *ecdsa.PublicKey
	order       crypto.WireOrder
	salt        []byte
}

// NewSigningContext parses the provisioned keys. counterpart may be nil, in
// which case every Verify fails.
func NewSigningContext(keys crypto.KeyPair, counterpart []byte, order crypto.WireOrder) (*SigningContext, error) {
	priv, err := crypto.ParsePrivateKey(keys.Private[:])
	if err != nil {
		return nil, fmt.Errorf("session: local key: %w", err)
	}
	sc := &SigningContext{priv: priv, order: order}
	if len(counterpart) > 0 {
		raw, err := order.Convert(counterpart)
		if err != nil {
			return nil, fmt.Errorf("session: counterpart key: %w", err)
		}
		if sc.counterpart, err = crypto.ParsePublicKey(raw); err != nil {
			return nil, fmt.Errorf("session: counterpart key: %w", err)
		}
	}
	return sc, nil
}

// SignSalt records salt and returns its signature in wire order.
func (c *SigningContext) SignSalt(salt []byte) ([]byte, error) {
	if len(salt) != protocol.SaltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", ErrAuth, protocol.SaltSize, len(salt))
	}
	if c.priv == nil {
		return nil, fmt.Errorf("%w: no local key provisioned", ErrAuth)
	}
	c.salt = bytes.Clone(salt)
	sig, err := crypto.Sign(c.priv, c.salt)
	if err != nil {
		return nil, fmt.Errorf("session: sign salt: %w", err)
	}
	return c.order.Convert(sig)
}

// NewSalt generates and records a fresh random salt for a peer to sign.
func (c *SigningContext) NewSalt() ([]byte, error) {
	salt := make([]byte, protocol.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("session: generate salt: %w", err)
	}
	c.salt = salt
	return bytes.Clone(salt), nil
}

// Verify checks a wire-order signature over the recorded salt against the
// counterpart key.
func (c *SigningContext) Verify(sig []byte) error {
	if c.counterpart == nil {
		return fmt.Errorf("%w: no counterpart key provisioned", ErrAuth)
	}
	if c.salt == nil {
		return fmt.Errorf("%w: no salt outstanding", ErrAuth)
	}
	if len(sig) != protocol.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrAuth, protocol.SignatureSize, len(sig))
	}
	raw, err := c.order.Convert(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if !crypto.Verify(c.counterpart, c.salt, raw) {
		return fmt.Errorf("%w: signature mismatch", ErrAuth)
	}
	return nil
}

// Salt returns the recorded salt, if any.
func (c *SigningContext) Salt() []byte { return bytes.Clone(c.salt) }

// Reset forgets the recorded salt.
func (c *SigningContext) Reset() { c.salt = nil }

// Forget drops both keys and the salt. Every later SignSalt and Verify
// fails until a new context is built from fresh provisioning.
func (c *SigningContext) Forget() {
	c.priv = nil
	c.counterpart = nil
	c.salt = nil
}
