// Package crypto provides the signing primitives of the BLEAM handshake:
// ECDSA P-256 over SHA-256 with raw 32-byte private keys, 64-byte X||Y
// public keys and 64-byte r||s signatures, SEC1 point compression for
// provisioning, and the 32-byte word reversal used by little-endian peers.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const (
	PrivateKeySize = 32
	PublicKeySize  = 64
	SignatureSize  = 64

	wordSize = 32
)

// KeyPair is a raw P-256 signing key pair as stored in provisioning.
type KeyPair struct {
	Private [PrivateKeySize]byte
	Public  [PublicKeySize]byte
}

// GenerateKeyPair creates a new P-256 signing key pair.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("ble/crypto: generate key: %w", err)
	}
	raw, err := priv.Bytes()
	if err != nil {
		return KeyPair{}, fmt.Errorf("ble/crypto: encode private key: %w", err)
	}
	pub, err := RawPublicKey(&priv.PublicKey)
	if err != nil {
		return KeyPair{}, err
	}

	var kp KeyPair
	copy(kp.Private[:], raw)
	kp.Public = pub
	return kp, nil
}

// ParsePrivateKey parses a raw 32-byte P-256 scalar.
func ParsePrivateKey(raw []byte) (*ecdsa.PrivateKey, error) {
	if len(raw) != PrivateKeySize {
		return nil, fmt.Errorf("ble/crypto: private key must be %d bytes, got %d", PrivateKeySize, len(raw))
	}
	priv, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), raw)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: parse private key: %w", err)
	}
	return priv, nil
}

// ParsePublicKey parses a raw 64-byte X||Y P-256 point.
func ParsePublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) != PublicKeySize {
		return nil, fmt.Errorf("ble/crypto: public key must be %d bytes, got %d", PublicKeySize, len(raw))
	}
	uncompressed := make([]byte, 0, 1+PublicKeySize)
	uncompressed = append(uncompressed, 0x04)
	uncompressed = append(uncompressed, raw...)
	pub, err := ecdsa.ParseUncompressedPublicKey(elliptic.P256(), uncompressed)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: parse public key: %w", err)
	}
	return pub, nil
}

// RawPublicKey returns the 64-byte X||Y form of pub.
func RawPublicKey(pub *ecdsa.PublicKey) ([PublicKeySize]byte, error) {
	var out [PublicKeySize]byte
	b, err := pub.Bytes()
	if err != nil {
		return out, fmt.Errorf("ble/crypto: encode public key: %w", err)
	}
	copy(out[:], b[1:])
	return out, nil
}

// Sign signs SHA-256(msg) and returns the 64-byte r||s signature.
func Sign(priv *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	der, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: sign: %w", err)
	}
	return rawFromDER(der)
}

// Verify reports whether sig is a valid r||s signature of SHA-256(msg)
// under pub.
func Verify(pub *ecdsa.PublicKey, msg, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	digest := sha256.Sum256(msg)
	der, err := derFromRaw(sig)
	if err != nil {
		return false
	}
	return ecdsa.VerifyASN1(pub, digest[:], der)
}

func rawFromDER(der []byte) ([]byte, error) {
	var (
		inner cryptobyte.String
		r, s  = new(big.Int), new(big.Int)
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, errors.New("ble/crypto: malformed DER signature")
	}
	out := make([]byte, SignatureSize)
	r.FillBytes(out[:wordSize])
	s.FillBytes(out[wordSize:])
	return out, nil
}

func derFromRaw(sig []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(new(big.Int).SetBytes(sig[:wordSize]))
		b.AddASN1BigInt(new(big.Int).SetBytes(sig[wordSize:]))
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: build DER signature: %w", err)
	}
	return der, nil
}

// CompressPublicKey returns the 33-byte SEC1 compressed form of a raw
// public key (0x02/0x03 || x).
func CompressPublicKey(raw [PublicKeySize]byte) []byte {
	y := new(big.Int).SetBytes(raw[wordSize:])

	compressed := make([]byte, 33)
	if y.Bit(0) == 0 {
		compressed[0] = 0x02
	} else {
		compressed[0] = 0x03
	}
	copy(compressed[1:], raw[:wordSize])
	return compressed
}

// ParseCompressedPublicKey expands a 33-byte SEC1 compressed P-256 public
// key into its raw 64-byte form.
func ParseCompressedPublicKey(data []byte) ([PublicKeySize]byte, error) {
	var out [PublicKeySize]byte
	if len(data) != 33 {
		return out, fmt.Errorf("ble/crypto: compressed key must be 33 bytes, got %d", len(data))
	}
	if data[0] != 0x02 && data[0] != 0x03 {
		return out, fmt.Errorf("ble/crypto: invalid compression prefix: 0x%02x", data[0])
	}

	x := new(big.Int).SetBytes(data[1:33])
	y := decompressP256(x, data[0] == 0x03)
	if y == nil {
		return out, errors.New("ble/crypto: point decompression failed")
	}
	x.FillBytes(out[:wordSize])
	y.FillBytes(out[wordSize:])

	// Reject points that are not on the curve.
	if _, err := ParsePublicKey(out[:]); err != nil {
		return [PublicKeySize]byte{}, err
	}
	return out, nil
}

// decompressP256 recovers the y coordinate from x on the P-256 curve.
// oddY indicates whether y should be odd.
func decompressP256(x *big.Int, oddY bool) *big.Int {
	params := elliptic.P256().Params()
	p := params.P

	// y^2 = x^3 - 3x + b (mod p)
	x3 := new(big.Int).Mul(x, x)
	x3.Mul(x3, x)
	x3.Mod(x3, p)

	threeX := new(big.Int).Mul(big.NewInt(3), x)
	threeX.Mod(threeX, p)

	y2 := new(big.Int).Sub(x3, threeX)
	y2.Add(y2, params.B)
	y2.Mod(y2, p)

	// p = 3 mod 4, so y = y2^((p+1)/4) mod p
	exp := new(big.Int).Add(p, big.NewInt(1))
	exp.Rsh(exp, 2)
	y := new(big.Int).Exp(y2, exp, p)

	check := new(big.Int).Mul(y, y)
	check.Mod(check, p)
	if check.Cmp(y2) != 0 {
		return nil
	}

	if oddY != (y.Bit(0) == 1) {
		y.Sub(p, y)
	}
	return y
}

// WireOrder is the byte order of multi-word integers (keys, signatures)
// on the wire. Big-endian matches the Go representation; little-endian
// peers expect each 32-byte word reversed.
type WireOrder int

const (
	BigEndian WireOrder = iota
	LittleEndian
)

// ParseWireOrder maps "big" or "little" to a WireOrder.
func ParseWireOrder(s string) (WireOrder, error) {
	switch s {
	case "big", "":
		return BigEndian, nil
	case "little":
		return LittleEndian, nil
	}
	return BigEndian, fmt.Errorf("ble/crypto: unknown wire order %q", s)
}

func (o WireOrder) String() string {
	if o == LittleEndian {
		return "little"
	}
	return "big"
}

// Convert translates b between Go order and o. The conversion is its own
// inverse, so it serves both directions. len(b) must be a multiple of 32.
func (o WireOrder) Convert(b []byte) ([]byte, error) {
	if o == LittleEndian {
		return Reverse32(b)
	}
	return append([]byte(nil), b...), nil
}

// Reverse32 returns a copy of b with each 32-byte word reversed.
func Reverse32(b []byte) ([]byte, error) {
	if len(b)%wordSize != 0 {
		return nil, fmt.Errorf("ble/crypto: length %d is not a multiple of %d", len(b), wordSize)
	}
	out := make([]byte, len(b))
	for w := 0; w < len(b); w += wordSize {
		for i := 0; i < wordSize; i++ {
			out[w+i] = b[w+wordSize-1-i]
		}
	}
	return out, nil
}
