package crypto

import (
	"bytes"
	"testing"
)

func mustKeyPair(t *testing.T) KeyPair {
	t.Helper()
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	return kp
}

func TestGenerateKeyPair(t *testing.T) {
	kp := mustKeyPair(t)

	priv, err := ParsePrivateKey(kp.Private[:])
	if err != nil {
		t.Fatalf("ParsePrivateKey() error = %v", err)
	}
	pub, err := RawPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("RawPublicKey() error = %v", err)
	}
	if pub != kp.Public {
		t.Error("public key does not match the private key")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp := mustKeyPair(t)
	priv, _ := ParsePrivateKey(kp.Private[:])
	pub, err := ParsePublicKey(kp.Public[:])
	if err != nil {
		t.Fatalf("ParsePublicKey() error = %v", err)
	}

	salt := []byte("0123456789abcdef")
	sig, err := Sign(priv, salt)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != SignatureSize {
		t.Fatalf("signature length = %d, want %d", len(sig), SignatureSize)
	}
	if !Verify(pub, salt, sig) {
		t.Error("Verify() rejected a valid signature")
	}
}

func TestVerifyWrongKey(t *testing.T) {
	kp := mustKeyPair(t)
	other := mustKeyPair(t)
	priv, _ := ParsePrivateKey(kp.Private[:])
	otherPub, _ := ParsePublicKey(other.Public[:])

	salt := []byte("0123456789abcdef")
	sig, _ := Sign(priv, salt)
	for i := 0; i < 3; i++ {
		if Verify(otherPub, salt, sig) {
			t.Fatal("Verify() accepted a signature under the wrong key")
		}
	}
}

func TestVerifyTampered(t *testing.T) {
	kp := mustKeyPair(t)
	priv, _ := ParsePrivateKey(kp.Private[:])
	pub, _ := ParsePublicKey(kp.Public[:])

	salt := []byte("0123456789abcdef")
	sig, _ := Sign(priv, salt)

	if Verify(pub, []byte("0123456789abcdeF"), sig) {
		t.Error("Verify() accepted a signature over a different salt")
	}
	sig[10] ^= 0x01
	if Verify(pub, salt, sig) {
		t.Error("Verify() accepted a tampered signature")
	}
	if Verify(pub, salt, sig[:63]) {
		t.Error("Verify() accepted a short signature")
	}
}

func TestParseKeyLengths(t *testing.T) {
	if _, err := ParsePrivateKey(make([]byte, 31)); err == nil {
		t.Error("ParsePrivateKey() should reject 31 bytes")
	}
	if _, err := ParsePublicKey(make([]byte, 65)); err == nil {
		t.Error("ParsePublicKey() should reject 65 bytes")
	}
	if _, err := ParsePublicKey(make([]byte, 64)); err == nil {
		t.Error("ParsePublicKey() should reject a point not on the curve")
	}
}

func TestParseCompressedPublicKey(t *testing.T) {
	kp := mustKeyPair(t)
	compressed := CompressPublicKey(kp.Public)
	if len(compressed) != 33 {
		t.Fatalf("compressed length = %d, want 33", len(compressed))
	}

	raw, err := ParseCompressedPublicKey(compressed)
	if err != nil {
		t.Fatalf("ParseCompressedPublicKey() error = %v", err)
	}
	if raw != kp.Public {
		t.Error("decompressed key does not match original")
	}

	bad := append([]byte(nil), compressed...)
	bad[0] = 0x05
	if _, err := ParseCompressedPublicKey(bad); err == nil {
		t.Error("ParseCompressedPublicKey() should reject an invalid prefix")
	}
	if _, err := ParseCompressedPublicKey(compressed[:32]); err == nil {
		t.Error("ParseCompressedPublicKey() should reject 32 bytes")
	}
}

func TestReverse32(t *testing.T) {
	in := make([]byte, 64)
	for i := range in {
		in[i] = byte(i)
	}
	out, err := Reverse32(in)
	if err != nil {
		t.Fatalf("Reverse32() error = %v", err)
	}
	if out[0] != 31 || out[31] != 0 || out[32] != 63 || out[63] != 32 {
		t.Errorf("Reverse32() = % x", out)
	}
	back, _ := Reverse32(out)
	if !bytes.Equal(back, in) {
		t.Error("Reverse32 is not its own inverse")
	}
	if _, err := Reverse32(make([]byte, 33)); err == nil {
		t.Error("Reverse32() should reject a partial word")
	}
}

func TestWireOrderRoundTrip(t *testing.T) {
	kp := mustKeyPair(t)
	priv, _ := ParsePrivateKey(kp.Private[:])
	pub, _ := ParsePublicKey(kp.Public[:])
	salt := []byte("fedcba9876543210")
	sig, _ := Sign(priv, salt)

	for _, order := range []WireOrder{BigEndian, LittleEndian} {
		t.Run(order.String(), func(t *testing.T) {
			wire, err := order.Convert(sig)
			if err != nil {
				t.Fatalf("Convert() error = %v", err)
			}
			if order == LittleEndian && bytes.Equal(wire, sig) {
				t.Fatal("little-endian wire form should differ from Go order")
			}
			back, err := order.Convert(wire)
			if err != nil {
				t.Fatalf("Convert() error = %v", err)
			}
			if !Verify(pub, salt, back) {
				t.Error("signature did not survive the wire round trip")
			}
		})
	}
}

func TestParseWireOrder(t *testing.T) {
	if o, err := ParseWireOrder("little"); err != nil || o != LittleEndian {
		t.Errorf("ParseWireOrder(little) = %v, %v", o, err)
	}
	if o, err := ParseWireOrder(""); err != nil || o != BigEndian {
		t.Errorf("ParseWireOrder(\"\") = %v, %v", o, err)
	}
	if _, err := ParseWireOrder("middle"); err == nil {
		t.Error("ParseWireOrder(middle) should fail")
	}
}
