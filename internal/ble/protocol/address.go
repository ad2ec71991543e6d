package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a 48-bit BLE device address, most significant byte first as
// printed ("AA:BB:CC:DD:EE:FF").
type Address [6]byte

// ParseAddress parses a colon-separated hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return a, fmt.Errorf("protocol: address %q must have 6 octets", s)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return Address{}, fmt.Errorf("protocol: address %q: bad octet %q", s, p)
		}
		a[i] = b[0]
	}
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// OnAir returns the address least significant byte first.
func (a Address) OnAir() [6]byte {
	var b [6]byte
	for i := range a {
		b[i] = a[len(a)-1-i]
	}
	return b
}
