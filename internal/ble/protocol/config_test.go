package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestConfigShorts(t *testing.T) {
	tests := []struct {
		name  string
		short uint16
		want  uint16
	}{
		{"version", ConfigVersionShort, 0xB701},
		{"status", ConfigStatusShort, 0xB702},
		{"local key", ConfigLocalKeyShort, 0xB703},
		{"bleam key", ConfigBleamKeyShort, 0xB704},
		{"node id", ConfigNodeIDShort, 0xB705},
	}
	for _, tt := range tests {
		if tt.short != tt.want {
			t.Errorf("%s = 0x%04x, want 0x%04x", tt.name, tt.short, tt.want)
		}
	}
	if got := Short(ConfigServiceUUID()); got != ConfigSvcShort {
		t.Errorf("Short(ConfigServiceUUID()) = 0x%04x, want 0x%04x", got, ConfigSvcShort)
	}
}

func TestVersionLayout(t *testing.T) {
	got := MarshalVersion(0x02)
	want := []byte{0x03, 0x0D, 0x00, 0x02}
	if !bytes.Equal(got, want) {
		t.Errorf("MarshalVersion(2) = % x, want % x", got, want)
	}
}

func TestKeyChunks(t *testing.T) {
	key := make([]byte, 64)
	for i := range key {
		key[i] = byte(i)
	}

	var joined []byte
	for n := 1; n <= KeyChunks; n++ {
		data, err := MarshalKeyChunk(n, key)
		if err != nil {
			t.Fatalf("MarshalKeyChunk(%d) error = %v", n, err)
		}
		if data[0] != byte(n) || len(data) != 17 {
			t.Fatalf("chunk %d = % x", n, data)
		}
		got, part, err := UnmarshalKeyChunk(data)
		if err != nil {
			t.Fatalf("UnmarshalKeyChunk(%d) error = %v", n, err)
		}
		if got != n {
			t.Errorf("chunk number = %d, want %d", got, n)
		}
		joined = append(joined, part...)
	}
	if !bytes.Equal(joined, key) {
		t.Errorf("joined chunks = % x, want % x", joined, key)
	}

	if _, err := MarshalKeyChunk(5, key); !errors.Is(err, ErrFraming) {
		t.Errorf("MarshalKeyChunk(5) error = %v, want ErrFraming", err)
	}
	if _, err := MarshalKeyChunk(1, key[:10]); !errors.Is(err, ErrFraming) {
		t.Errorf("MarshalKeyChunk(short key) error = %v, want ErrFraming", err)
	}
}

func TestUnmarshalKeyChunkInvalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short", []byte{1, 2, 3}},
		{"chunk zero", append([]byte{0}, make([]byte, 16)...)},
		{"chunk five", append([]byte{5}, make([]byte, 16)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := UnmarshalKeyChunk(tt.data); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestUnmarshalNodeID(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    uint16
		wantErr bool
	}{
		{"big endian", []byte{0x12, 0x34}, 0x1234, false},
		{"zero", []byte{0, 0}, 0, true},
		{"short", []byte{0x12}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalNodeID(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalNodeID() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("UnmarshalNodeID() = 0x%04x, want 0x%04x", got, tt.want)
			}
		})
	}
}

func TestConfigStatusString(t *testing.T) {
	if ConfigSet.String() != "set" || ConfigStatus(9).String() != "status(9)" {
		t.Errorf("unexpected status strings %q %q", ConfigSet, ConfigStatus(9))
	}
}
