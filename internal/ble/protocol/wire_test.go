package protocol

import (
	"bytes"
	"testing"
)

func TestHealthLayout(t *testing.T) {
	h := Health{
		FirmwareID: FirmwareID,
		Battery:    0x7A,
		Uptime:     0x01020304,
		SleepTime:  60,
		SystemTime: 3600,
		ErrID:      0xBEEF,
		ErrKind:    0x12,
	}
	data, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	if len(data) != healthSize {
		t.Fatalf("len = %d, want %d", len(data), healthSize)
	}
	want := []byte{
		MsgHealth,
		0x0D, 0x00,
		0x7A,
		0x04, 0x03, 0x02, 0x01,
		0x3C, 0x00, 0x00, 0x00,
		0x10, 0x0E, 0x00, 0x00,
		0xEF, 0xBE,
		0x12,
	}
	if !bytes.Equal(data, want) {
		t.Errorf("health = % x\nwant     % x", data, want)
	}
}

func TestHealthWithFaultRoundTrip(t *testing.T) {
	in := Health{FirmwareID: 13, Battery: 200, Fault: &FaultInfo{Code: 0x42, FileID: 3, Line: 117}}
	data, _ := in.MarshalBinary()
	if len(data) != healthSize+faultSize {
		t.Fatalf("len = %d, want %d", len(data), healthSize+faultSize)
	}

	var out Health
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary() error = %v", err)
	}
	if out.Fault == nil || *out.Fault != *in.Fault {
		t.Errorf("fault = %+v, want %+v", out.Fault, in.Fault)
	}
	if out.Battery != 200 || out.FirmwareID != 13 {
		t.Errorf("decoded = %+v", out)
	}
}

func TestHealthUnmarshalRejectsGarbage(t *testing.T) {
	var h Health
	if err := h.UnmarshalBinary([]byte{MsgHealth, 0x00}); err == nil {
		t.Error("short record should fail")
	}
	bad := make([]byte, healthSize)
	bad[0] = 0x7F
	if err := h.UnmarshalBinary(bad); err == nil {
		t.Error("wrong message type should fail")
	}
}

func TestReadingsRoundTrip(t *testing.T) {
	in := []Reading{{RSSI: -40, AoA: 0}, {RSSI: -127, AoA: 90}, {RSSI: 3, AoA: 255}}
	data := MarshalReadings(in)
	if !bytes.Equal(data[:2], []byte{0xD8, 0x00}) {
		t.Errorf("first reading = % x, want d8 00", data[:2])
	}
	out, err := UnmarshalReadings(data)
	if err != nil {
		t.Fatalf("UnmarshalReadings() error = %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d readings, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("reading[%d] = %+v, want %+v", i, out[i], in[i])
		}
	}
	if _, err := UnmarshalReadings([]byte{0x01}); err == nil {
		t.Error("odd-length burst should fail")
	}
}

func TestMacBlock(t *testing.T) {
	m := MacBlock{MAC: [6]byte{0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}, NodeID: 0x0102}
	data, _ := m.MarshalBinary()
	if !bytes.Equal(data, []byte{0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA, 0x02, 0x01}) {
		t.Errorf("mac block = % x", data)
	}
	var out MacBlock
	if err := out.UnmarshalBinary(data); err != nil || out != m {
		t.Errorf("UnmarshalBinary() = %+v, %v", out, err)
	}
}

func TestTime(t *testing.T) {
	ms, err := UnmarshalTime(MarshalTime(86_399_000))
	if err != nil || ms != 86_399_000 {
		t.Errorf("UnmarshalTime() = %d, %v", ms, err)
	}
	if _, err := UnmarshalTime([]byte{1, 2}); err == nil {
		t.Error("short time should fail")
	}
}

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest(MarshalRequest(CmdIdle, []byte{0x2C, 0x01}))
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if req.Command != CmdIdle {
		t.Errorf("Command = %v, want idle", req.Command)
	}
	minutes, err := req.IdleMinutes()
	if err != nil || minutes != 300 {
		t.Errorf("IdleMinutes() = %d, %v; want 300", minutes, err)
	}

	req, _ = ParseRequest([]byte{byte(CmdRssiLimit), 0xB0})
	limit, err := req.RssiLimit()
	if err != nil || limit != -80 {
		t.Errorf("RssiLimit() = %d, %v; want -80", limit, err)
	}

	if _, err := ParseRequest(nil); err == nil {
		t.Error("empty request should fail")
	}
}

func TestCommandAdministrative(t *testing.T) {
	for _, c := range []Command{CmdDfu, CmdReboot, CmdUnconfig, CmdIdle, CmdRssiLimit} {
		if !c.Administrative() {
			t.Errorf("%v should be administrative", c)
		}
	}
	for _, c := range []Command{CmdSalt, CmdSign, CmdTrust, Command(0x42)} {
		if c.Administrative() {
			t.Errorf("%v should not be administrative", c)
		}
	}
	if Command(0x42).String() != "cmd(0x42)" {
		t.Errorf("String() = %q", Command(0x42).String())
	}
}
