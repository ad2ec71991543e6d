package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/blesc/internal/admission"
	"github.com/chaz8081/blesc/internal/ble"
	"github.com/chaz8081/blesc/internal/ble/bletest"
	"github.com/chaz8081/blesc/internal/ble/crypto"
	"github.com/chaz8081/blesc/internal/ble/protocol"
	"github.com/chaz8081/blesc/internal/board"
	"github.com/chaz8081/blesc/internal/config"
	"github.com/chaz8081/blesc/internal/faultlog"
)

const (
	nodeID                = 0x0007
	conn   ble.ConnHandle = 7
)

var (
	t0       = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	addrA    = protocol.MustParseAddress("AA:00:00:00:00:01")
	addrB    = protocol.MustParseAddress("AA:00:00:00:00:02")
	aosID    = protocol.BleamID{byte(protocol.BleamAOS), 1, 2, 3, 4, 5, 6, 7, 8, 9}
	toolsID  = protocol.BleamID{byte(protocol.BleamTools), 0, 0x00, nodeID}
	svcRange = ble.HandleRange{Start: 0x40, End: 0x7F}
)

const (
	hNotify = 0x42
	hCCCD   = 0x43
	hSign   = 0x45
	hRssi   = 0x48
	hHealth = 0x4B
	hTime   = 0x4E
)

type fakeBoard struct {
	reboots int
	cancel  context.CancelCauseFunc
}

func (b *fakeBoard) BatteryLevel() (uint8, error)   { return 120, nil }
func (b *fakeBoard) Uptime() (time.Duration, error) { return time.Hour, nil }
func (b *fakeBoard) EnterDFU() error                { return board.ErrDFUUnsupported }
func (b *fakeBoard) Reboot() error {
	b.reboots++
	if b.cancel != nil {
		b.cancel(board.ErrReboot)
	}
	return nil
}

type harness struct {
	t       *testing.T
	radio   *bletest.Radio
	board   *fakeBoard
	prov    *config.Provisioning
	scratch *faultlog.MemScratch
	resets  int
	app     *App
	bleam   crypto.KeyPair
	now     time.Time
	acked   int
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		radio:   bletest.NewRadio(),
		board:   &fakeBoard{},
		prov:    config.NewProvisioning(config.NewMemStore()),
		scratch: &faultlog.MemScratch{},
		now:     t0,
	}
	local, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	h.bleam, err = crypto.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, h.prov.SetNodeID(nodeID))
	require.NoError(t, h.prov.SetKeys(config.Keys{Local: local, Counterpart: h.bleam.Public[:]}))

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	h.app, err = New(cfg, Deps{
		Radio:        h.radio,
		Board:        h.board,
		Provisioning: h.prov,
		Faults:       faultlog.New(h.scratch, func() { h.resets++ }, nil),
		Now:          func() time.Time { return h.now },
	})
	require.NoError(t, err)
	require.NoError(t, h.app.client.Start(context.Background()))
	return h
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) advertise(addr protocol.Address, id protocol.BleamID, rssi int8) {
	data := protocol.AppendAD(nil, protocol.ADAllUUID128, protocol.UUIDToWire(protocol.ServiceUUID(id)))
	h.advance(100 * time.Millisecond)
	h.app.handle(ble.AdvReport{Addr: addr, RSSI: rssi, Data: data})
}

func (h *harness) event(ev ble.Event) {
	h.advance(10 * time.Millisecond)
	h.app.handle(ev)
}

// ackWrites completes every outstanding write, including the ones the
// completions trigger.
func (h *harness) ackWrites() {
	for {
		writes := h.radio.CallsOf(bletest.OpWrite)
		if h.acked >= len(writes) {
			return
		}
		w := writes[h.acked]
		h.acked++
		h.event(ble.WriteComplete{Conn: w.Conn, Handle: w.Handle})
	}
}

func (h *harness) notify(cmd protocol.Command, params []byte) {
	chunks, err := protocol.Split(protocol.MarshalRequest(cmd, params), protocol.DefaultMaxDataLen)
	require.NoError(h.t, err)
	for _, c := range chunks {
		h.event(ble.Notification{Conn: conn, Handle: hNotify, Data: c})
	}
}

// link answers the connection request to addr and runs discovery to the
// point where notifications are enabled.
func (h *harness) link(addr protocol.Address, id protocol.BleamID) {
	h.event(ble.Connected{Conn: conn, Addr: addr})
	require.NotNil(h.t, h.app.sess)
	h.event(ble.ServicesDiscovered{Conn: conn, Services: []ble.Service{{Range: svcRange, UUID: protocol.ServiceUUID(id)}}})
	h.event(ble.CharacteristicsDiscovered{Conn: conn, Chars: []ble.Characteristic{
		{UUID: protocol.WithShort(protocol.NotifyShort), ValueHandle: hNotify, CCCD: hCCCD},
		{UUID: protocol.WithShort(protocol.SignShort), ValueHandle: hSign},
		{UUID: protocol.WithShort(protocol.RssiShort), ValueHandle: hRssi},
		{UUID: protocol.WithShort(protocol.HealthShort), ValueHandle: hHealth},
		{UUID: protocol.WithShort(protocol.TimeShort), ValueHandle: hTime},
	}})
	h.ackWrites()
	h.event(ble.NotifyStateChanged{Conn: conn, CCCD: hCCCD, Enabled: true})
}

// received reassembles the payloads written to handle.
func (h *harness) received(handle uint16) [][]byte {
	var out [][]byte
	r := protocol.NewReassembler(protocol.DefaultMaxDataLen, 4096)
	for _, w := range h.radio.Writes(handle) {
		done, err := r.Push(w)
		require.NoError(h.t, err)
		if done {
			out = append(out, r.Take())
		}
	}
	return out
}

// signAsBleam signs s with the bleam's private key.
func (h *harness) signAsBleam(s []byte) []byte {
	h.t.Helper()
	priv, err := crypto.ParsePrivateKey(h.bleam.Private[:])
	require.NoError(h.t, err)
	sig, err := crypto.Sign(priv, s)
	require.NoError(h.t, err)
	return sig
}

func salt() []byte {
	s := make([]byte, protocol.SaltSize)
	for i := range s {
		s[i] = byte(i * 3)
	}
	return s
}

func TestFullRingTriggersConnection(t *testing.T) {
	h := newHarness(t, nil)
	for i := range 4 {
		h.advertise(addrA, aosID, int8(-60-i))
	}
	assert.Empty(t, h.radio.CallsOf(bletest.OpConnect))

	h.advertise(addrA, aosID, -70)
	calls := h.radio.CallsOf(bletest.OpConnect)
	require.Len(t, calls, 1)
	assert.Equal(t, addrA, calls[0].Addr)
	assert.True(t, h.app.client.Busy())
	assert.True(t, h.app.filter.Connected(admission.AddressIdentity(addrA)))
	assert.Len(t, h.radio.CallsOf(bletest.OpStopScan), 1, "scanning stops while connecting")

	h.advertise(addrA, aosID, -60)
	assert.Len(t, h.radio.CallsOf(bletest.OpConnect), 1, "one connection at a time")
}

func TestToolsBleamConnectsAtOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.advertise(addrB, toolsID, -127)
	calls := h.radio.CallsOf(bletest.OpConnect)
	require.Len(t, calls, 1)
	assert.Equal(t, addrB, calls[0].Addr)
}

func TestRssiLimitFiltersAdverts(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Scanner.RssiLimit = -80 })
	h.advertise(addrA, aosID, -90)
	assert.Equal(t, 0, h.app.store.Len())
	h.advertise(addrA, aosID, -70)
	assert.Equal(t, 1, h.app.store.Len())
}

func TestAllowListRestrictsBleams(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Scanner.Allow = []string{addrB.String()} })
	h.advertise(addrA, aosID, -60)
	assert.Equal(t, 0, h.app.store.Len())
	h.advertise(addrB, aosID, -60)
	assert.Equal(t, 1, h.app.store.Len())
}

func TestFullExchange(t *testing.T) {
	h := newHarness(t, nil)
	for range 5 {
		h.advertise(addrA, aosID, -60)
	}
	h.link(addrA, aosID)
	require.Len(t, h.radio.CallsOf(bletest.OpEnableNotifying), 1)

	h.notify(protocol.CmdSalt, salt())
	h.ackWrites()

	sigs := h.received(hSign)
	require.Len(t, sigs, 1)
	assert.Len(t, sigs[0], protocol.SignatureSize)
	require.Len(t, h.received(hHealth), 1)
	bursts := h.received(hRssi)
	require.Len(t, bursts, 1)
	readings, err := protocol.UnmarshalReadings(bursts[0])
	require.NoError(t, err)
	assert.Len(t, readings, 5)

	peer := admission.AddressIdentity(addrA)
	assert.Empty(t, h.app.store.Samples(peer), "sent samples are cleared")
	assert.True(t, h.app.filter.Whitelisted(peer, h.now))

	reads := h.radio.CallsOf(bletest.OpRead)
	require.Len(t, reads, 1, "clock asks for the time")
	assert.Equal(t, uint16(hTime), reads[0].Handle)

	h.event(ble.ReadResponse{Conn: conn, Handle: hTime, Data: protocol.MarshalTime(43_200_500)})
	assert.Equal(t, uint32(43_200), h.app.clock.SystemTime())
	assert.False(t, h.app.clock.NeedsUpdate())
	require.Len(t, h.radio.CallsOf(bletest.OpDisconnect), 1)

	scans := len(h.radio.CallsOf(bletest.OpStartScan))
	h.event(ble.Disconnected{Conn: conn})
	assert.Nil(t, h.app.sess)
	assert.False(t, h.app.client.Busy())
	assert.False(t, h.app.filter.Connected(peer))
	assert.Len(t, h.radio.CallsOf(bletest.OpStartScan), scans+1, "scanning resumes")
}

func TestExchangeWithoutTimeUpdate(t *testing.T) {
	h := newHarness(t, nil)
	h.app.clock.Update(1000)
	for range 5 {
		h.advertise(addrA, aosID, -60)
	}
	h.link(addrA, aosID)
	h.notify(protocol.CmdSalt, salt())
	h.ackWrites()

	assert.Empty(t, h.radio.CallsOf(bletest.OpRead))
	assert.Len(t, h.radio.CallsOf(bletest.OpDisconnect), 1)
}

func TestServiceNotFoundBlacklists(t *testing.T) {
	h := newHarness(t, nil)
	for range 5 {
		h.advertise(addrA, aosID, -60)
	}
	h.event(ble.Connected{Conn: conn, Addr: addrA})
	h.event(ble.ServicesDiscovered{Conn: conn, Status: ble.StatusAttributeNotFound})

	peer := admission.AddressIdentity(addrA)
	assert.True(t, h.app.filter.Blacklisted(peer, h.now))
	assert.Empty(t, h.app.store.Samples(peer))
	assert.Len(t, h.radio.CallsOf(bletest.OpDisconnect), 1)

	h.event(ble.Disconnected{Conn: conn})
	for range 5 {
		h.advertise(addrA, aosID, -60)
	}
	assert.Len(t, h.radio.CallsOf(bletest.OpConnect), 1, "blacklisted peer is not reconnected")
	assert.Equal(t, 0, h.app.store.Len())
}

func TestBadSignatureBlacklists(t *testing.T) {
	h := newHarness(t, nil)
	for range 5 {
		h.advertise(addrA, aosID, -60)
	}
	h.link(addrA, aosID)
	h.notify(protocol.CmdReboot, nil)
	h.ackWrites()
	salts := h.received(hSign)
	require.Len(t, salts, 1)

	keys, err := h.prov.Keys()
	require.NoError(t, err)
	priv, err := crypto.ParsePrivateKey(keys.Local.Private[:])
	require.NoError(t, err)
	sig, err := crypto.Sign(priv, salts[0])
	require.NoError(t, err)
	h.notify(protocol.CmdSign, sig)

	assert.Equal(t, 0, h.board.reboots)
	assert.True(t, h.app.filter.Blacklisted(admission.AddressIdentity(addrA), h.now))
	assert.Len(t, h.radio.CallsOf(bletest.OpDisconnect), 1)
}

func TestEmptySignBlacklistsPeer(t *testing.T) {
	h := newHarness(t, nil)
	for range 5 {
		h.advertise(addrA, aosID, -60)
	}
	h.link(addrA, aosID)
	h.notify(protocol.CmdSign, nil)

	peer := admission.AddressIdentity(addrA)
	assert.True(t, h.app.filter.Blacklisted(peer, h.now))
	assert.Empty(t, h.app.store.Samples(peer))
	assert.Len(t, h.radio.CallsOf(bletest.OpDisconnect), 1)
}

func TestConnectFailedReleasesSlot(t *testing.T) {
	h := newHarness(t, nil)
	for range 5 {
		h.advertise(addrA, aosID, -60)
	}
	h.event(ble.ConnectFailed{Addr: addrA, Err: errors.New("timeout")})
	assert.False(t, h.app.client.Busy())
	assert.False(t, h.app.filter.Connected(admission.AddressIdentity(addrA)))

	h.app.scanConnect()
	assert.Len(t, h.radio.CallsOf(bletest.OpConnect), 2, "timer retries the best candidate")
}

func TestScanConnectPicksBestCandidate(t *testing.T) {
	h := newHarness(t, nil)
	h.advertise(addrA, aosID, -60)
	h.advertise(addrB, aosID, -60)
	h.advertise(addrB, aosID, -60)

	h.app.scanConnect()
	calls := h.radio.CallsOf(bletest.OpConnect)
	require.Len(t, calls, 1)
	assert.Equal(t, addrB, calls[0].Addr)
}

func TestScanConnectSkipsStaleWhitelist(t *testing.T) {
	h := newHarness(t, nil)
	h.advertise(addrA, aosID, -60)
	require.Equal(t, 1, h.app.store.Len())

	h.advance(33 * time.Second)
	h.app.scanConnect()
	assert.Empty(t, h.radio.CallsOf(bletest.OpConnect))
}

func TestInactiveSessionDropped(t *testing.T) {
	h := newHarness(t, nil)
	for range 5 {
		h.advertise(addrA, aosID, -60)
	}
	h.event(ble.Connected{Conn: conn, Addr: addrA})

	h.advance(2 * time.Second)
	h.app.tick()
	assert.Empty(t, h.radio.CallsOf(bletest.OpDisconnect))

	h.advance(2 * time.Second)
	h.app.tick()
	assert.Len(t, h.radio.CallsOf(bletest.OpDisconnect), 1)
}

func TestExpiredSessionDisconnectedOnce(t *testing.T) {
	h := newHarness(t, nil)
	for range 5 {
		h.advertise(addrA, aosID, -60)
	}
	h.event(ble.Connected{Conn: conn, Addr: addrA})

	h.advance(4 * time.Second)
	for range 3 {
		h.app.tick()
		h.advance(time.Second)
	}
	assert.Len(t, h.radio.CallsOf(bletest.OpDisconnect), 1)

	h.event(ble.Disconnected{Conn: conn})
	assert.Nil(t, h.app.sess)
	assert.Nil(t, h.app.closing)
}

func TestDisconnectFailureClosesLocally(t *testing.T) {
	h := newHarness(t, nil)
	for range 5 {
		h.advertise(addrA, aosID, -60)
	}
	h.radio.FailWith(bletest.OpDisconnect, errors.New("controller gone"))
	h.event(ble.Connected{Conn: conn, Addr: addrA})
	h.event(ble.ServicesDiscovered{Conn: conn, Status: ble.StatusAttributeNotFound})

	assert.Nil(t, h.app.sess)
	assert.False(t, h.app.client.Busy())
}

func TestRssiLimitCommandPersists(t *testing.T) {
	h := newHarness(t, nil)
	peer := admission.AddressIdentity(addrA)

	require.NoError(t, h.app.Execute(peer, protocol.Request{Command: protocol.CmdRssiLimit, Params: []byte{0xB0}}))
	v, err := h.prov.RssiLimit()
	require.NoError(t, err)
	assert.Equal(t, int8(-80), v)

	h.advertise(addrA, aosID, -85)
	assert.Equal(t, 0, h.app.store.Len())
}

func TestIdleCommandPausesScanning(t *testing.T) {
	h := newHarness(t, nil)
	peer := admission.AddressIdentity(addrA)

	require.NoError(t, h.app.Execute(peer, protocol.Request{Command: protocol.CmdIdle, Params: []byte{1, 0}}))
	assert.True(t, h.app.client.Paused())
	assert.Len(t, h.radio.CallsOf(bletest.OpStopScan), 1)

	h.advertise(addrA, aosID, -60)
	assert.Equal(t, 0, h.app.store.Len(), "adverts are ignored while idle")

	scans := len(h.radio.CallsOf(bletest.OpStartScan))
	for range 3 * 60 {
		h.app.tick()
	}
	assert.False(t, h.app.client.Paused())
	assert.Len(t, h.radio.CallsOf(bletest.OpStartScan), scans+1)
	assert.Positive(t, h.app.clock.SleepTime())
}

func TestUnconfigErasesProvisioning(t *testing.T) {
	h := newHarness(t, nil)
	peer := admission.AddressIdentity(addrA)
	h.advertise(addrA, aosID, -60)
	h.app.trust.Record(peer, h.now)

	require.NoError(t, h.app.Execute(peer, protocol.Request{Command: protocol.CmdUnconfig}))
	assert.False(t, h.prov.Provisioned())
	assert.Equal(t, 0, h.app.store.Len())
	assert.False(t, h.app.trust.Trusted(peer, h.now))
	_, err := h.app.signer.SignSalt(salt())
	assert.Error(t, err, "keys are forgotten")
	assert.Equal(t, 0, h.board.reboots)
}

func TestUnconfigRestartsAfterDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	for range 5 {
		h.advertise(addrA, aosID, -60)
	}
	h.link(addrA, aosID)
	h.notify(protocol.CmdUnconfig, nil)
	h.ackWrites()
	salts := h.received(hSign)
	require.Len(t, salts, 1)
	h.notify(protocol.CmdSign, h.signAsBleam(salts[0]))

	assert.False(t, h.prov.Provisioned())
	require.Len(t, h.radio.CallsOf(bletest.OpDisconnect), 1)
	assert.Equal(t, 0, h.board.reboots)

	h.event(ble.Disconnected{Conn: conn})
	assert.Equal(t, 1, h.board.reboots)
}

func TestRebootAndDFUCommands(t *testing.T) {
	h := newHarness(t, nil)
	peer := admission.AddressIdentity(addrA)
	require.NoError(t, h.app.Execute(peer, protocol.Request{Command: protocol.CmdReboot}))
	assert.Equal(t, 1, h.board.reboots)

	err := h.app.Execute(peer, protocol.Request{Command: protocol.CmdDfu})
	assert.ErrorIs(t, err, board.ErrDFUUnsupported)
}

func TestHealthReportsFault(t *testing.T) {
	h := newHarness(t, nil)
	h.app.battery = 99
	hl := h.app.Health()
	assert.Equal(t, uint16(protocol.FirmwareID), hl.FirmwareID)
	assert.Equal(t, uint8(99), hl.Battery)
	assert.Nil(t, hl.Fault)

	require.NoError(t, h.app.deps.Faults.Fault(faultlog.KindSDKError, 0x1234, 3, 99))
	_, ok, err := h.app.deps.Faults.Boot()
	require.NoError(t, err)
	require.True(t, ok)

	hl = h.app.Health()
	require.NotNil(t, hl.Fault)
	assert.Equal(t, uint8(faultlog.KindSDKError), hl.ErrKind)
	assert.Equal(t, uint32(0x1234), hl.Fault.Code)
	assert.Equal(t, uint16(99), hl.Fault.Line)
}

func TestBatteryEventUpdatesHealth(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, uint8(120), h.app.Health().Battery)
	h.event(ble.BatteryLevel{Level: 80})
	assert.Equal(t, uint8(80), h.app.Health().Battery)
}

func TestPanicRecordedAsSoftReset(t *testing.T) {
	h := newHarness(t, nil)
	err := h.app.recordPanic("index out of range")
	assert.Error(t, err)
	assert.Equal(t, 1, h.resets)

	data, err := h.scratch.Load()
	require.NoError(t, err)
	var rec faultlog.Record
	require.NoError(t, rec.UnmarshalBinary(data))
	assert.Equal(t, faultlog.KindSoftReset, rec.Kind)
}

func TestNewRequiresProvisioning(t *testing.T) {
	_, err := New(config.Default(), Deps{
		Radio:        bletest.NewRadio(),
		Board:        &fakeBoard{},
		Provisioning: config.NewProvisioning(config.NewMemStore()),
		Faults:       faultlog.New(&faultlog.MemScratch{}, nil, nil),
	})
	assert.ErrorIs(t, err, ErrNotProvisioned)
}

func TestRunStopsOnReboot(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	h.board.cancel = cancel

	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()

	require.NoError(t, h.board.Reboot())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, board.ErrReboot)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after reboot")
	}
}
