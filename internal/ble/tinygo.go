package ble

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/blesc/internal/ble/protocol"
)

// Synthetic attribute layout. The host stack never exposes ATT handles, so
// service i occupies [0x40*(i+1), 0x40*(i+1)+0x3F] and characteristic k of a
// service starting at s is declared at s+1+3k with its value at the next
// handle and its CCCD after that.
const (
	serviceSpan    = 0x40
	charSpan       = 3
	maxCharsPerSvc = (serviceSpan - 1) / charSpan
)

var errUnknownLink = errors.New("ble: unknown link")

// TinyGoRadio implements Radio on top of tinygo.org/x/bluetooth. Blocking
// stack calls run one at a time on a worker goroutine and their outcome is
// posted as an Event.
type TinyGoRadio struct {
	adapter *bluetooth.Adapter
	log     *slog.Logger
	ops     chan func()

	mu      sync.Mutex
	handler func(Event)
	seen    map[protocol.Address]bluetooth.Address
	links   map[ConnHandle]*tinygoLink
	byAddr  map[string]ConnHandle
	next    ConnHandle
	started bool
}

type tinygoLink struct {
	addr     protocol.Address
	device   bluetooth.Device
	services []bluetooth.DeviceService
	chars    map[uint16]*bluetooth.DeviceCharacteristic // by value handle
	cccds    map[uint16]*bluetooth.DeviceCharacteristic // by CCCD handle
}

// NewTinyGoRadio creates a radio over the default adapter.
func NewTinyGoRadio(logger *slog.Logger) *TinyGoRadio {
	if logger == nil {
		logger = slog.Default()
	}
	return &TinyGoRadio{
		adapter: bluetooth.DefaultAdapter,
		log:     logger,
		ops:     make(chan func(), 32),
		seen:    make(map[protocol.Address]bluetooth.Address),
		links:   make(map[ConnHandle]*tinygoLink),
		byAddr:  make(map[string]ConnHandle),
	}
}

// SetEventHandler registers h as the sink for every event.
func (r *TinyGoRadio) SetEventHandler(h func(Event)) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

func (r *TinyGoRadio) post(ev Event) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (r *TinyGoRadio) submit(op func()) {
	r.ops <- op
}

func (r *TinyGoRadio) worker() {
	for op := range r.ops {
		op()
	}
}

// Enable powers the adapter and starts the worker.
func (r *TinyGoRadio) Enable() error {
	if err := r.adapter.Enable(); err != nil {
		return err
	}

	r.mu.Lock()
	if !r.started {
		r.started = true
		go r.worker()
	}
	r.mu.Unlock()

	// Fired with connected=false when the peer goes away, whoever initiated it.
	r.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		r.dropLink(device.Address.String(), nil)
	})
	return nil
}

// dropLink forgets the link to key and posts Disconnected once.
func (r *TinyGoRadio) dropLink(key string, reason error) {
	r.mu.Lock()
	conn, ok := r.byAddr[key]
	if ok {
		delete(r.byAddr, key)
		delete(r.links, conn)
	}
	r.mu.Unlock()
	if ok {
		r.post(Disconnected{Conn: conn, Reason: reason})
	}
}

// StartScan starts scanning in the background.
func (r *TinyGoRadio) StartScan() error {
	go func() {
		err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			addr := r.remember(result.Address)
			r.post(AdvReport{Addr: addr, RSSI: clampRSSI(result.RSSI), Data: advBytes(result)})
		})
		if err != nil {
			r.log.Warn("[BLE] scan ended", "error", err)
		}
	}()
	return nil
}

// StopScan stops a running scan.
func (r *TinyGoRadio) StopScan() error {
	return r.adapter.StopScan()
}

// remember maps the stack address to the six-byte address used by the core.
func (r *TinyGoRadio) remember(a bluetooth.Address) protocol.Address {
	addr, err := protocol.ParseAddress(a.String())
	if err != nil {
		// CoreBluetooth reports a per-host UUID instead of a MAC.
		sum := sha256.Sum256([]byte(a.String()))
		copy(addr[:], sum[len(sum)-6:])
	}
	r.mu.Lock()
	r.seen[addr] = a
	r.mu.Unlock()
	return addr
}

// Connect dials addr on the worker.
func (r *TinyGoRadio) Connect(addr protocol.Address) error {
	r.mu.Lock()
	target, ok := r.seen[addr]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: %s was never seen", addr)
	}

	r.submit(func() {
		device, err := r.adapter.Connect(target, bluetooth.ConnectionParams{})
		if err != nil {
			r.post(ConnectFailed{Addr: addr, Err: err})
			return
		}
		r.mu.Lock()
		r.next++
		if r.next == 0 {
			r.next = 1
		}
		conn := r.next
		r.links[conn] = &tinygoLink{
			addr:   addr,
			device: device,
			chars:  make(map[uint16]*bluetooth.DeviceCharacteristic),
			cccds:  make(map[uint16]*bluetooth.DeviceCharacteristic),
		}
		r.byAddr[target.String()] = conn
		r.mu.Unlock()
		r.post(Connected{Conn: conn, Addr: addr})
	})
	return nil
}

func (r *TinyGoRadio) link(conn ConnHandle) (*tinygoLink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[conn]
	return l, ok
}

func (r *TinyGoRadio) attr(m map[uint16]*bluetooth.DeviceCharacteristic, h uint16) (*bluetooth.DeviceCharacteristic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := m[h]
	return c, ok
}

// Disconnect tears the link down.
func (r *TinyGoRadio) Disconnect(conn ConnHandle) error {
	l, ok := r.link(conn)
	if !ok {
		return errUnknownLink
	}
	r.submit(func() {
		err := l.device.Disconnect()
		if err != nil {
			r.log.Warn("[BLE] disconnect failed", "conn", conn, "error", err)
		}
		r.dropLink(l.device.Address.String(), err)
	})
	return nil
}

// DiscoverServices discovers every primary service once and reports those
// whose range starts in hr.
func (r *TinyGoRadio) DiscoverServices(conn ConnHandle, hr HandleRange) error {
	l, ok := r.link(conn)
	if !ok {
		return errUnknownLink
	}
	r.submit(func() {
		if l.services == nil {
			svcs, err := l.device.DiscoverServices(nil)
			if err != nil {
				r.log.Warn("[BLE] service discovery failed", "conn", conn, "error", err)
				r.post(ServicesDiscovered{Conn: conn, Status: StatusUnlikelyError})
				return
			}
			l.services = svcs
		}
		var out []Service
		for i, svc := range l.services {
			sr := serviceRange(i)
			if sr.Start < hr.Start || sr.Start > hr.End {
				continue
			}
			u, err := stackUUID(svc.UUID())
			if err != nil {
				continue
			}
			out = append(out, Service{Range: sr, UUID: u})
		}
		status := StatusSuccess
		if len(out) == 0 {
			status = StatusAttributeNotFound
		}
		r.post(ServicesDiscovered{Conn: conn, Status: status, Services: out})
	})
	return nil
}

// DiscoverCharacteristics reports the characteristics of the service whose
// range contains hr.Start.
func (r *TinyGoRadio) DiscoverCharacteristics(conn ConnHandle, hr HandleRange) error {
	l, ok := r.link(conn)
	if !ok {
		return errUnknownLink
	}
	r.submit(func() {
		idx := int(hr.Start)/serviceSpan - 1
		if idx < 0 || idx >= len(l.services) {
			r.post(CharacteristicsDiscovered{Conn: conn, Status: StatusAttributeNotFound})
			return
		}
		chars, err := l.services[idx].DiscoverCharacteristics(nil)
		if err != nil {
			r.log.Warn("[BLE] characteristic discovery failed", "conn", conn, "error", err)
			r.post(CharacteristicsDiscovered{Conn: conn, Status: StatusUnlikelyError})
			return
		}
		if len(chars) > maxCharsPerSvc {
			chars = chars[:maxCharsPerSvc]
		}
		start := serviceRange(idx).Start
		var out []Characteristic
		for k := range chars {
			c := &chars[k]
			u, err := stackUUID(c.UUID())
			if err != nil {
				continue
			}
			decl := start + 1 + uint16(charSpan*k)
			value, cccd := decl+1, decl+2
			r.mu.Lock()
			l.chars[value] = c
			l.cccds[cccd] = c
			r.mu.Unlock()
			out = append(out, Characteristic{UUID: u, ValueHandle: value, CCCD: cccd})
		}
		status := StatusSuccess
		if len(out) == 0 {
			status = StatusAttributeNotFound
		}
		r.post(CharacteristicsDiscovered{Conn: conn, Status: status, Chars: out})
	})
	return nil
}

// Write writes data without response.
func (r *TinyGoRadio) Write(conn ConnHandle, handle uint16, data []byte) error {
	l, ok := r.link(conn)
	if !ok {
		return errUnknownLink
	}
	c, ok := r.attr(l.chars, handle)
	if !ok {
		return fmt.Errorf("ble: no characteristic at 0x%04x", handle)
	}
	buf := append([]byte(nil), data...)
	r.submit(func() {
		_, err := c.WriteWithoutResponse(buf)
		r.post(WriteComplete{Conn: conn, Handle: handle, Err: err})
	})
	return nil
}

// Read reads the value at handle.
func (r *TinyGoRadio) Read(conn ConnHandle, handle uint16) error {
	l, ok := r.link(conn)
	if !ok {
		return errUnknownLink
	}
	c, ok := r.attr(l.chars, handle)
	if !ok {
		return fmt.Errorf("ble: no characteristic at 0x%04x", handle)
	}
	r.submit(func() {
		buf := make([]byte, 512)
		n, err := c.Read(buf)
		r.post(ReadResponse{Conn: conn, Handle: handle, Data: buf[:n], Err: err})
	})
	return nil
}

// EnableNotifications subscribes to the characteristic owning cccd.
func (r *TinyGoRadio) EnableNotifications(conn ConnHandle, cccd uint16) error {
	l, ok := r.link(conn)
	if !ok {
		return errUnknownLink
	}
	c, ok := r.attr(l.cccds, cccd)
	if !ok {
		return fmt.Errorf("ble: no descriptor at 0x%04x", cccd)
	}
	value := cccd - 1
	r.submit(func() {
		err := c.EnableNotifications(func(buf []byte) {
			r.post(Notification{Conn: conn, Handle: value, Data: append([]byte(nil), buf...)})
		})
		r.post(NotifyStateChanged{Conn: conn, CCCD: cccd, Enabled: err == nil, Err: err})
	})
	return nil
}

// Compile-time check that TinyGoRadio implements Radio.
var _ Radio = (*TinyGoRadio)(nil)

func serviceRange(i int) HandleRange {
	start := uint16(serviceSpan * (i + 1))
	return HandleRange{Start: start, End: start + serviceSpan - 1}
}

func stackUUID(u bluetooth.UUID) (uuid.UUID, error) {
	return uuid.Parse(u.String())
}

func clampRSSI(v int16) int8 {
	switch {
	case v < -128:
		return -128
	case v > 127:
		return 127
	}
	return int8(v)
}

// advBytes returns the raw advertising data when the stack keeps it and
// otherwise rebuilds the fields the scanner looks at.
func advBytes(result bluetooth.ScanResult) []byte {
	if raw, ok := result.AdvertisementPayload.(interface{ Bytes() []byte }); ok {
		if b := raw.Bytes(); len(b) > 0 {
			return append([]byte(nil), b...)
		}
	}

	var buf []byte
	if lister, ok := result.AdvertisementPayload.(interface{ ServiceUUIDs() []bluetooth.UUID }); ok {
		var list []byte
		for _, su := range lister.ServiceUUIDs() {
			u, err := stackUUID(su)
			if err != nil {
				continue
			}
			list = append(list, protocol.UUIDToWire(u)...)
		}
		if len(list) > 0 {
			buf = protocol.AppendAD(buf, protocol.ADAllUUID128, list)
		}
	}
	for _, m := range result.ManufacturerData() {
		value := []byte{byte(m.CompanyID), byte(m.CompanyID >> 8)}
		buf = protocol.AppendAD(buf, protocol.ADManufacturer, append(value, m.Data...))
	}
	return buf
}
