package configsvc

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/blesc/internal/ble/protocol"
)

var errNoService = errors.New("configsvc: service not registered")

// TinyGoPeripheral implements Peripheral on tinygo.org/x/bluetooth.
//
// The host stack reports neither CCCD writes nor notification completion.
// Subscriptions to the status and key characteristics are assumed
// SubscribeDelay after a peer connects, and a Publish counts as complete once
// the value is set.
type TinyGoPeripheral struct {
	adapter  *bluetooth.Adapter
	log      *slog.Logger
	interval time.Duration

	// SubscribeDelay is how long after a connection the peer is taken to
	// have subscribed.
	SubscribeDelay time.Duration

	mu      sync.Mutex
	handler func(Event)
	adv     *bluetooth.Advertisement
	chars   map[uint16]*bluetooth.Characteristic
	device  *bluetooth.Device
	echo    []byte // value being written locally, replayed by the stack
	ready   bool
}

// NewTinyGoPeripheral creates a peripheral over the default adapter that
// advertises every interval.
func NewTinyGoPeripheral(interval time.Duration, logger *slog.Logger) *TinyGoPeripheral {
	if logger == nil {
		logger = slog.Default()
	}
	return &TinyGoPeripheral{
		adapter:        bluetooth.DefaultAdapter,
		log:            logger,
		interval:       interval,
		SubscribeDelay: 500 * time.Millisecond,
		chars:          make(map[uint16]*bluetooth.Characteristic),
	}
}

// SetEventHandler registers h as the sink for every event.
func (p *TinyGoPeripheral) SetEventHandler(h func(Event)) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *TinyGoPeripheral) post(ev Event) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// setup enables the adapter, registers the service and configures the
// advertisement. The connect handler must be in place before advertising
// starts.
func (p *TinyGoPeripheral) setup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("configsvc: enable adapter: %w", err)
	}
	p.adapter.SetConnectHandler(p.onConnect)

	const (
		read   = bluetooth.CharacteristicReadPermission
		write  = bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission
		notify = bluetooth.CharacteristicNotifyPermission
	)
	layout := []struct {
		short uint16
		flags bluetooth.CharacteristicPermissions
		value []byte
	}{
		{protocol.ConfigVersionShort, read, protocol.MarshalVersion(0)},
		{protocol.ConfigStatusShort, read | write | notify, []byte{byte(protocol.ConfigWaiting)}},
		{protocol.ConfigLocalKeyShort, read | notify, make([]byte, 1+protocol.KeyChunkSize)},
		{protocol.ConfigBleamKeyShort, write, make([]byte, 1+protocol.KeyChunkSize)},
		{protocol.ConfigNodeIDShort, write, make([]byte, 2)},
	}

	svc := bluetooth.NewUUID(protocol.ConfigServiceUUID())
	chars := make([]bluetooth.CharacteristicConfig, 0, len(layout))
	for _, c := range layout {
		handle := &bluetooth.Characteristic{}
		p.chars[c.short] = handle
		cfg := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   bluetooth.NewUUID(protocol.WithShort(c.short)),
			Value:  c.value,
			Flags:  c.flags,
		}
		if c.flags&write != 0 {
			short := c.short
			cfg.WriteEvent = func(_ bluetooth.Connection, _ int, value []byte) {
				p.onWrite(short, value)
			}
		}
		chars = append(chars, cfg)
	}
	if err := p.adapter.AddService(&bluetooth.Service{UUID: svc, Characteristics: chars}); err != nil {
		return fmt.Errorf("configsvc: add service: %w", err)
	}

	p.adv = p.adapter.DefaultAdvertisement()
	err := p.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    protocol.ConfigDeviceName,
		ServiceUUIDs: []bluetooth.UUID{svc},
		Interval:     bluetooth.NewDuration(p.interval),
	})
	if err != nil {
		return fmt.Errorf("configsvc: configure advertisement: %w", err)
	}
	p.ready = true
	return nil
}

func (p *TinyGoPeripheral) onConnect(device bluetooth.Device, connected bool) {
	if !connected {
		p.mu.Lock()
		had := p.device != nil
		p.device = nil
		p.mu.Unlock()
		if had {
			p.post(Disconnected{})
		}
		return
	}

	p.mu.Lock()
	p.device = &device
	p.mu.Unlock()
	p.log.Debug("[CONFIG] link up", "addr", device.Address.String())
	p.post(Connected{})
	time.AfterFunc(p.SubscribeDelay, func() {
		p.mu.Lock()
		live := p.device != nil
		p.mu.Unlock()
		if live {
			p.post(Subscribed{Char: protocol.ConfigStatusShort})
			p.post(Subscribed{Char: protocol.ConfigLocalKeyShort})
		}
	})
}

// onWrite forwards a peer write. Characteristic.Write on some stacks invokes
// the write callback with the local value; that echo is dropped.
func (p *TinyGoPeripheral) onWrite(short uint16, value []byte) {
	p.mu.Lock()
	echo := p.echo != nil && bytes.Equal(p.echo, value)
	p.mu.Unlock()
	if echo {
		return
	}
	p.post(Written{Char: short, Data: bytes.Clone(value)})
}

// Advertise starts advertising, restarting it if the stack already had it
// registered.
func (p *TinyGoPeripheral) Advertise() error {
	if err := p.setup(); err != nil {
		return err
	}
	if err := p.adv.Stop(); err != nil {
		p.log.Debug("[CONFIG] stop advertising", "error", err)
	}
	if err := p.adv.Start(); err != nil {
		return fmt.Errorf("configsvc: start advertising: %w", err)
	}
	return nil
}

// StopAdvertising stops advertising.
func (p *TinyGoPeripheral) StopAdvertising() error {
	p.mu.Lock()
	adv := p.adv
	p.mu.Unlock()
	if adv == nil {
		return nil
	}
	return adv.Stop()
}

// Publish sets the characteristic value, which notifies a subscribed peer,
// and posts Published from another goroutine so the caller may hold the
// event loop.
func (p *TinyGoPeripheral) Publish(short uint16, value []byte) error {
	p.mu.Lock()
	c, ok := p.chars[short]
	ready := p.ready
	if ok && ready {
		p.echo = value
	}
	p.mu.Unlock()
	if !ok || !ready {
		return errNoService
	}

	_, err := c.Write(value)

	p.mu.Lock()
	p.echo = nil
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("configsvc: write 0x%04x: %w", short, err)
	}
	go p.post(Published{Char: short})
	return nil
}

// Disconnect drops the connected peer.
func (p *TinyGoPeripheral) Disconnect() error {
	p.mu.Lock()
	d := p.device
	p.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Disconnect()
}

var _ Peripheral = (*TinyGoPeripheral)(nil)
