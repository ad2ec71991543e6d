package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chaz8081/blesc/internal/ble/protocol"
)

// ErrBusy is returned by Connect while another link is up or pending.
var ErrBusy = errors.New("ble: a connection is already in progress")

// ClientOptions configures the client.
type ClientOptions struct {
	QueueSize int // event queue depth
	RetryMax  int // max enable/scan retry backoff in seconds
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		QueueSize: 256,
		RetryMax:  30,
	}
}

// Client owns the radio on behalf of the event loop. It funnels every radio
// event into one queue and enforces a single link at a time: scanning stops
// while a link is up or pending and resumes once it is released.
//
// Post and Events may be used from any goroutine; every other method
// belongs to the goroutine draining Events.
type Client struct {
	radio Radio
	opts  ClientOptions
	log   *slog.Logger

	events  chan Event
	dropped atomic.Uint64

	scanning bool
	paused   bool
	busy     bool
	conn     ConnHandle
	linked   bool
}

// NewClient wires radio to a new event queue.
func NewClient(radio Radio, opts ClientOptions, logger *slog.Logger) (*Client, error) {
	if radio == nil {
		return nil, errors.New("ble: radio must not be nil")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		radio:  radio,
		opts:   opts,
		log:    logger,
		events: make(chan Event, opts.QueueSize),
	}
	radio.SetEventHandler(c.Post)
	return c, nil
}

// Post queues ev. Advertisement reports are dropped when the queue is full;
// every other event waits for room, so no link event is ever lost.
func (c *Client) Post(ev Event) {
	if _, ok := ev.(AdvReport); ok {
		select {
		case c.events <- ev:
		default:
			if c.dropped.Add(1)%100 == 1 {
				c.log.Warn("[BLE] event queue full, dropping advertisements", "dropped", c.dropped.Load())
			}
		}
		return
	}
	c.events <- ev
}

// Events returns the queue drained by the event loop.
func (c *Client) Events() <-chan Event { return c.events }

// Dropped returns how many advertisement reports were dropped.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// backoffDelay returns the retry delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// Start enables the adapter and starts scanning, retrying with exponential
// backoff until it succeeds or ctx is done.
func (c *Client) Start(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		// On the first attempt, try immediately; subsequent attempts use backoff.
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.RetryMax)
			c.log.Info("[BLE] enable backoff", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.radio.Enable(); err != nil {
			c.log.Warn("[BLE] enable failed", "error", err, "attempt", attempt+1)
			continue
		}
		if err := c.startScan(); err != nil {
			c.log.Warn("[BLE] scan start failed", "error", err, "attempt", attempt+1)
			continue
		}
		c.log.Info("[BLE] scanning")
		return nil
	}
}

func (c *Client) startScan() error {
	if c.scanning || c.paused || c.busy {
		return nil
	}
	if err := c.radio.StartScan(); err != nil {
		return fmt.Errorf("ble: start scan: %w", err)
	}
	c.scanning = true
	return nil
}

func (c *Client) stopScan() {
	if !c.scanning {
		return
	}
	if err := c.radio.StopScan(); err != nil {
		c.log.Warn("[BLE] stop scan failed", "error", err)
	}
	c.scanning = false
}

// Connect stops scanning and asks the radio for a link to addr.
func (c *Client) Connect(addr protocol.Address) error {
	if c.busy {
		return ErrBusy
	}
	c.stopScan()
	if err := c.radio.Connect(addr); err != nil {
		c.resume()
		return fmt.Errorf("ble: connect to %s: %w", addr, err)
	}
	c.busy = true
	return nil
}

// Linked records the link reported by a Connected event.
func (c *Client) Linked(conn ConnHandle) {
	c.busy = true
	c.conn = conn
	c.linked = true
}

// Release frees the link slot after ConnectFailed or Disconnected and
// resumes scanning.
func (c *Client) Release() {
	c.busy = false
	c.linked = false
	c.resume()
}

// Busy reports whether a link is up or pending.
func (c *Client) Busy() bool { return c.busy }

// Disconnect tears down the current link, if any.
func (c *Client) Disconnect(conn ConnHandle) error {
	if !c.linked || conn != c.conn {
		return nil
	}
	if err := c.radio.Disconnect(conn); err != nil {
		return fmt.Errorf("ble: disconnect %d: %w", conn, err)
	}
	return nil
}

// Pause stops scanning until Unpause.
func (c *Client) Pause() {
	c.paused = true
	c.stopScan()
}

// Unpause allows scanning again.
func (c *Client) Unpause() {
	c.paused = false
	c.resume()
}

// Paused reports whether scanning is paused.
func (c *Client) Paused() bool { return c.paused }

func (c *Client) resume() {
	if err := c.startScan(); err != nil {
		c.log.Warn("[BLE] scan restart failed", "error", err)
	}
}

// Radio returns the underlying radio for GATT requests.
func (c *Client) Radio() Radio { return c.radio }
