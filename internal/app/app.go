// Package app is the scanner node: it owns the admission filter, the RSSI
// store, the live session, the clock and the fault log, and drives them all
// from a single event loop fed by the radio and a handful of timers.
package app

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/blesc/internal/admission"
	"github.com/chaz8081/blesc/internal/ble"
	"github.com/chaz8081/blesc/internal/ble/crypto"
	"github.com/chaz8081/blesc/internal/ble/protocol"
	"github.com/chaz8081/blesc/internal/board"
	"github.com/chaz8081/blesc/internal/clock"
	"github.com/chaz8081/blesc/internal/config"
	"github.com/chaz8081/blesc/internal/faultlog"
	"github.com/chaz8081/blesc/internal/rssi"
	"github.com/chaz8081/blesc/internal/session"
)

// ErrNotProvisioned is returned by New when no node id or signing keys are
// stored.
var ErrNotProvisioned = errors.New("app: node is not provisioned")

// batteryInterval is how often the board is asked for its battery level.
const batteryInterval = time.Minute

// Deps are the collaborators of an App. Radio, Board, Provisioning and
// Faults are required.
type Deps struct {
	Radio        ble.Radio
	Board        board.Board
	Updater      board.Updater
	Provisioning *config.Provisioning
	Faults       *faultlog.Log
	Logger       *slog.Logger
	Now          func() time.Time
}

// pendingConn is a connection requested but not yet reported up.
type pendingConn struct {
	id    admission.PeerIdentity
	addr  protocol.Address
	bleam protocol.BleamID
}

// App is the application context. Every field below the collaborators is
// touched only from the goroutine running Run.
type App struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	client  *ble.Client
	filter  *admission.Filter
	store   *rssi.Store
	clock   *clock.Timekeeper
	trust   *session.TrustLedger
	signer  *session.SigningContext
	sessCfg session.Config

	nodeID    uint16
	rssiLimit int8
	battery   uint8
	idle      bool

	unconfigured bool // provisioning erased, restart pending

	pending *pendingConn
	sess    *session.Session
	closing *session.Session // disconnect already requested
}

// New assembles an App from cfg and the provisioned records.
func New(cfg *config.Config, deps Deps) (*App, error) {
	if deps.Radio == nil || deps.Board == nil || deps.Provisioning == nil || deps.Faults == nil {
		return nil, errors.New("app: radio, board, provisioning and fault log are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Updater == nil {
		if u, ok := deps.Board.(board.Updater); ok {
			deps.Updater = u
		}
	}
	log := deps.Logger
	prov := deps.Provisioning

	nodeID := cfg.Scanner.NodeID
	if nodeID == 0 {
		id, err := prov.NodeID()
		if err != nil {
			return nil, fmt.Errorf("%w: node id: %v", ErrNotProvisioned, err)
		}
		nodeID = id
	}
	keys, err := prov.Keys()
	if err != nil {
		return nil, fmt.Errorf("%w: keys: %v", ErrNotProvisioned, err)
	}
	order, err := crypto.ParseWireOrder(cfg.Session.WireOrder)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	signer, err := session.NewSigningContext(keys.Local, keys.Counterpart, order)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if keys.Counterpart == nil {
		log.Warn("[APP] no bleam key provisioned, administrative commands will be refused")
	}

	rssiLimit := int8(cfg.Scanner.RssiLimit)
	if v, err := prov.RssiLimit(); err == nil {
		rssiLimit = v
	} else if !errors.Is(err, config.ErrNotFound) {
		return nil, fmt.Errorf("app: rssi limit: %w", err)
	}

	mode, err := session.ParseMode(cfg.Session.DefaultMode)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	if m, err := prov.Mode(); err == nil {
		mode = session.Mode(m)
	}

	var localMAC protocol.Address
	if cfg.Scanner.LocalMAC != "" {
		if localMAC, err = protocol.ParseAddress(cfg.Scanner.LocalMAC); err != nil {
			return nil, fmt.Errorf("app: local mac: %w", err)
		}
	}

	restrict := make([]protocol.Address, 0, len(cfg.Scanner.Allow))
	for _, s := range cfg.Scanner.Allow {
		a, err := protocol.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("app: allow list: %w", err)
		}
		restrict = append(restrict, a)
	}

	client, err := ble.NewClient(deps.Radio, ble.ClientOptions{QueueSize: cfg.Scanner.QueueSize}, log)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	battery := board.MainsLevel
	if v, err := deps.Board.BatteryLevel(); err == nil {
		battery = v
	}

	sessCfg := session.DefaultConfig()
	sessCfg.MaxDataLen = cfg.Session.MaxDataLen
	sessCfg.DefaultMode = mode
	sessCfg.InactivityTimeout = cfg.Session.InactivityTimeout
	sessCfg.Discovery.MaxRounds = cfg.Session.DiscoveryRounds
	sessCfg.NodeID = nodeID
	sessCfg.LocalMAC = localMAC

	now := deps.Now()
	return &App{
		cfg:    cfg,
		deps:   deps,
		log:    log,
		now:    deps.Now,
		client: client,
		filter: admission.New(admission.Options{
			MaclistTimeout:      cfg.Admission.MaclistTimeout,
			BlacklistTimeout:    cfg.Admission.BlacklistTimeout,
			ProvisionalCapacity: cfg.Admission.ProvisionalCapacity,
			Restrict:            restrict,
		}, log),
		store:     rssi.New(rssi.Options{Capacity: cfg.Store.Capacity, PerMessage: cfg.Store.PerMessage}, log),
		clock:     clock.New(clock.SecondsSinceMidnight(now)),
		trust:     session.NewTrustLedger(cfg.Session.TrustTimeout),
		signer:    signer,
		sessCfg:   sessCfg,
		nodeID:    nodeID,
		rssiLimit: rssiLimit,
		battery:   battery,
	}, nil
}

// Post queues an event for the loop. It is safe for concurrent use.
func (a *App) Post(ev ble.Event) { a.client.Post(ev) }

// NodeID returns the id this node answers TOOLS bleams on.
func (a *App) NodeID() uint16 { return a.nodeID }

// Run starts scanning and processes events until ctx is done or the board
// requests a reboot. A panic in the loop is recorded in the fault log.
func (a *App) Run(ctx context.Context) error {
	if rec, ok, err := a.deps.Faults.Boot(); err != nil {
		a.log.Warn("[APP] reading fault slot", "error", err)
	} else if ok {
		a.log.Warn("[APP] recovered from fault", "kind", rec.Kind, "id", rec.ID)
	}
	if up, err := a.deps.Board.Uptime(); err == nil {
		a.log.Info("[APP] starting", "node", a.nodeID, "rssi_limit", a.rssiLimit, "host_uptime", up)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.loop(ctx) })
	g.Go(func() error { return a.pollBattery(ctx) })

	err := g.Wait()
	if cause := context.Cause(ctx); errors.Is(cause, board.ErrReboot) {
		return board.ErrReboot
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) pollBattery(ctx context.Context) error {
	t := time.NewTicker(batteryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			level, err := a.deps.Board.BatteryLevel()
			if err != nil {
				a.log.Warn("[BOARD] battery read failed", "error", err)
				continue
			}
			a.Post(ble.BatteryLevel{Level: level})
		}
	}
}

func (a *App) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = a.recordPanic(r)
		}
	}()

	if err := a.client.Start(ctx); err != nil {
		return err
	}

	sweep := time.NewTicker(a.cfg.Admission.SweepInterval)
	defer sweep.Stop()
	aging := time.NewTicker(a.cfg.Store.AgingInterval)
	defer aging.Stop()
	connect := time.NewTicker(a.cfg.Scanner.ConnectInterval)
	defer connect.Stop()
	second := time.NewTicker(time.Second)
	defer second.Stop()

	for {
		select {
		case <-ctx.Done():
			if a.sess != nil {
				_ = a.client.Disconnect(a.sess.Conn())
			}
			return ctx.Err()
		case ev := <-a.client.Events():
			a.handle(ev)
		case <-sweep.C:
			a.sweep()
		case <-aging.C:
			if n := a.store.Expire(a.now(), a.cfg.Store.MaxAge); n > 0 {
				a.log.Debug("[SCAN] samples aged out", "peers", n)
			}
		case <-connect.C:
			a.scanConnect()
		case <-second.C:
			a.tick()
		}
	}
}

// recordPanic stores r as a soft-reset fault, located at the frame that
// panicked.
func (a *App) recordPanic(r any) error {
	msg := fmt.Sprint(r)
	var file string
	var line int
	pcs := make([]uintptr, 16)
	frames := runtime.CallersFrames(pcs[:runtime.Callers(3, pcs)])
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") {
			file, line = f.File, f.Line
			break
		}
		if !more {
			break
		}
	}
	a.log.Error("[APP] event loop panic", "panic", msg, "file", file, "line", line)
	ferr := a.deps.Faults.Fault(faultlog.KindSoftReset, crc32.ChecksumIEEE([]byte(msg)), uint16(crc32.ChecksumIEEE([]byte(file))), uint16(line))
	return errors.Join(fmt.Errorf("app: event loop panic: %s", msg), ferr)
}

// handle dispatches one event.
func (a *App) handle(ev ble.Event) {
	now := a.now()
	switch ev := ev.(type) {
	case ble.AdvReport:
		a.onAdvert(ev, now)
	case ble.Connected:
		a.onConnected(ev, now)
	case ble.ConnectFailed:
		a.onConnectFailed(ev)
	case ble.BatteryLevel:
		a.battery = ev.Level
	case ble.ConnEvent:
		if a.sess == nil {
			if _, ok := ev.(ble.Disconnected); ok {
				a.client.Release()
			}
			a.log.Debug("[APP] event without session", "conn", ev.Link())
			return
		}
		if err := a.sess.Handle(ev, now); errors.Is(err, session.ErrStale) {
			a.log.Debug("[APP] stale event", "conn", ev.Link())
		}
	}
}

func (a *App) sweep() {
	now := a.now()
	n := a.filter.DropBlacklist(now)
	m := a.trust.Prune(now)
	a.log.Debug("[SCAN] sweep", "blacklist", n, "trust", m)
}

// tick advances the clock and enforces session inactivity and idle periods.
func (a *App) tick() {
	now := a.now()
	if a.clock.Tick(a.idle) {
		a.log.Info("[SCAN] idle period over")
		a.idle = false
		a.filter.DropBlacklist(now)
		a.client.Unpause()
	}
	if a.sess != nil && a.sess != a.closing && a.sess.Expired(now) {
		a.log.Info("[SESSION] inactive, disconnecting", "peer", a.sess.Peer())
		a.fail(a.sess, fmt.Errorf("app: session inactive for %s", a.cfg.Session.InactivityTimeout))
	}
}
