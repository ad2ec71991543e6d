// Package admission decides which advertisers are worth a connection.
//
// The filter keeps two lists keyed by peer identity: a whitelist of
// connect-eligible peers and a blacklist of peers that recently failed
// validation. Entries age lazily: an entry last seen outside its list's
// window is treated as absent while it is still stored. The blacklist is
// also purged wholesale by a periodic sweep.
//
// Address-randomizing (iOS) peers are correlated by a payload fingerprint
// instead of an address. An unknown fingerprint is cached provisionally and
// only admitted when a later advertisement confirms it.
//
// A Filter is not safe for concurrent use; it belongs to the event loop.
package admission

import (
	"bytes"
	"log/slog"
	"time"

	"github.com/chaz8081/blesc/internal/ble/protocol"
)

// Decision is the outcome of Evaluate.
type Decision int

const (
	Ignore Decision = iota
	ConnectNow
	AlreadyConnected
)

func (d Decision) String() string {
	switch d {
	case ConnectNow:
		return "connect"
	case AlreadyConnected:
		return "already-connected"
	}
	return "ignore"
}

// Observation is one advertisement presented to the filter.
type Observation struct {
	Identity PeerIdentity
	Raw      []byte
	RSSI     int8
}

// Options tunes the filter. MaclistTimeout and BlacklistTimeout are
// independent.
type Options struct {
	MaclistTimeout      time.Duration // whitelist and iOS correlation recency
	BlacklistTimeout    time.Duration
	ProvisionalCapacity int

	// Restrict, when non-empty, limits whitelisting of address peers to
	// these addresses. Correlated peers are unaffected.
	Restrict []protocol.Address
}

// DefaultOptions returns the firmware defaults.
func DefaultOptions() Options {
	return Options{
		MaclistTimeout:      30 * time.Second,
		BlacklistTimeout:    60 * time.Second,
		ProvisionalCapacity: 16,
	}
}

type provisional struct {
	firstSeen time.Time
	raw       []byte
}

// Filter is the admission filter.
type Filter struct {
	opts Options
	log  *slog.Logger

	white       map[Key]*Entry
	black       map[Key]*Entry
	provisional map[Key]provisional
	connected   map[Key]struct{}
	restrict    map[protocol.Address]struct{}
}

// New creates an empty filter.
func New(opts Options, logger *slog.Logger) *Filter {
	def := DefaultOptions()
	if opts.MaclistTimeout <= 0 {
		opts.MaclistTimeout = def.MaclistTimeout
	}
	if opts.BlacklistTimeout <= 0 {
		opts.BlacklistTimeout = def.BlacklistTimeout
	}
	if opts.ProvisionalCapacity <= 0 {
		opts.ProvisionalCapacity = def.ProvisionalCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	var restrict map[protocol.Address]struct{}
	if len(opts.Restrict) > 0 {
		restrict = make(map[protocol.Address]struct{}, len(opts.Restrict))
		for _, a := range opts.Restrict {
			restrict[a] = struct{}{}
		}
	}
	return &Filter{
		opts:        opts,
		restrict:    restrict,
		log:         logger,
		white:       make(map[Key]*Entry),
		black:       make(map[Key]*Entry),
		provisional: make(map[Key]provisional),
		connected:   make(map[Key]struct{}),
	}
}

// Evaluate classifies an advertisement.
func (f *Filter) Evaluate(obs Observation, now time.Time) Decision {
	id := obs.Identity
	k := id.Key()

	if id.Kind == KindCorrelated {
		return f.evaluateCorrelated(obs, k, now)
	}

	w := f.white[k]
	if !w.timely(now, f.opts.MaclistTimeout) {
		return Ignore
	}
	w.LastSeen = now
	w.Raw = bytes.Clone(obs.Raw)
	if _, ok := f.connected[k]; ok {
		return AlreadyConnected
	}
	if f.black[k].timely(now, f.opts.BlacklistTimeout) {
		return Ignore
	}
	return ConnectNow
}

func (f *Filter) evaluateCorrelated(obs Observation, k Key, now time.Time) Decision {
	if f.black[k].timely(now, f.opts.BlacklistTimeout) {
		return Ignore
	}

	if w := f.white[k]; w.timely(now, f.opts.MaclistTimeout) {
		w.LastSeen = now
		w.Raw = bytes.Clone(obs.Raw)
		return f.connectOrAlready(k)
	}

	if p, ok := f.provisional[k]; ok && now.Sub(p.firstSeen) <= f.opts.MaclistTimeout {
		delete(f.provisional, k)
		f.white[k] = &Entry{Identity: obs.Identity, Active: true, Raw: bytes.Clone(obs.Raw), LastSeen: now}
		f.log.Debug("[ADMISSION] fingerprint confirmed", "peer", obs.Identity)
		return f.connectOrAlready(k)
	}

	f.remember(k, obs.Raw, now)
	return Ignore
}

func (f *Filter) connectOrAlready(k Key) Decision {
	if _, ok := f.connected[k]; ok {
		return AlreadyConnected
	}
	return ConnectNow
}

// remember caches a fingerprint seen for the first time (or again after its
// provisional window lapsed), evicting the oldest candidate when full.
func (f *Filter) remember(k Key, raw []byte, now time.Time) {
	if _, ok := f.provisional[k]; !ok && len(f.provisional) >= f.opts.ProvisionalCapacity {
		var (
			oldest Key
			at     time.Time
			found  bool
		)
		for pk, p := range f.provisional {
			if !found || p.firstSeen.Before(at) {
				oldest, at, found = pk, p.firstSeen, true
			}
		}
		delete(f.provisional, oldest)
	}
	f.provisional[k] = provisional{firstSeen: now, raw: bytes.Clone(raw)}
}

// Allow provisions id into the whitelist and refreshes its last-seen time.
// A peer that is currently blacklisted is recorded but stays inactive until
// its blacklist entry lapses, so the lists never both hold it as active.
// Allow reports false, recording nothing, for an address outside the
// restriction list.
func (f *Filter) Allow(id PeerIdentity, raw []byte, now time.Time) bool {
	if !f.permitted(id) {
		return false
	}
	k := id.Key()
	e := f.white[k]
	if e == nil {
		e = &Entry{Identity: id}
		f.white[k] = e
	}
	e.Raw = bytes.Clone(raw)
	e.LastSeen = now
	e.Active = !f.black[k].timely(now, f.opts.BlacklistTimeout)
	return true
}

func (f *Filter) permitted(id PeerIdentity) bool {
	if f.restrict == nil || id.Kind != KindAddress {
		return true
	}
	_, ok := f.restrict[id.Addr]
	return ok
}

// Reject blacklists id as of now and deactivates its whitelist entry.
func (f *Filter) Reject(id PeerIdentity, now time.Time) {
	k := id.Key()
	var raw []byte
	if w := f.white[k]; w != nil {
		w.Active = false
		raw = w.Raw
	} else if p, ok := f.provisional[k]; ok {
		raw = p.raw
	}
	delete(f.provisional, k)
	f.black[k] = &Entry{Identity: id, Active: true, Raw: raw, LastSeen: now}
	f.log.Info("[ADMISSION] blacklisted", "peer", id)
}

// DropBlacklist purges the whole blacklist and any provisional candidates
// that have aged out. It returns the number of blacklist entries dropped.
func (f *Filter) DropBlacklist(now time.Time) int {
	n := len(f.black)
	clear(f.black)
	for k, p := range f.provisional {
		if now.Sub(p.firstSeen) > f.opts.MaclistTimeout {
			delete(f.provisional, k)
		}
	}
	if n > 0 {
		f.log.Debug("[ADMISSION] blacklist dropped", "entries", n)
	}
	return n
}

// MarkConnected records a connection (or connection attempt) to id.
func (f *Filter) MarkConnected(id PeerIdentity) { f.connected[id.Key()] = struct{}{} }

// MarkDisconnected clears the connection record of id.
func (f *Filter) MarkDisconnected(id PeerIdentity) { delete(f.connected, id.Key()) }

// Connected reports whether id has a live or pending connection.
func (f *Filter) Connected(id PeerIdentity) bool {
	_, ok := f.connected[id.Key()]
	return ok
}

// Whitelisted reports whether id is active and timely in the whitelist.
func (f *Filter) Whitelisted(id PeerIdentity, now time.Time) bool {
	return f.white[id.Key()].timely(now, f.opts.MaclistTimeout)
}

// Blacklisted reports whether id is active and timely in the blacklist.
func (f *Filter) Blacklisted(id PeerIdentity, now time.Time) bool {
	return f.black[id.Key()].timely(now, f.opts.BlacklistTimeout)
}

// Admissible reports whether a connection to id may start now: it is
// whitelisted and timely, not blacklisted and not already connected.
func (f *Filter) Admissible(id PeerIdentity, now time.Time) bool {
	return f.Whitelisted(id, now) && !f.Blacklisted(id, now) && !f.Connected(id)
}

// Lookup returns a copy of the whitelist entry of id, as stored.
func (f *Filter) Lookup(id PeerIdentity) (Entry, bool) {
	e := f.white[id.Key()]
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}
