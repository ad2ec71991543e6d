// Package rssi keeps recent proximity samples per peer for the next RSSI
// burst.
package rssi

import (
	"bytes"
	"log/slog"
	"time"

	"github.com/chaz8081/blesc/internal/admission"
	"github.com/chaz8081/blesc/internal/ble/protocol"
)

// Sample is one proximity measurement.
type Sample struct {
	Identity admission.PeerIdentity
	Bleam    protocol.BleamID
	Addr     protocol.Address
	RSSI     int8
	AoA      uint8
	Raw      []byte
}

// Entry is the stored state of one peer.
type Entry struct {
	Identity  admission.PeerIdentity
	Bleam     protocol.BleamID
	Addr      protocol.Address // latest address the peer was heard on
	Raw       []byte
	Timestamp time.Time
	Active    bool
	Count     int // samples stored since the entry was created

	ring []protocol.Reading
	head int
}

// Readings returns the ring contents oldest first.
func (e *Entry) Readings() []protocol.Reading {
	out := make([]protocol.Reading, 0, len(e.ring))
	out = append(out, e.ring[e.head:]...)
	return append(out, e.ring[:e.head]...)
}

func (e *Entry) record(r protocol.Reading, size int) {
	if len(e.ring) < size {
		e.ring = append(e.ring, r)
		return
	}
	e.ring[e.head] = r
	e.head = (e.head + 1) % size
}

func (e *Entry) clone() Entry {
	c := *e
	c.ring = e.Readings()
	c.head = 0
	c.Raw = bytes.Clone(e.Raw)
	return c
}

// Options sizes the store.
type Options struct {
	Capacity   int // peers tracked, MAX_BLEAMS
	PerMessage int // samples per peer, RSSI_PER_MSG
}

// DefaultOptions returns the firmware defaults.
func DefaultOptions() Options {
	return Options{Capacity: 8, PerMessage: 5}
}

// Store is a fixed-capacity sample store with least-recently-active
// eviction. It is not safe for concurrent use.
type Store struct {
	opts    Options
	log     *slog.Logger
	entries []*Entry
}

// New creates an empty store.
func New(opts Options, logger *slog.Logger) *Store {
	def := DefaultOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.PerMessage <= 0 {
		opts.PerMessage = def.PerMessage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{opts: opts, log: logger, entries: make([]*Entry, 0, opts.Capacity)}
}

// Ingest records smp. It returns true once the peer holds a full message
// worth of samples.
func (s *Store) Ingest(smp Sample, now time.Time) bool {
	e := s.find(smp.Identity)
	if e == nil {
		e = &Entry{Identity: smp.Identity}
		if len(s.entries) < s.opts.Capacity {
			s.entries = append(s.entries, e)
		} else {
			i := s.victim()
			s.log.Debug("[RSSI] store full, evicting", "peer", s.entries[i].Identity, "for", smp.Identity)
			s.entries[i] = e
		}
	}

	e.Bleam = smp.Bleam
	e.Addr = smp.Addr
	e.Raw = bytes.Clone(smp.Raw)
	e.Timestamp = now
	e.Active = true
	e.Count++
	e.record(protocol.Reading{RSSI: smp.RSSI, AoA: smp.AoA}, s.opts.PerMessage)
	return e.Count >= s.opts.PerMessage
}

// victim picks the least-recently-active entry: inactive entries first,
// then the oldest timestamp.
func (s *Store) victim() int {
	best := 0
	for i, e := range s.entries[1:] {
		b := s.entries[best]
		switch {
		case b.Active && !e.Active:
			best = i + 1
		case b.Active == e.Active && e.Timestamp.Before(b.Timestamp):
			best = i + 1
		}
	}
	return best
}

func (s *Store) find(id admission.PeerIdentity) *Entry {
	k := id.Key()
	for _, e := range s.entries {
		if e.Identity.Key() == k {
			return e
		}
	}
	return nil
}

// Lookup returns a copy of the entry of id.
func (s *Store) Lookup(id admission.PeerIdentity) (Entry, bool) {
	e := s.find(id)
	if e == nil {
		return Entry{}, false
	}
	return e.clone(), true
}

// Samples returns the stored samples of id oldest first.
func (s *Store) Samples(id admission.PeerIdentity) []protocol.Reading {
	e := s.find(id)
	if e == nil {
		return nil
	}
	return e.Readings()
}

// Age reports how long ago id was last sampled.
func (s *Store) Age(id admission.PeerIdentity, now time.Time) (time.Duration, bool) {
	e := s.find(id)
	if e == nil {
		return 0, false
	}
	return now.Sub(e.Timestamp), true
}

// Best returns the active entry with the most samples, preferring the most
// recently sampled on ties.
func (s *Store) Best() (Entry, bool) {
	var best *Entry
	for _, e := range s.entries {
		if !e.Active {
			continue
		}
		if best == nil || e.Count > best.Count || (e.Count == best.Count && e.Timestamp.After(best.Timestamp)) {
			best = e
		}
	}
	if best == nil {
		return Entry{}, false
	}
	return best.clone(), true
}

// Expire deactivates entries not sampled within maxAge and returns how many
// were deactivated.
func (s *Store) Expire(now time.Time, maxAge time.Duration) int {
	n := 0
	for _, e := range s.entries {
		if e.Active && now.Sub(e.Timestamp) > maxAge {
			e.Active = false
			n++
		}
	}
	return n
}

// Clear removes id from the store.
func (s *Store) Clear(id admission.PeerIdentity) {
	k := id.Key()
	for i, e := range s.entries {
		if e.Identity.Key() == k {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

// Reset empties the store.
func (s *Store) Reset() { s.entries = s.entries[:0] }

// Len returns the number of stored peers.
func (s *Store) Len() int { return len(s.entries) }
