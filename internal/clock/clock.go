// Package clock keeps the node's notion of time of day, which peers read in
// health reports and correct through the TIME characteristic.
package clock

import "time"

// SecondsPerDay is where the system time wraps to zero.
const SecondsPerDay = 24 * 60 * 60

// Timekeeper counts seconds since midnight, uptime in minutes and time
// spent idle. It advances only through Tick and is not safe for concurrent
// use.
type Timekeeper struct {
	system      uint32 // seconds since midnight
	uptime      uint32 // minutes since boot, starting at 1
	wakeup      uint32 // uptime at which an idle period ends
	sleep       uint32 // seconds spent idle
	needsUpdate bool
}

// New starts the clock at start seconds since midnight. The time is marked
// as needing an update until a peer supplies one.
func New(start uint32) *Timekeeper {
	return &Timekeeper{
		system:      start % SecondsPerDay,
		uptime:      1,
		needsUpdate: true,
	}
}

// SecondsSinceMidnight converts a wall-clock time to the system time scale.
func SecondsSinceMidnight(t time.Time) uint32 {
	h, m, s := t.Clock()
	return uint32(h*3600 + m*60 + s)
}

// Tick advances the clock by one second. idle tells whether the node spent
// that second idling. It reports whether an idle node has reached its
// wake-up uptime.
func (t *Timekeeper) Tick(idle bool) bool {
	t.system++
	if t.system >= SecondsPerDay {
		t.system = 0
		t.needsUpdate = true
	}
	if t.system%60 == 0 {
		t.uptime++
	}
	if idle {
		t.sleep++
	}
	return idle && t.wakeup < t.uptime
}

// Update sets the time from a peer's milliseconds since midnight.
func (t *Timekeeper) Update(ms uint32) {
	t.system = (ms / 1000) % SecondsPerDay
	t.needsUpdate = false
}

// NeedsUpdate reports whether the time should be read from the next peer.
func (t *Timekeeper) NeedsUpdate() bool { return t.needsUpdate }

// Invalidate marks the time as needing an update.
func (t *Timekeeper) Invalidate() { t.needsUpdate = true }

// SystemTime returns seconds since midnight.
func (t *Timekeeper) SystemTime() uint32 { return t.system }

// Uptime returns minutes since boot.
func (t *Timekeeper) Uptime() uint32 { return t.uptime }

// SleepTime returns the seconds spent idle since boot.
func (t *Timekeeper) SleepTime() uint32 { return t.sleep }

// IdleFor schedules the end of an idle period minutes from now.
func (t *Timekeeper) IdleFor(minutes uint16) {
	t.wakeup = t.uptime + uint32(minutes)
}

// Wakeup returns the uptime at which the current idle period ends.
func (t *Timekeeper) Wakeup() uint32 { return t.wakeup }
