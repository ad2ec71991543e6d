package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartsNeedingUpdate(t *testing.T) {
	c := New(3600)
	assert.True(t, c.NeedsUpdate())
	assert.Equal(t, uint32(3600), c.SystemTime())
	assert.Equal(t, uint32(1), c.Uptime())
	assert.Equal(t, uint32(0), c.SleepTime())
}

func TestUpdateFromMillis(t *testing.T) {
	c := New(0)
	c.Update(45_296_789) // 12:34:56.789
	assert.False(t, c.NeedsUpdate())
	assert.Equal(t, uint32(45_296), c.SystemTime())

	c.Update(SecondsPerDay*1000 + 5000)
	assert.Equal(t, uint32(5), c.SystemTime(), "out-of-range time wraps")

	c.Invalidate()
	assert.True(t, c.NeedsUpdate())
}

func TestMidnightRollover(t *testing.T) {
	c := New(SecondsPerDay - 2)
	c.Update((SecondsPerDay - 2) * 1000)
	c.Tick(false)
	assert.False(t, c.NeedsUpdate())
	c.Tick(false)
	assert.Equal(t, uint32(0), c.SystemTime())
	assert.True(t, c.NeedsUpdate(), "rollover asks for a fresh time")
}

func TestUptimeCountsMinutes(t *testing.T) {
	c := New(50)
	for range 9 {
		c.Tick(false)
	}
	assert.Equal(t, uint32(1), c.Uptime())
	c.Tick(false) // 60
	assert.Equal(t, uint32(2), c.Uptime())
	for range 60 {
		c.Tick(false)
	}
	assert.Equal(t, uint32(3), c.Uptime())
}

func TestSleepAccumulates(t *testing.T) {
	c := New(0)
	c.Tick(true)
	c.Tick(false)
	c.Tick(true)
	assert.Equal(t, uint32(2), c.SleepTime())
}

func TestIdleWakeup(t *testing.T) {
	c := New(0)
	c.IdleFor(2)
	assert.Equal(t, uint32(3), c.Wakeup())

	woke := false
	ticks := 0
	for !woke && ticks < 10*60 {
		woke = c.Tick(true)
		ticks++
	}
	assert.True(t, woke)
	assert.Equal(t, 3*60, ticks, "wakes once uptime passes the wake-up minute")
	assert.Equal(t, uint32(ticks), c.SleepTime())

	assert.False(t, c.Tick(false), "a busy node has nothing to wake from")
}

func TestSecondsSinceMidnight(t *testing.T) {
	ts := time.Date(2026, 5, 4, 12, 34, 56, 0, time.UTC)
	assert.Equal(t, uint32(45_296), SecondsSinceMidnight(ts))
}
