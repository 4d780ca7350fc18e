package clock

import (
	"sync/atomic"
	"time"
)

// DefaultTickResolution is the wall-clock length of one tick.
const DefaultTickResolution = time.Second

// Ticker derives a monotonic tick count from a Clock.
// Tick zero is the moment the Ticker was created. Readings never go
// backwards, even if the underlying clock is stepped back.
type Ticker struct {
	clock      Clock
	epoch      time.Time
	resolution time.Duration
	last       atomic.Uint64
}

// NewTicker creates a Ticker over c. A nil clock uses the system time and a
// non-positive resolution uses DefaultTickResolution.
func NewTicker(c Clock, resolution time.Duration) *Ticker {
	if c == nil {
		c = &RealClock{}
	}
	if resolution <= 0 {
		resolution = DefaultTickResolution
	}
	return &Ticker{
		clock:      c,
		epoch:      c.Now(),
		resolution: resolution,
	}
}

// Now returns the current tick.
func (t *Ticker) Now() uint64 {
	elapsed := t.clock.Since(t.epoch)
	var tick uint64
	if elapsed > 0 {
		tick = uint64(elapsed / t.resolution)
	}
	for {
		prev := t.last.Load()
		if tick <= prev {
			return prev
		}
		if t.last.CompareAndSwap(prev, tick) {
			return tick
		}
	}
}

// Ticks converts a duration into a whole number of ticks, rounding up so a
// non-zero duration is never zero ticks.
func (t *Ticker) Ticks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64((d + t.resolution - 1) / t.resolution)
}

// Duration converts a tick count back into wall time.
func (t *Ticker) Duration(ticks uint64) time.Duration {
	return time.Duration(ticks) * t.resolution
}

// Resolution returns the length of one tick.
func (t *Ticker) Resolution() time.Duration {
	return t.resolution
}
