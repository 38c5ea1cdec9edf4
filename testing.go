package bkernel

import (
	"sync"
	"time"

	"github.com/rasendubi/bkernel/reactor"
)

// FakePeripheral is a test double for bytechannel.Peripheral: it tracks
// EnableTX/DisableTX calls instead of touching real hardware registers,
// the way MockBackend tracked read/write/flush calls for ublk backends.
type FakePeripheral struct {
	mu       sync.Mutex
	enabled  bool
	enables  int
	disables int
}

// EnableTX implements bytechannel.Peripheral.
func (f *FakePeripheral) EnableTX() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
	f.enables++
}

// DisableTX implements bytechannel.Peripheral.
func (f *FakePeripheral) DisableTX() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
	f.disables++
}

// IsEnabled reports whether the TX-empty interrupt is currently enabled.
func (f *FakePeripheral) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// CallCounts returns the number of EnableTX/DisableTX calls observed.
func (f *FakePeripheral) CallCounts() (enables, disables int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enables, f.disables
}

// Reset clears all call counters and the enabled flag.
func (f *FakePeripheral) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
	f.enables = 0
	f.disables = 0
}

// SteppingClock is a manually-advanced clock for deterministic tests. The
// devsim simulators (the RNG sampler, the I2C bus) read the wall clock
// directly and take no clock parameter.
type SteppingClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewSteppingClock creates a clock starting at the given time.
func NewSteppingClock(start time.Time) *SteppingClock {
	return &SteppingClock{now: start}
}

// Now returns the clock's current time.
func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *SteppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// DriveReactor runs r for up to maxTicks Run() passes, stopping early once
// done reports true. It is the deterministic, non-blocking stand-in for
// RunForever in tests that need to assert on intermediate state between
// ticks.
func DriveReactor(r *reactor.Reactor, maxTicks int, done func() bool) (ticks int) {
	for ticks = 0; ticks < maxTicks; ticks++ {
		if done != nil && done() {
			return ticks
		}
		r.Run()
	}
	return ticks
}
