// Package devsim implements the simulated hardware collaborators the core
// reactor/ring/bytechannel/smalloc packages are exercised against in this
// build: a random-number generator, an I2C bus, an HTU21D-shaped sensor,
// and an ESP8266-shaped AT-command responder. None of the core packages
// import this one; it plays the part of "the peripheral" the spec treats
// as out of scope.
package devsim

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/rasendubi/bkernel/internal/logging"
	"github.com/rasendubi/bkernel/reactor"
)

// RNG is a simulated hardware random-number generator: a goroutine stands
// in for the data-ready interrupt, periodically producing a sample and
// resolving whichever Promise is currently pending, exactly as the real
// RNG's ISR would resolve the task mask recorded by Stream::poll.
//
// Grounded on original_source/dev/rng.rs.
type RNG struct {
	r        *reactor.Reactor
	interval time.Duration

	mu      sync.Mutex
	enabled bool
	pending *reactor.Promise[uint32]

	stop chan struct{}
	done chan struct{}
}

// New constructs an RNG bound to r, sampling every interval while enabled.
func New(r *reactor.Reactor, interval time.Duration) *RNG {
	return &RNG{
		r:        r,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Enable turns the simulated data-ready interrupt on.
func (g *RNG) Enable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = true
}

// Disable turns it off; outstanding samples are left pending.
func (g *RNG) Disable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = false
}

// Sample claims a fresh promise for the current task and stores it as the
// next promise the sampling goroutine will resolve. Must be called from
// within a task's Poll, matching reactor.Promise.Claim's requirement that
// the current task mask be set.
func (g *RNG) Sample() *reactor.Promise[uint32] {
	p := reactor.EmptyPromise[uint32](g.r)
	p.Claim()
	g.mu.Lock()
	g.pending = p
	g.mu.Unlock()
	return p
}

// Start launches the sampling goroutine. Call Stop to terminate it.
func (g *RNG) Start() {
	go g.run()
}

// Stop terminates the sampling goroutine and waits for it to exit.
func (g *RNG) Stop() {
	close(g.stop)
	<-g.done
}

func (g *RNG) run() {
	defer close(g.done)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.tick()
		}
	}
}

func (g *RNG) tick() {
	g.mu.Lock()
	if !g.enabled || g.pending == nil {
		g.mu.Unlock()
		return
	}
	p := g.pending
	g.pending = nil
	g.mu.Unlock()

	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		logging.Default().Error("rng sample failed", "err", err)
		return
	}
	p.Resolve(binary.LittleEndian.Uint32(buf[:]))
}
