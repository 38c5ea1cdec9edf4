// Package bytechannel implements the interrupt-coupled byte stream/sink
// pair: a pair of SPSC ring buffers bridging a
// simulated ISR (the Peripheral's counterparty) to task-level lazy byte
// streams and sinks, with the edge-triggered wake-up discipline that keeps
// the reactor from missing a wake-up.
//
// Grounded on original_source/dev/usart.rs.
package bytechannel

import (
	"sync/atomic"

	"github.com/rasendubi/bkernel/reactor"
	"github.com/rasendubi/bkernel/ring"
)

// Peripheral is the hardware collaborator a Channel drives: enabling and
// disabling the TX-empty interrupt. It has no data-register write:
// ISRPull returns the popped byte to its caller (the simulated ISR), which
// transmits it.
// Grounded on internal/interfaces/backend.go's pluggable-collaborator
// shape.
type Peripheral interface {
	EnableTX()
	DisableTX()
}

// Observer receives byte-transfer events for metrics collection.
type Observer interface {
	ObserveTransfer(transferred, dropped uint64)
}

type noOpObserver struct{}

func (noOpObserver) ObserveTransfer(transferred, dropped uint64) {}

// Channel is a pair of SPSC ring buffers plus the two waiter masks
// recording which task, if any, is blocked waiting to push or pop.
type Channel struct {
	r    *reactor.Reactor
	peri Peripheral

	writerBuf *ring.Buffer[byte]
	readerBuf *ring.Buffer[byte]

	writerWaiterMask atomic.Uint32
	readerWaiterMask atomic.Uint32

	observer Observer
}

// New constructs a Channel with the given writer/reader ring capacities.
func New(r *reactor.Reactor, peri Peripheral, writerCap, readerCap int) *Channel {
	return &Channel{
		r:         r,
		peri:      peri,
		writerBuf: ring.New[byte](writerCap),
		readerBuf: ring.New[byte](readerCap),
		observer:  noOpObserver{},
	}
}

// SetObserver installs o to receive ObserveTransfer events from ISRPush
// and ISRPull. A nil o restores the no-op default.
func (c *Channel) SetObserver(o Observer) {
	if o == nil {
		o = noOpObserver{}
	}
	c.observer = o
}

// --- Reader side: lazy byte stream from ISR to task ---

// PollNext records the current task mask as the reader waiter, then tries
// to pop a byte. On success the waiter is cleared and the byte is
// returned with Done. On empty, Pending is returned; the waiter mask
// was already recorded before the check, closing the lost-wake-up race
// per the edge-triggered wake-up invariant.
func (c *Channel) PollNext() (b byte, outcome reactor.Outcome) {
	task := c.r.CurrentTaskMask()
	c.readerWaiterMask.Or(task)
	if v, ok := c.readerBuf.Pop(); ok {
		c.readerWaiterMask.And(^task)
		return v, reactor.Done
	}
	return 0, reactor.Pending
}

// Next adapts PollNext to reactor.ByteSource's function shape.
func (c *Channel) Next() (b byte, outcome reactor.Outcome, done bool, err error) {
	v, o := c.PollNext()
	return v, o, false, nil
}

// Source returns a reactor.ByteSource backed by this channel's reader
// side.
func (c *Channel) Source() reactor.ByteSource {
	return reactor.ByteSource{Next: c.Next}
}

// ISRPush is called by the simulated ISR when a byte arrives from the
// peripheral. The byte is dropped on overflow (Resource-exhausted per
// document); the caller learns of data loss only through a later
// protocol-level error, exactly as real hardware would behave.
func (c *Channel) ISRPush(b byte) (dropped bool) {
	if !c.readerBuf.Push(b) {
		c.observer.ObserveTransfer(0, 1)
		return true
	}
	c.observer.ObserveTransfer(1, 0)
	waiters := c.readerWaiterMask.Swap(0)
	c.r.SetReady(waiters)
	return false
}

// --- Writer side: lazy byte sink from task to ISR ---

// PollReady records the current task mask as the writer waiter, then
// checks whether the writer buffer has room. Mirrors the reader side's
// edge-triggered discipline.
func (c *Channel) PollReady() reactor.Outcome {
	task := c.r.CurrentTaskMask()
	c.writerWaiterMask.Or(task)
	if !c.writerBuf.WasFull() {
		c.writerWaiterMask.And(^task)
		return reactor.Done
	}
	return reactor.Pending
}

// StartSend pushes b into the writer buffer (guaranteed to have space
// because PollReady just reported Done) and enables the peripheral's
// TX-empty interrupt, turning the pump on if it was idle.
func (c *Channel) StartSend(b byte) error {
	if !c.writerBuf.Push(b) {
		panic("bytechannel: StartSend called without a preceding successful PollReady")
	}
	c.peri.EnableTX()
	return nil
}

// PollFlush reports Done once the writer buffer has drained.
func (c *Channel) PollFlush() reactor.Outcome {
	task := c.r.CurrentTaskMask()
	c.writerWaiterMask.Or(task)
	if c.writerBuf.WasEmpty() {
		c.writerWaiterMask.And(^task)
		return reactor.Done
	}
	return reactor.Pending
}

// PollClose delegates to PollFlush: there is nothing else to release on a
// byte channel.
func (c *Channel) PollClose() reactor.Outcome {
	return c.PollFlush()
}

// ISRPull is called by the simulated ISR on a TX-empty condition. It pops
// one byte for the peripheral to transmit; if the buffer is empty it
// disables the TX-empty interrupt instead. Returns the byte and true on a
// successful pop.
func (c *Channel) ISRPull() (b byte, ok bool) {
	v, popped := c.writerBuf.Pop()
	if !popped {
		c.peri.DisableTX()
		return 0, false
	}
	c.observer.ObserveTransfer(1, 0)
	waiters := c.writerWaiterMask.Swap(0)
	c.r.SetReady(waiters)
	return v, true
}
