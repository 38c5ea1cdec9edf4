// Package reactor implements a cooperative, priority-driven, interrupt-aware
// task scheduler: a fixed 32-slot table of lazy computations selected by a
// single atomic readiness bitmap, highest task id first.
//
// Grounded on the original bkernel breactor crate: task ids double as
// priorities and as singleton bit-masks; the run loop never blocks inside a
// step, and any context (including a simulated ISR goroutine) may mark a
// task ready by OR-ing its mask into the ready set.
package reactor

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Capacity is the fixed number of task slots a Reactor holds.
const Capacity = 32

// TaskID identifies a registered task, in [0, Capacity).
type TaskID uint32

// Mask returns the singleton bit-mask for this task id.
func (t TaskID) Mask() uint32 {
	return uint32(1) << uint32(t)
}

// Outcome is the result of advancing a Step by one.
type Outcome int

const (
	// Pending means the step made no terminal progress and must be
	// re-polled only after something marks its owning task ready again.
	Pending Outcome = iota
	// Done means the step finished successfully; its slot is vacated.
	Done
	// Failed means the step finished with an error; its slot is vacated.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "Pending"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return "Outcome(?)"
	}
}

// Step is a suspendable computation: the reactor's "lazy computation" slot
// contract. Poll advances the computation by exactly one step.
type Step interface {
	Poll() Outcome
}

// StepFunc adapts a plain function to the Step interface.
type StepFunc func() Outcome

// Poll implements Step.
func (f StepFunc) Poll() Outcome { return f() }

// Observer receives reactor-level events for metrics collection. Methods
// are invoked synchronously from the calling goroutine (Run, a LockStep's
// Poll, Promise.Resolve), so implementations must be cheap and
// non-blocking.
type Observer interface {
	ObserveTaskPoll(done, failed bool)
	ObserveStaleWakeup()
	ObserveMutexPoll(acquired bool)
	ObservePromiseResolved()
}

type noOpObserver struct{}

func (noOpObserver) ObserveTaskPoll(done, failed bool) {}
func (noOpObserver) ObserveStaleWakeup()               {}
func (noOpObserver) ObserveMutexPoll(acquired bool)    {}
func (noOpObserver) ObservePromiseResolved()           {}

// Reactor is the fixed-capacity priority-bitmap scheduler. The zero value
// is not usable; construct with New.
type Reactor struct {
	mu              sync.Mutex // guards slots during register/vacate only
	slots           [Capacity]Step
	readyMask       atomic.Uint32
	currentTaskMask atomic.Uint32
	wake            chan struct{}
	debugAssertions bool
	observer        Observer
}

// New constructs an empty Reactor: all slots empty, ready mask zero.
func New() *Reactor {
	return &Reactor{
		wake:            make(chan struct{}, 1),
		debugAssertions: true,
		observer:        noOpObserver{},
	}
}

// SetObserver installs o to receive task-poll, stale-wakeup, mutex-poll,
// and promise-resolve events. A nil o restores the no-op default.
func (r *Reactor) SetObserver(o Observer) {
	if o == nil {
		o = noOpObserver{}
	}
	r.observer = o
}

// SetDebugAssertions toggles the debug-only assertions described by
// the Programmer-error taxonomy (double-resolve, double-register,
// id-out-of-range, release-not-held). Tests that want to observe those as
// ordinary errors instead of panics may disable this.
func (r *Reactor) SetDebugAssertions(on bool) {
	r.debugAssertions = on
}

// Register stores computation in slot id and marks it ready. If id is out
// of range or the slot is occupied it panics under debug assertions (the
// default), and otherwise reports false and does nothing.
// Must be called only from a context holding exclusive access to the
// slot table: before Run starts, or from within a step that Run is
// currently advancing.
func (r *Reactor) Register(id TaskID, computation Step) bool {
	if uint32(id) >= Capacity {
		if r.debugAssertions {
			panic("reactor: task id out of range")
		}
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[id] != nil {
		if r.debugAssertions {
			panic("reactor: slot already occupied")
		}
		return false
	}
	r.slots[id] = computation
	r.SetReady(id.Mask())
	return true
}

// SetReady atomically ORs mask into the ready set and wakes Run/RunForever.
// Safe to call from any goroutine, including a simulated ISR.
func (r *Reactor) SetReady(mask uint32) {
	if mask == 0 {
		return
	}
	r.readyMask.Or(mask)
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// CurrentTaskMask returns the mask of the task currently being advanced by
// Run, or zero if no task is executing.
func (r *Reactor) CurrentTaskMask() uint32 {
	return r.currentTaskMask.Load()
}

// selectNextTask returns the highest task id with its bit set in mask, and
// true, or (0, false) if mask is zero. Mirrors the Cortex-M clz-based
// selection: id = 31 - leading_zeros(mask).
func selectNextTask(mask uint32) (TaskID, bool) {
	if mask == 0 {
		return 0, false
	}
	lz := bits.LeadingZeros32(mask)
	return TaskID(31 - lz), true
}

// Run advances ready tasks, highest id first, until none remain ready, then
// returns. Not re-entrant and not safe to call concurrently with itself.
func (r *Reactor) Run() {
	for {
		mask := r.readyMask.Load()
		id, ok := selectNextTask(mask)
		if !ok {
			return
		}
		bit := id.Mask()
		r.readyMask.And(^bit)
		r.currentTaskMask.Store(bit)

		r.mu.Lock()
		step := r.slots[id]
		r.mu.Unlock()

		if step == nil {
			// Stale waker: an ISR set a bit belonging to an already-
			// vacated slot. No-op.
			r.observer.ObserveStaleWakeup()
			continue
		}

		switch step.Poll() {
		case Done:
			r.observer.ObserveTaskPoll(true, false)
			r.mu.Lock()
			r.slots[id] = nil
			r.mu.Unlock()
		case Failed:
			r.observer.ObserveTaskPoll(false, true)
			r.mu.Lock()
			r.slots[id] = nil
			r.mu.Unlock()
		case Pending:
			r.observer.ObserveTaskPoll(false, false)
		}
	}
}

// RunForever calls Run, then blocks until SetReady is called again or done
// is closed, repeating until done is closed. This is the simulated
// analog of "issue a wait-for-event sleep until the next set-event",
// the outer shell's job around the bare run loop.
func (r *Reactor) RunForever(done <-chan struct{}) {
	for {
		r.Run()
		select {
		case <-done:
			return
		case <-r.wake:
		}
	}
}

// pendingCount returns the number of occupied task slots, useful for tests
// that want to assert the reactor drained completely.
func (r *Reactor) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.slots {
		if s != nil {
			n++
		}
	}
	return n
}

var (
	globalOnce sync.Once
	global     *Reactor
)

// Global returns the process-wide singleton Reactor, constructing it on
// first use. Most code should prefer threading an explicit *Reactor through
// construction; Global exists for the demo binary and for parity with the
// "single process-wide reactor" hardware model.
func Global() *Reactor {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}
