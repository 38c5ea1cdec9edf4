package reactor

import "sync/atomic"

// Promise is a single-producer/single-consumer one-shot value hand-off
// keyed on the owning task's mask. Grounded on
// original_source/breactor/src/promise.rs.
//
// Invariant: task != 0 implies value has not yet been written by a
// completed resolve; task == 0 implies a value is present until the
// consumer takes it via Poll (exactly once).
type Promise[T any] struct {
	r        *Reactor
	task     atomic.Uint32
	value    T
	consumed bool
}

// NewPromise constructs a Promise already claimed by the current task
// running on r (mirrors the Rust "new()" constructor, which reads
// current_task_mask at construction time).
func NewPromise[T any](r *Reactor) *Promise[T] {
	p := &Promise[T]{r: r}
	p.task.Store(r.CurrentTaskMask())
	return p
}

// EmptyPromise constructs an unclaimed Promise, for use as a long-lived
// struct field that a task claims later via Claim.
func EmptyPromise[T any](r *Reactor) *Promise[T] {
	return &Promise[T]{r: r}
}

// Claim records the current task's mask as the owner of this promise.
// Relaxed ordering suffices here: this always happens-before
// any producer can observe the promise.
func (p *Promise[T]) Claim() {
	p.task.Store(p.r.CurrentTaskMask())
}

// Resolve publishes value to the claimed consumer and marks its task
// ready. It panics if debug assertions are enabled and the promise was
// already resolved or never claimed (prev task mask was already 0) — the
// double-resolve programmer error.
func (p *Promise[T]) Resolve(value T) {
	p.value = value
	prev := p.task.Swap(0) // release
	if prev == 0 && p.r.debugAssertions {
		panic("reactor: promise double-resolved or resolved before claim")
	}
	p.r.observer.ObservePromiseResolved()
	p.r.SetReady(prev)
}

// Poll returns Done with the resolved value once Resolve has been called,
// Pending otherwise. Value is undefined when Poll returns Pending. Polling
// again after the value has already been taken is the double-consume
// programmer error: it panics under debug assertions instead of silently
// handing back a zero value.
func (p *Promise[T]) Poll() (Outcome, T) {
	if p.task.Load() == 0 { // acquire
		if p.consumed {
			if p.r.debugAssertions {
				panic("reactor: promise polled again after its value was already taken")
			}
			var zero T
			return Done, zero
		}
		p.consumed = true
		v := p.value
		var zero T
		p.value = zero
		return Done, v
	}
	var zero T
	return Pending, zero
}

// IsResolved reports whether Resolve has been called. Not linearizable
// against a concurrent Resolve; intended for diagnostics, not control flow.
func (p *Promise[T]) IsResolved() bool {
	return p.task.Load() == 0
}
