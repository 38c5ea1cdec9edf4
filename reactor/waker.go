package reactor

// Waker is the opaque "how to wake me" datum: nothing more than a task
// mask. Invoking it is equivalent to reactor.SetReady(mask). There is
// nothing to clone or drop; a Waker is a plain value.
//
// Grounded on original_source/breactor/src/waker.rs, minus the RawWaker
// vtable machinery Rust's Future ecosystem requires — Go has no equivalent
// ABI to satisfy, so the waker collapses to exactly the mask it always was
// underneath.
type Waker struct {
	r    *Reactor
	mask uint32
}

// NewWaker captures the current task mask of r as a Waker. Call this at
// the point a primitive decides it must suspend.
func NewWaker(r *Reactor) Waker {
	return Waker{r: r, mask: r.CurrentTaskMask()}
}

// Wake marks the captured task ready again. Safe to call from any context,
// any number of times; waking an already-ready or already-vacated task is
// harmless (stale wakers are tolerated by design).
func (w Waker) Wake() {
	if w.r != nil {
		w.r.SetReady(w.mask)
	}
}

// Mask returns the raw task mask this waker carries.
func (w Waker) Mask() uint32 {
	return w.mask
}
