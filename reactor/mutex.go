package reactor

import "sync/atomic"

// Mutex is a lock-free, non-recursive, priority-fair mutual-exclusion
// primitive keyed on task masks rather than goroutine identity. It has no
// CAS-retry loop unbounded by contention, and is safe to release from any
// context, since a lock is "owned" by whichever mask holds the token, not
// by thread affinity.
//
// Grounded on original_source/breactor/src/mutex.rs.
type Mutex struct {
	owner    atomic.Uint32
	waitMask atomic.Uint32
}

// NewMutex constructs an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{}
}

// LockToken represents ownership of the mutex. Release must be called
// exactly once to unlock; the Go rendition of "release via token drop" for
// a CAS-based, non-recursive mutex with priority-ordered waiter wake-up.
type LockToken struct {
	r *Reactor
	m *Mutex
}

// Release unlocks the mutex and wakes every task that had registered as a
// waiter since the last release. The reactor's priority-ordered selection
// then ensures the highest-priority waiter acquires next. Under debug
// assertions, releasing a mutex that is not held panics.
func (t LockToken) Release() {
	if t.m.owner.Swap(0) == 0 && t.r != nil && t.r.debugAssertions {
		panic("reactor: release of a mutex that is not held")
	}
	waiters := t.m.waitMask.Swap(0)
	if t.r != nil {
		t.r.SetReady(waiters)
	}
}

// LockStep is the polled step returned by Mutex.Lock: advancing it once
// attempts to acquire the lock for the calling reactor's current task.
type LockStep struct {
	r    *Reactor
	m    *Mutex
	done LockToken
}

// Lock returns a Step which, advanced from within a task running on r,
// attempts to acquire the mutex for that task. On success the step is Done
// and Token() returns the acquired LockToken.
func (m *Mutex) Lock(r *Reactor) *LockStep {
	return &LockStep{r: r, m: m}
}

// Poll implements Step.
func (s *LockStep) Poll() Outcome {
	task := s.r.CurrentTaskMask()
	s.m.waitMask.Or(task)
	if s.m.owner.CompareAndSwap(0, task) {
		s.done = LockToken{r: s.r, m: s.m}
		s.r.observer.ObserveMutexPoll(true)
		return Done
	}
	s.r.observer.ObserveMutexPoll(false)
	return Pending
}

// Token returns the acquired lock token after Poll has returned Done. It
// panics if called before a successful acquisition.
func (s *LockStep) Token() LockToken {
	if s.done.m == nil {
		panic("reactor: LockStep.Token called before Done")
	}
	return s.done
}
