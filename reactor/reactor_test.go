package reactor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// pendingStep always returns Pending and records each poll.
type pendingStep struct {
	polls *[]TaskID
	id    TaskID
}

func (p pendingStep) Poll() Outcome {
	*p.polls = append(*p.polls, p.id)
	return Pending
}

func TestScenarioARegistrationOrdering(t *testing.T) {
	r := New()
	var polls []TaskID
	r.Register(3, pendingStep{polls: &polls, id: 3})
	r.Register(5, pendingStep{polls: &polls, id: 5})
	r.Run()
	require.Equal(t, []TaskID{5, 3}, polls)
}

func TestProperty9HighestIDSelectedFirst(t *testing.T) {
	r := New()
	var polls []TaskID
	for _, id := range []TaskID{1, 7, 3, 31, 0} {
		r.Register(id, pendingStep{polls: &polls, id: id})
	}
	r.Run()
	require.Equal(t, []TaskID{31, 7, 3, 1, 0}, polls)
}

type countingStep struct {
	n       int
	outcome Outcome
}

func (c *countingStep) Poll() Outcome {
	c.n++
	return c.outcome
}

func TestProperty11DoneNeverPolledAgain(t *testing.T) {
	r := New()
	s := &countingStep{outcome: Done}
	r.Register(0, s)
	r.Run()
	require.Equal(t, 1, s.n)

	// setting the bit afterwards is harmless (stale waker, §7)
	r.SetReady(TaskID(0).Mask())
	r.Run()
	require.Equal(t, 1, s.n)
}

func TestProperty10PendingRepolledOnlyAfterSetReady(t *testing.T) {
	r := New()
	s := &countingStep{outcome: Pending}
	r.Register(2, s)
	r.Run()
	require.Equal(t, 1, s.n)

	// run again with no new ready mask: no further polls
	r.Run()
	require.Equal(t, 1, s.n)

	r.SetReady(TaskID(2).Mask())
	r.Run()
	require.Equal(t, 2, s.n)
}

// scenarioBStep is a mutex-contending task that records whether it got the
// lock this poll.
type scenarioBStep struct {
	r       *Reactor
	m       *Mutex
	lock    *LockStep
	lockset *[]TaskID
	id      TaskID
}

func (s *scenarioBStep) Poll() Outcome {
	if s.lock == nil {
		s.lock = s.m.Lock(s.r)
	}
	if s.lock.Poll() == Done {
		*s.lockset = append(*s.lockset, s.id)
		return Done
	}
	return Pending
}

func TestScenarioBMutexFairnessAcrossPriorities(t *testing.T) {
	r := New()
	m := NewMutex()

	// task 2 holds it first
	holderLock := m.Lock(r)
	r.currentTaskMask.Store(TaskID(2).Mask())
	require.Equal(t, Done, holderLock.Poll())
	token := holderLock.Token()

	var acquired []TaskID
	for _, id := range []TaskID{1, 4, 7} {
		r.Register(id, &scenarioBStep{r: r, m: m, lockset: &acquired, id: id})
	}
	// tasks 1,4,7 all attempt and fail since task 2 holds it
	r.Run()
	require.Empty(t, acquired)

	token.Release()
	r.Run()
	require.Equal(t, []TaskID{7}, acquired)

	// task 7 is done; 4 and 1 remain pending, waiting for the next release
	require.Equal(t, 2, r.pendingCount())
}

func TestProperty4AtMostOneOwner(t *testing.T) {
	r := New()
	m := NewMutex()
	a := m.Lock(r)
	b := m.Lock(r)
	r.currentTaskMask.Store(TaskID(1).Mask())
	require.Equal(t, Done, a.Poll())
	require.Equal(t, Pending, b.Poll())
}

func TestProperty5ReleaseWakesExactlyWaiters(t *testing.T) {
	r := New()
	m := NewMutex()

	first := m.Lock(r)
	r.currentTaskMask.Store(TaskID(2).Mask())
	require.Equal(t, Done, first.Poll())
	token := first.Token()

	waiterA := m.Lock(r)
	r.currentTaskMask.Store(TaskID(4).Mask())
	require.Equal(t, Pending, waiterA.Poll())

	// only the tasks that polled Lock since the last release (holder 2 and
	// waiter 4) are woken; an unrelated task that never tried to lock is not
	r.readyMask.Store(0)
	token.Release()
	require.Equal(t, TaskID(2).Mask()|TaskID(4).Mask(), r.readyMask.Load())
}

type promiseConsumer struct {
	p        *Promise[uint32]
	result   uint32
	outcome  Outcome
}

func (c *promiseConsumer) Poll() Outcome {
	o, v := c.p.Poll()
	if o == Done {
		c.result = v
		c.outcome = Done
		return Done
	}
	return Pending
}

func TestScenarioCPromiseRoundTrip(t *testing.T) {
	r := New()
	p := EmptyPromise[uint32](r)
	r.currentTaskMask.Store(TaskID(6).Mask())
	p.Claim()

	consumer := &promiseConsumer{p: p}
	r.Register(6, consumer)
	r.Run() // first pass: pending
	require.Equal(t, Outcome(0), consumer.outcome)

	p.Resolve(0x42)
	require.Equal(t, TaskID(6).Mask(), r.readyMask.Load())

	r.Run()
	require.Equal(t, Done, consumer.outcome)
	require.Equal(t, uint32(0x42), consumer.result)
}

func TestProperty7DoubleResolvePanics(t *testing.T) {
	r := New()
	p := EmptyPromise[int](r)
	r.currentTaskMask.Store(TaskID(1).Mask())
	p.Claim()
	p.Resolve(1)
	require.Panics(t, func() { p.Resolve(2) })
}

func TestProperty8PollBeforeAndAfterResolve(t *testing.T) {
	r := New()
	p := EmptyPromise[string](r)
	r.currentTaskMask.Store(TaskID(1).Mask())
	p.Claim()

	o, _ := p.Poll()
	require.Equal(t, Pending, o)

	p.Resolve("hello")
	o, v := p.Poll()
	require.Equal(t, Done, o)
	require.Equal(t, "hello", v)
}

// TestScenarioFStaleWaker simulates a task dropped while a promise it referenced is
// still outstanding.
func TestScenarioFStaleWaker(t *testing.T) {
	r := New()
	p := EmptyPromise[int](r)
	r.currentTaskMask.Store(TaskID(3).Mask())
	p.Claim()

	s := &countingStep{outcome: Pending}
	r.Register(3, s)
	r.Run()
	require.Equal(t, 1, s.n)

	// simulate cancellation: the reactor vacates the slot directly,
	// as if the task's computation (which referenced p) was dropped.
	r.mu.Lock()
	r.slots[3] = nil
	r.mu.Unlock()

	p.Resolve(7) // ISR resolves after the task is gone
	require.Equal(t, TaskID(3).Mask(), r.readyMask.Load())

	require.NotPanics(t, func() { r.Run() })
	require.Equal(t, uint32(0), r.readyMask.Load())
}

func TestPromisePolledAgainAfterTakePanics(t *testing.T) {
	r := New()
	p := EmptyPromise[int](r)
	r.currentTaskMask.Store(TaskID(1).Mask())
	p.Claim()
	p.Resolve(42)

	o, v := p.Poll()
	require.Equal(t, Done, o)
	require.Equal(t, 42, v)

	require.Panics(t, func() { p.Poll() })
}

func TestPromisePolledAgainAfterTakeWithoutDebugAssertionsReturnsZero(t *testing.T) {
	r := New()
	r.SetDebugAssertions(false)
	p := EmptyPromise[int](r)
	p.Claim()
	p.Resolve(42)

	p.Poll()
	o, v := p.Poll()
	require.Equal(t, Done, o)
	require.Equal(t, 0, v)
}

// fakeObserver counts every Observer callback for assertions.
type fakeObserver struct {
	polls, done, failed, stale int
	mutexAcquired, mutexContended int
	promisesResolved int
}

func (f *fakeObserver) ObserveTaskPoll(done, failed bool) {
	f.polls++
	if done {
		f.done++
	}
	if failed {
		f.failed++
	}
}

func (f *fakeObserver) ObserveStaleWakeup() { f.stale++ }

func (f *fakeObserver) ObserveMutexPoll(acquired bool) {
	if acquired {
		f.mutexAcquired++
	} else {
		f.mutexContended++
	}
}

func (f *fakeObserver) ObservePromiseResolved() { f.promisesResolved++ }

func TestObserverReceivesTaskPollAndStaleWakeupEvents(t *testing.T) {
	r := New()
	obs := &fakeObserver{}
	r.SetObserver(obs)

	r.Register(1, &countingStep{outcome: Pending})
	r.Run()
	require.Equal(t, 1, obs.polls)
	require.Equal(t, 0, obs.done)

	r.SetReady(TaskID(5).Mask()) // no task registered at 5: stale wakeup
	r.Run()
	require.Equal(t, 1, obs.stale)

	r.Register(2, &countingStep{outcome: Done})
	r.Run()
	require.Equal(t, 1, obs.done)
}

func TestObserverReceivesMutexAndPromiseEvents(t *testing.T) {
	r := New()
	obs := &fakeObserver{}
	r.SetObserver(obs)
	m := NewMutex()
	r.currentTaskMask.Store(TaskID(1).Mask())

	first := m.Lock(r)
	require.Equal(t, Done, first.Poll())
	require.Equal(t, 1, obs.mutexAcquired)

	second := m.Lock(r)
	require.Equal(t, Pending, second.Poll())
	require.Equal(t, 1, obs.mutexContended)

	p := EmptyPromise[int](r)
	p.Claim()
	p.Resolve(1)
	require.Equal(t, 1, obs.promisesResolved)
}

func TestSetObserverNilRestoresNoOp(t *testing.T) {
	r := New()
	r.SetObserver(&fakeObserver{})
	require.NotPanics(t, func() { r.SetObserver(nil) })
	require.NotPanics(t, func() { r.Run() })
}
