package devsim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rasendubi/bkernel/reactor"
)

func TestScenarioGRNGPromiseRoundTrip(t *testing.T) {
	r := reactor.New()
	g := New(r, 2*time.Millisecond)
	g.Enable()
	g.Start()
	defer g.Stop()

	var promise *reactor.Promise[uint32]
	var result uint32
	var resolved bool

	r.Register(0, reactor.StepFunc(func() reactor.Outcome {
		if promise == nil {
			promise = g.Sample()
		}
		outcome, v := promise.Poll()
		if outcome == reactor.Done {
			result = v
			resolved = true
			return reactor.Done
		}
		return reactor.Pending
	}))

	deadline := time.Now().Add(2 * time.Second)
	for !resolved && time.Now().Before(deadline) {
		r.Run()
		time.Sleep(5 * time.Millisecond)
	}

	require.True(t, resolved, "expected the RNG sample to resolve within the deadline")
	_ = result
}

func TestRNGDisabledLeavesSamplePending(t *testing.T) {
	r := reactor.New()
	g := New(r, 2*time.Millisecond)
	g.Start()
	defer g.Stop()
	// not enabled: the goroutine must never resolve a claimed sample

	var promise *reactor.Promise[uint32]
	r.Register(1, reactor.StepFunc(func() reactor.Outcome {
		if promise == nil {
			promise = g.Sample()
		}
		return reactor.Pending
	}))
	r.Run()
	time.Sleep(30 * time.Millisecond)

	outcome, _ := promise.Poll()
	require.Equal(t, reactor.Pending, outcome)
}
