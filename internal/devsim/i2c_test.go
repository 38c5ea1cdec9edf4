package devsim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rasendubi/bkernel"
	"github.com/rasendubi/bkernel/reactor"
)

// echoDevice records the last write and replays it (or a canned response)
// on the next read, enough to exercise the transaction state machine
// without pulling in a full HTU21D register file.
type echoDevice struct {
	response []byte
	lastTx   []byte
}

func (d *echoDevice) Write(data []byte) error {
	d.lastTx = append([]byte(nil), data...)
	return nil
}

func (d *echoDevice) Read(n int) ([]byte, error) {
	if len(d.response) >= n {
		return d.response[:n], nil
	}
	return make([]byte, n), nil
}

func runUntil(t *testing.T, r *reactor.Reactor, deadline time.Duration, step func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		r.Run()
		if step() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("deadline exceeded waiting for condition")
}

func TestI2CMasterTransmitAndReceive(t *testing.T) {
	r := reactor.New()
	bus := NewI2CBus(r, time.Millisecond)
	bus.Start()
	defer bus.Stop()

	dev := &echoDevice{response: []byte{0x42, 0x43}}
	bus.RegisterDevice(0x40, dev)

	var result Result
	var resolved bool
	var transferStep *I2CTransferStep
	var transfer *I2CTransfer
	var promise *reactor.Promise[Result]

	r.Register(0, reactor.StepFunc(func() reactor.Outcome {
		if transferStep == nil {
			transferStep = bus.StartTransfer(r)
		}
		if transfer == nil {
			if transferStep.Poll() != reactor.Done {
				return reactor.Pending
			}
			transfer = transferStep.Transfer()
		}
		if promise == nil {
			promise = transfer.MasterTransmit(0x40, []byte{0x01})
		}
		outcome, v := promise.Poll()
		if outcome != reactor.Done {
			return reactor.Pending
		}
		result = v
		resolved = true
		transfer.Stop()
		return reactor.Done
	}))

	runUntil(t, r, 2*time.Second, func() bool { return resolved })

	require.NoError(t, result.Err)
	require.Equal(t, []byte{0x01}, dev.lastTx)
}

func TestI2CProtocolErrorOnNACK(t *testing.T) {
	// Scenario H: the bus is configured to NACK; the task's promise
	// resolves to a Protocol-kind error.
	r := reactor.New()
	bus := NewI2CBus(r, time.Millisecond)
	bus.Start()
	defer bus.Stop()

	bus.InjectFault(FaultNACK)

	var result Result
	var resolved bool
	var transferStep *I2CTransferStep
	var transfer *I2CTransfer
	var promise *reactor.Promise[Result]

	r.Register(1, reactor.StepFunc(func() reactor.Outcome {
		if transferStep == nil {
			transferStep = bus.StartTransfer(r)
		}
		if transfer == nil {
			if transferStep.Poll() != reactor.Done {
				return reactor.Pending
			}
			transfer = transferStep.Transfer()
		}
		if promise == nil {
			promise = transfer.MasterTransmit(0x76, []byte{0xE7})
		}
		outcome, v := promise.Poll()
		if outcome != reactor.Done {
			return reactor.Pending
		}
		result = v
		resolved = true
		transfer.Stop()
		return reactor.Done
	}))

	runUntil(t, r, 2*time.Second, func() bool { return resolved })

	require.Error(t, result.Err)
	require.True(t, bkernel.IsKind(result.Err, bkernel.KindProtocol))
}

func TestI2CBusSerializesConcurrentTransfers(t *testing.T) {
	r := reactor.New()
	bus := NewI2CBus(r, time.Millisecond)
	bus.Start()
	defer bus.Stop()

	devA := &echoDevice{response: []byte{0xAA}}
	devB := &echoDevice{response: []byte{0xBB}}
	bus.RegisterDevice(0x10, devA)
	bus.RegisterDevice(0x20, devB)

	var doneA, doneB bool

	makeTask := func(addr uint16, resolved *bool) reactor.StepFunc {
		var step *I2CTransferStep
		var transfer *I2CTransfer
		var promise *reactor.Promise[Result]
		return reactor.StepFunc(func() reactor.Outcome {
			if step == nil {
				step = bus.StartTransfer(r)
			}
			if transfer == nil {
				if step.Poll() != reactor.Done {
					return reactor.Pending
				}
				transfer = step.Transfer()
			}
			if promise == nil {
				promise = transfer.MasterTransmit(addr, []byte{0x00})
			}
			outcome, _ := promise.Poll()
			if outcome != reactor.Done {
				return reactor.Pending
			}
			*resolved = true
			transfer.Stop()
			return reactor.Done
		})
	}

	r.Register(0, makeTask(0x10, &doneA))
	r.Register(1, makeTask(0x20, &doneB))

	runUntil(t, r, 2*time.Second, func() bool { return doneA && doneB })

	require.Equal(t, []byte{0x00}, devA.lastTx)
	require.Equal(t, []byte{0x00}, devB.lastTx)
}

type fakeI2CObserver struct {
	latencies []uint64
}

func (f *fakeI2CObserver) ObserveLatency(latencyNs uint64) {
	f.latencies = append(f.latencies, latencyNs)
}

func TestI2CObserverReceivesLatencyPerTransaction(t *testing.T) {
	r := reactor.New()
	bus := NewI2CBus(r, time.Millisecond)
	obs := &fakeI2CObserver{}
	bus.SetObserver(obs)
	bus.Start()
	defer bus.Stop()

	dev := &echoDevice{response: []byte{0x01}}
	bus.RegisterDevice(0x40, dev)

	var resolved bool
	var transferStep *I2CTransferStep
	var transfer *I2CTransfer
	var promise *reactor.Promise[Result]

	r.Register(0, reactor.StepFunc(func() reactor.Outcome {
		if transferStep == nil {
			transferStep = bus.StartTransfer(r)
		}
		if transfer == nil {
			if transferStep.Poll() != reactor.Done {
				return reactor.Pending
			}
			transfer = transferStep.Transfer()
		}
		if promise == nil {
			promise = transfer.MasterTransmit(0x40, []byte{0x01})
		}
		outcome, _ := promise.Poll()
		if outcome != reactor.Done {
			return reactor.Pending
		}
		resolved = true
		transfer.Stop()
		return reactor.Done
	}))

	runUntil(t, r, 2*time.Second, func() bool { return resolved })

	require.Len(t, obs.latencies, 1)
	require.GreaterOrEqual(t, obs.latencies[0], uint64(time.Millisecond))
}

func TestI2CSetObserverNilRestoresNoOp(t *testing.T) {
	r := reactor.New()
	bus := NewI2CBus(r, time.Millisecond)
	bus.SetObserver(&fakeI2CObserver{})
	require.NotPanics(t, func() { bus.SetObserver(nil) })
	bus.Start()
	defer bus.Stop()
}

