package devsim

import (
	"sync"
	"time"

	"github.com/rasendubi/bkernel"
	"github.com/rasendubi/bkernel/internal/logging"
	"github.com/rasendubi/bkernel/internal/queue"
	"github.com/rasendubi/bkernel/reactor"
)

// Fault is an injected I2C bus condition, standing in for the four
// protocol-kind failures a real bus's error-interrupt can report.
type Fault int

const (
	// FaultNone lets the transaction run against the registered Device.
	FaultNone Fault = iota
	// FaultNACK simulates a slave that never acknowledges its address.
	FaultNACK
	// FaultArbitrationLost simulates losing the bus to another master.
	FaultArbitrationLost
	// FaultBusError simulates a misplaced start/stop condition.
	FaultBusError
	// FaultOverrun simulates a byte arriving before the previous one was read.
	FaultOverrun
)

func (f Fault) protocolMsg() string {
	switch f {
	case FaultNACK:
		return "address not acknowledged"
	case FaultArbitrationLost:
		return "arbitration lost"
	case FaultBusError:
		return "bus error"
	case FaultOverrun:
		return "overrun"
	default:
		return ""
	}
}

// Device is a simulated I2C slave. Write delivers the bytes a master
// transmitter sent; Read supplies the bytes a master receiver asks for,
// typically the response to whatever register address the prior Write
// selected.
type Device interface {
	Write(data []byte) error
	Read(n int) ([]byte, error)
}

// Result is what an I2C transaction's promise resolves to: the bytes read
// (empty for a pure write), or Err set to a *bkernel.Error of KindProtocol
// on NACK, arbitration-lost, bus-error, or overrun.
type Result struct {
	Data []byte
	Err  error
}

type i2cRequest struct {
	addr    uint16
	write   []byte
	readLen int
	promise *reactor.Promise[Result]
}

// I2CObserver receives per-transaction latency events for metrics
// collection.
type I2CObserver interface {
	ObserveLatency(latencyNs uint64)
}

type noOpI2CObserver struct{}

func (noOpI2CObserver) ObserveLatency(latencyNs uint64) {}

// I2CBus is a simulated I2C master: a mutex gates access to the bus (one
// transfer in flight at a time, exactly as the real peripheral's single
// shift register does), and a goroutine stands in for the combined
// event/error interrupt pair, resolving the transaction's promise.
//
// Grounded on original_source/dev/i2c.rs.
type I2CBus struct {
	r     *reactor.Reactor
	mutex *reactor.Mutex

	mu      sync.Mutex
	devices map[uint16]Device
	fault   Fault

	reqs chan i2cRequest
	stop chan struct{}
	done chan struct{}

	latency  time.Duration
	observer I2CObserver
}

// NewI2CBus constructs a simulated bus bound to r. latency is the
// simulated time between a transaction being started and its promise
// resolving, standing in for the real shift-register's bit time.
func NewI2CBus(r *reactor.Reactor, latency time.Duration) *I2CBus {
	return &I2CBus{
		r:        r,
		mutex:    reactor.NewMutex(),
		devices:  make(map[uint16]Device),
		reqs:     make(chan i2cRequest, 4),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		latency:  latency,
		observer: noOpI2CObserver{},
	}
}

// SetObserver installs o to receive ObserveLatency events measuring each
// transaction's time from request to promise resolution. A nil o restores
// the no-op default.
func (b *I2CBus) SetObserver(o I2CObserver) {
	if o == nil {
		o = noOpI2CObserver{}
	}
	b.observer = o
}

// RegisterDevice attaches dev at the given 7-bit address.
func (b *I2CBus) RegisterDevice(addr uint16, dev Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[addr] = dev
}

// InjectFault arms a one-shot fault: the next transaction started after
// this call resolves to that Protocol-kind error instead of reaching a
// device, then the fault is cleared. Used to drive Scenario H.
func (b *I2CBus) InjectFault(f Fault) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fault = f
}

// Start launches the transaction-processing goroutine. Call Stop to
// terminate it.
func (b *I2CBus) Start() {
	go b.run()
}

// Stop terminates the goroutine and waits for it to exit.
func (b *I2CBus) Stop() {
	close(b.stop)
	<-b.done
}

// I2CTransferStep is the polled step returned by StartTransfer: advancing
// it attempts to acquire the bus mutex for the calling task.
type I2CTransferStep struct {
	lock *reactor.LockStep
	bus  *I2CBus
}

// StartTransfer returns a step which, advanced from within a task running
// on r, attempts to acquire exclusive use of the bus.
func (b *I2CBus) StartTransfer(r *reactor.Reactor) *I2CTransferStep {
	return &I2CTransferStep{lock: b.mutex.Lock(r), bus: b}
}

// Poll implements reactor.Step.
func (s *I2CTransferStep) Poll() reactor.Outcome {
	return s.lock.Poll()
}

// Transfer returns the acquired transfer after Poll has returned Done.
func (s *I2CTransferStep) Transfer() *I2CTransfer {
	return &I2CTransfer{token: s.lock.Token(), bus: s.bus}
}

// I2CTransfer is an acquired, exclusive hold on the bus: master_transmitter
// and master_receiver in original_source/dev/i2c.rs, minus the
// lifetime-tied Future wrapper Go's Promise already replaces.
type I2CTransfer struct {
	token reactor.LockToken
	bus   *I2CBus
}

// MasterTransmit writes data to the 7-bit address addr. The returned
// promise resolves once every byte has been shifted out (or a protocol
// error aborts the transaction); Result.Data is always empty on success.
func (t *I2CTransfer) MasterTransmit(addr uint16, data []byte) *reactor.Promise[Result] {
	return t.bus.beginTransaction(addr, data, 0)
}

// MasterReceive reads n bytes from the 7-bit address addr. The returned
// promise resolves with those bytes in Result.Data, or a protocol error.
func (t *I2CTransfer) MasterReceive(addr uint16, n int) *reactor.Promise[Result] {
	return t.bus.beginTransaction(addr, nil, n)
}

// Stop releases the bus, waking the highest-priority waiting task.
func (t *I2CTransfer) Stop() {
	t.token.Release()
}

// beginTransaction claims a promise and hands the request to the
// processing goroutine. A write's bytes are copied into a pooled scratch
// buffer rather than held by reference, so the caller is free to reuse or
// discard its own slice the instant this call returns, exactly as
// real queuing of a DMA-bound buffer would require; the scratch buffer is
// returned to the pool once process() is done with it.
func (b *I2CBus) beginTransaction(addr uint16, write []byte, readLen int) *reactor.Promise[Result] {
	p := reactor.EmptyPromise[Result](b.r)
	p.Claim()

	var scratch []byte
	if len(write) > 0 {
		scratch = queue.GetBuffer(uint32(len(write)))
		copy(scratch, write)
	}

	b.reqs <- i2cRequest{addr: addr, write: scratch, readLen: readLen, promise: p}
	return p
}

func (b *I2CBus) run() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			return
		case req := <-b.reqs:
			start := time.Now()
			if b.latency > 0 {
				time.Sleep(b.latency)
			}
			req.promise.Resolve(b.process(req))
			b.observer.ObserveLatency(uint64(time.Since(start).Nanoseconds()))
		}
	}
}

func (b *I2CBus) process(req i2cRequest) Result {
	if req.write != nil {
		defer queue.PutBuffer(req.write)
	}

	b.mu.Lock()
	fault := b.fault
	b.fault = FaultNone
	dev := b.devices[req.addr]
	b.mu.Unlock()

	if fault != FaultNone {
		logging.Default().Debug("i2c transaction faulted", "addr", req.addr, "fault", fault.protocolMsg())
		return Result{Err: bkernel.NewError("i2c.Transact", bkernel.KindProtocol, fault.protocolMsg())}
	}

	if dev == nil {
		return Result{Err: bkernel.NewError("i2c.Transact", bkernel.KindProtocol, "address not acknowledged")}
	}

	if req.readLen > 0 {
		data, err := dev.Read(req.readLen)
		if err != nil {
			return Result{Err: bkernel.WrapError("i2c.Transact", err)}
		}
		return Result{Data: data}
	}

	if err := dev.Write(req.write); err != nil {
		return Result{Err: bkernel.WrapError("i2c.Transact", err)}
	}
	return Result{}
}
