// Package simio provides the pty + io_uring-backed simulated UART
// transport: a pair of file descriptors standing in for a USART's wire,
// driven by io_uring submissions instead of blocking read(2)/write(2), so
// the "interrupt" half of the simulated peripheral runs as a tight SQE/CQE
// loop pinned to its own OS thread, the same shape
// internal/queue/runner.go's ioLoop gives the real ublk I/O loop.
//
// Grounded on internal/uring/interface.go and internal/uring/minimal.go
// (the Ring abstraction and its pure-Go completion handling) and
// internal/queue/runner.go (the pinned-thread ioLoop, CPU affinity,
// context-cancellation shutdown).
package simio

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/rasendubi/bkernel/bytechannel"
	"github.com/rasendubi/bkernel/internal/logging"
)

// ringDepth is the size of the UART's submission ring; at most one read
// and one write are outstanding at a time.
const ringDepth = 8

const (
	tagRead uint64 = iota + 1
	tagWrite
)

// OpenPTY opens a fresh pseudo-terminal pair and returns the master file
// descriptor and the slave device path, the simulated wire a test driver
// or another process can open to talk to the UART from the other end.
func OpenPTY() (masterFd int, slavePath string, err error) {
	fd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return -1, "", fmt.Errorf("simio: open /dev/ptmx: %w", err)
	}

	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("simio: unlock pty: %w", err)
	}

	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("simio: get pty number: %w", err)
	}

	return fd, fmt.Sprintf("/dev/pts/%d", n), nil
}

// UART is a simulated USART: it plays bytechannel.Peripheral for a
// bytechannel.Channel, pumping bytes to and from masterFd via io_uring
// instead of the register-level EnableTX/DisableTX/send_data/receive_data
// dance real hardware would drive.
type UART struct {
	fd   int
	ring *giouring.Ring
	ch   *bytechannel.Channel

	txEnabled atomic.Bool

	readByte  [1]byte
	writeByte [1]byte
	readBusy  bool
	writeBusy bool

	cpu     int
	hasCPU  bool
	stop    chan struct{}
	done    chan struct{}
	started chan error
}

// New constructs a UART driving io_uring submissions against fd (normally
// a pty master returned by OpenPTY).
func New(fd int) (*UART, error) {
	ring, err := giouring.CreateRing(ringDepth)
	if err != nil {
		return nil, fmt.Errorf("simio: create ring: %w", err)
	}
	return &UART{
		fd:      fd,
		ring:    ring,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		started: make(chan error, 1),
	}, nil
}

// PinToCPU records a CPU index to pin the completion loop's OS thread to,
// mirroring internal/queue/runner.go's round-robin affinity assignment.
// Best-effort: a failure to set affinity is logged, not fatal.
func (u *UART) PinToCPU(cpu int) {
	u.cpu = cpu
	u.hasCPU = true
}

// Attach binds the UART to the channel it serves as Peripheral for and
// starts the completion loop. Two-phase construction mirrors
// devsim.ATResponder.Attach: the channel needs a Peripheral at
// construction, and the Peripheral needs the channel to push/pull bytes.
func (u *UART) Attach(ch *bytechannel.Channel) <-chan error {
	u.ch = ch
	go u.ioLoop()
	return u.started
}

// Stop terminates the completion loop, closes the ring, and closes fd.
func (u *UART) Stop() {
	close(u.stop)
	<-u.done
	u.ring.QueueExit()
	unix.Close(u.fd)
}

// EnableTX implements bytechannel.Peripheral: the writer side has bytes
// queued, so the completion loop should start submitting write SQEs.
func (u *UART) EnableTX() {
	u.txEnabled.Store(true)
}

// DisableTX implements bytechannel.Peripheral.
func (u *UART) DisableTX() {
	u.txEnabled.Store(false)
}

func (u *UART) ioLoop() {
	defer close(u.done)

	// One thread per UART, exactly as ublk_drv requires one thread per
	// queue: io_uring's SQ/CQ pair is not safe to share across threads
	// without synchronization this loop doesn't do.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if u.hasCPU {
		var mask unix.CPUSet
		mask.Set(u.cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			logging.Default().Debug("simio: failed to set CPU affinity", "cpu", u.cpu, "err", err)
		}
	}

	u.started <- nil

	u.submitRead()

	for {
		select {
		case <-u.stop:
			return
		default:
		}

		if u.txEnabled.Load() {
			u.submitWriteIfIdle()
		}

		if _, err := u.ring.SubmitAndWait(1); err != nil {
			continue
		}
		for {
			cqe, err := u.ring.PeekCQE()
			if err != nil {
				break
			}
			u.handleCompletion(cqe)
			u.ring.CQESeen(cqe)
		}
	}
}

func (u *UART) submitRead() {
	if u.readBusy {
		return
	}
	sqe := u.ring.GetSQE()
	if sqe == nil {
		return
	}
	sqe.PrepRead(u.fd, u.readByte[:], 0)
	sqe.UserData = tagRead
	u.readBusy = true
	_, _ = u.ring.Submit()
}

func (u *UART) submitWriteIfIdle() {
	if u.writeBusy {
		return
	}
	b, ok := u.ch.ISRPull()
	if !ok {
		return
	}
	sqe := u.ring.GetSQE()
	if sqe == nil {
		return
	}
	u.writeByte[0] = b
	sqe.PrepWrite(u.fd, u.writeByte[:], 0)
	sqe.UserData = tagWrite
	u.writeBusy = true
	_, _ = u.ring.Submit()
}

func (u *UART) handleCompletion(cqe *giouring.CompletionQueueEvent) {
	switch cqe.UserData {
	case tagRead:
		u.readBusy = false
		if cqe.Res > 0 {
			if dropped := u.ch.ISRPush(u.readByte[0]); dropped {
				logging.Default().Debug("simio: reader ring full, byte dropped")
			}
		}
		u.submitRead()
	case tagWrite:
		u.writeBusy = false
		// Nothing else to do: the next call to submitWriteIfIdle pulls
		// the following byte, or finds the buffer empty and disables TX
		// via bytechannel.Channel.ISRPull's own DisableTX call.
	}
}
