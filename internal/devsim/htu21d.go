package devsim

import (
	"sync"
	"time"

	"github.com/rasendubi/bkernel"
)

// HTU21DAddress is the sensor's fixed 7-bit I2C address.
const HTU21DAddress uint16 = 0x40

// Command bytes the sensor recognizes, matching the datasheet.
const (
	cmdReadTempHoldMaster = 0xE3
	cmdReadHumHoldMaster  = 0xE5
	cmdWriteUser          = 0xE6
	cmdReadUser           = 0xE7
	cmdSoftReset          = 0xFE
)

const htu21dNumShards = 4

// registerFile is a small shard-locked byte array: sharded
// sync.RWMutex-over-[]byte, scaled down from a whole block device to a
// handful of sensor registers so the I2C simulator goroutine and an
// environment-model goroutine can touch it concurrently without a single
// coarse lock serializing them.
//
// Grounded on backend/mem.go's shardRange/ReadAt/WriteAt pattern.
type registerFile struct {
	data   []byte
	shards []sync.RWMutex
}

func newRegisterFile(size int) *registerFile {
	shards := htu21dNumShards
	if shards > size {
		shards = size
	}
	return &registerFile{
		data:   make([]byte, size),
		shards: make([]sync.RWMutex, shards),
	}
}

func (rf *registerFile) shardFor(i int) *sync.RWMutex {
	return &rf.shards[i%len(rf.shards)]
}

func (rf *registerFile) get(i int) byte {
	s := rf.shardFor(i)
	s.RLock()
	defer s.RUnlock()
	return rf.data[i]
}

func (rf *registerFile) set(i int, v byte) {
	s := rf.shardFor(i)
	s.Lock()
	defer s.Unlock()
	rf.data[i] = v
}

// register indices within the register file.
const (
	regTempHi = iota
	regTempLo
	regHumHi
	regHumLo
	regUser
	htu21dRegisterCount
)

const defaultUserRegister = 0x02 // power-on reset default per datasheet

// HTU21D is a simulated temperature/humidity sensor: a register file
// holding the last-sampled 14-bit temperature and 12-bit humidity codes,
// periodically nudged by a background goroutine standing in for the
// physical environment, and a tiny command state machine that answers
// the master_transmitter/master_receiver exchange Htu21dCommand drives in
// original_source/dev/htu21d.rs.
type HTU21D struct {
	regs *registerFile

	mu      sync.Mutex
	lastCmd byte

	stop chan struct{}
	done chan struct{}
}

// NewHTU21D constructs a sensor with plausible room-temperature defaults:
// ~22.5C and ~45% RH, encoded the way the real sensor packs its 14/12-bit
// samples into the top bits of a 16-bit register with status bits in the
// bottom two.
func NewHTU21D() *HTU21D {
	h := &HTU21D{
		regs: newRegisterFile(htu21dRegisterCount),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	h.regs.set(regUser, defaultUserRegister)
	h.setSample(regTempHi, regTempLo, celsiusToRaw(22.5))
	h.setSample(regHumHi, regHumLo, percentToRaw(45.0))
	return h
}

func celsiusToRaw(c float64) uint16 {
	return uint16((c + 46.85) * (1 << 16) / 175.72)
}

func percentToRaw(p float64) uint16 {
	return uint16((p + 6.0) * (1 << 16) / 125.0)
}

func (h *HTU21D) setSample(hiIdx, loIdx int, raw uint16) {
	h.regs.set(hiIdx, byte(raw>>8))
	h.regs.set(loIdx, byte(raw&^0x3))
}

// Celsius returns the sensor's current simulated temperature reading.
func (h *HTU21D) Celsius() float64 {
	raw := uint16(h.regs.get(regTempHi))<<8 | uint16(h.regs.get(regTempLo))
	return -46.85 + 175.72*float64(raw&^0x3)/(1<<16)
}

// Percent returns the sensor's current simulated relative humidity.
func (h *HTU21D) Percent() float64 {
	raw := uint16(h.regs.get(regHumHi))<<8 | uint16(h.regs.get(regHumLo))
	return -6.0 + 125.0*float64(raw&^0x3)/(1<<16)
}

// Drift nudges the simulated readings by the given deltas, the hook a
// background environment-model goroutine (or a test) uses to make the
// sensor's next read observe a changed value.
func (h *HTU21D) Drift(deltaC, deltaPercent float64) {
	h.setSample(regTempHi, regTempLo, celsiusToRaw(h.Celsius()+deltaC))
	h.setSample(regHumHi, regHumLo, percentToRaw(h.Percent()+deltaPercent))
}

// StartEnvironment launches a goroutine that applies a small random-walk
// drift to the simulated readings every interval, so a long-running demo
// observes a sensor that behaves like a real one instead of a constant.
func (h *HTU21D) StartEnvironment(interval time.Duration, step func(h *HTU21D)) {
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				step(h)
			}
		}
	}()
}

// StopEnvironment terminates the goroutine started by StartEnvironment.
func (h *HTU21D) StopEnvironment() {
	close(h.stop)
	<-h.done
}

// Write implements Device: it records which command the master selected.
// A soft-reset command takes effect immediately, matching the sensor's
// lack of a response transmission for that command.
func (h *HTU21D) Write(data []byte) error {
	if len(data) == 0 {
		return bkernel.NewError("htu21d.Write", bkernel.KindProtocol, "overrun: empty command")
	}
	cmd := data[0]
	h.mu.Lock()
	h.lastCmd = cmd
	h.mu.Unlock()

	switch cmd {
	case cmdSoftReset:
		h.regs.set(regUser, defaultUserRegister)
	case cmdWriteUser:
		if len(data) < 2 {
			return bkernel.NewError("htu21d.Write", bkernel.KindProtocol, "overrun: missing user register value")
		}
		h.regs.set(regUser, data[1])
	}
	return nil
}

// Read implements Device: it answers according to whichever command Write
// last selected, matching the hold-master exchange's two-transmission
// shape (command, then result) from original_source/dev/htu21d.rs.
func (h *HTU21D) Read(n int) ([]byte, error) {
	h.mu.Lock()
	cmd := h.lastCmd
	h.mu.Unlock()

	switch cmd {
	case cmdReadTempHoldMaster:
		if n < 2 {
			return nil, bkernel.NewError("htu21d.Read", bkernel.KindProtocol, "overrun: short temperature read")
		}
		return []byte{h.regs.get(regTempHi), h.regs.get(regTempLo)}, nil
	case cmdReadHumHoldMaster:
		if n < 2 {
			return nil, bkernel.NewError("htu21d.Read", bkernel.KindProtocol, "overrun: short humidity read")
		}
		return []byte{h.regs.get(regHumHi), h.regs.get(regHumLo)}, nil
	case cmdReadUser:
		if n < 1 {
			return nil, bkernel.NewError("htu21d.Read", bkernel.KindProtocol, "overrun: short user register read")
		}
		return []byte{h.regs.get(regUser)}, nil
	default:
		return nil, bkernel.NewError("htu21d.Read", bkernel.KindProtocol, "overrun: read with no pending command")
	}
}
