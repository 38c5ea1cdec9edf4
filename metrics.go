package bkernel

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// sized for interrupt-driven peripheral transactions rather than block
// I/O: microseconds to tens of milliseconds.
var LatencyBuckets = []uint64{
	10_000,      // 10us
	100_000,     // 100us
	1_000_000,   // 1ms
	10_000_000,  // 10ms
	100_000_000, // 100ms
}

const numLatencyBuckets = 5

// Metrics tracks operational statistics for a running reactor: task
// churn, mutex contention, promise resolutions, heap pressure, and
// byte-channel throughput.
type Metrics struct {
	TasksPolled  atomic.Uint64
	TasksDone    atomic.Uint64
	TasksFailed  atomic.Uint64
	StaleWakeups atomic.Uint64 // SetReady bits that resolved to an empty slot

	MutexContended atomic.Uint64 // Lock() polls that found the mutex held
	MutexAcquired  atomic.Uint64

	PromisesResolved atomic.Uint64

	HeapBytesInUse atomic.Uint64
	HeapAllocFails atomic.Uint64

	BytesTransferred atomic.Uint64
	BytesDropped     atomic.Uint64 // reader-side ISR overflow

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a new metrics instance with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordTaskPoll records one Poll() call and its outcome.
func (m *Metrics) RecordTaskPoll(done, failed bool) {
	m.TasksPolled.Add(1)
	if done {
		m.TasksDone.Add(1)
	}
	if failed {
		m.TasksFailed.Add(1)
	}
}

// RecordStaleWakeup records a SetReady bit that landed on a vacated slot.
func (m *Metrics) RecordStaleWakeup() {
	m.StaleWakeups.Add(1)
}

// RecordMutexPoll records one Lock().Poll() call.
func (m *Metrics) RecordMutexPoll(acquired bool) {
	if acquired {
		m.MutexAcquired.Add(1)
	} else {
		m.MutexContended.Add(1)
	}
}

// RecordPromiseResolved records a Promise.Resolve call.
func (m *Metrics) RecordPromiseResolved() {
	m.PromisesResolved.Add(1)
}

// RecordHeapDelta adjusts the heap-bytes-in-use gauge by delta, which may
// be negative on Free (uint64(delta) wraps correctly for negative deltas
// under two's-complement addition).
func (m *Metrics) RecordHeapDelta(delta int64) {
	m.HeapBytesInUse.Add(uint64(delta))
}

// RecordHeapAllocFail records an Alloc call that returned no block.
func (m *Metrics) RecordHeapAllocFail() {
	m.HeapAllocFails.Add(1)
}

// RecordTransfer records n bytes successfully pushed through a byte
// channel, and/or dropped bytes on reader-side ISR overflow.
func (m *Metrics) RecordTransfer(transferred, dropped uint64) {
	m.BytesTransferred.Add(transferred)
	m.BytesDropped.Add(dropped)
}

// RecordLatency records a transaction's latency and updates the
// cumulative histogram.
func (m *Metrics) RecordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics.
type MetricsSnapshot struct {
	TasksPolled  uint64
	TasksDone    uint64
	TasksFailed  uint64
	StaleWakeups uint64

	MutexContended uint64
	MutexAcquired  uint64

	PromisesResolved uint64

	HeapBytesInUse uint64
	HeapAllocFails uint64

	BytesTransferred uint64
	BytesDropped     uint64

	AvgLatencyNs     uint64
	LatencyHistogram [numLatencyBuckets]uint64

	UptimeNs uint64
}

// Snapshot takes a point-in-time copy of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		TasksPolled:      m.TasksPolled.Load(),
		TasksDone:        m.TasksDone.Load(),
		TasksFailed:      m.TasksFailed.Load(),
		StaleWakeups:     m.StaleWakeups.Load(),
		MutexContended:   m.MutexContended.Load(),
		MutexAcquired:    m.MutexAcquired.Load(),
		PromisesResolved: m.PromisesResolved.Load(),
		HeapBytesInUse:   m.HeapBytesInUse.Load(),
		HeapAllocFails:   m.HeapAllocFails.Load(),
		BytesTransferred: m.BytesTransferred.Load(),
		BytesDropped:     m.BytesDropped.Load(),
		UptimeNs:         uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	return snap
}

// Reset zeroes all counters and restarts the uptime clock.
func (m *Metrics) Reset() {
	m.TasksPolled.Store(0)
	m.TasksDone.Store(0)
	m.TasksFailed.Store(0)
	m.StaleWakeups.Store(0)
	m.MutexContended.Store(0)
	m.MutexAcquired.Store(0)
	m.PromisesResolved.Store(0)
	m.HeapBytesInUse.Store(0)
	m.HeapAllocFails.Store(0)
	m.BytesTransferred.Store(0)
	m.BytesDropped.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
}

// Observer allows pluggable metrics collection, so simulators can report
// into a Metrics instance without depending on the reactor package.
// Its method set is the union of reactor.Observer, bytechannel.Observer,
// and smalloc.Observer, plus latency recording: Go's structural typing
// lets a single MetricsObserver value satisfy each of those narrower
// interfaces without any of those packages importing this one.
type Observer interface {
	ObserveTaskPoll(done, failed bool)
	ObserveStaleWakeup()
	ObserveMutexPoll(acquired bool)
	ObservePromiseResolved()
	ObserveTransfer(transferred, dropped uint64)
	ObserveAllocDelta(delta int64)
	ObserveAllocFail()
	ObserveLatency(latencyNs uint64)
}

// NoOpObserver is a no-op Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTaskPoll(done, failed bool)           {}
func (NoOpObserver) ObserveStaleWakeup()                         {}
func (NoOpObserver) ObserveMutexPoll(acquired bool)              {}
func (NoOpObserver) ObservePromiseResolved()                     {}
func (NoOpObserver) ObserveTransfer(transferred, dropped uint64) {}
func (NoOpObserver) ObserveAllocDelta(delta int64)               {}
func (NoOpObserver) ObserveAllocFail()                           {}
func (NoOpObserver) ObserveLatency(latencyNs uint64)             {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveTaskPoll(done, failed bool) {
	o.metrics.RecordTaskPoll(done, failed)
}

func (o *MetricsObserver) ObserveStaleWakeup() {
	o.metrics.RecordStaleWakeup()
}

func (o *MetricsObserver) ObserveMutexPoll(acquired bool) {
	o.metrics.RecordMutexPoll(acquired)
}

func (o *MetricsObserver) ObservePromiseResolved() {
	o.metrics.RecordPromiseResolved()
}

func (o *MetricsObserver) ObserveTransfer(transferred, dropped uint64) {
	o.metrics.RecordTransfer(transferred, dropped)
}

func (o *MetricsObserver) ObserveAllocDelta(delta int64) {
	o.metrics.RecordHeapDelta(delta)
}

func (o *MetricsObserver) ObserveAllocFail() {
	o.metrics.RecordHeapAllocFail()
}

func (o *MetricsObserver) ObserveLatency(latencyNs uint64) {
	o.metrics.RecordLatency(latencyNs)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
