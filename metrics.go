package kvdo

import (
	"sync/atomic"
	"time"
)

// Metrics tracks the monotonically-reported per-operation counter set
// an Instance exposes.
type Metrics struct {
	// Per-kind submission counts, incremented by the AdmissionController
	// before classification.
	ReadOps    atomic.Uint64
	WriteOps   atomic.Uint64
	DiscardOps atomic.Uint64
	FlushOps   atomic.Uint64

	// Dispatch outcomes.
	SubmittedOps atomic.Uint64
	RemappedOps  atomic.Uint64
	ErrorOps     atomic.Uint64

	// Reentrancy / deadlock-avoidance path.
	DeferredOps   atomic.Uint64
	RelaunchedOps atomic.Uint64

	// Gauges sampled from the Limiters and DeadlockQueue.
	RequestPermitsOutstanding atomic.Int64
	DiscardPermitsOutstanding atomic.Int64
	DeadlockQueueDepth        atomic.Int64

	// Flush pipeline.
	SyncFlushOps    atomic.Uint64
	SyncFlushErrors atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a zeroed metrics set with its start time stamped.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit increments the per-kind counter for an incoming request.
func (m *Metrics) RecordSubmit(op Operation) {
	switch op {
	case OpRead:
		m.ReadOps.Add(1)
	case OpWrite:
		m.WriteOps.Add(1)
	case OpDiscard:
		m.DiscardOps.Add(1)
	case OpFlush:
		m.FlushOps.Add(1)
	}
}

// RecordOutcome increments the counter matching a dispatch outcome.
func (m *Metrics) RecordOutcome(outcome DispatchOutcome) {
	switch outcome {
	case OutcomeSubmitted:
		m.SubmittedOps.Add(1)
	case OutcomeRemapped:
		m.RemappedOps.Add(1)
	case OutcomeError:
		m.ErrorOps.Add(1)
	}
}

// RecordDeferral records a reentrancy deferral onto the DeadlockQueue.
func (m *Metrics) RecordDeferral() {
	m.DeferredOps.Add(1)
}

// RecordRelaunch records a deferred request being relaunched on drain.
func (m *Metrics) RecordRelaunch() {
	m.RelaunchedOps.Add(1)
}

// RecordSyncFlush records a synchronous flush attempt.
func (m *Metrics) RecordSyncFlush(success bool) {
	m.SyncFlushOps.Add(1)
	if !success {
		m.SyncFlushErrors.Add(1)
	}
}

// Stop marks the instance as stopped for uptime accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to read
// without racing further updates.
type MetricsSnapshot struct {
	ReadOps    uint64
	WriteOps   uint64
	DiscardOps uint64
	FlushOps   uint64

	SubmittedOps uint64
	RemappedOps  uint64
	ErrorOps     uint64

	DeferredOps   uint64
	RelaunchedOps uint64

	RequestPermitsOutstanding int64
	DiscardPermitsOutstanding int64
	DeadlockQueueDepth        int64

	SyncFlushOps    uint64
	SyncFlushErrors uint64

	TotalOps uint64
	UptimeNs uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:                   m.ReadOps.Load(),
		WriteOps:                  m.WriteOps.Load(),
		DiscardOps:                m.DiscardOps.Load(),
		FlushOps:                  m.FlushOps.Load(),
		SubmittedOps:              m.SubmittedOps.Load(),
		RemappedOps:               m.RemappedOps.Load(),
		ErrorOps:                  m.ErrorOps.Load(),
		DeferredOps:               m.DeferredOps.Load(),
		RelaunchedOps:             m.RelaunchedOps.Load(),
		RequestPermitsOutstanding: m.RequestPermitsOutstanding.Load(),
		DiscardPermitsOutstanding: m.DiscardPermitsOutstanding.Load(),
		DeadlockQueueDepth:        m.DeadlockQueueDepth.Load(),
		SyncFlushOps:              m.SyncFlushOps.Load(),
		SyncFlushErrors:           m.SyncFlushErrors.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.DiscardOps + snap.FlushOps

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	return snap
}

// Observer allows pluggable collection of admission events without
// coupling the admission path to a concrete metrics sink.
type Observer interface {
	ObserveSubmit(op Operation)
	ObserveOutcome(outcome DispatchOutcome)
	ObserveDeferral()
	ObserveRelaunch()
	ObserveSyncFlush(success bool)
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(Operation)        {}
func (NoOpObserver) ObserveOutcome(DispatchOutcome) {}
func (NoOpObserver) ObserveDeferral()               {}
func (NoOpObserver) ObserveRelaunch()               {}
func (NoOpObserver) ObserveSyncFlush(bool)          {}

// MetricsObserver forwards every event into a Metrics set.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer recording into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(op Operation)         { o.metrics.RecordSubmit(op) }
func (o *MetricsObserver) ObserveOutcome(out DispatchOutcome) { o.metrics.RecordOutcome(out) }
func (o *MetricsObserver) ObserveDeferral()                   { o.metrics.RecordDeferral() }
func (o *MetricsObserver) ObserveRelaunch()                   { o.metrics.RecordRelaunch() }
func (o *MetricsObserver) ObserveSyncFlush(success bool)      { o.metrics.RecordSyncFlush(success) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
