package ploop

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a ploop
// engine: the data-path operations (read/write/flush) and the structural
// operations (snapshot/merge/grow/relocate).
type Metrics struct {
	ReadOps     atomic.Uint64
	WriteOps    atomic.Uint64
	FlushOps    atomic.Uint64
	SnapshotOps atomic.Uint64
	MergeOps    atomic.Uint64
	GrowOps     atomic.Uint64
	RelocateOps atomic.Uint64

	ReadBytes  atomic.Uint64
	WriteBytes atomic.Uint64

	ReadErrors     atomic.Uint64
	WriteErrors    atomic.Uint64
	FlushErrors    atomic.Uint64
	SnapshotErrors atomic.Uint64
	MergeErrors    atomic.Uint64
	GrowErrors     atomic.Uint64
	RelocateErrors atomic.Uint64

	// BackpressureEvents counts how many times a write was refused with
	// MetadataBackpressure.
	BackpressureEvents atomic.Uint64

	// InFlightTotal/InFlightCount let Snapshot() compute an average
	// in-flight sub-request count, the cluster-granular analogue of the
	// teacher's per-tag queue depth.
	InFlightTotal atomic.Uint64
	InFlightCount atomic.Uint64
	MaxInFlight   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyHistogram[i] holds the count of operations with latency <=
	// LatencyBuckets[i] (cumulative).
	LatencyHistogram [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordSnapshot(latencyNs uint64, success bool) {
	m.SnapshotOps.Add(1)
	if !success {
		m.SnapshotErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordMerge(latencyNs uint64, success bool) {
	m.MergeOps.Add(1)
	if !success {
		m.MergeErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordGrow(latencyNs uint64, success bool) {
	m.GrowOps.Add(1)
	if !success {
		m.GrowErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordRelocate(latencyNs uint64, success bool) {
	m.RelocateOps.Add(1)
	if !success {
		m.RelocateErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordBackpressure() {
	m.BackpressureEvents.Add(1)
}

func (m *Metrics) RecordInFlight(depth uint32) {
	m.InFlightTotal.Add(uint64(depth))
	m.InFlightCount.Add(1)
	for {
		current := m.MaxInFlight.Load()
		if depth <= current {
			break
		}
		if m.MaxInFlight.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyHistogram[i].Add(1)
		}
	}
}

// Stop marks the engine as stopped, fixing uptime for later snapshots.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates.
type MetricsSnapshot struct {
	ReadOps     uint64
	WriteOps    uint64
	FlushOps    uint64
	SnapshotOps uint64
	MergeOps    uint64
	GrowOps     uint64
	RelocateOps uint64

	ReadBytes  uint64
	WriteBytes uint64

	ReadErrors     uint64
	WriteErrors    uint64
	FlushErrors    uint64
	SnapshotErrors uint64
	MergeErrors    uint64
	GrowErrors     uint64
	RelocateErrors uint64

	BackpressureEvents uint64

	AvgInFlight float64
	MaxInFlight uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:            m.ReadOps.Load(),
		WriteOps:           m.WriteOps.Load(),
		FlushOps:           m.FlushOps.Load(),
		SnapshotOps:        m.SnapshotOps.Load(),
		MergeOps:           m.MergeOps.Load(),
		GrowOps:            m.GrowOps.Load(),
		RelocateOps:        m.RelocateOps.Load(),
		ReadBytes:          m.ReadBytes.Load(),
		WriteBytes:         m.WriteBytes.Load(),
		ReadErrors:         m.ReadErrors.Load(),
		WriteErrors:        m.WriteErrors.Load(),
		FlushErrors:        m.FlushErrors.Load(),
		SnapshotErrors:     m.SnapshotErrors.Load(),
		MergeErrors:        m.MergeErrors.Load(),
		GrowErrors:         m.GrowErrors.Load(),
		RelocateErrors:     m.RelocateErrors.Load(),
		BackpressureEvents: m.BackpressureEvents.Load(),
		MaxInFlight:        m.MaxInFlight.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.FlushOps + snap.SnapshotOps + snap.MergeOps + snap.GrowOps + snap.RelocateOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	inFlightTotal := m.InFlightTotal.Load()
	inFlightCount := m.InFlightCount.Load()
	if inFlightCount > 0 {
		snap.AvgInFlight = float64(inFlightTotal) / float64(inFlightCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.FlushErrors + snap.SnapshotErrors + snap.MergeErrors + snap.GrowErrors + snap.RelocateErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyHistogram[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyHistogram[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyHistogram[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.FlushOps.Store(0)
	m.SnapshotOps.Store(0)
	m.MergeOps.Store(0)
	m.GrowOps.Store(0)
	m.RelocateOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.FlushErrors.Store(0)
	m.SnapshotErrors.Store(0)
	m.MergeErrors.Store(0)
	m.GrowErrors.Store(0)
	m.RelocateErrors.Store(0)
	m.BackpressureEvents.Store(0)
	m.InFlightTotal.Store(0)
	m.InFlightCount.Store(0)
	m.MaxInFlight.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyHistogram[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, driven from the Engine's
// public operations.
type Observer interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveFlush(latencyNs uint64, success bool)
	ObserveSnapshot(latencyNs uint64, success bool)
	ObserveMerge(latencyNs uint64, success bool)
	ObserveGrow(latencyNs uint64, success bool)
	ObserveRelocate(latencyNs uint64, success bool)
	ObserveBackpressure()
	ObserveInFlight(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)         {}
func (NoOpObserver) ObserveSnapshot(uint64, bool)      {}
func (NoOpObserver) ObserveMerge(uint64, bool)         {}
func (NoOpObserver) ObserveGrow(uint64, bool)          {}
func (NoOpObserver) ObserveRelocate(uint64, bool)      {}
func (NoOpObserver) ObserveBackpressure()              {}
func (NoOpObserver) ObserveInFlight(uint32)            {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}
func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}
func (o *MetricsObserver) ObserveSnapshot(latencyNs uint64, success bool) {
	o.metrics.RecordSnapshot(latencyNs, success)
}
func (o *MetricsObserver) ObserveMerge(latencyNs uint64, success bool) {
	o.metrics.RecordMerge(latencyNs, success)
}
func (o *MetricsObserver) ObserveGrow(latencyNs uint64, success bool) {
	o.metrics.RecordGrow(latencyNs, success)
}
func (o *MetricsObserver) ObserveRelocate(latencyNs uint64, success bool) {
	o.metrics.RecordRelocate(latencyNs, success)
}
func (o *MetricsObserver) ObserveBackpressure() {
	o.metrics.RecordBackpressure()
}
func (o *MetricsObserver) ObserveInFlight(depth uint32) {
	o.metrics.RecordInFlight(depth)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
