package v4l2

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

// Metrics tracks buffer traffic of one or more queues
type Metrics struct {
	// Buffer counters
	QueuedBuffers   atomic.Uint64 // Successful submissions
	DequeuedBuffers atomic.Uint64 // Successful retrievals
	RecycledBuffers atomic.Uint64 // Retrieved buffers returned to Free
	FusesFired      atomic.Uint64 // Slots reset by an armed fuse

	// Byte counters
	QueuedBytes   atomic.Uint64 // Payload bytes submitted (OUTPUT)
	DequeuedBytes atomic.Uint64 // Payload bytes retrieved

	// Error counters
	QueueErrors   atomic.Uint64 // Rejected submissions
	DequeueErrors atomic.Uint64 // Failed retrievals (not counting "not ready")

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative depth samples
	QueueDepthCount atomic.Uint64 // Number of depth measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed number of queued buffers

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative device call latency in nanoseconds
	OpCount        atomic.Uint64 // Total device calls (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordQueue records a submission
func (m *Metrics) RecordQueue(bytes uint64, latencyNs uint64, success bool) {
	if success {
		m.QueuedBuffers.Add(1)
		m.QueuedBytes.Add(bytes)
	} else {
		m.QueueErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDequeue records a retrieval
func (m *Metrics) RecordDequeue(bytes uint64, latencyNs uint64, success bool) {
	if success {
		m.DequeuedBuffers.Add(1)
		m.DequeuedBytes.Add(bytes)
	} else {
		m.DequeueErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordRecycle records a retrieved buffer going back to Free
func (m *Metrics) RecordRecycle() {
	m.RecycledBuffers.Add(1)
}

// RecordFuseFired records a slot reset by its fuse
func (m *Metrics) RecordFuseFired() {
	m.FusesFired.Add(1)
}

// RecordQueueDepth records the number of buffers owned by the device
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records operation latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the metrics window as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived values
type MetricsSnapshot struct {
	QueuedBuffers   uint64
	DequeuedBuffers uint64
	RecycledBuffers uint64
	FusesFired      uint64

	QueuedBytes   uint64
	DequeuedBytes uint64

	QueueErrors   uint64
	DequeueErrors uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	FramesPerSecond float64 // Retrievals per second
	Bandwidth       float64 // Retrieved bytes per second
	ErrorRate       float64 // Percentage of failed device calls
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		QueuedBuffers:   m.QueuedBuffers.Load(),
		DequeuedBuffers: m.DequeuedBuffers.Load(),
		RecycledBuffers: m.RecycledBuffers.Load(),
		FusesFired:      m.FusesFired.Load(),
		QueuedBytes:     m.QueuedBytes.Load(),
		DequeuedBytes:   m.DequeuedBytes.Load(),
		QueueErrors:     m.QueueErrors.Load(),
		DequeueErrors:   m.DequeueErrors.Load(),
		MaxQueueDepth:   m.MaxQueueDepth.Load(),
	}

	if count := m.QueueDepthCount.Load(); count > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(count)
	}

	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / opCount
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.FramesPerSecond = float64(snap.DequeuedBuffers) / uptimeSeconds
		snap.Bandwidth = float64(snap.DequeuedBytes) / uptimeSeconds
	}

	if opCount > 0 {
		snap.ErrorRate = float64(snap.QueueErrors+snap.DequeueErrors) / float64(opCount) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
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
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
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

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.QueuedBuffers.Store(0)
	m.DequeuedBuffers.Store(0)
	m.RecycledBuffers.Store(0)
	m.FusesFired.Store(0)
	m.QueuedBytes.Store(0)
	m.DequeuedBytes.Store(0)
	m.QueueErrors.Store(0)
	m.DequeueErrors.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection. direction is
// "capture" or "output".
type Observer interface {
	// ObserveQueue is called for each submission attempt
	ObserveQueue(direction string, bytes uint64, latencyNs uint64, success bool)

	// ObserveDequeue is called for each retrieval that returned a buffer or failed
	ObserveDequeue(direction string, bytes uint64, latencyNs uint64, success bool)

	// ObserveRecycle is called when a retrieved buffer goes back to Free
	ObserveRecycle(direction string)

	// ObserveFuseFired is called when an abandoned buffer's slot is reset
	ObserveFuseFired(direction string)

	// ObserveQueueDepth is called with the number of buffers the device owns
	ObserveQueueDepth(direction string, depth uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveQueue(string, uint64, uint64, bool)   {}
func (NoOpObserver) ObserveDequeue(string, uint64, uint64, bool) {}
func (NoOpObserver) ObserveRecycle(string)                       {}
func (NoOpObserver) ObserveFuseFired(string)                     {}
func (NoOpObserver) ObserveQueueDepth(string, uint32)            {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveQueue(_ string, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordQueue(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveDequeue(_ string, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordDequeue(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveRecycle(string) {
	o.metrics.RecordRecycle()
}

func (o *MetricsObserver) ObserveFuseFired(string) {
	o.metrics.RecordFuseFired()
}

func (o *MetricsObserver) ObserveQueueDepth(_ string, depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = NoOpObserver{}
