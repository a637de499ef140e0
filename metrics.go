package xkrt

import (
	"sync/atomic"
	"time"

	"github.com/xkrt-go/xkrt/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for the runtime:
// per-stream-type command counters, fetch/coalescing counters, eviction
// counters, and a shared latency histogram across all command kinds.
type Metrics struct {
	CommandsH2D atomic.Uint64
	CommandsD2H atomic.Uint64
	CommandsD2D atomic.Uint64
	CommandsKer atomic.Uint64

	BytesH2D atomic.Uint64
	BytesD2H atomic.Uint64
	BytesD2D atomic.Uint64

	CommandErrors atomic.Uint64

	FetchesIssued  atomic.Uint64
	FetchesMerged  atomic.Uint64
	FetchBytes     atomic.Uint64

	QueueDepthTotal atomic.Uint64
	QueueDepthCount atomic.Uint64
	MaxQueueDepth   atomic.Uint32

	EvictionPasses     atomic.Uint64
	EvictionBytesFreed atomic.Uint64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new, running metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordCommand(kind string, bytes, latencyNs uint64, success bool) {
	switch kind {
	case "h2d":
		m.CommandsH2D.Add(1)
		m.BytesH2D.Add(bytes)
	case "d2h":
		m.CommandsD2H.Add(1)
		m.BytesD2H.Add(bytes)
	case "d2d":
		m.CommandsD2D.Add(1)
		m.BytesD2D.Add(bytes)
	default:
		m.CommandsKer.Add(1)
	}
	if !success {
		m.CommandErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordQueueDepth(depth uint32) {
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

func (m *Metrics) recordFetch(bytes, latencyNs uint64, merged bool) {
	m.FetchesIssued.Add(1)
	m.FetchBytes.Add(bytes)
	if merged {
		m.FetchesMerged.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordEviction(bytesFreed uint64, passes int) {
	m.EvictionPasses.Add(uint64(passes))
	m.EvictionBytesFreed.Add(bytesFreed)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the runtime as stopped for uptime accounting.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time, plain-data copy of Metrics.
type MetricsSnapshot struct {
	CommandsH2D, CommandsD2H, CommandsD2D, CommandsKer uint64
	BytesH2D, BytesD2H, BytesD2D                       uint64
	CommandErrors                                      uint64

	FetchesIssued, FetchesMerged, FetchBytes uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	EvictionPasses     uint64
	EvictionBytesFreed uint64

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	UptimeNs uint64
}

// Snapshot returns a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		CommandsH2D:        m.CommandsH2D.Load(),
		CommandsD2H:        m.CommandsD2H.Load(),
		CommandsD2D:        m.CommandsD2D.Load(),
		CommandsKer:        m.CommandsKer.Load(),
		BytesH2D:           m.BytesH2D.Load(),
		BytesD2H:           m.BytesD2H.Load(),
		BytesD2D:           m.BytesD2D.Load(),
		CommandErrors:      m.CommandErrors.Load(),
		FetchesIssued:      m.FetchesIssued.Load(),
		FetchesMerged:      m.FetchesMerged.Load(),
		FetchBytes:         m.FetchBytes.Load(),
		MaxQueueDepth:      m.MaxQueueDepth.Load(),
		EvictionPasses:     m.EvictionPasses.Load(),
		EvictionBytesFreed: m.EvictionBytesFreed.Load(),
	}

	if c := m.QueueDepthCount.Load(); c > 0 {
		snap.AvgQueueDepth = float64(m.QueueDepthTotal.Load()) / float64(c)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
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

// Reset zeroes every counter; useful between test cases.
func (m *Metrics) Reset() {
	*m = Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
}

// MetricsObserver adapts Metrics to interfaces.Observer, the contract the
// offloader and coherency engine call on every completion.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver builds an Observer that records into m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(kind string, bytes, latencyNs uint64, success bool) {
	o.metrics.recordCommand(kind, bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(deviceGlobalID int32, streamType string, depth uint32) {
	o.metrics.recordQueueDepth(depth)
}

func (o *MetricsObserver) ObserveFetch(bytes, latencyNs uint64, merged bool) {
	o.metrics.recordFetch(bytes, latencyNs, merged)
}

func (o *MetricsObserver) ObserveEviction(bytesFreed uint64, passes int) {
	o.metrics.recordEviction(bytesFreed, passes)
}

var _ interfaces.Observer = (*MetricsObserver)(nil)
var _ interfaces.Observer = interfaces.NoOpObserver{}
