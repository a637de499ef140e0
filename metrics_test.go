package xkrt

import (
	"testing"
	"time"

	"github.com/xkrt-go/xkrt/internal/interfaces"
)

func TestMetricsRecordsCommandsByKind(t *testing.T) {
	m := NewMetrics()

	m.recordCommand("h2d", 1024, 1_000_000, true)
	m.recordCommand("d2h", 2048, 2_000_000, true)
	m.recordCommand("d2d", 512, 500_000, true)
	m.recordCommand("kern", 0, 100_000, false)

	snap := m.Snapshot()
	if snap.CommandsH2D != 1 || snap.BytesH2D != 1024 {
		t.Errorf("H2D: got commands=%d bytes=%d", snap.CommandsH2D, snap.BytesH2D)
	}
	if snap.CommandsD2H != 1 || snap.BytesD2H != 2048 {
		t.Errorf("D2H: got commands=%d bytes=%d", snap.CommandsD2H, snap.BytesD2H)
	}
	if snap.CommandsD2D != 1 || snap.BytesD2D != 512 {
		t.Errorf("D2D: got commands=%d bytes=%d", snap.CommandsD2D, snap.BytesD2D)
	}
	if snap.CommandsKer != 1 {
		t.Errorf("kernel commands = %d, want 1", snap.CommandsKer)
	}
	if snap.CommandErrors != 1 {
		t.Errorf("CommandErrors = %d, want 1 (only the failed kernel launch)", snap.CommandErrors)
	}
}

func TestMetricsQueueDepthTracksMax(t *testing.T) {
	m := NewMetrics()
	m.recordQueueDepth(10)
	m.recordQueueDepth(25)
	m.recordQueueDepth(15)

	snap := m.Snapshot()
	if snap.MaxQueueDepth != 25 {
		t.Errorf("MaxQueueDepth = %d, want 25", snap.MaxQueueDepth)
	}
	wantAvg := float64(10+25+15) / 3.0
	if snap.AvgQueueDepth < wantAvg-0.01 || snap.AvgQueueDepth > wantAvg+0.01 {
		t.Errorf("AvgQueueDepth = %.2f, want ~%.2f", snap.AvgQueueDepth, wantAvg)
	}
}

func TestMetricsFetchTracksMerges(t *testing.T) {
	m := NewMetrics()
	m.recordFetch(4096, 1_000_000, false)
	m.recordFetch(8192, 2_000_000, true)

	snap := m.Snapshot()
	if snap.FetchesIssued != 2 {
		t.Errorf("FetchesIssued = %d, want 2", snap.FetchesIssued)
	}
	if snap.FetchesMerged != 1 {
		t.Errorf("FetchesMerged = %d, want 1", snap.FetchesMerged)
	}
	if snap.FetchBytes != 4096+8192 {
		t.Errorf("FetchBytes = %d, want %d", snap.FetchBytes, 4096+8192)
	}
}

func TestMetricsEvictionAccumulates(t *testing.T) {
	m := NewMetrics()
	m.recordEviction(1024, 2)
	m.recordEviction(2048, 1)

	snap := m.Snapshot()
	if snap.EvictionPasses != 3 {
		t.Errorf("EvictionPasses = %d, want 3", snap.EvictionPasses)
	}
	if snap.EvictionBytesFreed != 3072 {
		t.Errorf("EvictionBytesFreed = %d, want 3072", snap.EvictionBytesFreed)
	}
}

func TestMetricsLatencyAverage(t *testing.T) {
	m := NewMetrics()
	m.recordCommand("h2d", 0, 1_000_000, true)
	m.recordCommand("h2d", 0, 2_000_000, true)

	snap := m.Snapshot()
	if snap.AvgLatencyNs != 1_500_000 {
		t.Errorf("AvgLatencyNs = %d, want 1500000", snap.AvgLatencyNs)
	}
}

func TestMetricsUptimeGrowsUntilStop(t *testing.T) {
	m := NewMetrics()
	time.Sleep(5 * time.Millisecond)
	before := m.Snapshot().UptimeNs
	if before < 5*uint64(time.Millisecond) {
		t.Errorf("UptimeNs = %d, want >= 5ms", before)
	}

	m.Stop()
	after := m.Snapshot().UptimeNs
	time.Sleep(5 * time.Millisecond)
	afterStill := m.Snapshot().UptimeNs
	if afterStill != after {
		t.Errorf("UptimeNs should freeze after Stop: got %d then %d", after, afterStill)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.recordCommand("h2d", 1024, 1_000_000, true)
	m.recordQueueDepth(10)

	if m.Snapshot().CommandsH2D == 0 {
		t.Fatal("expected a recorded command before reset")
	}

	m.Reset()
	snap := m.Snapshot()
	if snap.CommandsH2D != 0 {
		t.Errorf("CommandsH2D = %d after Reset, want 0", snap.CommandsH2D)
	}
	if snap.MaxQueueDepth != 0 {
		t.Errorf("MaxQueueDepth = %d after Reset, want 0", snap.MaxQueueDepth)
	}
}

func TestMetricsPercentilesOrderCorrectly(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < 50; i++ {
		m.recordCommand("h2d", 0, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.recordCommand("d2h", 0, 5_000_000, true) // 5ms
	}
	m.recordCommand("d2d", 0, 50_000_000, true) // 50ms

	snap := m.Snapshot()
	if snap.LatencyP50Ns > snap.LatencyP99Ns {
		t.Errorf("P50 (%d) should not exceed P99 (%d)", snap.LatencyP50Ns, snap.LatencyP99Ns)
	}
	if snap.LatencyP99Ns > snap.LatencyP999Ns {
		t.Errorf("P99 (%d) should not exceed P999 (%d)", snap.LatencyP99Ns, snap.LatencyP999Ns)
	}

	var total uint64
	for _, c := range snap.LatencyHistogram {
		total += c
	}
	if total == 0 {
		t.Error("expected histogram buckets to be populated")
	}
}

func TestMetricsObserverForwardsToMetrics(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveCommand("h2d", 1024, 1_000_000, true)
	obs.ObserveQueueDepth(0, "h2d", 5)
	obs.ObserveFetch(4096, 1_000_000, false)
	obs.ObserveEviction(1024, 1)

	snap := m.Snapshot()
	if snap.CommandsH2D != 1 || snap.BytesH2D != 1024 {
		t.Errorf("observer did not forward command: %+v", snap)
	}
	if snap.MaxQueueDepth != 5 {
		t.Errorf("observer did not forward queue depth: %d", snap.MaxQueueDepth)
	}
	if snap.FetchesIssued != 1 {
		t.Errorf("observer did not forward fetch: %d", snap.FetchesIssued)
	}
	if snap.EvictionBytesFreed != 1024 {
		t.Errorf("observer did not forward eviction: %d", snap.EvictionBytesFreed)
	}
}

func TestNoOpObserverDoesNotPanic(t *testing.T) {
	obs := interfaces.NoOpObserver{}
	obs.ObserveCommand("h2d", 0, 0, true)
	obs.ObserveQueueDepth(0, "h2d", 0)
	obs.ObserveFetch(0, 0, false)
	obs.ObserveEviction(0, 0)
}
