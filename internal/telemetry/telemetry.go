// Package telemetry exposes the runtime's Metrics as Prometheus gauges and
// counters. Nothing in this package reads the STATS env knob
// (internal/config.Config.Stats); a collector exports only once a caller
// registers it.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is the subset of the root package's MetricsSnapshot this package
// needs; declared locally so that telemetry does not import the root xkrt
// package.
type Snapshot struct {
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

	UptimeNs uint64
}

// Collector is a prometheus.Collector pulling its values from a caller-
// supplied snapshot function (so it stays decoupled from *xkrt.Metrics'
// concrete type) each time Prometheus scrapes.
type Collector struct {
	snapshot func() Snapshot

	commandsTotal  *prometheus.Desc
	bytesTotal     *prometheus.Desc
	commandErrors  *prometheus.Desc
	fetchesIssued  *prometheus.Desc
	fetchesMerged  *prometheus.Desc
	fetchBytes     *prometheus.Desc
	queueDepthAvg  *prometheus.Desc
	queueDepthMax  *prometheus.Desc
	evictionPasses *prometheus.Desc
	evictionBytes  *prometheus.Desc
	latencyAvg     *prometheus.Desc
	latencyP50     *prometheus.Desc
	latencyP99     *prometheus.Desc
	latencyP999    *prometheus.Desc
	uptime         *prometheus.Desc
}

// NewCollector builds a Collector that calls snapshot() on every Collect.
func NewCollector(snapshot func() Snapshot) *Collector {
	const ns = "xkrt"
	return &Collector{
		snapshot:       snapshot,
		commandsTotal:  prometheus.NewDesc(ns+"_commands_total", "Commands completed, by stream type.", []string{"type"}, nil),
		bytesTotal:     prometheus.NewDesc(ns+"_bytes_total", "Bytes transferred, by stream type.", []string{"type"}, nil),
		commandErrors:  prometheus.NewDesc(ns+"_command_errors_total", "Commands that completed with an error.", nil, nil),
		fetchesIssued:  prometheus.NewDesc(ns+"_fetches_issued_total", "Coherency fetches issued.", nil, nil),
		fetchesMerged:  prometheus.NewDesc(ns+"_fetches_merged_total", "Coherency fetches merged via the merge/reduce optimization.", nil, nil),
		fetchBytes:     prometheus.NewDesc(ns+"_fetch_bytes_total", "Bytes moved by coherency fetches.", nil, nil),
		queueDepthAvg:  prometheus.NewDesc(ns+"_queue_depth_avg", "Average observed offloader stream queue depth.", nil, nil),
		queueDepthMax:  prometheus.NewDesc(ns+"_queue_depth_max", "Maximum observed offloader stream queue depth.", nil, nil),
		evictionPasses: prometheus.NewDesc(ns+"_eviction_passes_total", "Arena eviction passes performed.", nil, nil),
		evictionBytes:  prometheus.NewDesc(ns+"_eviction_bytes_freed_total", "Bytes freed by arena eviction.", nil, nil),
		latencyAvg:     prometheus.NewDesc(ns+"_latency_avg_ns", "Average command/fetch latency.", nil, nil),
		latencyP50:     prometheus.NewDesc(ns+"_latency_p50_ns", "P50 command/fetch latency.", nil, nil),
		latencyP99:     prometheus.NewDesc(ns+"_latency_p99_ns", "P99 command/fetch latency.", nil, nil),
		latencyP999:    prometheus.NewDesc(ns+"_latency_p999_ns", "P999 command/fetch latency.", nil, nil),
		uptime:         prometheus.NewDesc(ns+"_uptime_ns", "Runtime uptime.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.commandsTotal
	ch <- c.bytesTotal
	ch <- c.commandErrors
	ch <- c.fetchesIssued
	ch <- c.fetchesMerged
	ch <- c.fetchBytes
	ch <- c.queueDepthAvg
	ch <- c.queueDepthMax
	ch <- c.evictionPasses
	ch <- c.evictionBytes
	ch <- c.latencyAvg
	ch <- c.latencyP50
	ch <- c.latencyP99
	ch <- c.latencyP999
	ch <- c.uptime
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()

	emit := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	emit(c.commandsTotal, s.CommandsH2D, "h2d")
	emit(c.commandsTotal, s.CommandsD2H, "d2h")
	emit(c.commandsTotal, s.CommandsD2D, "d2d")
	emit(c.commandsTotal, s.CommandsKer, "kern")

	emit(c.bytesTotal, s.BytesH2D, "h2d")
	emit(c.bytesTotal, s.BytesD2H, "d2h")
	emit(c.bytesTotal, s.BytesD2D, "d2d")

	emit(c.commandErrors, s.CommandErrors)
	emit(c.fetchesIssued, s.FetchesIssued)
	emit(c.fetchesMerged, s.FetchesMerged)
	emit(c.fetchBytes, s.FetchBytes)
	emit(c.evictionPasses, s.EvictionPasses)
	emit(c.evictionBytes, s.EvictionBytesFreed)
	emit(c.uptime, s.UptimeNs)

	ch <- prometheus.MustNewConstMetric(c.queueDepthAvg, prometheus.GaugeValue, s.AvgQueueDepth)
	ch <- prometheus.MustNewConstMetric(c.queueDepthMax, prometheus.GaugeValue, float64(s.MaxQueueDepth))
	ch <- prometheus.MustNewConstMetric(c.latencyAvg, prometheus.GaugeValue, float64(s.AvgLatencyNs))
	ch <- prometheus.MustNewConstMetric(c.latencyP50, prometheus.GaugeValue, float64(s.LatencyP50Ns))
	ch <- prometheus.MustNewConstMetric(c.latencyP99, prometheus.GaugeValue, float64(s.LatencyP99Ns))
	ch <- prometheus.MustNewConstMetric(c.latencyP999, prometheus.GaugeValue, float64(s.LatencyP999Ns))
}

var _ prometheus.Collector = (*Collector)(nil)

// Register registers c with reg (prometheus.DefaultRegisterer if nil).
func Register(reg prometheus.Registerer, c *Collector) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return reg.Register(c)
}
