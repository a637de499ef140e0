package xkrt

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/xkrt-go/xkrt/internal/driverapi"
)

// statsJSON is configured ConfigCompatibleWithStandardLibrary rather than the
// package-level jsoniter default: stats payloads cross into demo CLI output
// and log fields, where matching encoding/json's number/HTML-escaping
// behavior matters more than the extra speed of the fastest config.
var statsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeTaskArgs marshals v into the opaque byte payload task.Task.Args
// carries through the scheduler untouched until the task body unpacks it
// with DecodeTaskArgs.
func EncodeTaskArgs(v interface{}) ([]byte, error) {
	return statsJSON.Marshal(v)
}

// DecodeTaskArgs unmarshals a task's Args payload into out, the counterpart
// of EncodeTaskArgs.
func DecodeTaskArgs(data []byte, out interface{}) error {
	return statsJSON.Unmarshal(data, out)
}

// RuntimeStats is a point-in-time snapshot of the runtime's telemetry:
// transfer/eviction/latency counters plus per-device
// identity, suitable for a single structured log field or demo CLI dump.
type RuntimeStats struct {
	Metrics MetricsSnapshot         `json:"metrics"`
	Devices []driverapi.DeviceInfo  `json:"devices"`
}

// Stats gathers a RuntimeStats snapshot. Device lookups that fail (a driver
// that can't report DeviceInfo) are skipped rather than aborting the whole
// snapshot.
func (r *Runtime) Stats() RuntimeStats {
	out := RuntimeStats{Metrics: r.metrics.Snapshot()}

	if hostInfo, err := r.host.Driver.DeviceInfo(int32(r.host.GlobalID)); err == nil {
		hostInfo.GlobalID = int32(r.host.GlobalID)
		out.Devices = append(out.Devices, hostInfo)
	}
	for _, d := range r.devices {
		info, err := d.Driver.DeviceInfo(int32(d.GlobalID))
		if err != nil {
			continue
		}
		info.GlobalID = int32(d.GlobalID)
		out.Devices = append(out.Devices, info)
	}
	return out
}

// StatsJSON marshals Stats via jsoniter, for the demo CLI's periodic dump
// and for embedding in structured log fields (the same encoder that backs
// task.Args payloads).
func (r *Runtime) StatsJSON() ([]byte, error) {
	return statsJSON.MarshalIndent(r.Stats(), "", "  ")
}
