// Package config binds every environment tunable to a typed Config struct:
// a plain struct-of-tunables with a Default() constructor, an env-var
// loader, and functional options applied last.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/xkrt-go/xkrt/internal/constants"
)

// DriverSpec is one entry of DRIVERS=name1,count1;name2,count2;...
type DriverSpec struct {
	Name  string
	Count int
}

// Config holds every runtime tunable; construct with Default() or FromEnv(),
// then apply Options to override individual fields.
type Config struct {
	NGPUs          int
	GPUMemPercent  int
	UseP2P         bool
	Drivers        []DriverSpec

	NStreamsH2D  int
	NStreamsD2H  int
	NStreamsD2D  int
	NStreamsKern int

	H2DPerStream  int
	D2HPerStream  int
	D2DPerStream  int
	KernPerStream int

	OffloaderCapacity int

	MergeTransfers bool
	TaskPrefetch   int

	MemoryRegisterProtectOverflow bool
	PauseProgressionThreads       bool
	BusyPolling                   bool

	Stats   bool
	Warmup  int
	Verbose bool

	// PreferForwarding selects D2D forwarding over a redundant host fetch
	// when a block is already inbound to another device, exposed
	// here as a programmatic default so callers needn't reach into
	// internal/coherency to flip it.
	PreferForwarding bool
	MaxEvictionRetries int
}

// Default returns the baseline configuration before any environment or
// option overrides are applied.
func Default() Config {
	return Config{
		NGPUs:         0,
		GPUMemPercent: constants.DefaultGPUMemPercent,
		UseP2P:        true,

		NStreamsH2D:  constants.DefaultStreamsPerType,
		NStreamsD2H:  constants.DefaultStreamsPerType,
		NStreamsD2D:  constants.DefaultStreamsPerType,
		NStreamsKern: constants.DefaultStreamsPerType,

		H2DPerStream:  constants.DefaultConcurrencyLimit,
		D2HPerStream:  constants.DefaultConcurrencyLimit,
		D2DPerStream:  constants.DefaultConcurrencyLimit,
		KernPerStream: constants.DefaultConcurrencyLimit,

		OffloaderCapacity: constants.DefaultOffloaderCapacity,

		MergeTransfers: true,
		TaskPrefetch:   0,

		MemoryRegisterProtectOverflow: false,
		PauseProgressionThreads:       false,
		BusyPolling:                   false,

		Stats:   false,
		Warmup:  0,
		Verbose: false,

		PreferForwarding:   true,
		MaxEvictionRetries: constants.DefaultMaxEvictionRetries,
	}
}

// OffloaderWorkersOrDefault returns the number of worker threads each
// device's offloader pool should start with; there is no dedicated knob for
// this, so it follows internal/constants.DefaultNumQueuesPerDevice.
func (c Config) OffloaderWorkersOrDefault() int {
	return constants.DefaultNumQueuesPerDevice
}

// StreamsPerTypeOrDefault collapses the four NSTREAMS_* knobs into the
// single per-type stream count internal/offloader.Config accepts, taking
// the maximum across kinds so no configured stream type is under-provisioned.
func (c Config) StreamsPerTypeOrDefault() int {
	max := c.NStreamsKern
	for _, n := range []int{c.NStreamsH2D, c.NStreamsD2H, c.NStreamsD2D} {
		if n > max {
			max = n
		}
	}
	if max <= 0 {
		return constants.DefaultStreamsPerType
	}
	return max
}

// Option mutates a Config in place, applied in order after FromEnv/Default.
type Option func(*Config)

func WithNGPUs(n int) Option                { return func(c *Config) { c.NGPUs = n } }
func WithUseP2P(b bool) Option              { return func(c *Config) { c.UseP2P = b } }
func WithDrivers(d []DriverSpec) Option     { return func(c *Config) { c.Drivers = d } }
func WithPreferForwarding(b bool) Option    { return func(c *Config) { c.PreferForwarding = b } }
func WithOffloaderCapacity(n int) Option    { return func(c *Config) { c.OffloaderCapacity = n } }

// FromEnv loads Config from the process environment on top of Default(),
// then applies opts. Unset variables keep their default value; malformed
// values are ignored in favor of the default (nothing specifies
// validation behavior for malformed env input).
func FromEnv(opts ...Option) Config {
	c := Default()

	if v, ok := lookupInt("NGPUS"); ok {
		c.NGPUs = v
	}
	if v, ok := lookupInt("GPU_MEM_PERCENT"); ok {
		c.GPUMemPercent = v
	}
	if v, ok := lookupBool("USE_P2P"); ok {
		c.UseP2P = v
	}
	if v, ok := os.LookupEnv("DRIVERS"); ok {
		c.Drivers = parseDrivers(v)
	}

	if v, ok := lookupInt("NSTREAMS_H2D"); ok {
		c.NStreamsH2D = v
	}
	if v, ok := lookupInt("NSTREAMS_D2H"); ok {
		c.NStreamsD2H = v
	}
	if v, ok := lookupInt("NSTREAMS_D2D"); ok {
		c.NStreamsD2D = v
	}
	if v, ok := lookupInt("NSTREAMS_KERN"); ok {
		c.NStreamsKern = v
	}

	if v, ok := lookupInt("H2D_PER_STREAM"); ok {
		c.H2DPerStream = v
	}
	if v, ok := lookupInt("D2H_PER_STREAM"); ok {
		c.D2HPerStream = v
	}
	if v, ok := lookupInt("D2D_PER_STREAM"); ok {
		c.D2DPerStream = v
	}
	if v, ok := lookupInt("KERN_PER_STREAM"); ok {
		c.KernPerStream = v
	}

	if v, ok := lookupInt("OFFLOADER_CAPACITY"); ok {
		c.OffloaderCapacity = v
	}
	if v, ok := lookupBool("MERGE_TRANSFERS"); ok {
		c.MergeTransfers = v
	}
	if v, ok := lookupInt("TASK_PREFETCH"); ok {
		c.TaskPrefetch = v
	}
	if v, ok := lookupBool("MEMORY_REGISTER_PROTECT_OVERFLOW"); ok {
		c.MemoryRegisterProtectOverflow = v
	}
	if v, ok := lookupBool("PAUSE_PROGRESSION_THREADS"); ok {
		c.PauseProgressionThreads = v
	}
	if v, ok := lookupBool("BUSY_POLLING"); ok {
		c.BusyPolling = v
	}
	if v, ok := lookupBool("STATS"); ok {
		c.Stats = v
	}
	if v, ok := lookupInt("WARMUP"); ok {
		c.Warmup = v
	}
	if v, ok := lookupBool("VERBOSE"); ok {
		c.Verbose = v
	}

	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func lookupInt(name string) (int, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookupBool(name string) (bool, bool) {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return false, false
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, false
	}
	return v, true
}

// parseDrivers parses "name1,count1;name2,count2;..." per the DRIVERS
// syntax, skipping malformed entries rather than failing the whole load.
func parseDrivers(raw string) []DriverSpec {
	var specs []DriverSpec
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ",")
		if len(fields) != 2 {
			continue
		}
		name := strings.TrimSpace(fields[0])
		count, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if name == "" || err != nil {
			continue
		}
		specs = append(specs, DriverSpec{Name: name, Count: count})
	}
	return specs
}
