// Command xkrt-demo brings up a runtime with a host driver and a simulated
// accelerator driver, registers a datum, spawns a small task graph over it,
// and prints the resulting telemetry as JSON.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"

	xkrt "github.com/xkrt-go/xkrt"
	"github.com/xkrt-go/xkrt/internal/config"
	"github.com/xkrt-go/xkrt/internal/driver/cpudrv"
	"github.com/xkrt-go/xkrt/internal/driver/hostdrv"
	"github.com/xkrt-go/xkrt/internal/driverapi"
	"github.com/xkrt-go/xkrt/internal/logging"
	"github.com/xkrt-go/xkrt/task"
)

func init() {
	if _, err := maxprocs.Set(); err != nil {
		log.Printf("xkrt-demo: maxprocs: %v", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroupHybrid),
	); err != nil {
		log.Printf("xkrt-demo: automemlimit: %v (GOMEMLIMIT left at default)", err)
	}
}

func main() {
	ngpus := flag.Int("ngpus", 1, "number of simulated accelerator devices")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	cfg := config.FromEnv()
	cfg.NGPUs = *ngpus
	cfg.Drivers = []config.DriverSpec{{Name: "cpu", Count: *ngpus}}
	cfg.Verbose = *verbose

	logCfg := logging.DefaultConfig()
	logCfg.Verbose = *verbose
	logger := logging.New(logCfg)

	registry := map[string]driverapi.Driver{
		"host": hostdrv.New(),
		"cpu":  cpudrv.New(1),
	}

	rt, err := xkrt.Init(cfg, registry, logger)
	if err != nil {
		log.Fatalf("xkrt-demo: init: %v", err)
	}
	defer rt.Close()

	const elems = 1 << 16
	key, err := rt.MemoryHostAllocate(elems)
	if err != nil {
		log.Fatalf("xkrt-demo: allocate: %v", err)
	}
	defer rt.MemoryHostDeallocate(key)

	var h *xkrt.TaskHandle
	for i := 0; i < *ngpus; i++ {
		dev := int32(i)
		specs := []xkrt.AccessSpec{{
			DatumKey: key,
			Addr:     0,
			Size:     elems,
			Mode:     task.ModeReadWrite,
			Type:     task.TypeInterval,
		}}
		h, err = rt.TaskSpawn(nil, dev, -1, specs, nil, func() {
			time.Sleep(time.Millisecond)
		})
		if err != nil {
			log.Fatalf("xkrt-demo: spawn: %v", err)
		}
		h.Commit()
		h.Wait()
	}

	out, err := rt.StatsJSON()
	if err != nil {
		log.Fatalf("xkrt-demo: stats: %v", err)
	}
	fmt.Println(string(out))
}
