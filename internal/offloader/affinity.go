//go:build linux

package offloader

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinWorkerCPU pins the calling goroutine's OS thread and, if affinity is
// non-empty, restricts it to one CPU (runtime.LockOSThread plus
// unix.SchedSetaffinity), keeping a device worker's hot loop off the
// scheduler's migration path.
func pinWorkerCPU(cpus []int) {
	runtime.LockOSThread()
	if len(cpus) == 0 {
		return
	}
	var mask unix.CPUSet
	mask.Set(cpus[0])
	_ = unix.SchedSetaffinity(0, &mask)
}
