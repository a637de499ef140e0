// Package scheduler implements device election for ready device-tasks:
// owner-computes-rule via the coherency engine, an explicit target, or
// round-robin over the non-host devices.
package scheduler

import (
	"math/rand"
	"sync/atomic"

	"github.com/xkrt-go/xkrt/internal/constants"
)

// OwnerQuery resolves the set of devices owning the most bytes of a
// designated access, per internal/coherency.Tree.WhoOwns. Declared here as
// a function type (not a coherency import) to avoid scheduler depending on
// coherency's task.Access parameter — the runtime package supplies the
// closure.
type OwnerQuery func(ocrAccessIndex int) uint32 // bitmask of tied owners

// roundRobin is a process-wide counter for rule 3: "round-robin over
// all non-host devices (atomic counter modulo n_devices - 1)".
var roundRobin atomic.Uint64

// Elect applies the three election rules in order. ocrAccessIndex < 0 means no
// OCR access is configured; targetDeviceID == constants.AutoAssignDeviceID
// means no explicit target was given.
func Elect(ocrAccessIndex int, targetDeviceID int32, nDevices int, ownerQuery OwnerQuery) int32 {
	if ocrAccessIndex >= 0 && ownerQuery != nil {
		if owners := ownerQuery(ocrAccessIndex); owners != 0 {
			return pickRandomSetBit(owners)
		}
	}
	if targetDeviceID != constants.AutoAssignDeviceID {
		return targetDeviceID
	}
	if nDevices <= 1 {
		return 0
	}
	idx := roundRobin.Add(1) - 1
	return int32(idx % uint64(nDevices-1))
}

// pickRandomSetBit picks uniformly among the set bits of mask, breaking
// owner ties at random.
func pickRandomSetBit(mask uint32) int32 {
	var bits []int32
	for i := int32(0); i < 32; i++ {
		if mask&(uint32(1)<<uint(i)) != 0 {
			bits = append(bits, i)
		}
	}
	if len(bits) == 0 {
		return 0
	}
	return bits[rand.Intn(len(bits))]
}
