package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkrt-go/xkrt/internal/constants"
)

func TestElectHonorsOCROwnership(t *testing.T) {
	owners := uint32(1 << 2) // device 2 is the sole owner
	got := Elect(0, constants.AutoAssignDeviceID, 4, func(i int) uint32 { return owners })
	assert.EqualValues(t, 2, got)
}

func TestElectHonorsExplicitTarget(t *testing.T) {
	got := Elect(-1, 3, 4, nil)
	assert.EqualValues(t, 3, got)
}

func TestElectFallsBackToRoundRobin(t *testing.T) {
	seen := make(map[int32]bool)
	for i := 0; i < 10; i++ {
		d := Elect(-1, constants.AutoAssignDeviceID, 4, nil)
		assert.True(t, d >= 0 && d < 3, "round robin must stay within non-host devices")
		seen[d] = true
	}
	assert.True(t, len(seen) > 1, "round robin should eventually visit more than one device")
}

func TestElectSingleDeviceAlwaysZero(t *testing.T) {
	got := Elect(-1, constants.AutoAssignDeviceID, 1, nil)
	assert.EqualValues(t, 0, got)
}

func TestElectTiedOwnersPicksAmongSet(t *testing.T) {
	owners := uint32(1<<0 | 1<<3)
	for i := 0; i < 20; i++ {
		got := Elect(0, constants.AutoAssignDeviceID, 4, func(i int) uint32 { return owners })
		assert.True(t, got == 0 || got == 3)
	}
}
