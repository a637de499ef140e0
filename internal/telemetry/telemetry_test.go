package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExportsSnapshot(t *testing.T) {
	snap := Snapshot{
		CommandsH2D:   3,
		BytesH2D:      1024,
		FetchesIssued: 2,
		MaxQueueDepth: 7,
		UptimeNs:      500,
	}
	c := NewCollector(func() Snapshot { return snap })

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, fam := range families {
		if fam.GetName() == "xkrt_commands_total" {
			found = true
			var h2d *dto.Metric
			for _, m := range fam.Metric {
				for _, l := range m.Label {
					if l.GetName() == "type" && l.GetValue() == "h2d" {
						h2d = m
					}
				}
			}
			require.NotNil(t, h2d)
			assert.Equal(t, float64(3), h2d.GetCounter().GetValue())
		}
	}
	assert.True(t, found, "expected xkrt_commands_total family")
}

func TestRegisterUsesDefaultRegistererWhenNil(t *testing.T) {
	c := NewCollector(func() Snapshot { return Snapshot{} })
	require.NoError(t, Register(nil, c))
	assert.True(t, prometheus.DefaultRegisterer.Unregister(c), "collector should be on the default registerer")
}
