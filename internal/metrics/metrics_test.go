// ABOUTME: Tests for gauge registration from stat sources.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	clients := 3

	require.NoError(t, RegisterGauges(reg, Sources{
		Connected:     func() bool { return true },
		ActiveClients: func() int { return clients },
	}))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	clients = 5
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "vox_sse_active_clients" {
			assert.Equal(t, float64(5), mf.GetMetric()[0].GetGauge().GetValue())
		}
	}
}

func TestRegisterGaugesRejectsDuplicates(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := Sources{Functions: func() int { return 1 }}

	require.NoError(t, RegisterGauges(reg, src))
	assert.Error(t, RegisterGauges(reg, src))
}
