package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the value of the named metric, matching the given label value if any
func value(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if label != "" {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetValue() == label {
						found = true
					}
				}
				if !found {
					continue
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.IncEventsReceived("nats")
	m.IncEventsReceived("nats")
	m.IncEventsInvalid("http")
	m.IncDecisions("auto_blocked")
	m.IncFindings("high")
	m.IncBlocks("auto")
	m.IncFeedRecords("finding")
	m.SetBlockedAddresses(3)
	m.SetSettings(7.5, true)

	assert.Equal(t, 2.0, value(t, reg, "ids_events_received_total", "nats"))
	assert.Equal(t, 1.0, value(t, reg, "ids_events_invalid_total", "http"))
	assert.Equal(t, 1.0, value(t, reg, "ids_decisions_total", "auto_blocked"))
	assert.Equal(t, 1.0, value(t, reg, "ids_blocks_total", "auto"))
	assert.Equal(t, 3.0, value(t, reg, "ids_blocked_addresses", ""))
	assert.Equal(t, 7.5, value(t, reg, "ids_sensitivity", ""))
	assert.Equal(t, 1.0, value(t, reg, "ids_auto_block_enabled", ""))

	m.SetSettings(2, false)
	assert.Equal(t, 0.0, value(t, reg, "ids_auto_block_enabled", ""))
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
