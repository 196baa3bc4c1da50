package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AlertEvents.WithLabelValues("created").Inc()
	m.AlertEvents.WithLabelValues("created").Inc()
	m.FactsWritten.Add(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlertEvents.WithLabelValues("created")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FactsWritten))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "entityx_alert_events_total")
}

func TestNopIsIndependent(t *testing.T) {
	a, b := Nop(), Nop()
	a.ClusterConflicts.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ClusterConflicts))
}
