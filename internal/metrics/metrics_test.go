package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RequestSubmitted("purchase_order")
	m.RequestSubmitted("purchase_order")
	m.RequestTerminal("purchase_order", "approved")
	m.SoDConflict(true)
	m.SetPendingEffects(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsSubmitted.WithLabelValues("purchase_order")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTerminal.WithLabelValues("purchase_order", "approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sodConflicts.WithLabelValues("true")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pendingEffects))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RequestSubmitted("x")
		m.EscalationFired("auto_reject")
		m.SideEffectFailed("status_sync")
	})
}
