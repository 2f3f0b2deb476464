package obs

import (
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, m *Metrics) float64 {
	t.Helper()
	pb := &io_prometheus_client.Metric{}
	require.NoError(t, m.RecoveryRatio.Write(pb))
	return pb.GetGauge().GetValue()
}

func TestObserveRecoveryUpdatesRatio(t *testing.T) {
	m := NewMetrics()

	m.ObserveRecovery(true, time.Now().Add(-30*time.Second))
	m.ObserveRecovery(true, time.Now().Add(-time.Minute))
	m.ObserveRecovery(false, time.Time{})

	assert.InDelta(t, 2.0/3.0, gaugeValue(t, m), 1e-9)
	assert.InDelta(t, 2.0, counterValue(m.RecoveredSegments), 1e-9)
	assert.InDelta(t, 1.0, counterValue(m.FailedRecoveries), 1e-9)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveRecovery(true, time.Now())
		m.RecordFlushError()
		m.RecordTrainingRun("ok", time.Second)
	})
}

func TestRegistriesAreIndependent(t *testing.T) {
	// Two instances must not collide; each owns its registry.
	a := NewMetrics()
	b := NewMetrics()

	a.FlushErrors.Inc()
	assert.InDelta(t, 1.0, counterValue(a.FlushErrors), 1e-9)
	assert.InDelta(t, 0.0, counterValue(b.FlushErrors), 1e-9)
}

func TestHandlerServesRegistry(t *testing.T) {
	m := NewMetrics()
	assert.NotNil(t, m.Handler())
}
