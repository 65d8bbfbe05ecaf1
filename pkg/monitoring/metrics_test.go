package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RevisionApplied(OutcomeApplied)
	m.LockTimeout()
	m.PersistenceFailure()
	m.ObserveFlush(0.1)
	m.DocumentOpened()
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RevisionApplied(OutcomeGap)
	m.RevisionApplied(OutcomeGap)
	m.PersistenceFailure()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RevisionsApplied.WithLabelValues(OutcomeGap)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PersistenceFailures))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.LockTimeouts))
}
