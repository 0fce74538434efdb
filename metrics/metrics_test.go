package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveInvocation("Echo", true, 10*time.Millisecond)
	m.ObserveInvocation("Echo", false, time.Millisecond)
	m.ObserveInvocation("Echo", true, time.Millisecond)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ObservePush("ChatMessage", 3)
	m.ObservePush("ChatMessage", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.invocations.WithLabelValues("Echo", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invocations.WithLabelValues("Echo", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pushes.WithLabelValues("ChatMessage")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestMetricsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveInvocation("Echo", true, time.Second)
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ObservePush("x", 1)
}
