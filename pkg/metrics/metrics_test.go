package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventPublished("adapter.message")
		m.EventDeduplicated()
		m.HandlerPanic("eventbus")
		m.ReconnectAttempt("bot-1")
		m.FrameReceived("bot-1", "message")
		m.SetConnected("bot-1", true)
		m.QueueJob("memory-1", "completed")
	})
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventPublished("adapter.message")
	m.EventPublished("adapter.message")
	m.EventDeduplicated()
	m.ReconnectAttempt("bot-1")
	m.SetConnected("bot-1", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsPublished.WithLabelValues("adapter.message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDeduplicated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnectAttempts.WithLabelValues("bot-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.adapterConnected.WithLabelValues("bot-1")))

	m.SetConnected("bot-1", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.adapterConnected.WithLabelValues("bot-1")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewRegistry(t *testing.T) {
	reg, m := NewRegistry()
	require.NotNil(t, reg)
	require.NotNil(t, m)

	m.QueueJob("memory-1", "failed")
	families, err := reg.Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() == "renflow_queue_jobs_total" {
			found = true
		}
	}
	assert.True(t, found)
}
