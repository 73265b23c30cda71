// Package metrics holds the Prometheus collectors for the event bus, the
// adapters and the queues. Every method is safe to call on a nil *Metrics so
// components can run without a registry (tests, embedded use).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "renflow"

// Metrics groups the collectors shared across components.
type Metrics struct {
	eventsPublished    *prometheus.CounterVec
	eventsDeduplicated prometheus.Counter
	handlerPanics      *prometheus.CounterVec
	reconnectAttempts  *prometheus.CounterVec
	framesReceived     *prometheus.CounterVec
	adapterConnected   *prometheus.GaugeVec
	queueJobs          *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Total events delivered to subscribers, by type",
		}, []string{"type"}),

		eventsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_deduplicated_total",
			Help:      "Total publishes suppressed by the dedup window",
		}),

		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "handler_panics_total",
			Help:      "Total handler panics recovered at the dispatch boundary",
		}, []string{"component"}),

		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "reconnect_attempts_total",
			Help:      "Total scheduled reconnection attempts",
		}, []string{"adapter"}),

		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "frames_total",
			Help:      "Total inbound frames by classification",
		}, []string{"adapter", "kind"}),

		adapterConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "connected",
			Help:      "1 while the adapter holds a live transport connection",
		}, []string{"adapter"}),

		queueJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Total queue job transitions by status",
		}, []string{"queue", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.eventsPublished,
			m.eventsDeduplicated,
			m.handlerPanics,
			m.reconnectAttempts,
			m.framesReceived,
			m.adapterConnected,
			m.queueJobs,
		)
	}
	return m
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors plus the component metrics.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, New(reg)
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDeduplicated() {
	if m == nil {
		return
	}
	m.eventsDeduplicated.Inc()
}

func (m *Metrics) HandlerPanic(component string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(component).Inc()
}

func (m *Metrics) ReconnectAttempt(adapterID string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(adapterID).Inc()
}

func (m *Metrics) FrameReceived(adapterID, kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(adapterID, kind).Inc()
}

func (m *Metrics) SetConnected(adapterID string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.adapterConnected.WithLabelValues(adapterID).Set(v)
}

func (m *Metrics) QueueJob(queueID, status string) {
	if m == nil {
		return
	}
	m.queueJobs.WithLabelValues(queueID, status).Inc()
}
