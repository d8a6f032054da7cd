// Package metrics exposes the service's prometheus collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "approvals"

// Delivery results
const (
	DeliverySent   = "sent"
	DeliveryRetry  = "retry"
	DeliveryFailed = "failed"
)

// Metrics groups the collectors registered on a private registry
type Metrics struct {
	registry *prometheus.Registry

	operations       *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	events           *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	outboxDepth      *prometheus.GaugeVec
}

// New creates the collectors and registers them with process and Go runtime collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Engine operations by definition, decision and outcome reason",
			},
			[]string{"definition", "decision", "reason"},
		),
		operationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Latency of submit and decide calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Workflow events emitted by type",
			},
			[]string{"type"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_deliveries_total",
				Help:      "Outbox delivery attempts by channel and result",
			},
			[]string{"channel", "result"},
		),
		outboxDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notification_outbox_messages",
				Help:      "Outbox rows by status",
			},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations,
		m.operationLatency,
		m.events,
		m.deliveries,
		m.outboxDepth,
	)
	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveOperation records one submit or decide call. reason is "" on success.
func (m *Metrics) ObserveOperation(operation, definition, decision, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "OK"
	}
	m.operations.WithLabelValues(definition, decision, reason).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveEvent counts an emitted workflow event
func (m *Metrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// ObserveDelivery counts one outbox delivery attempt
func (m *Metrics) ObserveDelivery(channel, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, result).Inc()
}

// SetOutboxDepth publishes the outbox row counts
func (m *Metrics) SetOutboxDepth(counts map[string]int) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.outboxDepth.WithLabelValues(status).Set(float64(n))
	}
}
