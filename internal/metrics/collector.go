// Package metrics provides internal metrics collection for the coordination
// core. This package is internal and should not be imported by external
// projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the prometheus instruments for the coordination core.
type Collector struct {
	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	eventsDelivered *prometheus.CounterVec

	registeredAgents prometheus.Gauge

	handshakesTotal   *prometheus.CounterVec
	handshakeDuration prometheus.Histogram

	transfersTotal   *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec

	consensusTotal *prometheus.CounterVec

	handoffsTotal   *prometheus.CounterVec
	handoffDuration prometheus.Histogram
}

// NewCollector creates a collector registered against reg. Passing a fresh
// registry per instance keeps tests independent; production wiring passes
// prometheus.DefaultRegisterer.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	c := &Collector{}

	c.eventsPublished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_published_total",
			Help:      "Total number of events published on the bus",
		},
		[]string{"type"},
	)
	c.eventsDropped = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_dropped_total",
			Help:      "Total number of events dropped by the bus",
		},
		[]string{"reason"},
	)
	c.eventsDelivered = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_delivered_total",
			Help:      "Total number of handler deliveries",
		},
		[]string{"type"},
	)

	c.registeredAgents = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_agents",
			Help:      "Number of currently registered agents",
		},
	)

	c.handshakesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshake outcomes by terminal state",
		},
		[]string{"outcome"},
	)
	c.handshakeDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Handshake negotiation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	c.transfersTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transfers_total",
			Help:      "State transfers by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
	c.transferDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_transfer_duration_seconds",
			Help:      "State transfer duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"mode"},
	)

	c.consensusTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_sessions_total",
			Help:      "Consensus session outcomes",
		},
		[]string{"outcome"},
	)

	c.handoffsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Handoff attempts by result",
		},
		[]string{"result"},
	)
	c.handoffDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_duration_seconds",
			Help:      "End-to-end handoff duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)

	return c
}

// RecordEventPublished counts a published event.
func (c *Collector) RecordEventPublished(eventType string) {
	c.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped counts a dropped event with the drop reason
// ("queue_full" or "expired").
func (c *Collector) RecordEventDropped(reason string) {
	c.eventsDropped.WithLabelValues(reason).Inc()
}

// RecordEventDelivered counts a completed handler delivery.
func (c *Collector) RecordEventDelivered(eventType string) {
	c.eventsDelivered.WithLabelValues(eventType).Inc()
}

// SetRegisteredAgents sets the registered agent gauge.
func (c *Collector) SetRegisteredAgents(n int) {
	c.registeredAgents.Set(float64(n))
}

// RecordHandshake records a handshake terminal outcome and its duration.
func (c *Collector) RecordHandshake(outcome string, d time.Duration) {
	c.handshakesTotal.WithLabelValues(outcome).Inc()
	c.handshakeDuration.Observe(d.Seconds())
}

// RecordTransfer records a state transfer attempt.
func (c *Collector) RecordTransfer(mode, outcome string, d time.Duration) {
	c.transfersTotal.WithLabelValues(mode, outcome).Inc()
	c.transferDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// RecordConsensus records a consensus session outcome.
func (c *Collector) RecordConsensus(outcome string) {
	c.consensusTotal.WithLabelValues(outcome).Inc()
}

// RecordHandoff records a handoff result ("accepted", "fallback",
// "exhausted") and its duration.
func (c *Collector) RecordHandoff(result string, d time.Duration) {
	c.handoffsTotal.WithLabelValues(result).Inc()
	c.handoffDuration.Observe(d.Seconds())
}
