// Package metrics exposes the agent's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "ovn_bgp_agent"
	subsystem = "agent"
)

// Label names.
const (
	labelOperation = "operation"
	labelEvent     = "event"
	labelAction    = "action"
	labelOutcome   = "outcome"
)

// Outcome label values.
const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

func outcome(err error) string {
	if err != nil {
		return outcomeError
	}
	return outcomeSuccess
}

// -------------------------------------------------------------------------
// Collector
// -------------------------------------------------------------------------

// Collector holds all agent Prometheus metrics. It implements the metrics
// reporters of the engine, the event dispatcher and the GoBGP handler.
type Collector struct {
	// Operations counts engine operations (expose_ip, withdraw_subnet, ...)
	// by outcome.
	Operations *prometheus.CounterVec

	// Events counts dispatched event actions by event name and outcome.
	Events *prometheus.CounterVec

	// EventsDropped counts row notifications dropped on a full queue.
	EventsDropped prometheus.Counter

	// ResyncDuration observes full resync latency by outcome.
	ResyncDuration *prometheus.HistogramVec

	// ExposedIPs is the number of addresses on the advertising device.
	ExposedIPs prometheus.Gauge

	// LocalGateways is the number of router gateway ports bound locally.
	LocalGateways prometheus.Gauge

	// BGPUpdates counts paths added to or deleted from GoBGP by outcome.
	BGPUpdates *prometheus.CounterVec

	// BGPSuppressed counts advertisement changes held back by dampening.
	BGPSuppressed prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Operations,
		c.Events,
		c.EventsDropped,
		c.ResyncDuration,
		c.ExposedIPs,
		c.LocalGateways,
		c.BGPUpdates,
		c.BGPSuppressed,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Total engine operations by operation and outcome.",
		}, []string{labelOperation, labelOutcome}),

		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total dispatched Southbound events by event and outcome.",
		}, []string{labelEvent, labelOutcome}),

		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_dropped_total",
			Help:      "Total row notifications dropped because the event queue was full.",
		}),

		ResyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resync_duration_seconds",
			Help:      "Duration of full resyncs by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{labelOutcome}),

		ExposedIPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exposed_ips",
			Help:      "Number of addresses currently on the advertising device.",
		}),

		LocalGateways: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "local_gateways",
			Help:      "Number of router gateway ports bound to this chassis.",
		}),

		BGPUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gobgp",
			Name:      "path_updates_total",
			Help:      "Total GoBGP path updates by action and outcome.",
		}, []string{labelAction, labelOutcome}),

		BGPSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gobgp",
			Name:      "suppressed_total",
			Help:      "Total advertisement changes suppressed by flap dampening.",
		}),
	}
}

// -------------------------------------------------------------------------
// Engine
// -------------------------------------------------------------------------

// IncOperation counts one engine operation.
func (c *Collector) IncOperation(op string, err error) {
	c.Operations.WithLabelValues(op, outcome(err)).Inc()
}

// ObserveResync records one full resync.
func (c *Collector) ObserveResync(d time.Duration, err error) {
	c.ResyncDuration.WithLabelValues(outcome(err)).Observe(d.Seconds())
}

// SetExposedIPs sets the exposed address gauge.
func (c *Collector) SetExposedIPs(n int) {
	c.ExposedIPs.Set(float64(n))
}

// SetLocalGateways sets the local gateway gauge.
func (c *Collector) SetLocalGateways(n int) {
	c.LocalGateways.Set(float64(n))
}

// -------------------------------------------------------------------------
// Dispatcher
// -------------------------------------------------------------------------

// IncEvent counts one dispatched event action.
func (c *Collector) IncEvent(name string, err error) {
	c.Events.WithLabelValues(name, outcome(err)).Inc()
}

// IncDropped counts one dropped notification.
func (c *Collector) IncDropped() {
	c.EventsDropped.Inc()
}

// -------------------------------------------------------------------------
// GoBGP
// -------------------------------------------------------------------------

// IncPathUpdate counts one GoBGP AddPath or DeletePath call.
func (c *Collector) IncPathUpdate(action string, err error) {
	c.BGPUpdates.WithLabelValues(action, outcome(err)).Inc()
}

// IncSuppressed counts one change held back by dampening.
func (c *Collector) IncSuppressed() {
	c.BGPSuppressed.Inc()
}
