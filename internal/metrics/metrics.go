// Package metrics exposes Prometheus collectors for the exchange engine.
// All methods are safe on a nil *Metrics, which disables collection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "ocppcp"
	subsystem = "exchange"
)

// Completion outcomes beyond completion.Status.
const (
	OutcomeExpired   = "expired"
	OutcomeCancelled = "cancelled"
)

type Metrics struct {
	framesReceived      *prometheus.CounterVec
	framesSent          *prometheus.CounterVec
	malformedFrames     prometheus.Counter
	unknownCorrelations prometheus.Counter
	pendingCompletions  prometheus.Gauge
	completions         *prometheus.CounterVec
	outboundInFlight    prometheus.Gauge
	outboundEvictions   prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Decoded inbound frames by message kind.",
		}, []string{"kind"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Transmitted frames by message kind.",
		}, []string{"kind"}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		unknownCorrelations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unknown_correlations_total",
			Help:      "Replies that matched no outbound call.",
		}),
		pendingCompletions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pending_completions",
			Help:      "Inbound calls waiting for an application result.",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "completions_total",
			Help:      "Completion attempts and deadline expiries by outcome.",
		}, []string{"outcome"}),
		outboundInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbound_in_flight",
			Help:      "Outbound calls waiting for a reply.",
		}),
		outboundEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outbound_evictions_total",
			Help:      "Outbound records dropped by the correlation table capacity.",
		}),
	}
	reg.MustRegister(
		m.framesReceived,
		m.framesSent,
		m.malformedFrames,
		m.unknownCorrelations,
		m.pendingCompletions,
		m.completions,
		m.outboundInFlight,
		m.outboundEvictions,
	)
	return m
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameSent(kind string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) UnknownCorrelation() {
	if m == nil {
		return
	}
	m.unknownCorrelations.Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingCompletions.Set(float64(n))
}

func (m *Metrics) Completion(outcome string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetOutbound(n int) {
	if m == nil {
		return
	}
	m.outboundInFlight.Set(float64(n))
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.outboundEvictions.Inc()
}
