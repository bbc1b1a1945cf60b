package dchannel

import (
	"github.com/gordian-engine/drake/dfault"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters updated by channels.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesSent   prometheus.Counter
	SendsDropped prometheus.Counter
	SendFailures prometheus.Counter
	Handshakes   prometheus.Counter

	// Labeled by fault kind.
	Faults *prometheus.CounterVec

	// Labeled by disconnect reason.
	Disconnects *prometheus.CounterVec
}

// NewMetrics creates the channel counters and registers them with reg.
// If reg is nil, the counters are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drake",
			Subsystem: "channel",
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport.",
		}),
		SendsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drake",
			Subsystem: "channel",
			Name:      "sends_dropped_total",
			Help:      "Sends refused because the channel was not open or the payload was too large.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drake",
			Subsystem: "channel",
			Name:      "send_failures_total",
			Help:      "Frames the transport reported as failed.",
		}),
		Handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drake",
			Subsystem: "channel",
			Name:      "handshakes_total",
			Help:      "Handshakes completed.",
		}),
		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drake",
			Subsystem: "channel",
			Name:      "faults_total",
			Help:      "Faults that closed a channel, by kind.",
		}, []string{"kind"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drake",
			Subsystem: "channel",
			Name:      "disconnects_total",
			Help:      "Channel teardowns, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FramesSent,
			m.SendsDropped,
			m.SendFailures,
			m.Handshakes,
			m.Faults,
			m.Disconnects,
		)
	}

	return m
}

func (m *Metrics) frameSent() {
	if m != nil {
		m.FramesSent.Inc()
	}
}

func (m *Metrics) sendDropped() {
	if m != nil {
		m.SendsDropped.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.SendFailures.Inc()
	}
}

func (m *Metrics) handshakeCompleted() {
	if m != nil {
		m.Handshakes.Inc()
	}
}

func (m *Metrics) fault(k dfault.Kind) {
	if m != nil {
		m.Faults.WithLabelValues(k.String()).Inc()
	}
}

func (m *Metrics) disconnected(r DisconnectReason) {
	if m != nil {
		m.Disconnects.WithLabelValues(r.String()).Inc()
	}
}
