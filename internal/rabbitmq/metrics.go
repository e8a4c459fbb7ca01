package rabbitmq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcomes recorded by the consumer
const (
	OutcomeAcked   = "acked"
	OutcomeRetried = "retried"
	OutcomeParked  = "parked"
	OutcomePoison  = "poison"
	OutcomeFailed  = "failed"
)

// Metrics holds the broker core's prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	state              prometheus.Gauge
	failovers          prometheus.Counter
	connectAttempts    *prometheus.CounterVec
	channelRecreations prometheus.Counter
	published          *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
// With a nil registerer the collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		state: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mmate_relay",
			Name:      "connection_state",
			Help:      "Current connection state (0=disconnected, 1=connecting, 2=connected, 3=degraded)",
		}),
		failovers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mmate_relay",
			Name:      "failovers_total",
			Help:      "Number of switches to another broker node",
		}),
		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate_relay",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by result",
		}, []string{"result"}),
		channelRecreations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mmate_relay",
			Name:      "channel_recreations_total",
			Help:      "Number of channels reopened on a live connection",
		}),
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate_relay",
			Name:      "published_total",
			Help:      "Published messages by queue and result",
		}, []string{"queue", "result"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate_relay",
			Name:      "deliveries_total",
			Help:      "Consumed messages by queue and outcome",
		}, []string{"queue", "outcome"}),
	}
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) failover() {
	if m == nil {
		return
	}
	m.failovers.Inc()
}

func (m *Metrics) connectAttempt(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) channelRecreated() {
	if m == nil {
		return
	}
	m.channelRecreations.Inc()
}

func (m *Metrics) publish(queue string, err error) {
	if m == nil {
		return
	}
	result := "confirmed"
	if err != nil {
		result = "failed"
	}
	m.published.WithLabelValues(queue, result).Inc()
}

func (m *Metrics) delivery(queue, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(queue, outcome).Inc()
}
