package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the gateway. A nil *Metrics
// records nothing.
type Metrics struct {
	Received *prometheus.CounterVec
	Sent     *prometheus.CounterVec

	Resent    prometheus.Counter
	Expired   prometheus.Counter
	Confirmed prometheus.Counter

	ConnectedPilots prometheus.Gauge
	OutboxDepth     prometheus.Gauge
}

// NewMetrics registers the gateway metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Received: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_messages_received_total",
				Help: "Inbound envelopes by message key",
			},
			[]string{"key"},
		),
		Sent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_messages_sent_total",
				Help: "Outbound envelopes by message key",
			},
			[]string{"key"},
		),
		Resent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_resends_total",
				Help: "Unconfirmed messages sent again by the resend loop",
			},
		),
		Expired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_expired_total",
				Help: "Messages dropped after their TTL ran out",
			},
		),
		Confirmed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_confirms_total",
				Help: "Outbox entries resolved by pilot confirms",
			},
		),
		ConnectedPilots: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_connected_pilots",
				Help: "Pilots with a live connection",
			},
		),
		OutboxDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_outbox_depth",
				Help: "Messages awaiting confirmation",
			},
		),
	}
}

func (m *Metrics) RecordReceived(key string) {
	if m == nil {
		return
	}
	m.Received.WithLabelValues(key).Inc()
}

func (m *Metrics) RecordSent(key string) {
	if m == nil {
		return
	}
	m.Sent.WithLabelValues(key).Inc()
}

func (m *Metrics) RecordResent() {
	if m == nil {
		return
	}
	m.Resent.Inc()
}

func (m *Metrics) RecordExpired() {
	if m == nil {
		return
	}
	m.Expired.Inc()
}

func (m *Metrics) RecordConfirmed() {
	if m == nil {
		return
	}
	m.Confirmed.Inc()
}

func (m *Metrics) SetConnected(count int) {
	if m == nil {
		return
	}
	m.ConnectedPilots.Set(float64(count))
}

func (m *Metrics) RecordOutboxDepth(depth int) {
	if m == nil {
		return
	}
	m.OutboxDepth.Set(float64(depth))
}
