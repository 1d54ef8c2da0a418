package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the data pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Enqueued   *prometheus.CounterVec
	Dropped    *prometheus.CounterVec
	QueueDepth *prometheus.GaugeVec

	SinkWrites       *prometheus.CounterVec
	SinkWriteSeconds prometheus.Histogram
}

// NewMetrics registers the pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Enqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_enqueued_total",
				Help: "Messages accepted into a pipeline queue",
			},
			[]string{"queue"},
		),
		Dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_dropped_total",
				Help: "Messages dropped instead of processed",
			},
			[]string{"queue", "reason"}, // reason: full, closed, no_handler
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_depth",
				Help: "Current number of queued messages",
			},
			[]string{"queue"},
		),
		SinkWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_sink_writes_total",
				Help: "Sink write attempts by outcome",
			},
			[]string{"status"}, // status: ok, error
		),
		SinkWriteSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_sink_write_seconds",
				Help:    "Latency of individual sink writes",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
			},
		),
	}
}

func (m *Metrics) RecordEnqueued(queue string) {
	if m == nil {
		return
	}
	m.Enqueued.WithLabelValues(queue).Inc()
}

func (m *Metrics) RecordDropped(queue, reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(queue, reason).Inc()
}

func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) RecordSinkWrite(status string, seconds float64) {
	if m == nil {
		return
	}
	m.SinkWrites.WithLabelValues(status).Inc()
	m.SinkWriteSeconds.Observe(seconds)
}
